// Package reconcile holds the pure decision function of the sync engine.
//
// Reconcile joins a local snapshot, a remote snapshot, and the state store
// rows into one row per path, and derives the action that brings the three
// back into agreement. It performs no I/O; the engine executes the actions.
package reconcile

import (
	"sort"

	"github.com/steveyegge/docsync/internal/state"
	"github.com/steveyegge/docsync/internal/walker"
)

// Op identifies what the engine must do for one entry.
type Op int

const (
	// OpNone means the entry needs nothing (clean, or sticky conflict /
	// error reported but untouched).
	OpNone Op = iota
	// OpAdoptState creates a state row for a path present on both sides
	// with no row, overwriting local bytes when the hashes differ.
	OpAdoptState
	// OpCreateLocal writes a new local file from remote content.
	OpCreateLocal
	// OpCreateRemote creates a remote document from a new local file.
	OpCreateRemote
	// OpPullUpdate overwrites local content from a modified remote.
	OpPullUpdate
	// OpPushUpdate pushes modified local content to the remote.
	OpPushUpdate
	// OpDeleteLocal removes the local file after a clean remote deletion.
	OpDeleteLocal
	// OpDeleteRemote archives the remote document after a clean local
	// deletion.
	OpDeleteRemote
	// OpDeleteState drops the state row once both sides are gone.
	OpDeleteState
	// OpMarkConflict records that both sides changed.
	OpMarkConflict
	// OpMarkDeletedLocal records a local deletion racing a remote edit.
	OpMarkDeletedLocal
	// OpMarkDeletedRemote records a remote deletion racing a local edit.
	OpMarkDeletedRemote
	// OpTouchState refreshes the recorded remote mtime when the remote was
	// touched without a content change, so later runs stop refetching it.
	OpTouchState
)

// String returns the action name used in status output and logs.
func (op Op) String() string {
	switch op {
	case OpNone:
		return "none"
	case OpAdoptState:
		return "adopt"
	case OpCreateLocal:
		return "new-remote"
	case OpCreateRemote:
		return "new-local"
	case OpPullUpdate:
		return "pull"
	case OpPushUpdate:
		return "push"
	case OpDeleteLocal:
		return "delete-local"
	case OpDeleteRemote:
		return "delete-remote"
	case OpDeleteState:
		return "forget"
	case OpMarkConflict:
		return "conflict"
	case OpMarkDeletedLocal:
		return "deleted-local"
	case OpMarkDeletedRemote:
		return "deleted-remote"
	case OpTouchState:
		return "refresh"
	default:
		return "unknown"
	}
}

// Direction selects which side's actions a run executes.
type Direction int

const (
	// DirBoth executes everything (status reporting, resolve planning).
	DirBoth Direction = iota
	// DirPull executes only remote-to-local actions.
	DirPull
	// DirPush executes only local-to-remote actions.
	DirPush
)

// direction classifies each op. Conflict marks, refreshes, and state-only
// cleanup belong to both passes. Each deletion-race mark belongs to the
// pass whose deletion it blocks: deleted-remote to pull, deleted-local to
// push.
func (op Op) direction() Direction {
	switch op {
	case OpAdoptState, OpCreateLocal, OpPullUpdate, OpDeleteLocal, OpMarkDeletedRemote:
		return DirPull
	case OpCreateRemote, OpPushUpdate, OpDeleteRemote, OpMarkDeletedLocal:
		return DirPush
	default:
		return DirBoth
	}
}

// Options tunes one reconcile pass.
type Options struct {
	Direction Direction
	// Force resolves local-modified in favor of remote on pull, and
	// remote-modified in favor of local on push. It never clears a
	// pre-existing conflict status.
	Force bool
}

// Action is one decision for one path.
type Action struct {
	Op     Op
	Path   string
	Reason string

	Local  *walker.LocalEntry
	Remote *walker.RemoteEntry
	State  *state.Entry
}

// Resolution is an explicit way out of a conflict.
type Resolution string

const (
	// KeepLocal treats local bytes as authoritative: push, then clean.
	KeepLocal Resolution = "keep-local"
	// KeepRemote overwrites local with remote content, then clean.
	KeepRemote Resolution = "keep-remote"
	// KeepBoth renames local to a conflict copy and applies remote as the
	// canonical entry; the copy surfaces as new-local on the next scan.
	KeepBoth Resolution = "keep-both"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == KeepLocal || r == KeepRemote || r == KeepBoth
}

// row is the three-way join for one path.
type row struct {
	path   string
	local  *walker.LocalEntry
	remote *walker.RemoteEntry
	st     *state.Entry
}

// Reconcile produces the action list for the given snapshots and state.
// Actions outside the requested direction are omitted entirely; OpNone
// rows are included only when they carry a reason worth reporting (sticky
// conflicts and errors).
func Reconcile(local walker.LocalSnapshot, remoteSnap walker.RemoteSnapshot, states []*state.Entry, opts Options) []Action {
	rows := join(local, remoteSnap, states)

	var actions []Action
	for _, r := range rows {
		a := decide(r, opts)
		if a.Op == OpNone && a.Reason == "" {
			continue
		}
		if a.Op != OpNone {
			dir := a.Op.direction()
			if opts.Direction != DirBoth && dir != DirBoth && dir != opts.Direction {
				continue
			}
		}
		actions = append(actions, a)
	}
	return actions
}

func join(local walker.LocalSnapshot, remoteSnap walker.RemoteSnapshot, states []*state.Entry) []row {
	byPath := make(map[string]*row)
	get := func(path string) *row {
		r, ok := byPath[path]
		if !ok {
			r = &row{path: path}
			byPath[path] = r
		}
		return r
	}

	for _, e := range states {
		get(e.Path).st = e
	}
	for path, l := range local {
		get(path).local = l
	}
	for _, re := range remoteSnap {
		get(re.Path).remote = re
	}

	paths := make([]string, 0, len(byPath))
	for path := range byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	rows := make([]row, 0, len(paths))
	for _, path := range paths {
		rows = append(rows, *byPath[path])
	}
	return rows
}

// decide implements the decision table. Tie-breaks: mtime comparison is
// strictly greater-than (equal counts as unchanged), hash comparison is
// byte-equal on canonical form.
func decide(r row, opts Options) Action {
	a := Action{Path: r.path, Local: r.local, Remote: r.remote, State: r.st}

	// Sticky conflict overrides every row; only resolve exits it.
	if r.st != nil && r.st.Status == state.StatusConflict {
		a.Op = OpNone
		a.Reason = "conflict (run resolve)"
		return a
	}

	// Sticky conversion error: skip until the content changes.
	if r.st != nil && r.st.Status == state.StatusError {
		if r.local != nil && r.local.Hash == r.st.ErrorHash {
			a.Op = OpNone
			a.Reason = "error (sticky): " + r.st.ErrorMsg
			return a
		}
		if r.remote != nil && r.remote.Hash == r.st.ErrorHash {
			a.Op = OpNone
			a.Reason = "error (sticky): " + r.st.ErrorMsg
			return a
		}
	}

	// A remote-side fetch or conversion failure blocks decisions that
	// would need its content.
	if r.remote != nil && r.remote.Err != nil {
		a.Op = OpNone
		a.Reason = "remote error: " + r.remote.Err.Error()
		return a
	}

	switch {
	case r.local != nil && r.remote != nil && r.st == nil:
		// Same document discovered on both sides with no history.
		a.Op = OpAdoptState
		if r.local.Hash != r.remote.Hash {
			a.Reason = "adopting remote version"
		}
		return a

	case r.local != nil && r.remote != nil:
		return decideBothExist(r, a, opts)

	case r.local == nil && r.remote != nil && r.st == nil:
		a.Op = OpCreateLocal
		return a

	case r.local == nil && r.remote != nil:
		// Local file deleted.
		if remoteChanged(r) {
			if r.st.Status != state.StatusDeletedLocal {
				a.Op = OpMarkDeletedLocal
			} else {
				a.Op = OpNone
				a.Reason = "deleted-local (run resolve)"
			}
			return a
		}
		a.Op = OpDeleteRemote
		return a

	case r.local != nil && r.remote == nil && r.st != nil:
		// Remote document deleted.
		if localChanged(r) {
			if r.st.Status != state.StatusDeletedRemote {
				a.Op = OpMarkDeletedRemote
			} else {
				a.Op = OpNone
				a.Reason = "deleted-remote (run resolve)"
			}
			return a
		}
		a.Op = OpDeleteLocal
		return a

	case r.local != nil && r.remote == nil:
		a.Op = OpCreateRemote
		return a

	default:
		// Both sides gone; drop the row.
		a.Op = OpDeleteState
		return a
	}
}

func decideBothExist(r row, a Action, opts Options) Action {
	// A kind change (page turned database, leaf grown children, file
	// turned directory by external editing) is a conflict pending explicit
	// resolution.
	if r.remote.Kind != r.st.Kind || r.local.Kind != r.st.Kind {
		a.Op = OpMarkConflict
		a.Reason = "kind change: " + string(r.st.Kind) + " -> " + string(r.remote.Kind)
		return a
	}

	lc, rc := localChanged(r), remoteChanged(r)
	switch {
	case !lc && !rc:
		if r.remote.Node.MTime.After(r.st.RemoteMTime) {
			// Touched remotely with identical content.
			a.Op = OpTouchState
			return a
		}
		a.Op = OpNone
		return a
	case lc && !rc:
		if opts.Force && opts.Direction == DirPull {
			a.Op = OpPullUpdate
			a.Reason = "forced"
			return a
		}
		a.Op = OpPushUpdate
		return a
	case !lc && rc:
		if opts.Force && opts.Direction == DirPush {
			a.Op = OpPushUpdate
			a.Reason = "forced"
			return a
		}
		a.Op = OpPullUpdate
		return a
	default:
		if opts.Force && opts.Direction == DirPull {
			a.Op = OpPullUpdate
			a.Reason = "forced"
			return a
		}
		if opts.Force && opts.Direction == DirPush {
			a.Op = OpPushUpdate
			a.Reason = "forced"
			return a
		}
		a.Op = OpMarkConflict
		return a
	}
}

// localChanged reports whether the local bytes differ from the hash
// recorded at last sync.
func localChanged(r row) bool {
	if r.st == nil {
		return true
	}
	return r.local.Hash != r.st.LocalHash
}

// remoteChanged reports whether the remote moved past the recorded
// observation: a strictly newer mtime with a differing content hash. An
// equal mtime counts as unchanged; a newer mtime with identical content
// (a touch) also counts as unchanged.
func remoteChanged(r row) bool {
	if r.st == nil {
		return true
	}
	if !r.remote.Node.MTime.After(r.st.RemoteMTime) {
		return false
	}
	return r.remote.Hash != r.st.RemoteHash
}
