// Package engine orchestrates sync runs: it snapshots both sides, feeds
// the join to the reconciler, and executes the resulting actions with
// per-entry error isolation. Every action is side-effect first, state
// commit second, so a crash between the two is rediscovered (not lost) by
// the next run's reconcile.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/docsync/internal/convert"
	"github.com/steveyegge/docsync/internal/reconcile"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/state"
	"github.com/steveyegge/docsync/internal/walker"
)

// ErrConflictsPresent is returned by runs that completed but left
// conflicted entries behind. The CLI maps it to exit code 1.
var ErrConflictsPresent = errors.New("conflicts present")

// ErrNotConflicted is returned by Resolve when the entry has nothing to
// resolve.
var ErrNotConflicted = errors.New("entry is not in a conflicted state")

// Engine runs pull, push, sync, status, and resolve against one workspace.
// It is the only writer of the workspace's state store; concurrent engines
// are excluded by the workspace lock taken in the CLI layer.
type Engine struct {
	root   string
	rootID string
	store  *state.Store
	client remote.Client
	logger *log.Logger
	now    func() time.Time
}

// New creates an engine for the workspace rooted at root, bound to the
// remote subtree under rootID. If logger is nil, a default stderr logger
// is used.
func New(root, rootID string, store *state.Store, client remote.Client, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		root:   root,
		rootID: rootID,
		store:  store,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// Result is the outcome for one entry in a run.
type Result struct {
	Path   string
	Action string
	Reason string
	Err    error
}

// Report summarizes a run.
type Report struct {
	Synced    int
	Conflicts int
	Failed    int
	Pending   int // status-only: actions reported but not executed
	Results   []Result
}

// Err returns the error a completed run should surface: conflicts map to
// ErrConflictsPresent, per-entry failures to a summary error, nil
// otherwise.
func (r *Report) Err() error {
	if r.Conflicts > 0 {
		return fmt.Errorf("%w: %d entries", ErrConflictsPresent, r.Conflicts)
	}
	if r.Failed > 0 {
		return fmt.Errorf("%d entries failed to sync", r.Failed)
	}
	return nil
}

// Merge folds another report into r. Conflicts are recounted by path so an
// entry reported by both the pull and push pass counts once.
func (r *Report) Merge(other *Report) {
	r.Synced += other.Synced
	r.Failed += other.Failed
	r.Pending += other.Pending
	r.Results = append(r.Results, other.Results...)

	conflicted := make(map[string]bool)
	for _, res := range r.Results {
		if res.conflicted() {
			conflicted[res.Path] = true
		}
	}
	r.Conflicts = len(conflicted)
}

// conflicted reports whether the result row represents an entry waiting on
// explicit resolution.
func (res Result) conflicted() bool {
	switch res.Action {
	case "conflict", "deleted-local", "deleted-remote":
		return true
	}
	return strings.HasPrefix(res.Reason, "conflict (") ||
		strings.HasPrefix(res.Reason, "deleted-local (") ||
		strings.HasPrefix(res.Reason, "deleted-remote (")
}

// Pull reconciles remote-to-local. With force, local modifications are
// overwritten by the remote version; pre-existing conflicts stay put.
func (e *Engine) Pull(ctx context.Context, force bool) (*Report, error) {
	return e.run(ctx, reconcile.Options{Direction: reconcile.DirPull, Force: force})
}

// Push reconciles local-to-remote. With force, remote modifications are
// overwritten by the local version; pre-existing conflicts stay put.
func (e *Engine) Push(ctx context.Context, force bool) (*Report, error) {
	return e.run(ctx, reconcile.Options{Direction: reconcile.DirPush, Force: force})
}

// Sync runs pull then push. A conflict produced by the pull pass is sticky
// and is not overwritten by the push pass.
func (e *Engine) Sync(ctx context.Context) (*Report, error) {
	report, err := e.Pull(ctx, false)
	if report == nil {
		return nil, err
	}
	pushReport, pushErr := e.Push(ctx, false)
	if pushReport == nil {
		return report, pushErr
	}
	report.Merge(pushReport)
	return report, report.Err()
}

// Status reconciles without executing and reports the pending action per
// path. It performs no writes.
func (e *Engine) Status(ctx context.Context) (*Report, error) {
	actions, err := e.plan(ctx, reconcile.Options{Direction: reconcile.DirBoth})
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, a := range actions {
		report.Results = append(report.Results, Result{
			Path:   a.Path,
			Action: a.Op.String(),
			Reason: a.Reason,
		})
		switch {
		case a.Op == reconcile.OpMarkConflict ||
			a.Op == reconcile.OpMarkDeletedLocal ||
			a.Op == reconcile.OpMarkDeletedRemote ||
			isConflictReport(a):
			report.Conflicts++
		case a.Op != reconcile.OpNone:
			report.Pending++
		}
	}
	return report, nil
}

func isConflictReport(a reconcile.Action) bool {
	return a.Op == reconcile.OpNone && a.State != nil &&
		(a.State.Status == state.StatusConflict ||
			a.State.Status == state.StatusDeletedLocal ||
			a.State.Status == state.StatusDeletedRemote)
}

// plan snapshots both sides and reconciles.
func (e *Engine) plan(ctx context.Context, opts reconcile.Options) ([]reconcile.Action, error) {
	localSnap, err := walker.SnapshotLocal(e.root)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot local tree: %w", err)
	}

	states, err := e.store.ListAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	remoteSnap, err := walker.SnapshotRemote(ctx, e.client, e.rootID, states, convert.Render)
	if err != nil {
		return nil, err
	}

	return reconcile.Reconcile(localSnap, remoteSnap, states, opts), nil
}

// run plans and executes one pass. Creations run parents-first, then
// updates and marks, then deletions deepest-first. Per-entry failures are
// recorded and the run continues.
func (e *Engine) run(ctx context.Context, opts reconcile.Options) (*Report, error) {
	actions, err := e.plan(ctx, opts)
	if err != nil {
		return nil, err
	}

	ordered := orderActions(actions)
	report := &Report{}
	for _, a := range ordered {
		if err := ctx.Err(); err != nil {
			// Cancellation between entries; work already committed stands.
			return report, err
		}

		res := Result{Path: a.Path, Action: a.Op.String(), Reason: a.Reason}
		switch a.Op {
		case reconcile.OpNone:
			switch {
			case a.Remote != nil && a.Remote.Err != nil:
				res.Err = a.Remote.Err
				if a.Remote.ErrConvert {
					e.markConversionErrorRow(a)
				}
			case isConflictReport(a):
				report.Conflicts++
			}
		case reconcile.OpTouchState:
			res.Err = e.touchState(a)
		case reconcile.OpMarkConflict:
			res.Err = e.markStatus(a, state.StatusConflict)
			if res.Err == nil {
				report.Conflicts++
			}
		case reconcile.OpMarkDeletedLocal:
			res.Err = e.markStatus(a, state.StatusDeletedLocal)
			if res.Err == nil {
				report.Conflicts++
			}
		case reconcile.OpMarkDeletedRemote:
			res.Err = e.markStatus(a, state.StatusDeletedRemote)
			if res.Err == nil {
				report.Conflicts++
			}
		default:
			res.Err = e.execute(ctx, a)
			if res.Err == nil {
				report.Synced++
			}
		}

		if res.Err != nil {
			report.Failed++
			e.logger.Printf("%s %s failed: %v", a.Op, a.Path, res.Err)
		}
		report.Results = append(report.Results, res)
	}

	return report, report.Err()
}

// orderActions sorts for safe execution: creations ascending by depth so
// parents exist before children, then updates and marks, then deletions
// descending by depth so children go before parents.
func orderActions(actions []reconcile.Action) []reconcile.Action {
	phase := func(op reconcile.Op) int {
		switch op {
		case reconcile.OpAdoptState, reconcile.OpCreateLocal, reconcile.OpCreateRemote:
			return 0
		case reconcile.OpPullUpdate, reconcile.OpPushUpdate,
			reconcile.OpMarkConflict, reconcile.OpMarkDeletedLocal,
			reconcile.OpMarkDeletedRemote, reconcile.OpTouchState,
			reconcile.OpNone:
			return 1
		default:
			return 2
		}
	}

	ordered := make([]reconcile.Action, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := phase(ordered[i].Op), phase(ordered[j].Op)
		if pi != pj {
			return pi < pj
		}
		di, dj := walker.Depth(ordered[i].Path), walker.Depth(ordered[j].Path)
		if di != dj {
			if pi == 2 {
				return di > dj // deletions deepest-first
			}
			return di < dj // creations parents-first
		}
		return ordered[i].Path < ordered[j].Path
	})
	return ordered
}

// markStatus flips an entry's status without touching content.
func (e *Engine) markStatus(a reconcile.Action, st state.Status) error {
	return e.store.Transaction(func(tx *state.Tx) error {
		entry, err := tx.GetByPath(a.Path)
		if err != nil {
			return err
		}
		entry.Status = st
		return tx.Upsert(entry)
	})
}

// touchState refreshes the recorded remote mtime after a contentless
// remote touch, so later snapshots stop refetching the document.
func (e *Engine) touchState(a reconcile.Action) error {
	return e.store.Transaction(func(tx *state.Tx) error {
		entry, err := tx.GetByPath(a.Path)
		if err != nil {
			return err
		}
		entry.RemoteMTime = a.Remote.Node.MTime
		entry.RemoteHash = a.Remote.Hash
		return tx.Upsert(entry)
	})
}

// markConversionErrorRow records a remote-side conversion failure as a
// sticky error when the entry already has a state row.
func (e *Engine) markConversionErrorRow(a reconcile.Action) {
	if a.State == nil || a.State.Status == state.StatusError {
		return
	}
	err := e.store.Transaction(func(tx *state.Tx) error {
		entry, err := tx.GetByPath(a.Path)
		if err != nil {
			return err
		}
		entry.Status = state.StatusError
		entry.ErrorMsg = a.Remote.Err.Error()
		entry.ErrorHash = a.Remote.Hash
		return tx.Upsert(entry)
	})
	if err != nil {
		e.logger.Printf("failed to record conversion error for %s: %v", a.Path, err)
	}
}
