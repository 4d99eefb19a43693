package reconcile

import (
	"testing"
	"time"

	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/state"
	"github.com/steveyegge/docsync/internal/walker"
)

var (
	t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)

func localEntry(path, contentHash string) *walker.LocalEntry {
	return &walker.LocalEntry{Path: path, Kind: state.KindLeaf, Hash: contentHash}
}

func remoteEntry(path, id, contentHash string, mtime time.Time) *walker.RemoteEntry {
	return &walker.RemoteEntry{
		Node: remote.TreeNode{ID: id, Kind: remote.KindPage, MTime: mtime},
		Kind: state.KindLeaf,
		Path: path,
		Hash: contentHash,
	}
}

func stateEntry(path, id, localHash, remoteHash string, mtime time.Time, status state.Status) *state.Entry {
	return &state.Entry{
		Path:        path,
		RemoteID:    id,
		Kind:        state.KindLeaf,
		LocalHash:   localHash,
		RemoteHash:  remoteHash,
		RemoteMTime: mtime,
		Status:      status,
	}
}

func reconcileOne(t *testing.T, local *walker.LocalEntry, re *walker.RemoteEntry, st *state.Entry, opts Options) []Action {
	t.Helper()
	localSnap := walker.LocalSnapshot{}
	if local != nil {
		localSnap[local.Path] = local
	}
	remoteSnap := walker.RemoteSnapshot{}
	if re != nil {
		remoteSnap[re.Node.ID] = re
	}
	var states []*state.Entry
	if st != nil {
		states = append(states, st)
	}
	return Reconcile(localSnap, remoteSnap, states, opts)
}

// TestReconcile_DecisionTable walks the decision matrix row by row.
func TestReconcile_DecisionTable(t *testing.T) {
	tests := []struct {
		name   string
		local  *walker.LocalEntry
		remote *walker.RemoteEntry
		state  *state.Entry
		opts   Options
		want   Op
	}{
		{
			name:   "both exist no state adopts",
			local:  localEntry("n.md", "h1"),
			remote: remoteEntry("n.md", "r1", "h2", t0),
			want:   OpAdoptState,
		},
		{
			name:   "clean is a no-op",
			local:  localEntry("n.md", "h1"),
			remote: remoteEntry("n.md", "r1", "h2", t0),
			state:  stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean),
			want:   OpNone,
		},
		{
			name:   "local modified pushes",
			local:  localEntry("n.md", "h1x"),
			remote: remoteEntry("n.md", "r1", "h2", t0),
			state:  stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean),
			opts:   Options{Direction: DirPush},
			want:   OpPushUpdate,
		},
		{
			name:   "remote modified pulls",
			local:  localEntry("n.md", "h1"),
			remote: remoteEntry("n.md", "r1", "h2x", t1),
			state:  stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean),
			opts:   Options{Direction: DirPull},
			want:   OpPullUpdate,
		},
		{
			name:   "both modified conflicts",
			local:  localEntry("n.md", "h1x"),
			remote: remoteEntry("n.md", "r1", "h2x", t1),
			state:  stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean),
			want:   OpMarkConflict,
		},
		{
			name:   "new remote creates local",
			remote: remoteEntry("n.md", "r1", "h2", t0),
			want:   OpCreateLocal,
		},
		{
			name:   "clean local deletion deletes remote",
			remote: remoteEntry("n.md", "r1", "h2", t0),
			state:  stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean),
			want:   OpDeleteRemote,
		},
		{
			name:   "local deletion racing remote edit marks deleted-local",
			remote: remoteEntry("n.md", "r1", "h2x", t1),
			state:  stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean),
			want:   OpMarkDeletedLocal,
		},
		{
			name:  "clean remote deletion deletes local",
			local: localEntry("n.md", "h1"),
			state: stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean),
			want:  OpDeleteLocal,
		},
		{
			name:  "remote deletion racing local edit marks deleted-remote",
			local: localEntry("n.md", "h1x"),
			state: stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean),
			want:  OpMarkDeletedRemote,
		},
		{
			name:  "new local creates remote",
			local: localEntry("n.md", "h1"),
			want:  OpCreateRemote,
		},
		{
			name:  "both gone drops state",
			state: stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean),
			want:  OpDeleteState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := reconcileOne(t, tt.local, tt.remote, tt.state, tt.opts)
			if tt.want == OpNone {
				if len(actions) != 0 {
					t.Fatalf("expected no actions, got %v", actions)
				}
				return
			}
			if len(actions) != 1 {
				t.Fatalf("expected 1 action, got %d: %v", len(actions), actions)
			}
			if actions[0].Op != tt.want {
				t.Errorf("action = %v, want %v", actions[0].Op, tt.want)
			}
		})
	}
}

// TestReconcile_MTimeTieBreak verifies an equal mtime counts as "not
// changed remotely", and a newer mtime with identical content refreshes
// rather than pulls.
func TestReconcile_MTimeTieBreak(t *testing.T) {
	st := stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean)

	// Equal mtime, differing hash (stale recorded hash): not a remote
	// change.
	actions := reconcileOne(t, localEntry("n.md", "h1"), remoteEntry("n.md", "r1", "h2x", t0), st, Options{})
	if len(actions) != 0 {
		t.Errorf("equal mtime produced actions: %v", actions)
	}

	// Newer mtime, identical hash: a touch, refreshed not pulled.
	actions = reconcileOne(t, localEntry("n.md", "h1"), remoteEntry("n.md", "r1", "h2", t1), st, Options{})
	if len(actions) != 1 || actions[0].Op != OpTouchState {
		t.Errorf("touch produced %v, want OpTouchState", actions)
	}
}

// TestReconcile_ConflictSticky verifies no pass moves an entry out of
// conflict.
func TestReconcile_ConflictSticky(t *testing.T) {
	st := stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusConflict)

	for _, opts := range []Options{
		{Direction: DirPull},
		{Direction: DirPush},
		{Direction: DirPull, Force: true},
		{Direction: DirPush, Force: true},
		{Direction: DirBoth},
	} {
		actions := reconcileOne(t, localEntry("n.md", "h1x"), remoteEntry("n.md", "r1", "h2x", t1), st, opts)
		if len(actions) != 1 {
			t.Fatalf("opts %+v: expected the sticky row to be reported, got %v", opts, actions)
		}
		if actions[0].Op != OpNone {
			t.Errorf("opts %+v: conflict row produced %v", opts, actions[0].Op)
		}
	}
}

// TestReconcile_Force verifies force resolves modified rows, including a
// fresh both-modified row, in the named direction.
func TestReconcile_Force(t *testing.T) {
	// pull --force overrides a local modification.
	st := stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean)
	actions := reconcileOne(t, localEntry("n.md", "h1x"), remoteEntry("n.md", "r1", "h2", t0), st, Options{Direction: DirPull, Force: true})
	if len(actions) != 1 || actions[0].Op != OpPullUpdate {
		t.Errorf("pull --force: got %v, want pull", actions)
	}

	// push --force overrides a remote modification.
	actions = reconcileOne(t, localEntry("n.md", "h1"), remoteEntry("n.md", "r1", "h2x", t1), st, Options{Direction: DirPush, Force: true})
	if len(actions) != 1 || actions[0].Op != OpPushUpdate {
		t.Errorf("push --force: got %v, want push", actions)
	}

	// force resolves a fresh both-modified row in its direction.
	actions = reconcileOne(t, localEntry("n.md", "h1x"), remoteEntry("n.md", "r1", "h2x", t1), st, Options{Direction: DirPull, Force: true})
	if len(actions) != 1 || actions[0].Op != OpPullUpdate {
		t.Errorf("pull --force both-modified: got %v, want pull", actions)
	}
}

// TestReconcile_DirectionFilter verifies push-direction actions are
// omitted from pull passes and vice versa.
func TestReconcile_DirectionFilter(t *testing.T) {
	st := stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean)

	// Local modification is push work; a pull pass skips it.
	actions := reconcileOne(t, localEntry("n.md", "h1x"), remoteEntry("n.md", "r1", "h2", t0), st, Options{Direction: DirPull})
	if len(actions) != 0 {
		t.Errorf("pull pass executed push work: %v", actions)
	}

	// Remote modification is pull work; a push pass skips it.
	actions = reconcileOne(t, localEntry("n.md", "h1"), remoteEntry("n.md", "r1", "h2x", t1), st, Options{Direction: DirPush})
	if len(actions) != 0 {
		t.Errorf("push pass executed pull work: %v", actions)
	}
}

// TestReconcile_KindChangeConflicts verifies a remote kind change becomes
// a conflict.
func TestReconcile_KindChangeConflicts(t *testing.T) {
	st := stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusClean)
	re := remoteEntry("n.md", "r1", "h2x", t1)
	re.Kind = state.KindDatabase
	re.Node.Kind = remote.KindDatabase

	actions := reconcileOne(t, localEntry("n.md", "h1"), re, st, Options{})
	if len(actions) != 1 || actions[0].Op != OpMarkConflict {
		t.Errorf("kind change: got %v, want conflict", actions)
	}
}

// TestReconcile_StickyError verifies conversion-error entries are skipped
// until the content changes.
func TestReconcile_StickyError(t *testing.T) {
	st := stateEntry("n.md", "r1", "h1", "h2", t0, state.StatusError)
	st.ErrorMsg = "bad frontmatter"
	st.ErrorHash = "h1bad"

	// Same failing content: skipped with the sticky reason.
	actions := reconcileOne(t, localEntry("n.md", "h1bad"), remoteEntry("n.md", "r1", "h2", t0), st, Options{})
	if len(actions) != 1 || actions[0].Op != OpNone {
		t.Fatalf("sticky error row: got %v", actions)
	}

	// Content moved: the entry is retried (local changed, remote clean ->
	// push).
	actions = reconcileOne(t, localEntry("n.md", "h1fixed"), remoteEntry("n.md", "r1", "h2", t0), st, Options{Direction: DirPush})
	if len(actions) != 1 || actions[0].Op != OpPushUpdate {
		t.Errorf("retry after content change: got %v, want push", actions)
	}
}
