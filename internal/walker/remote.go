package walker

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/docsync/internal/hash"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/state"
)

// RemoteEntry is one remote document paired with the local path it maps
// to. Content is fetched lazily: entries whose mtime does not exceed the
// recorded value carry the recorded hash and nil Content.
type RemoteEntry struct {
	Node remote.TreeNode
	Kind state.Kind
	// Path is the workspace-relative path this document maps to: the path
	// recorded in state when a row exists, otherwise one derived from the
	// title chain.
	Path string
	// Hash is the fingerprint of the canonical rendered content.
	Hash string
	// Content holds the canonical rendered file bytes when they were
	// fetched; nil when the recorded hash was reused.
	Content []byte
	// Err records a content fetch or conversion failure for this node.
	// The entry still appears in the snapshot so the engine can surface it.
	Err error
	// ErrConvert marks Err as a conversion failure; the engine records it
	// as a sticky error keyed by the raw content fingerprint in Hash.
	ErrConvert bool
}

// RemoteSnapshot maps remote ids to remote entries.
type RemoteSnapshot map[string]*RemoteEntry

// Renderer turns fetched remote content into canonical file bytes for a
// given kind. Satisfied by convert.Render.
type Renderer func(kind state.Kind, content *remote.Content) ([]byte, error)

// SnapshotRemote traverses the remote subtree under rootID and builds a
// snapshot. Content is fetched only for nodes whose mtime strictly exceeds
// the mtime recorded in state; unchanged nodes reuse the recorded hash.
func SnapshotRemote(ctx context.Context, client remote.Client, rootID string, states []*state.Entry, render Renderer) (RemoteSnapshot, error) {
	byRemoteID := make(map[string]*state.Entry, len(states))
	for _, e := range states {
		byRemoteID[e.RemoteID] = e
	}

	var nodes []remote.TreeNode
	seen := make(map[string]bool)
	err := client.FetchTree(ctx, rootID, func(n remote.TreeNode) error {
		if seen[n.ID] {
			return nil
		}
		seen[n.ID] = true
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote tree: %w", err)
	}

	hasChildren := make(map[string]bool)
	for _, n := range nodes {
		hasChildren[n.ParentID] = true
	}

	snap := make(RemoteSnapshot, len(nodes))
	paths := newPathAllocator(rootID, byRemoteID)
	var stale []*RemoteEntry
	for _, n := range nodes {
		kind := mapKind(n, hasChildren[n.ID], byRemoteID[n.ID])
		entry := &RemoteEntry{
			Node: n,
			Kind: kind,
			Path: paths.pathFor(n, kind),
		}
		snap[n.ID] = entry

		st := byRemoteID[n.ID]
		if st != nil && st.RemoteHash != "" && !n.MTime.After(st.RemoteMTime) {
			entry.Hash = st.RemoteHash
			continue
		}
		stale = append(stale, entry)
	}

	// Content fetches run concurrently; the rate-limited client bounds how
	// many are actually in flight.
	var wg sync.WaitGroup
	for _, entry := range stale {
		wg.Add(1)
		go func(entry *RemoteEntry) {
			defer wg.Done()
			fetchEntryContent(ctx, client, entry, render)
		}(entry)
	}
	wg.Wait()

	return snap, nil
}

// fetchEntryContent fills one entry's content, hash, and error fields.
func fetchEntryContent(ctx context.Context, client remote.Client, entry *RemoteEntry, render Renderer) {
	content, err := client.FetchContent(ctx, entry.Node.ID)
	if err != nil {
		entry.Err = fmt.Errorf("failed to fetch content for %q: %w", entry.Node.Title, err)
		return
	}
	rendered, err := render(entry.Kind, content)
	if err != nil {
		entry.Err = fmt.Errorf("failed to render %q: %w", entry.Node.Title, err)
		entry.ErrConvert = true
		// Fingerprint the raw content so the sticky error lifts once the
		// remote document changes.
		entry.Hash = hash.Sum(content.Markdown)
		return
	}
	entry.Content = rendered
	entry.Hash = hash.Sum(rendered)
}

// mapKind translates a remote node kind into the local entry kind. A page
// becomes a container when it has children, or when state already tracks
// it as one (an emptied container keeps its directory shape).
func mapKind(n remote.TreeNode, children bool, st *state.Entry) state.Kind {
	switch n.Kind {
	case remote.KindDatabase:
		return state.KindDatabase
	case remote.KindDatabaseEntry:
		return state.KindDatabaseEntry
	default:
		if children || (st != nil && st.Kind == state.KindContainer) {
			return state.KindContainer
		}
		return state.KindLeaf
	}
}

// pathAllocator derives local paths for remote nodes, preferring the path
// already recorded in state and deduplicating collisions among new nodes.
type pathAllocator struct {
	rootID     string
	byRemoteID map[string]*state.Entry
	assigned   map[string]string // remote id -> path
	taken      map[string]bool
}

func newPathAllocator(rootID string, byRemoteID map[string]*state.Entry) *pathAllocator {
	taken := make(map[string]bool)
	assigned := make(map[string]string)
	for id, e := range byRemoteID {
		assigned[id] = e.Path
		taken[e.Path] = true
	}
	return &pathAllocator{
		rootID:     rootID,
		byRemoteID: byRemoteID,
		assigned:   assigned,
		taken:      taken,
	}
}

func (p *pathAllocator) pathFor(n remote.TreeNode, kind state.Kind) string {
	if path, ok := p.assigned[n.ID]; ok {
		return path
	}

	name := SanitizeTitle(n.Title)
	if kind == state.KindLeaf || kind == state.KindDatabaseEntry {
		name += ".md"
	}

	dir := ""
	if n.ParentID != p.rootID {
		if parent, ok := p.byRemoteID[n.ParentID]; ok {
			dir = parent.Path
		}
		// A brand-new parent may not be assigned yet when the service
		// reports children first; FetchTree is parent-before-child, so in
		// practice the parent path is already known.
		if path, ok := p.assigned[n.ParentID]; ok && path != "" {
			dir = path
		}
	}

	path := name
	if dir != "" {
		path = dir + "/" + name
	}

	// Sibling titles can collide after sanitizing; suffix with a short id.
	if p.taken[path] {
		short := n.ID
		if len(short) > 8 {
			short = short[:8]
		}
		ext := ""
		base := path
		if strings.HasSuffix(path, ".md") {
			ext = ".md"
			base = strings.TrimSuffix(path, ".md")
		}
		path = base + "-" + short + ext
	}

	p.assigned[n.ID] = path
	p.taken[path] = true
	return path
}

var unsafePathChars = regexp.MustCompile(`[/\\:*?"<>|]`)

// SanitizeTitle turns a document title into a safe file or directory name.
func SanitizeTitle(title string) string {
	name := unsafePathChars.ReplaceAllString(title, "-")
	name = strings.TrimSpace(name)
	name = strings.Trim(name, ".")
	if name == "" {
		name = "Untitled"
	}
	return name
}

// TitleFromPath derives a document title from a workspace-relative path:
// the final element with any .md extension removed.
func TitleFromPath(path string) string {
	base := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		base = path[i+1:]
	}
	return strings.TrimSuffix(base, ".md")
}

// SortByDepth orders paths parents-first (ascending depth, then
// lexicographic). Reverse the result for deepest-first deletion order.
func SortByDepth(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		di, dj := Depth(paths[i]), Depth(paths[j])
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
}

// NewestMTime returns the most recent mtime in the snapshot.
func (s RemoteSnapshot) NewestMTime() time.Time {
	var newest time.Time
	for _, e := range s {
		if e.Node.MTime.After(newest) {
			newest = e.Node.MTime
		}
	}
	return newest
}
