package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/steveyegge/docsync/internal/convert"
	"github.com/steveyegge/docsync/internal/hash"
	"github.com/steveyegge/docsync/internal/reconcile"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/state"
	"github.com/steveyegge/docsync/internal/walker"
)

// ErrAmbiguousAdoption is returned when more than one remote document
// matches a local entry's title under its parent, so the orphan-adoption
// probe cannot pick one.
var ErrAmbiguousAdoption = errors.New("ambiguous adoption")

// execute performs one action: side effect first, then the state commit.
func (e *Engine) execute(ctx context.Context, a reconcile.Action) error {
	switch a.Op {
	case reconcile.OpAdoptState:
		return e.adoptState(ctx, a)
	case reconcile.OpCreateLocal:
		return e.createLocal(ctx, a)
	case reconcile.OpCreateRemote:
		return e.createRemote(ctx, a)
	case reconcile.OpPullUpdate:
		return e.pullUpdate(ctx, a)
	case reconcile.OpPushUpdate:
		return e.pushUpdate(ctx, a)
	case reconcile.OpDeleteLocal:
		return e.deleteLocal(a)
	case reconcile.OpDeleteRemote:
		return e.deleteRemote(ctx, a)
	case reconcile.OpDeleteState:
		return e.store.DeleteByPath(a.Path)
	default:
		return fmt.Errorf("unexpected action %v for %s", a.Op, a.Path)
	}
}

// absPath resolves a workspace-relative path.
func (e *Engine) absPath(rel string) string {
	return filepath.Join(e.root, filepath.FromSlash(rel))
}

// fetchRendered returns the canonical rendered bytes for a remote entry,
// fetching content on demand when the snapshot reused a recorded hash.
func (e *Engine) fetchRendered(ctx context.Context, re *walker.RemoteEntry) ([]byte, error) {
	if re.Content != nil {
		return re.Content, nil
	}
	content, err := e.client.FetchContent(ctx, re.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch content for %s: %w", re.Path, err)
	}
	rendered, err := convert.Render(re.Kind, content)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", re.Path, err)
	}
	re.Content = rendered
	re.Hash = hash.Sum(rendered)
	return rendered, nil
}

// writeLocal writes canonical content to the entry's content file,
// creating directories as needed.
func (e *Engine) writeLocal(kind state.Kind, path string, content []byte) error {
	contentPath := e.absPath(walker.ContentPath(kind, path))
	if err := os.MkdirAll(filepath.Dir(contentPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(contentPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// entryFromRemote builds the clean state row for a synced remote entry.
func entryFromRemote(re *walker.RemoteEntry, localHash string) *state.Entry {
	return &state.Entry{
		Path:           re.Path,
		RemoteID:       re.Node.ID,
		RemoteURL:      re.Node.URL,
		ParentRemoteID: re.Node.ParentID,
		Kind:           re.Kind,
		LocalHash:      localHash,
		RemoteHash:     re.Hash,
		RemoteMTime:    re.Node.MTime,
		Status:         state.StatusClean,
	}
}

// adoptState handles a path present on both sides with no state row: the
// remote version is adopted, overwriting local bytes when they differ.
func (e *Engine) adoptState(ctx context.Context, a reconcile.Action) error {
	if a.Local.Hash != a.Remote.Hash {
		content, err := e.fetchRendered(ctx, a.Remote)
		if err != nil {
			return err
		}
		if err := e.writeLocal(a.Remote.Kind, a.Path, content); err != nil {
			return err
		}
	}
	return e.store.Transaction(func(tx *state.Tx) error {
		return tx.Upsert(entryFromRemote(a.Remote, a.Remote.Hash))
	})
}

// createLocal materializes a new remote document on disk.
func (e *Engine) createLocal(ctx context.Context, a reconcile.Action) error {
	content, err := e.fetchRendered(ctx, a.Remote)
	if err != nil {
		return err
	}
	if err := e.writeLocal(a.Remote.Kind, a.Path, content); err != nil {
		return err
	}
	return e.store.Transaction(func(tx *state.Tx) error {
		return tx.Upsert(entryFromRemote(a.Remote, a.Remote.Hash))
	})
}

// remoteKind maps an entry kind to the remote document kind.
func remoteKind(k state.Kind) remote.Kind {
	switch k {
	case state.KindDatabase:
		return remote.KindDatabase
	case state.KindDatabaseEntry:
		return remote.KindDatabaseEntry
	default:
		return remote.KindPage
	}
}

// parentRemoteID resolves the remote parent for a workspace-relative path:
// the enclosing directory's entry, or the workspace root.
func (e *Engine) parentRemoteID(path string) (string, error) {
	dir := ""
	if i := strings.LastIndex(path, "/"); i >= 0 {
		dir = path[:i]
	}
	if dir == "" {
		return e.rootID, nil
	}
	parent, err := e.store.GetByPath(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve parent for %s: %w", path, err)
	}
	return parent.RemoteID, nil
}

// createRemote creates a remote document for a new local file. Because
// create is not idempotent, the probe runs first: a crashed earlier create
// may have left an orphan remote, which is adopted instead of duplicated.
func (e *Engine) createRemote(ctx context.Context, a reconcile.Action) error {
	parsed, err := convert.Parse(a.Local.Kind, a.Local.Bytes)
	if err != nil {
		return e.markConversionError(a.Path, a.Local.Hash, err)
	}

	parentID, err := e.parentRemoteID(a.Path)
	if err != nil {
		return err
	}
	title := walker.TitleFromPath(a.Path)

	matches, err := e.client.FindChild(ctx, parentID, title)
	if err != nil {
		return fmt.Errorf("adoption probe failed for %s: %w", a.Path, err)
	}

	var node *remote.TreeNode
	switch len(matches) {
	case 0:
		node, err = e.client.Create(ctx, remote.CreateRequest{
			ParentID:   parentID,
			Kind:       remoteKind(a.Local.Kind),
			Title:      title,
			Markdown:   parsed.Markdown,
			Properties: parsed.Properties,
			Schema:     parsed.Schema,
		})
		if err != nil {
			return fmt.Errorf("failed to create remote document for %s: %w", a.Path, err)
		}
	case 1:
		// Orphan from a crashed create. Adopt it and push local content.
		adopted := matches[0]
		e.logger.Printf("adopting remote %s for %s", adopted.ID, a.Path)
		mtime, err := e.client.Update(ctx, adopted.ID, remote.Patch{
			Markdown:   hash.Canonicalize(parsed.Markdown),
			Properties: parsed.Properties,
			Schema:     parsed.Schema,
		})
		if err != nil {
			return fmt.Errorf("failed to update adopted document for %s: %w", a.Path, err)
		}
		adopted.MTime = mtime
		node = &adopted
	default:
		return fmt.Errorf("%w: %d remote documents titled %q under the same parent", ErrAmbiguousAdoption, len(matches), title)
	}

	contentHash := a.Local.Hash
	return e.store.Transaction(func(tx *state.Tx) error {
		return tx.Upsert(&state.Entry{
			Path:           a.Path,
			RemoteID:       node.ID,
			RemoteURL:      node.URL,
			ParentRemoteID: parentID,
			Kind:           a.Local.Kind,
			LocalHash:      contentHash,
			RemoteHash:     contentHash,
			RemoteMTime:    node.MTime,
			Status:         state.StatusClean,
		})
	})
}

// pullUpdate overwrites local content with the remote version.
func (e *Engine) pullUpdate(ctx context.Context, a reconcile.Action) error {
	content, err := e.fetchRendered(ctx, a.Remote)
	if err != nil {
		return err
	}
	if err := e.writeLocal(a.Remote.Kind, a.Path, content); err != nil {
		return err
	}

	return e.store.Transaction(func(tx *state.Tx) error {
		return tx.Upsert(entryFromRemote(a.Remote, a.Remote.Hash))
	})
}

// pushUpdate sends modified local content to the remote as a minimal diff.
func (e *Engine) pushUpdate(ctx context.Context, a reconcile.Action) error {
	parsed, err := convert.Parse(a.Local.Kind, a.Local.Bytes)
	if err != nil {
		return e.markConversionError(a.Path, a.Local.Hash, err)
	}

	// Fetch the current remote body to diff against; the patch carries
	// body-level operations plus the full property and schema values.
	old, err := e.client.FetchContent(ctx, a.State.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to fetch content for %s: %w", a.Path, err)
	}

	patch := convert.Diff(old.Markdown, parsed.Markdown)
	patch.Properties = parsed.Properties
	patch.Schema = parsed.Schema
	mtime, err := e.client.Update(ctx, a.State.RemoteID, patch)
	if err != nil {
		return fmt.Errorf("failed to update remote document for %s: %w", a.Path, err)
	}

	localHash := a.Local.Hash
	return e.store.Transaction(func(tx *state.Tx) error {
		entry, err := tx.GetByPath(a.Path)
		if err != nil {
			return err
		}
		entry.LocalHash = localHash
		entry.RemoteHash = localHash
		entry.RemoteMTime = mtime
		entry.Status = state.StatusClean
		entry.ErrorMsg = ""
		entry.ErrorHash = ""
		return tx.Upsert(entry)
	})
}

// deleteLocal removes the local file after a clean remote deletion, then
// drops the state row. Container directories are removed only when empty;
// children have their own deepest-first delete actions.
func (e *Engine) deleteLocal(a reconcile.Action) error {
	kind := a.State.Kind
	contentPath := e.absPath(walker.ContentPath(kind, a.Path))
	if err := os.Remove(contentPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", a.Path, err)
	}
	if kind == state.KindContainer || kind == state.KindDatabase {
		// Best effort: leaves the directory in place if anything unsynced
		// remains inside.
		_ = os.Remove(e.absPath(a.Path))
	}
	return e.store.DeleteByPath(a.Path)
}

// deleteRemote archives the remote document after a clean local deletion.
func (e *Engine) deleteRemote(ctx context.Context, a reconcile.Action) error {
	if err := e.client.Delete(ctx, a.State.RemoteID); err != nil && !remote.IsNotFound(err) {
		return fmt.Errorf("failed to delete remote document for %s: %w", a.Path, err)
	}
	return e.store.DeleteByPath(a.Path)
}

// markConversionError records a sticky conversion failure: the entry is
// skipped until its content hash moves off the recorded value.
func (e *Engine) markConversionError(path, contentHash string, cause error) error {
	err := e.store.Transaction(func(tx *state.Tx) error {
		entry, lookupErr := tx.GetByPath(path)
		if errors.Is(lookupErr, state.ErrNotFound) {
			// No row yet (failed create); the failure is reported per run
			// until the file is fixed.
			return nil
		}
		if lookupErr != nil {
			return lookupErr
		}
		entry.Status = state.StatusError
		entry.ErrorMsg = cause.Error()
		entry.ErrorHash = contentHash
		return tx.Upsert(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to record conversion error for %s: %w", path, err)
	}
	return fmt.Errorf("conversion failed for %s: %w", path, cause)
}

// Resolve transitions an entry out of conflict (or out of a deletion
// race) according to the chosen resolution.
func (e *Engine) Resolve(ctx context.Context, path string, res reconcile.Resolution) error {
	if !res.Valid() {
		return fmt.Errorf("unknown resolution %q", res)
	}

	entry, err := e.store.GetByPath(path)
	if err != nil {
		return err
	}
	switch entry.Status {
	case state.StatusConflict, state.StatusDeletedLocal, state.StatusDeletedRemote:
	default:
		return fmt.Errorf("%w: %s has status %s", ErrNotConflicted, path, entry.Status)
	}

	switch res {
	case reconcile.KeepLocal:
		return e.resolveKeepLocal(ctx, entry)
	case reconcile.KeepRemote:
		return e.resolveKeepRemote(ctx, entry)
	default:
		return e.resolveKeepBoth(ctx, entry)
	}
}

// resolveKeepLocal pushes the local bytes as authoritative. If the remote
// side is gone (deleted-remote), the document is recreated.
func (e *Engine) resolveKeepLocal(ctx context.Context, entry *state.Entry) error {
	contentPath := e.absPath(walker.ContentPath(entry.Kind, entry.Path))
	b, err := os.ReadFile(contentPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", entry.Path, err)
	}
	parsed, err := convert.Parse(entry.Kind, b)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", entry.Path, err)
	}
	localHash := hash.SumCanonical(b)

	var mtime time.Time
	remoteID := entry.RemoteID
	if entry.Status == state.StatusDeletedRemote {
		node, err := e.client.Create(ctx, remote.CreateRequest{
			ParentID:   entry.ParentRemoteID,
			Kind:       remoteKind(entry.Kind),
			Title:      walker.TitleFromPath(entry.Path),
			Markdown:   parsed.Markdown,
			Properties: parsed.Properties,
			Schema:     parsed.Schema,
		})
		if err != nil {
			return fmt.Errorf("failed to recreate remote document for %s: %w", entry.Path, err)
		}
		remoteID = node.ID
		entry.RemoteURL = node.URL
		mtime = node.MTime
	} else {
		mtime, err = e.client.Update(ctx, entry.RemoteID, remote.Patch{
			Markdown:   hash.Canonicalize(parsed.Markdown),
			Properties: parsed.Properties,
			Schema:     parsed.Schema,
		})
		if err != nil {
			return fmt.Errorf("failed to push resolution for %s: %w", entry.Path, err)
		}
	}

	return e.store.Transaction(func(tx *state.Tx) error {
		entry.RemoteID = remoteID
		entry.LocalHash = localHash
		entry.RemoteHash = localHash
		entry.RemoteMTime = mtime
		entry.Status = state.StatusClean
		entry.ErrorMsg = ""
		entry.ErrorHash = ""
		return tx.Upsert(entry)
	})
}

// resolveKeepRemote overwrites local with the remote version. If the
// remote side is gone (deleted-remote), the local file and the row are
// removed; in a deleted-local race the remote version is written back to
// disk.
func (e *Engine) resolveKeepRemote(ctx context.Context, entry *state.Entry) error {
	if entry.Status == state.StatusDeletedRemote {
		contentPath := e.absPath(walker.ContentPath(entry.Kind, entry.Path))
		if err := os.Remove(contentPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", entry.Path, err)
		}
		return e.store.DeleteByPath(entry.Path)
	}

	content, err := e.client.FetchContent(ctx, entry.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to fetch content for %s: %w", entry.Path, err)
	}
	rendered, err := convert.Render(entry.Kind, content)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", entry.Path, err)
	}
	// Re-materializes the file when the local side was deleted.
	if err := e.writeLocal(entry.Kind, entry.Path, rendered); err != nil {
		return err
	}

	renderedHash := hash.Sum(rendered)
	return e.store.Transaction(func(tx *state.Tx) error {
		entry.LocalHash = renderedHash
		entry.RemoteHash = renderedHash
		entry.Status = state.StatusClean
		entry.ErrorMsg = ""
		entry.ErrorHash = ""
		return tx.Upsert(entry)
	})
}

// resolveKeepBoth renames the local file to a conflict copy, then applies
// the remote version as the canonical entry. The copy is picked up as a
// new local document on the next scan.
func (e *Engine) resolveKeepBoth(ctx context.Context, entry *state.Entry) error {
	contentPath := e.absPath(walker.ContentPath(entry.Kind, entry.Path))

	stem := strings.TrimSuffix(contentPath, ".md")
	copyPath := fmt.Sprintf("%s.conflict.%d.md", stem, e.now().Unix())
	if err := os.Rename(contentPath, copyPath); err != nil {
		return fmt.Errorf("failed to rename conflict copy for %s: %w", entry.Path, err)
	}

	if entry.Status == state.StatusDeletedRemote {
		// Remote is gone: the copy holds the local bytes and the canonical
		// entry disappears.
		return e.store.DeleteByPath(entry.Path)
	}
	return e.resolveKeepRemote(ctx, entry)
}
