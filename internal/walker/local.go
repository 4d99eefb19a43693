// Package walker enumerates the local tree and the remote tree into
// comparable entry snapshots. Both snapshotters are pure: they read but
// never mutate, and the reconciler joins their output with the state store.
package walker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/docsync/internal/hash"
	"github.com/steveyegge/docsync/internal/state"
)

const (
	// IndexFile holds a container page's own content inside its directory.
	IndexFile = "_index.md"
	// SchemaFile holds a database's property schema inside its directory.
	SchemaFile = "_schema"
)

// LocalEntry is one local document as seen on disk. For containers and
// databases, Path is the directory and Bytes come from the index or schema
// file inside it.
type LocalEntry struct {
	Path  string
	Kind  state.Kind
	Bytes []byte
	Hash  string
}

// LocalSnapshot maps workspace-relative paths to local entries.
type LocalSnapshot map[string]*LocalEntry

// SnapshotLocal walks the workspace rooted at root and yields one entry
// per document. Paths under the metadata directory and all dot-prefixed
// names are excluded. Only markdown files and entry directories become
// entries; stray files are ignored.
func SnapshotLocal(root string) (LocalSnapshot, error) {
	snap := make(LocalSnapshot)
	if err := walkDir(root, root, "", state.KindLeaf, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// walkDir processes one directory level. childKind is the kind a plain
// markdown file takes at this level: leaf under pages, database-entry
// under a database directory.
func walkDir(root, dir, rel string, childKind state.Kind, snap LocalSnapshot) error {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, de := range dirents {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		relPath := name
		if rel != "" {
			relPath = rel + "/" + name
		}
		absPath := filepath.Join(dir, name)

		if de.IsDir() {
			entry, dirChildKind, err := dirEntry(absPath, relPath)
			if err != nil {
				return err
			}
			snap[relPath] = entry
			if err := walkDir(root, absPath, relPath, dirChildKind, snap); err != nil {
				return err
			}
			continue
		}

		if name == IndexFile || name == SchemaFile {
			// Owned by the enclosing directory's entry.
			continue
		}
		if !strings.HasSuffix(name, ".md") {
			continue
		}

		b, err := os.ReadFile(absPath)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", relPath, err)
		}
		snap[relPath] = &LocalEntry{
			Path:  relPath,
			Kind:  childKind,
			Bytes: b,
			Hash:  hash.SumCanonical(b),
		}
	}
	return nil
}

// dirEntry builds the entry for a directory: a database when it carries a
// _schema file, otherwise a container page whose content is _index.md
// (empty when the index file does not exist yet).
func dirEntry(absPath, relPath string) (*LocalEntry, state.Kind, error) {
	if b, err := os.ReadFile(filepath.Join(absPath, SchemaFile)); err == nil {
		return &LocalEntry{
			Path:  relPath,
			Kind:  state.KindDatabase,
			Bytes: b,
			Hash:  hash.SumCanonical(b),
		}, state.KindDatabaseEntry, nil
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read %s: %w", relPath, err)
	}

	var b []byte
	if raw, err := os.ReadFile(filepath.Join(absPath, IndexFile)); err == nil {
		b = raw
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read %s: %w", relPath, err)
	}

	return &LocalEntry{
		Path:  relPath,
		Kind:  state.KindContainer,
		Bytes: b,
		Hash:  hash.SumCanonical(b),
	}, state.KindLeaf, nil
}

// ContentPath returns the file that holds an entry's content: the entry's
// own path for files, the index or schema file for directories.
func ContentPath(kind state.Kind, path string) string {
	switch kind {
	case state.KindContainer:
		return path + "/" + IndexFile
	case state.KindDatabase:
		return path + "/" + SchemaFile
	default:
		return path
	}
}

// Depth returns the nesting depth of a workspace-relative path. Top-level
// entries have depth 0.
func Depth(path string) int {
	return strings.Count(path, "/")
}
