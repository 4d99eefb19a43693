// Package state provides the durable sync-state store for a workspace.
//
// The store records, for every synchronized document, the local path, the
// remote identifier, and the fingerprints observed at the last successful
// sync. It is authoritative for metadata only, never for content: the
// filesystem and the remote may drift between runs, and the reconciler
// rediscovers that drift by comparing fresh snapshots against these rows.
package state

import (
	"fmt"
	"time"
)

// Kind classifies what shape an entry takes on disk and on the remote.
type Kind string

const (
	// KindLeaf is a single page stored as one markdown file.
	KindLeaf Kind = "leaf"
	// KindContainer is a page with children, stored as a directory whose
	// own content lives in _index.md.
	KindContainer Kind = "container-page"
	// KindDatabase is a remote database, stored as a directory with a
	// _schema file describing its properties.
	KindDatabase Kind = "database"
	// KindDatabaseEntry is a row of a database, stored as a markdown file
	// with YAML frontmatter holding the property values.
	KindDatabaseEntry Kind = "database-entry"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindLeaf, KindContainer, KindDatabase, KindDatabaseEntry:
		return true
	}
	return false
}

// Status is the sync status of an entry as of the last completed run.
type Status string

const (
	// StatusClean means both sides matched their recorded fingerprints at
	// the last observation.
	StatusClean Status = "clean"
	// StatusLocalModified means the local file changed since last sync.
	StatusLocalModified Status = "local-modified"
	// StatusRemoteModified means the remote document changed since last sync.
	StatusRemoteModified Status = "remote-modified"
	// StatusConflict means both sides changed. Sticky: only an explicit
	// resolve transitions out of it.
	StatusConflict Status = "conflict"
	// StatusDeletedLocal means the local file was deleted while the remote
	// changed; the remote document is kept.
	StatusDeletedLocal Status = "deleted-local"
	// StatusDeletedRemote means the remote document was deleted while the
	// local file changed; the local file is kept.
	StatusDeletedRemote Status = "deleted-remote"
	// StatusNewLocal marks a local file not yet pushed.
	StatusNewLocal Status = "new-local"
	// StatusNewRemote marks a remote document not yet pulled.
	StatusNewRemote Status = "new-remote"
	// StatusError marks an entry whose content failed to convert. Sticky
	// until the failing side's content changes.
	StatusError Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusClean, StatusLocalModified, StatusRemoteModified,
		StatusConflict, StatusDeletedLocal, StatusDeletedRemote,
		StatusNewLocal, StatusNewRemote, StatusError:
		return true
	}
	return false
}

// Entry is one synchronized document. Identity is two-keyed: Path locally,
// RemoteID remotely. Both are unique across the workspace.
type Entry struct {
	// Path is the file (or directory, for containers and databases) path
	// relative to the workspace root. Primary key.
	Path string

	// RemoteID is the opaque remote document identifier. Unique.
	RemoteID string

	// RemoteURL is a display URL for the remote document.
	RemoteURL string

	// ParentRemoteID is the remote parent; top-level entries carry the
	// workspace root's remote id.
	ParentRemoteID string

	// Kind is the entry's shape (leaf, container, database, database entry).
	Kind Kind

	// LocalHash is the canonical fingerprint of the local bytes at the last
	// successful sync. Empty if the entry was never synced locally.
	LocalHash string

	// RemoteHash is the canonical fingerprint of the rendered remote content
	// at the last successful sync. Empty if never synced.
	RemoteHash string

	// RemoteMTime is the remote's authoritative last-modified timestamp
	// observed at last sync. Zero if never observed.
	RemoteMTime time.Time

	// Status is the sync status as of the last completed run.
	Status Status

	// ErrorMsg carries the sticky conversion error when Status is
	// StatusError.
	ErrorMsg string

	// ErrorHash is the fingerprint of the content that failed to convert.
	// The entry is skipped until the content hash moves off this value.
	ErrorHash string
}

// Validate checks the invariants every row must satisfy before it is
// written. A row that fails validation never reaches the database.
func (e *Entry) Validate() error {
	if e.Path == "" {
		return fmt.Errorf("path is required")
	}
	if e.RemoteID == "" {
		return fmt.Errorf("remote_id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", e.Kind)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	return nil
}

// IsDir reports whether the entry's path resolves to a directory rather
// than a file.
func (e *Entry) IsDir() bool {
	return e.Kind == KindContainer || e.Kind == KindDatabase
}
