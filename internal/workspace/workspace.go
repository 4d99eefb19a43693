// Package workspace locates and manages a sync workspace: the directory
// tree bound to a remote root, its metadata directory, and the cooperative
// lock that keeps engines from running concurrently.
package workspace

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/steveyegge/docsync/internal/config"
)

// MetaDirName is the metadata directory at the workspace root.
const MetaDirName = ".docsync"

// ErrNotFound is returned when no workspace encloses the starting
// directory.
var ErrNotFound = errors.New("no workspace found (run init first)")

// ErrLocked is returned when another engine holds the workspace lock.
var ErrLocked = errors.New("workspace is locked by another process")

// Workspace is an initialized sync workspace.
type Workspace struct {
	// Root is the absolute workspace root directory.
	Root string

	// Config is the workspace-scoped configuration.
	Config *config.Workspace

	lock *flock.Flock
}

// MetaDir returns the metadata directory path.
func (w *Workspace) MetaDir() string {
	return filepath.Join(w.Root, MetaDirName)
}

// StatePath returns the state database path.
func (w *Workspace) StatePath() string {
	return filepath.Join(w.MetaDir(), "state.db")
}

// ConfigPath returns the workspace config path.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.MetaDir(), "config")
}

// LockPath returns the lock file path.
func (w *Workspace) LockPath() string {
	return filepath.Join(w.MetaDir(), "lock")
}

// LogPath returns the daemon log path.
func (w *Workspace) LogPath() string {
	return filepath.Join(w.MetaDir(), "daemon.log")
}

// Find walks up from start looking for a metadata directory, like git
// does for .git.
func Find(start string) (*Workspace, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", start, err)
	}

	for {
		meta := filepath.Join(dir, MetaDirName)
		if info, err := os.Stat(meta); err == nil && info.IsDir() {
			return open(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNotFound
		}
		dir = parent
	}
}

func open(root string) (*Workspace, error) {
	w := &Workspace{Root: root}
	cfg, err := config.LoadWorkspace(w.ConfigPath())
	if err != nil {
		return nil, err
	}
	w.Config = cfg
	return w, nil
}

// Init creates a workspace at root bound to the given remote root.
// The directory is created if missing; re-initializing an existing
// workspace is an error.
func Init(root, remoteURL string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	meta := filepath.Join(abs, MetaDirName)
	if _, err := os.Stat(meta); err == nil {
		return nil, fmt.Errorf("workspace already initialized at %s", abs)
	}

	rootID, err := RootIDFromURL(remoteURL)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(meta, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	cfg := &config.Workspace{
		RemoteURL: remoteURL,
		RootID:    rootID,
	}
	w := &Workspace{Root: abs, Config: cfg}
	if err := config.SaveWorkspace(w.ConfigPath(), cfg); err != nil {
		return nil, err
	}

	if err := config.RegisterWorkspace(abs, remoteURL); err != nil {
		return nil, err
	}
	return w, nil
}

// RootIDFromURL extracts the remote document identifier from a share URL:
// the last path segment, with any human-readable slug prefix stripped at
// the final dash.
func RootIDFromURL(remoteURL string) (string, error) {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return "", fmt.Errorf("invalid remote URL %q: %w", remoteURL, err)
	}

	seg := strings.Trim(u.Path, "/")
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	if i := strings.LastIndex(seg, "-"); i >= 0 {
		seg = seg[i+1:]
	}
	if seg == "" {
		return "", fmt.Errorf("remote URL %q carries no document id", remoteURL)
	}
	return seg, nil
}

// Lock takes the cooperative workspace lock. It fails immediately with
// ErrLocked when another process holds it.
func (w *Workspace) Lock() error {
	if w.lock == nil {
		w.lock = flock.New(w.LockPath())
	}
	ok, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire workspace lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the workspace lock.
func (w *Workspace) Unlock() error {
	if w.lock == nil {
		return nil
	}
	if err := w.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release workspace lock: %w", err)
	}
	return nil
}
