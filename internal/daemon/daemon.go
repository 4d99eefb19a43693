// Package daemon provides the long-running watch mode: a debounced local
// change listener, a periodic remote poller, and a queue processor that
// runs one sync per quiet window.
//
// The daemon:
// 1. Watches the workspace tree for markdown file changes
// 2. Polls the remote tree's mtimes on an interval
// 3. Collects events and waits for the debounce window to go quiet
// 4. Runs sync() once per window; events during a run batch into the next
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/docsync/internal/engine"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/state"
)

// Config holds daemon tuning knobs.
type Config struct {
	// PollInterval is how often the remote tree's mtimes are checked.
	PollInterval time.Duration

	// Debounce is how long the event queue must stay quiet before a sync
	// runs.
	Debounce time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns the documented defaults: poll every 30 seconds,
// debounce for 2.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 30 * time.Second,
		Debounce:     2 * time.Second,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Poller checks whether the remote side moved past the recorded state.
// Satisfied by the engine's remote snapshot machinery; split out so tests
// can script it.
type Poller func(ctx context.Context) (bool, error)

// Syncer runs one full sync. Satisfied by *engine.Engine.
type Syncer interface {
	Sync(ctx context.Context) (*engine.Report, error)
}

// Daemon orchestrates file watching, remote polling, and debounced syncs.
type Daemon struct {
	root    string
	metaDir string
	syncer  Syncer
	poll    Poller
	config  *Config

	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]time.Time // event key -> arrival time

	wg sync.WaitGroup
}

// New creates a daemon watching the workspace rooted at root. metaDir is
// the metadata directory name to exclude from watching.
func New(root, metaDir string, syncer Syncer, poll Poller, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Daemon{
		root:    root,
		metaDir: metaDir,
		syncer:  syncer,
		poll:    poll,
		config:  config,
		watcher: watcher,
		pending: make(map[string]time.Time),
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled. Watches are in
// place before the initial sync is queued, so a change arriving while the
// initial sync runs is batched into the next window instead of lost.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Println("starting watch mode")

	if err := d.addWatchesRecursive(d.root); err != nil {
		_ = d.watcher.Close()
		return err
	}

	d.wg.Add(3)
	go d.watchFileEvents(ctx)
	go d.pollRemote(ctx)
	go d.processQueue(ctx)

	d.enqueue("startup")

	<-ctx.Done()
	d.config.Logger.Println("shutdown signal received")

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("error closing watcher: %v", err)
	}
	d.wg.Wait()

	d.config.Logger.Println("watch mode stopped")
	return nil
}

// addWatchesRecursive watches every directory under dir, skipping the
// metadata directory and other dot-prefixed names.
func (d *Daemon) addWatchesRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !de.IsDir() {
			return nil
		}
		name := de.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if err := d.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// watchFileEvents converts fsnotify events into queued changes. New
// directories are added to the watch set as they appear.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !d.relevant(event) {
				continue
			}

			// Watch newly created directories so children are seen.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := d.addWatchesRecursive(event.Name); err != nil {
						d.config.Logger.Printf("failed to watch new directory: %v", err)
					}
				}
			}

			d.config.Logger.Printf("file event: %s %s", event.Op, event.Name)
			d.enqueue(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("watcher error: %v", err)
		}
	}
}

// relevant filters events to the sync-managed set: markdown files, index
// and schema files, and directories, outside the metadata directory.
func (d *Daemon) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	rel, err := filepath.Rel(d.root, event.Name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == d.metaDir || strings.HasPrefix(part, ".") {
			return false
		}
	}

	base := filepath.Base(event.Name)
	if strings.HasSuffix(base, ".md") || base == "_schema" {
		return true
	}
	// Directory events carry no extension; creation and removal of entry
	// directories must trigger a scan.
	if info, err := os.Stat(event.Name); err == nil {
		return info.IsDir()
	}
	return event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

// enqueue records a change event for the debounce window.
func (d *Daemon) enqueue(key string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending[key] = time.Now()
}

// pollRemote periodically asks whether the remote side changed and queues
// a sync when it did.
func (d *Daemon) pollRemote(ctx context.Context) {
	defer d.wg.Done()

	if d.poll == nil {
		return
	}

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := d.poll(ctx)
			if err != nil {
				d.config.Logger.Printf("remote poll failed: %v", err)
				continue
			}
			if changed {
				// A remote change still waiting in the queue is not a new
				// event; re-stamping it on every poll would keep the
				// debounce window from ever going quiet.
				d.pendingMu.Lock()
				_, queued := d.pending["remote"]
				d.pendingMu.Unlock()
				if !queued {
					d.config.Logger.Println("remote change detected")
					d.enqueue("remote")
				}
			}
		}
	}
}

// processQueue runs a sync once no event has arrived for the debounce
// window. Events arriving during a sync stay queued for the next window.
func (d *Daemon) processQueue(ctx context.Context) {
	defer d.wg.Done()

	tick := d.config.Debounce / 4
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.windowQuiet() {
				continue
			}
			batch := d.takeBatch()
			if len(batch) == 0 {
				continue
			}

			d.config.Logger.Printf("syncing (%d queued events)", len(batch))
			report, err := d.syncer.Sync(ctx)
			switch {
			case errors.Is(err, engine.ErrConflictsPresent):
				d.config.Logger.Printf("sync finished with %d conflicts", report.Conflicts)
			case err != nil:
				d.config.Logger.Printf("sync failed: %v", err)
			case report != nil:
				d.config.Logger.Printf("sync complete: %d synced", report.Synced)
			}
		}
	}
}

// windowQuiet reports whether the debounce window has passed with no new
// events.
func (d *Daemon) windowQuiet() bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	if len(d.pending) == 0 {
		return false
	}
	newest := time.Time{}
	for _, at := range d.pending {
		if at.After(newest) {
			newest = at
		}
	}
	return time.Since(newest) >= d.config.Debounce
}

// takeBatch drains the queue. Events enqueued after this call land in the
// next window.
func (d *Daemon) takeBatch() []string {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	batch := make([]string, 0, len(d.pending))
	for key := range d.pending {
		batch = append(batch, key)
	}
	d.pending = make(map[string]time.Time)
	return batch
}

// RemotePoller builds the default poller: it fetches the remote tree and
// reports a change when any node's mtime exceeds the recorded value, a
// node is unknown to state, or a tracked document disappeared.
func RemotePoller(client remote.Client, rootID string, store *state.Store) Poller {
	return func(ctx context.Context) (bool, error) {
		entries, err := store.ListAll()
		if err != nil {
			return false, err
		}
		byID := make(map[string]*state.Entry, len(entries))
		for _, e := range entries {
			byID[e.RemoteID] = e
		}

		changed := false
		seen := 0
		err = client.FetchTree(ctx, rootID, func(n remote.TreeNode) error {
			seen++
			st, ok := byID[n.ID]
			if !ok || n.MTime.After(st.RemoteMTime) {
				changed = true
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		if seen < len(entries) {
			changed = true
		}
		return changed, nil
	}
}
