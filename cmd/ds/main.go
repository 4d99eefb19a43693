// Command ds synchronizes a local directory of markdown files with a
// hierarchical remote document store.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/engine"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/state"
	"github.com/steveyegge/docsync/internal/workspace"
)

var rootCmd = &cobra.Command{
	Use:   "ds",
	Short: "Sync markdown files with a remote document store",
	Long: `ds keeps a local directory tree of markdown files bidirectionally
synchronized with a hierarchical remote document store.

Editing happens with any editor; sync is explicit (pull, push, sync) or
continuous (watch). Conflicts are surfaced as first-class state and
resolved explicitly with the resolve command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// usageError marks failures that should exit with the usage code.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// exactArgs is cobra.ExactArgs with usage-coded errors.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &usageError{fmt.Errorf("expected %d argument(s), got %d", n, len(args))}
		}
		return nil
	}
}

// exitCode maps an error to the documented exit codes: 1 conflicts,
// 2 usage, 3 remote or auth failure, 4 state corruption.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, engine.ErrConflictsPresent):
		return 1
	case errors.Is(err, state.ErrCorrupt):
		return 4
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, workspace.ErrLocked):
		return 2
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	var apiErr *remote.APIError
	if remote.IsAuth(err) || errors.As(err, &apiErr) {
		return 3
	}
	return 3
}

// session bundles everything a workspace-bound command needs.
type session struct {
	ws     *workspace.Workspace
	store  *state.Store
	engine *engine.Engine
}

// openSession locates the enclosing workspace, takes the lock, opens the
// state store, and wires the rate-limited remote client.
func openSession(logger *log.Logger) (*session, func(), error) {
	ws, err := workspace.Find(".")
	if err != nil {
		return nil, nil, err
	}
	if err := ws.Lock(); err != nil {
		return nil, nil, err
	}

	global, err := config.LoadGlobal()
	if err != nil {
		_ = ws.Unlock()
		return nil, nil, err
	}
	if global.Token == "" {
		_ = ws.Unlock()
		return nil, nil, &remote.APIError{StatusCode: 401,
			Message: "no credentials: set DOCSYNC_TOKEN or add token to the global config"}
	}

	store, err := state.Open(ws.StatePath())
	if err != nil {
		_ = ws.Unlock()
		return nil, nil, err
	}

	client := remote.NewLimited(
		remote.NewHTTPClient(global.APIBaseURL, global.Token),
		remote.DefaultLimitConfig(),
	)
	eng := engine.New(ws.Root, ws.Config.RootID, store, client, logger)

	cleanup := func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		if err := ws.Unlock(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
	return &session{ws: ws, store: store, engine: eng}, cleanup, nil
}

func main() {
	rootCmd.AddCommand(
		initCmd,
		listCmd,
		pullCmd,
		pushCmd,
		syncCmd,
		statusCmd,
		resolveCmd,
		watchCmd,
	)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
