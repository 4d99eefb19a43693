package main

import (
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/docsync/internal/daemon"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/workspace"

	appconfig "github.com/steveyegge/docsync/internal/config"
)

var (
	watchInterval int
	watchDebounce int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync daemon",
	Long: `Watch the workspace for local changes and poll the remote for
edits, syncing after each quiet debounce window. Runs until interrupted.

Events arriving while a sync is in flight are batched into the next
window; a sync is never preempted mid-entry.`,
	Args: exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Find(".")
		if err != nil {
			return err
		}

		logger := log.New(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   ws.LogPath(),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}), "[daemon] ", log.LstdFlags)

		sess, cleanup, err := openSession(logger)
		if err != nil {
			return err
		}
		defer cleanup()

		cfg := daemon.DefaultConfig()
		cfg.Logger = logger
		cfg.PollInterval = resolveSeconds(watchInterval, ws.Config.PollIntervalSeconds, cfg.PollInterval)
		cfg.Debounce = resolveSeconds(watchDebounce, ws.Config.DebounceSeconds, cfg.Debounce)

		global, err := appconfig.LoadGlobal()
		if err != nil {
			return err
		}
		pollClient := remote.NewLimited(
			remote.NewHTTPClient(global.APIBaseURL, global.Token),
			remote.DefaultLimitConfig(),
		)
		poller := daemon.RemotePoller(pollClient, ws.Config.RootID, sess.store)

		d, err := daemon.New(ws.Root, workspace.MetaDirName, sess.engine, poller, cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

// resolveSeconds picks the first positive override: flag, workspace
// config, then the built-in default.
func resolveSeconds(flag, configured int, fallback time.Duration) time.Duration {
	if flag > 0 {
		return time.Duration(flag) * time.Second
	}
	if configured > 0 {
		return time.Duration(configured) * time.Second
	}
	return fallback
}

func init() {
	watchCmd.Flags().IntVar(&watchInterval, "interval", 0, "remote poll interval in seconds (default 30)")
	watchCmd.Flags().IntVar(&watchDebounce, "debounce", 0, "debounce window in seconds (default 2)")
}
