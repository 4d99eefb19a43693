package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/engine"
	"github.com/steveyegge/docsync/internal/reconcile"
	"github.com/steveyegge/docsync/internal/ui"
)

var (
	pullForce bool
	pushForce bool

	resolveKeepLocal  bool
	resolveKeepRemote bool
	resolveKeepBoth   bool
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch remote changes into the workspace",
	Long: `Pull runs the remote-to-local half of a sync: new and modified
remote documents are written to disk, clean remote deletions remove the
local file, and races become conflicts.

With --force, local modifications are overwritten by the remote version.
Pre-existing conflicts are never cleared by force; use resolve.`,
	Args: exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession(nil)
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := sess.engine.Pull(cmd.Context(), pullForce)
		printReport(report)
		return err
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send local changes to the remote",
	Long: `Push runs the local-to-remote half of a sync: new local files are
created remotely (parents before children), modified files are sent as
minimal diffs, and clean local deletions archive the remote document.

With --force, remote modifications are overwritten by the local version.
Pre-existing conflicts are never cleared by force; use resolve.`,
	Args: exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession(nil)
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := sess.engine.Push(cmd.Context(), pushForce)
		printReport(report)
		return err
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull, then push",
	Long: `Sync runs a pull pass followed by a push pass. A conflict produced
by the pull pass is sticky and is not overwritten by the push pass.`,
	Args: exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession(nil)
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := sess.engine.Sync(cmd.Context())
		printReport(report)
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending actions without executing them",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := openSession(log.New(os.Stderr, "[status] ", 0))
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := sess.engine.Status(cmd.Context())
		if err != nil {
			return err
		}

		if len(report.Results) == 0 {
			fmt.Printf("%s Workspace is clean\n", ui.RenderPass("✓"))
			return nil
		}

		for _, res := range report.Results {
			marker := ui.RenderAccent("→")
			if res.Action == "conflict" || res.Reason != "" {
				marker = ui.RenderWarn("!")
			}
			line := fmt.Sprintf("%s %-14s %s", marker, res.Action, res.Path)
			if res.Reason != "" {
				line += " " + ui.RenderMuted("("+res.Reason+")")
			}
			fmt.Println(line)
		}
		fmt.Printf("\n%d pending, %d conflicted\n", report.Pending, report.Conflicts)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <path>",
	Short: "Exit a conflict by choosing a side",
	Long: `Resolve transitions an entry out of conflict:

  --keep-local   push the local bytes as authoritative
  --keep-remote  overwrite local with the remote version
  --keep-both    rename local to <name>.conflict.<timestamp>.md and apply
                 the remote version; the copy syncs as a new document`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := chosenResolution()
		if err != nil {
			return err
		}

		sess, cleanup, err := openSession(nil)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := sess.engine.Resolve(cmd.Context(), args[0], res); err != nil {
			return err
		}
		fmt.Printf("%s Resolved %s (%s)\n", ui.RenderPass("✓"), args[0], res)
		return nil
	},
}

func chosenResolution() (reconcile.Resolution, error) {
	chosen := 0
	res := reconcile.KeepLocal
	if resolveKeepLocal {
		chosen++
	}
	if resolveKeepRemote {
		chosen++
		res = reconcile.KeepRemote
	}
	if resolveKeepBoth {
		chosen++
		res = reconcile.KeepBoth
	}
	if chosen != 1 {
		return "", &usageError{fmt.Errorf("exactly one of --keep-local, --keep-remote, --keep-both is required")}
	}
	return res, nil
}

func printReport(report *engine.Report) {
	if report == nil {
		return
	}

	for _, res := range report.Results {
		switch {
		case res.Err != nil:
			fmt.Printf("%s %-14s %s: %v\n", ui.RenderFail("✗"), res.Action, res.Path, res.Err)
		case res.Action == "conflict" || res.Action == "deleted-local" || res.Action == "deleted-remote":
			fmt.Printf("%s %-14s %s\n", ui.RenderWarn("!"), res.Action, res.Path)
		case res.Action == "none" && res.Reason != "":
			// Sticky conflicts and errors carried over from earlier runs.
			fmt.Printf("%s %-14s %s %s\n", ui.RenderWarn("!"), "pending", res.Path, ui.RenderMuted("("+res.Reason+")"))
		case res.Action == "none":
			// Clean rows stay quiet.
		default:
			fmt.Printf("%s %-14s %s\n", ui.RenderPass("✓"), res.Action, res.Path)
		}
	}

	summary := fmt.Sprintf("%d synced", report.Synced)
	if report.Conflicts > 0 {
		summary += fmt.Sprintf(", %d conflicted", report.Conflicts)
	}
	if report.Failed > 0 {
		summary += fmt.Sprintf(", %d failed", report.Failed)
	}
	fmt.Println(summary)
}

func init() {
	pullCmd.Flags().BoolVar(&pullForce, "force", false, "overwrite local modifications")
	pushCmd.Flags().BoolVar(&pushForce, "force", false, "overwrite remote modifications")

	resolveCmd.Flags().BoolVar(&resolveKeepLocal, "keep-local", false, "keep the local version")
	resolveCmd.Flags().BoolVar(&resolveKeepRemote, "keep-remote", false, "keep the remote version")
	resolveCmd.Flags().BoolVar(&resolveKeepBoth, "keep-both", false, "keep both versions")
}
