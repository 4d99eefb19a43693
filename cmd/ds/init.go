package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/ui"
	"github.com/steveyegge/docsync/internal/workspace"
)

var initPath string

var initCmd = &cobra.Command{
	Use:   "init <remote-url>",
	Short: "Create a workspace bound to a remote root document",
	Long: `Initialize a sync workspace in the target directory.

The remote URL names the root document; everything under it syncs into
the workspace. Credentials come from DOCSYNC_TOKEN or the global config.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Init(initPath, args[0])
		if err != nil {
			return &usageError{err}
		}

		fmt.Printf("%s Initialized workspace at %s\n", ui.RenderPass("✓"), ws.Root)
		fmt.Printf("   Remote root: %s\n", ws.Config.RootID)
		fmt.Printf("   Run 'ds pull' to fetch the tree\n")
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show configured workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		global, err := config.LoadGlobal()
		if err != nil {
			return err
		}
		if len(global.Workspaces) == 0 {
			fmt.Println("No workspaces configured. Run 'ds init <remote-url>' to create one.")
			return nil
		}

		for _, w := range global.Workspaces {
			marker := ui.RenderPass("●")
			if _, err := os.Stat(w.Path); err != nil {
				marker = ui.RenderWarn("○")
			}
			fmt.Printf("%s %s\n  %s\n", marker, w.Path, ui.RenderMuted(w.RemoteURL))
		}
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initPath, "path", ".", "directory to initialize")
}
