package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"threadvault/pkg/layout"
	"threadvault/pkg/logger"
	"threadvault/pkg/store"

	"golang.org/x/sync/errgroup"
)

// cancelAllCmd represents the cancel-all command
var cancelAllCmd = &cobra.Command{
	Use:   "cancel-all",
	Short: "Cancel archiving for every download bookmark",
	Long: `Cancel archiving for every bookmark with the download flag set.

The saved-post counters are wiped, every affected bookmark is downgraded
to a plain watch bookmark and the archived thread directories are deleted
from disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		log := logger.GetLogger()

		ids, err := st.DownloadBookmarks()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no download bookmarks to cancel")
			return nil
		}

		if err := st.DeleteAllSavedThreads(); err != nil {
			return err
		}
		if err := st.ClearDownloadFlags(ids); err != nil {
			return err
		}

		g := new(errgroup.Group)
		for _, id := range ids {
			dir := layout.ThreadDir(cfg.Archive.BaseDirectory, id)
			g.Go(func() error {
				return os.RemoveAll(dir)
			})
		}
		if err := g.Wait(); err != nil {
			log.WithError(err).Error("could not delete all archived thread directories")
		}

		fmt.Printf("canceled archiving for %d bookmarks\n", len(ids))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelAllCmd)
}
