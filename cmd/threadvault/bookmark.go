package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"threadvault/pkg/models"
	"threadvault/pkg/store"
)

var (
	// Bookmark command flags
	watchFlag    bool
	downloadFlag bool
)

// bookmarkCmd groups the bookmark subcommands
var bookmarkCmd = &cobra.Command{
	Use:   "bookmark",
	Short: "Manage thread bookmarks",
	Long: `Manage thread bookmarks and their flags.

A bookmark with the download flag set takes part in incremental archiving;
cancel-all clears the flag and removes the archived files while keeping
the bookmark itself as a plain watch bookmark.`,
}

var bookmarkAddCmd = &cobra.Command{
	Use:   "add <site> <board> <thread-no>",
	Short: "Add or update a bookmark",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := threadIDFromArgs(args)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.PutBookmark(id, watchFlag, downloadFlag); err != nil {
			return err
		}

		fmt.Printf("bookmarked %s (watch=%v download=%v)\n", id, watchFlag, downloadFlag)
		return nil
	},
}

var bookmarkRemoveCmd = &cobra.Command{
	Use:   "remove <site> <board> <thread-no>",
	Short: "Remove a bookmark",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := threadIDFromArgs(args)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.RemoveBookmark(id); err != nil {
			return err
		}

		fmt.Printf("removed bookmark %s\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bookmarkCmd)
	bookmarkCmd.AddCommand(bookmarkAddCmd)
	bookmarkCmd.AddCommand(bookmarkRemoveCmd)

	bookmarkAddCmd.Flags().BoolVar(&watchFlag, "watch", true, "watch the thread for new posts")
	bookmarkAddCmd.Flags().BoolVar(&downloadFlag, "download", false, "archive new posts automatically")
}

func threadIDFromArgs(args []string) (models.ThreadID, error) {
	no, err := strconv.Atoi(args[2])
	if err != nil || no <= 0 {
		return models.ThreadID{}, fmt.Errorf("invalid thread number %q", args[2])
	}

	return models.ThreadID{Site: args[0], Board: args[1], No: no}, nil
}
