package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"threadvault/internal/archiver"
	"threadvault/pkg/fetch"
	"threadvault/pkg/logger"
	"threadvault/pkg/models"
	"threadvault/pkg/store"
)

var (
	// Archive command flags
	baseDir     string
	batchWindow time.Duration
	workers     int
)

// threadDump is the on-disk input format of the archive command: a thread
// identity plus the posts fetched from the remote server.
type threadDump struct {
	ID    models.ThreadID `json:"id"`
	Posts []models.Post   `json:"posts"`
}

// archiveCmd represents the archive command
var archiveCmd = &cobra.Command{
	Use:   "archive <thread-dump.json> [more-dumps...]",
	Short: "Archive one or more threads from dump files",
	Long: `Archive threads described by JSON dump files.

Each dump file holds one thread identity and its current posts. All dumps
are enqueued together, batched for the configured window and archived
incrementally against whatever is already on disk.`,
	Example: `  # Archive a single thread
  threadvault archive g-11223344.json

  # Archive several threads in one batch, into a custom directory
  threadvault archive a.json b.json c.json --base-dir ~/archives`,
	Args: cobra.MinimumNArgs(1),
	RunE: runArchive,
}

func init() {
	rootCmd.AddCommand(archiveCmd)

	archiveCmd.Flags().StringVarP(&baseDir, "base-dir", "d", "", "archive base directory (overrides config)")
	archiveCmd.Flags().DurationVar(&batchWindow, "batch-window", 0, "how long to collect requests before a batch runs (overrides config)")
	archiveCmd.Flags().IntVar(&workers, "workers", 0, "image download worker count (overrides config)")
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if baseDir != "" {
		cfg.Archive.BaseDirectory = baseDir
	}
	if batchWindow > 0 {
		cfg.Archive.BatchWindow = batchWindow
	}
	if workers > 0 {
		cfg.Archive.Workers = workers
	}

	if err := os.MkdirAll(cfg.Archive.BaseDirectory, 0755); err != nil {
		return fmt.Errorf("could not create archive base directory: %w", err)
	}

	dumps := make([]threadDump, 0, len(args))
	for _, path := range args {
		dump, err := readThreadDump(path)
		if err != nil {
			return err
		}
		dumps = append(dumps, dump)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	log := logger.GetLogger()
	client := fetch.NewClient(cfg.Network.DownloadTimeout, cfg.Network.UserAgent, log)

	a := archiver.New(cfg, client, st, log)
	defer a.Close()

	for _, dump := range dumps {
		if !a.Enqueue(dump.ID, dump.Posts) {
			return fmt.Errorf("archive request for %s was rejected", dump.ID)
		}
	}

	log.InfoWithFields("waiting for the batch to finish", map[string]interface{}{
		"threads": len(dumps),
	})

	for a.ActiveCount() > 0 {
		time.Sleep(100 * time.Millisecond)
	}

	log.Info("all archive requests processed")
	return nil
}

func readThreadDump(path string) (threadDump, error) {
	var dump threadDump

	data, err := os.ReadFile(path)
	if err != nil {
		return dump, fmt.Errorf("could not read thread dump %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &dump); err != nil {
		return dump, fmt.Errorf("could not parse thread dump %s: %w", path, err)
	}
	if dump.ID.Site == "" || dump.ID.Board == "" || dump.ID.No <= 0 {
		return dump, fmt.Errorf("thread dump %s has an incomplete thread identity", path)
	}

	return dump, nil
}
