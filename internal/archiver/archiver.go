// Package archiver is the coordination core of the local thread archive.
// It collects archive requests into batches, diffs each thread against what
// is already on disk, drives the bounded-concurrency image pipeline and
// persists the results. One Archiver serves the whole process.
package archiver

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"threadvault/pkg/config"
	errs "threadvault/pkg/errors"
	"threadvault/pkg/layout"
	"threadvault/pkg/logger"
	"threadvault/pkg/models"
	"threadvault/pkg/ratelimit"
	"threadvault/pkg/record"
	"threadvault/pkg/retry"
	"threadvault/pkg/snapshot"
)

// Fetcher fetches a URL and returns its body stream. Implemented by
// fetch.Client; tests substitute their own.
type Fetcher interface {
	Get(url string) (io.ReadCloser, int64, error)
}

// CounterStore is the persistence the archiver needs: per-thread
// last-saved-post counters plus the bookmark flags consulted by CancelAll.
// Implemented by store.Store.
type CounterStore interface {
	LastSavedPostNo(id models.ThreadID) (int, error)
	SetLastSavedPostNo(id models.ThreadID, no int) error
	DeleteAllSavedThreads() error
	DownloadBookmarks() ([]models.ThreadID, error)
	ClearDownloadFlags(ids []models.ThreadID) error
}

// Archiver owns the request queue, the active-download table and the shared
// worker pool. Enqueue never blocks on IO; a collector goroutine drains the
// queue every batch window and processes the batch sequentially, one thread
// at a time, all rounds of a batch sharing a single filesystem snapshot.
type Archiver struct {
	cfg     *config.Config
	logger  logger.Logger
	client  Fetcher
	store   CounterStore
	limiter ratelimit.Limiter
	pool    *Pool
	backoff retry.BackoffStrategy

	mu           sync.Mutex
	active       map[models.ThreadID]*saveParameters
	threadParams map[models.ThreadID]*threadParameters
	pending      []models.ThreadID

	cancelingAll atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	done   chan struct{}
}

// New creates an Archiver, starts its worker pool and its batch collector.
// Call Close to shut both down.
func New(cfg *config.Config, client Fetcher, st CounterStore, log logger.Logger) *Archiver {
	if log == nil {
		log = logger.GetLogger()
	}

	workers := cfg.Archive.Workers
	if workers < 3 {
		workers = config.DefaultWorkers()
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Archiver{
		cfg:          cfg,
		logger:       log,
		client:       client,
		store:        st,
		limiter:      ratelimit.NewTokenBucket(cfg.Network.RequestsPerMinute, time.Minute),
		pool:         NewPool(workers, log),
		backoff:      retry.DefaultExponentialBackoff(),
		active:       make(map[models.ThreadID]*saveParameters),
		threadParams: make(map[models.ThreadID]*threadParameters),
		ctx:          ctx,
		cancel:       cancel,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	a.pool.Start()
	go a.collectRequests()

	return a
}

// SetBackoff replaces the retry backoff strategy. Must be called before the
// first enqueue.
func (a *Archiver) SetBackoff(b retry.BackoffStrategy) {
	a.backoff = b
}

// Close stops the batch collector and drains the worker pool. Requests
// still pending in the queue are dropped.
func (a *Archiver) Close() {
	close(a.quit)
	<-a.done
	a.cancel()
	a.pool.Stop()
}

// Enqueue registers a request to archive the given thread. It returns
// immediately: the real work happens when the current batch window closes.
// Returns false only when the archive base directory does not exist; an
// already-active identity is acknowledged with true and not queued twice.
func (a *Archiver) Enqueue(id models.ThreadID, posts []models.Post) bool {
	if !a.baseDirectoryExists() {
		a.logger.ErrorWithFields("archive base directory does not exist, rejecting request", map[string]interface{}{
			"thread":   id.String(),
			"base_dir": a.cfg.Archive.BaseDirectory,
		})
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[id]; ok {
		a.logger.DebugWithFields("thread is already being downloaded", map[string]interface{}{
			"thread": id.String(),
		})
		return true
	}

	a.active[id] = &saveParameters{
		posts: append([]models.Post(nil), posts...),
		state: StateRunning,
	}
	if _, ok := a.threadParams[id]; !ok {
		a.threadParams[id] = newThreadParameters()
	}
	a.pending = append(a.pending, id)

	a.logger.DebugWithFields("enqueued thread for archiving", map[string]interface{}{
		"thread": id.String(),
		"posts":  len(posts),
	})
	return true
}

// Stop marks an active download stopped: the current round winds down at
// its next checkpoint, all files and the saved-post counter are kept, and a
// later enqueue resumes incrementally. No-op when the transition lost to an
// earlier stop or cancel.
func (a *Archiver) Stop(id models.ThreadID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.active[id]
	if !ok {
		a.logger.DebugWithFields("stop requested for a thread that is not downloading", map[string]interface{}{
			"thread": id.String(),
		})
		return
	}

	if p.transition(StateStopped) {
		a.logger.InfoWithFields("thread download stopped", map[string]interface{}{
			"thread": id.String(),
		})
	}
}

// Cancel marks an active download canceled: the round winds down and the
// whole thread directory is deleted. The deleted-image memory for the
// identity is dropped too, since the thread is gone.
func (a *Archiver) Cancel(id models.ThreadID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.active[id]
	if !ok {
		a.logger.DebugWithFields("cancel requested for a thread that is not downloading", map[string]interface{}{
			"thread": id.String(),
		})
		delete(a.threadParams, id)
		return
	}

	delete(a.threadParams, id)
	if p.transition(StateCanceled) {
		a.logger.InfoWithFields("thread download canceled", map[string]interface{}{
			"thread": id.String(),
		})
	}
}

// CancelAll cancels every active download, then clears the download flag of
// every download bookmark, wipes all saved-post counters and deletes the
// bookmarked thread directories from disk. Concurrent calls collapse into
// one: only the first caller performs the cleanup.
func (a *Archiver) CancelAll() {
	if !a.cancelingAll.CompareAndSwap(false, true) {
		a.logger.Debug("cancel-all is already in progress")
		return
	}
	defer a.cancelingAll.Store(false)

	a.mu.Lock()
	for id, p := range a.active {
		if p.transition(StateCanceled) {
			a.logger.DebugWithFields("canceling active download", map[string]interface{}{
				"thread": id.String(),
			})
		}
	}
	a.threadParams = make(map[models.ThreadID]*threadParameters)
	a.mu.Unlock()

	ids, err := a.store.DownloadBookmarks()
	if err != nil {
		a.logger.WithError(err).Error("could not list download bookmarks")
		return
	}
	if len(ids) == 0 {
		return
	}

	if err := a.store.DeleteAllSavedThreads(); err != nil {
		a.logger.WithError(err).Error("could not reset saved-thread counters")
	}
	if err := a.store.ClearDownloadFlags(ids); err != nil {
		a.logger.WithError(err).Error("could not clear bookmark download flags")
	}

	g := new(errgroup.Group)
	for _, id := range ids {
		dir := layout.ThreadDir(a.cfg.Archive.BaseDirectory, id)
		g.Go(func() error {
			return os.RemoveAll(dir)
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.WithError(err).Error("could not delete all thread directories")
	}

	a.logger.InfoWithFields("canceled all downloads", map[string]interface{}{
		"bookmarks": len(ids),
	})
}

// IsDownloading reports whether the identity has an active (Running)
// download entry.
func (a *Archiver) IsDownloading(id models.ThreadID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.active[id]
	return ok && p.state == StateRunning
}

// ActiveCount returns the number of threads with an active download entry,
// queued or in flight.
func (a *Archiver) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.active)
}

func (a *Archiver) baseDirectoryExists() bool {
	info, err := os.Stat(a.cfg.Archive.BaseDirectory)
	return err == nil && info.IsDir()
}

// collectRequests is the batch collector: every batch window it drains the
// pending queue and processes whatever accumulated.
func (a *Archiver) collectRequests() {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.Archive.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-a.quit:
			return
		case <-ticker.C:
			batch := a.takePending()
			if len(batch) == 0 {
				continue
			}
			a.processBatch(batch)
		}
	}
}

func (a *Archiver) takePending() []models.ThreadID {
	a.mu.Lock()
	defer a.mu.Unlock()

	batch := a.pending
	a.pending = nil
	return batch
}

// processBatch archives the batched threads sequentially. One filesystem
// snapshot is captured up front and shared by every round of the batch, so
// the many per-file existence checks do not each hit the disk.
func (a *Archiver) processBatch(batch []models.ThreadID) {
	a.logger.InfoWithFields("collected archive requests", map[string]interface{}{
		"requests": len(batch),
	})

	snap, err := snapshot.Capture(a.cfg.Archive.BaseDirectory, true)
	if err != nil {
		a.logger.WithError(err).Error("could not snapshot the archive directory")
		for _, id := range batch {
			a.finish(id, false, err)
		}
		return
	}
	defer snap.Release()

	for _, id := range batch {
		posts, ok := a.postsFor(id)
		if !ok {
			// Canceled and reaped between queueing and now.
			continue
		}

		ok, err := a.saveThread(id, posts, snap)
		a.finish(id, ok, err)
	}
}

func (a *Archiver) postsFor(id models.ThreadID) ([]models.Post, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.active[id]
	if !ok {
		return nil, false
	}
	return p.posts, true
}

// finish removes the active entry for the identity, re-arming it for the
// next enqueue, and logs the round's outcome.
func (a *Archiver) finish(id models.ThreadID, ok bool, err error) {
	a.mu.Lock()
	delete(a.active, id)
	remaining := len(a.active)
	a.mu.Unlock()

	switch {
	case errors.Is(err, errs.ErrNothingNew):
		a.logger.DebugWithFields("thread has no new posts to archive", map[string]interface{}{
			"thread": id.String(),
		})
	case err != nil:
		a.logger.ErrorWithFields("thread archiving failed", map[string]interface{}{
			"thread": id.String(),
			"error":  err.Error(),
		})
	default:
		a.logger.DebugWithFields("thread archiving finished", map[string]interface{}{
			"thread":    id.String(),
			"ok":        ok,
			"remaining": remaining,
		})
	}
}

// saveThread runs one archiving round for one thread: layout, media-scanner
// marker, diff, image pipeline, then the state checkpoint that decides
// whether results are persisted, kept as-is or deleted.
func (a *Archiver) saveThread(id models.ThreadID, posts []models.Post, snap *snapshot.Snapshot) (bool, error) {
	if a.stateOf(id) != StateRunning {
		a.logger.DebugWithFields("thread was stopped or canceled while waiting in the queue", map[string]interface{}{
			"thread": id.String(),
		})
		return false, nil
	}

	base := a.cfg.Archive.BaseDirectory
	boardDir := layout.BoardDir(base, id)
	threadDir := layout.ThreadDir(base, id)
	imagesDir := layout.ImagesDir(base, id)

	for _, dir := range []string{threadDir, imagesDir} {
		if snap.Exists(dir) {
			continue
		}
		if err := snap.MkdirAll(dir); err != nil {
			return false, err
		}
	}

	if err := a.dealWithMediaScanner(snap, imagesDir); err != nil {
		return false, err
	}

	newPosts, err := a.filterAndSortPosts(snap, imagesDir, id, posts)
	if err != nil {
		return false, err
	}
	if len(newPosts) == 0 {
		return false, errs.ErrNothingNew
	}

	rp := &round{
		id:          id,
		imagesDir:   imagesDir,
		boardDir:    boardDir,
		totalImages: countImages(newPosts),
	}
	rp.maxIOErrors = maxImageIOErrors(rp.totalImages)

	a.logger.InfoWithFields("starting archiving round", map[string]interface{}{
		"thread":        id.String(),
		"new_posts":     len(newPosts),
		"images":        rp.totalImages,
		"max_io_errors": rp.maxIOErrors,
	})

	a.downloadRound(snap, rp, newPosts)

	// The round is over; the state decides what happens to its output.
	switch a.stateOf(id) {
	case StateCanceled:
		a.logger.InfoWithFields("download was canceled, deleting thread files", map[string]interface{}{
			"thread": id.String(),
		})
		if err := snap.Remove(threadDir); err != nil {
			a.logger.WithError(err).Error("could not delete canceled thread directory")
		}
		return true, nil
	case StateStopped:
		a.logger.InfoWithFields("download was stopped, keeping files", map[string]interface{}{
			"thread": id.String(),
		})
		return true, nil
	}

	existing, err := record.Load(threadDir)
	if err != nil {
		return false, err
	}
	if err := record.Append(existing, newPosts, threadDir); err != nil {
		return false, err
	}

	lastPostNo := newPosts[len(newPosts)-1].No
	if err := a.store.SetLastSavedPostNo(id, lastPostNo); err != nil {
		return false, err
	}

	a.logger.InfoWithFields("thread archive updated", map[string]interface{}{
		"thread":        id.String(),
		"last_saved_no": lastPostNo,
	})
	return true, nil
}

// dealWithMediaScanner keeps the .nomedia marker in sync with the config:
// present when the media scanner must skip archived images, absent when the
// user wants them indexed.
func (a *Archiver) dealWithMediaScanner(snap *snapshot.Snapshot, imagesDir string) error {
	marker := filepath.Join(imagesDir, layout.NoMediaFileName)

	if a.cfg.Archive.AllowMediaScanner {
		if !snap.Exists(marker) {
			return nil
		}
		return snap.Remove(marker)
	}

	if snap.Exists(marker) {
		return nil
	}
	return snap.Touch(marker)
}

func (a *Archiver) stateOf(id models.ThreadID) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.active[id]
	if !ok {
		return StateCanceled
	}
	return p.state
}

func (a *Archiver) markImageDeleted(id models.ThreadID, filename string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.threadParams[id]; ok {
		p.addDeletedImage(filename)
	}
}

func (a *Archiver) isImageDeleted(id models.ThreadID, filename string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.threadParams[id]
	return ok && p.isImageDeleted(filename)
}
