package archiver

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	errs "threadvault/pkg/errors"
	"threadvault/pkg/layout"
	"threadvault/pkg/models"
	"threadvault/pkg/retry"
	"threadvault/pkg/snapshot"
)

// errTooManyIOErrors is returned for images that were dispatched but never
// started because the round's error budget ran out first.
var errTooManyIOErrors = errors.New("io error budget for this round is exhausted")

// round carries the shared accounting of one thread's download round. The
// counters are atomics because workers from the shared pool update them
// concurrently.
type round struct {
	id        models.ThreadID
	imagesDir string
	boardDir  string

	totalImages int
	maxIOErrors int

	attempted atomic.Int32
	ioErrors  atomic.Int32
}

// countImages returns the number of archivable (non-inlined) images.
func countImages(posts []models.Post) int {
	n := 0
	for _, post := range posts {
		for _, img := range post.Images {
			if !img.Inlined {
				n++
			}
		}
	}
	return n
}

// maxImageIOErrors returns the round's transient-failure budget: 5% of the
// image count, rounded, but at least 1 so a tiny round cannot tolerate
// unlimited failures.
func maxImageIOErrors(totalImages int) int {
	budget := int(float64(totalImages)*0.05 + 0.5)
	if budget < 1 {
		budget = 1
	}
	return budget
}

// spoilerURL returns the board's spoiler image URL, taken from the first
// image that carries one. Empty when the thread has no spoilered images.
func spoilerURL(posts []models.Post) string {
	for _, post := range posts {
		for _, img := range post.Images {
			if img.SpoilerURL != "" {
				return img.SpoilerURL
			}
		}
	}
	return ""
}

// downloadRound dispatches every image of the round to the worker pool and
// collects exactly as many results as it dispatched. Dispatch stops early
// when the IO-error budget is exhausted; already-dispatched images still
// finish and are still accounted for.
func (a *Archiver) downloadRound(snap *snapshot.Snapshot, rp *round, posts []models.Post) {
	results := make(chan Result, rp.totalImages+1)
	dispatched := 0

	if url := spoilerURL(posts); url != "" {
		a.pool.Submit(Task{
			Thread:   rp.id,
			Filename: "spoiler",
			Run:      func() Result { return a.downloadSpoilerImage(snap, rp, url) },
			Results:  results,
		})
		dispatched++
	}

dispatch:
	for _, post := range posts {
		for _, img := range post.Images {
			if img.Inlined {
				continue
			}
			if int(rp.ioErrors.Load()) >= rp.maxIOErrors {
				a.logger.WarnWithFields("too many failed image downloads, halting dispatch for this round", map[string]interface{}{
					"thread":        rp.id.String(),
					"io_errors":     rp.ioErrors.Load(),
					"max_io_errors": rp.maxIOErrors,
				})
				break dispatch
			}

			img := img
			a.pool.Submit(Task{
				Thread:   rp.id,
				Filename: img.ServerFilename,
				Run:      func() Result { return a.downloadPostImage(snap, rp, img) },
				Results:  results,
			})
			dispatched++
		}
	}

	var saved, skipped, gone, failed int
	var bytes int64

	for i := 0; i < dispatched; i++ {
		res := <-results
		switch res.Outcome {
		case OutcomeSaved:
			saved++
			bytes += res.Size
		case OutcomeSkipped:
			skipped++
		case OutcomeGone:
			gone++
		case OutcomeFailed:
			failed++
		}
	}

	a.logger.InfoWithFields("download round finished", map[string]interface{}{
		"thread":     rp.id.String(),
		"dispatched": dispatched,
		"saved":      saved,
		"skipped":    skipped,
		"gone":       gone,
		"failed":     failed,
		"downloaded": humanize.Bytes(uint64(bytes)),
	})
}

// downloadPostImage fetches both variants of one post image. Variants that
// are already on disk are not fetched again, so re-running a round after a
// partial failure only downloads what is missing.
func (a *Archiver) downloadPostImage(snap *snapshot.Snapshot, rp *round, img models.PostImage) Result {
	res := Result{Filename: img.ServerFilename}

	defer func() {
		attempted := rp.attempted.Add(1)
		a.logger.DebugWithFields("image processed", map[string]interface{}{
			"thread":   rp.id.String(),
			"filename": img.ServerFilename,
			"progress": fmt.Sprintf("%d/%d", attempted, rp.totalImages),
		})
	}()

	if int(rp.ioErrors.Load()) >= rp.maxIOErrors {
		res.Outcome = OutcomeFailed
		res.Err = errTooManyIOErrors
		return res
	}

	if a.isImageDeleted(rp.id, img.ServerFilename) {
		a.logger.DebugWithFields("image is known to be deleted from the server, skipping", map[string]interface{}{
			"thread":   rp.id.String(),
			"filename": img.ServerFilename,
		})
		res.Outcome = OutcomeSkipped
		return res
	}

	thumbExt := thumbnailExtension(img)
	originalName := layout.OriginalImageName(img.ServerFilename, img.Extension)
	thumbnailName := layout.ThumbnailImageName(img.ServerFilename, thumbExt)

	size, err := a.fetchImageIntoFile(rp, snap, originalName, img.URL)
	res.Size += size
	if err == nil {
		size, err = a.fetchImageIntoFile(rp, snap, thumbnailName, img.ThumbnailURL)
		res.Size += size
	}

	if err != nil {
		a.deleteImageCompletely(snap, rp.imagesDir, originalName, thumbnailName)

		if errs.IsGone(err) {
			a.markImageDeleted(rp.id, img.ServerFilename)
			res.Outcome = OutcomeGone
			res.Err = err
			return res
		}

		rp.ioErrors.Add(1)
		a.logger.ErrorWithFields("image download failed after retries", map[string]interface{}{
			"thread":   rp.id.String(),
			"filename": img.ServerFilename,
			"error":    err.Error(),
		})
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}

	if res.Size == 0 {
		// Both variants were already on disk.
		res.Outcome = OutcomeSkipped
		return res
	}
	res.Outcome = OutcomeSaved
	return res
}

// downloadSpoilerImage stores the board-wide spoiler file once per board
// directory. Failures here never count against the round's error budget;
// the spoiler is decoration, not thread content.
func (a *Archiver) downloadSpoilerImage(snap *snapshot.Snapshot, rp *round, url string) Result {
	res := Result{Filename: layout.SpoilerImageName("")}

	ext := layout.URLExtension(url)
	if ext == "" {
		a.logger.WarnWithFields("could not derive spoiler image extension", map[string]interface{}{
			"thread": rp.id.String(),
			"url":    url,
		})
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("spoiler url %q has no extension", url)
		return res
	}

	res.Filename = layout.SpoilerImageName(ext)
	target := filepath.Join(rp.boardDir, res.Filename)

	if snap.Exists(target) {
		res.Outcome = OutcomeSkipped
		return res
	}

	size, err := a.fetchInto(rp, snap, target, url)
	if err != nil {
		if errs.IsGone(err) {
			res.Outcome = OutcomeGone
		} else {
			res.Outcome = OutcomeFailed
		}
		res.Err = err

		a.logger.WarnWithFields("spoiler image download failed", map[string]interface{}{
			"thread": rp.id.String(),
			"url":    url,
			"error":  err.Error(),
		})
		return res
	}

	res.Outcome = OutcomeSaved
	res.Size = size
	return res
}

// fetchImageIntoFile downloads one image variant into the round's images
// directory. Returns 0 bytes and no error when the file already exists.
func (a *Archiver) fetchImageIntoFile(rp *round, snap *snapshot.Snapshot, filename, url string) (int64, error) {
	target := filepath.Join(rp.imagesDir, filename)

	if snap.Exists(target) {
		a.logger.DebugWithFields("image file already exists, not downloading", map[string]interface{}{
			"thread":   rp.id.String(),
			"filename": filename,
		})
		return 0, nil
	}

	return a.fetchInto(rp, snap, target, url)
}

// fetchInto performs the rate-limited, retried fetch-and-store of a single
// file. A store failure counts as a transient failure and goes through the
// same retry loop as a network one.
func (a *Archiver) fetchInto(rp *round, snap *snapshot.Snapshot, target, url string) (int64, error) {
	var size int64

	err := retry.Do(func() error {
		a.limiter.Wait()

		body, _, err := a.client.Get(url)
		if err != nil {
			return err
		}
		defer body.Close()

		n, err := snap.Store(target, body)
		if err != nil {
			return &errs.Error{
				Type:    errs.ErrorTypeStorage,
				Message: err.Error(),
			}
		}

		size = n
		return nil
	}, a.retryConfig())
	if err != nil {
		return 0, err
	}

	return size, nil
}

func (a *Archiver) retryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts: a.cfg.Archive.RetryAttempts,
		Backoff:     a.backoff,
		RetryIf:     retry.DefaultRetryIf,
		Context:     a.ctx,
		Logger:      a.logger,
	}
}

// deleteImageCompletely removes both variants of a failed or deleted image
// so no partial artifact survives the round.
func (a *Archiver) deleteImageCompletely(snap *snapshot.Snapshot, imagesDir string, names ...string) {
	for _, name := range names {
		path := filepath.Join(imagesDir, name)
		if !snap.Exists(path) {
			continue
		}
		if err := snap.Remove(path); err != nil {
			a.logger.WarnWithFields("could not delete partial image file", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
}
