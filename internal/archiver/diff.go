package archiver

import (
	"path/filepath"
	"sort"

	"threadvault/pkg/layout"
	"threadvault/pkg/models"
	"threadvault/pkg/snapshot"
)

// filterAndSortPosts computes the incremental work list for one round: the
// input posts minus everything that is already fully archived. A post
// survives the filter when its number is above the thread's last-saved
// counter, or when any of its images fails the fully-saved check (so a
// post whose files were corrupted or deleted on disk is re-downloaded even
// though its number was already counted). The result is deduplicated by
// post number and sorted ascending.
func (a *Archiver) filterAndSortPosts(snap *snapshot.Snapshot, imagesDir string, id models.ThreadID, input []models.Post) ([]models.Post, error) {
	lastSaved, err := a.store.LastSavedPostNo(id)
	if err != nil {
		return nil, err
	}

	filtered := make(map[int]models.Post, len(input))

	for _, post := range input {
		if lastSaved == 0 || post.No > lastSaved {
			filtered[post.No] = post
			continue
		}
		if !a.allImagesSaved(snap, imagesDir, post) {
			filtered[post.No] = post
		}
	}

	posts := make([]models.Post, 0, len(filtered))
	for _, p := range filtered {
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].No < posts[j].No })

	return posts, nil
}

// allImagesSaved verifies that every non-inlined image of a post has both
// variants on disk, readable and non-empty. A file that exists but fails
// the readable or non-empty check is stale: it is deleted right away so
// the re-download does not trip over it.
func (a *Archiver) allImagesSaved(snap *snapshot.Snapshot, imagesDir string, post models.Post) bool {
	saved := true

	for _, img := range post.Images {
		if img.Inlined {
			continue
		}

		names := []string{
			layout.OriginalImageName(img.ServerFilename, img.Extension),
			layout.ThumbnailImageName(img.ServerFilename, thumbnailExtension(img)),
		}

		for _, name := range names {
			path := filepath.Join(imagesDir, name)

			if !snap.Exists(path) {
				saved = false
				continue
			}

			size, ok := snap.Size(path)
			if !snap.CanRead(path) || !ok || size == 0 {
				if err := snap.Remove(path); err != nil {
					a.logger.WarnWithFields("could not delete stale image file", map[string]interface{}{
						"path":  path,
						"error": err.Error(),
					})
				}
				saved = false
			}
		}
	}

	return saved
}

// thumbnailExtension derives the thumbnail's extension from its URL,
// falling back to the original's extension when the URL has none.
func thumbnailExtension(img models.PostImage) string {
	if ext := layout.URLExtension(img.ThumbnailURL); ext != "" {
		return ext
	}
	return img.Extension
}
