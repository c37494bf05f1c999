// Package layout maps a thread identity to its on-disk path segments and
// per-file naming conventions. All functions are pure; nothing here touches
// the filesystem.
package layout

import (
	"path/filepath"
	"strconv"
	"strings"

	"threadvault/pkg/models"
)

const (
	// ImagesDirName is the per-thread subfolder holding archived media.
	ImagesDirName = "images"
	// ThreadFileName is the serialized thread record inside a thread dir.
	ThreadFileName = "thread.json"
	// NoMediaFileName marks an images dir as excluded from media scanners.
	NoMediaFileName = ".nomedia"

	spoilerFileName = "spoiler"
	originalSuffix  = "original"
	thumbnailSuffix = "thumbnail"
)

// BoardDir returns base/site/board, shared by all threads of a board.
func BoardDir(base string, id models.ThreadID) string {
	return filepath.Join(base, id.Site, id.Board)
}

// ThreadDir returns base/site/board/threadNo.
func ThreadDir(base string, id models.ThreadID) string {
	return filepath.Join(base, id.Site, id.Board, strconv.Itoa(id.No))
}

// ImagesDir returns base/site/board/threadNo/images.
func ImagesDir(base string, id models.ThreadID) string {
	return filepath.Join(ThreadDir(base, id), ImagesDirName)
}

// OriginalImageName returns the on-disk name of the full-size variant,
// e.g. "1234567890_original.png".
func OriginalImageName(serverFilename, extension string) string {
	return serverFilename + "_" + originalSuffix + "." + extension
}

// ThumbnailImageName returns the on-disk name of the thumbnail variant,
// e.g. "1234567890_thumbnail.jpg".
func ThumbnailImageName(serverFilename, extension string) string {
	return serverFilename + "_" + thumbnailSuffix + "." + extension
}

// SpoilerImageName returns the per-board spoiler file name, e.g. "spoiler.png".
func SpoilerImageName(extension string) string {
	return spoilerFileName + "." + extension
}

// URLExtension extracts the file extension from the last path segment of a
// URL, without the dot. Returns "" when the segment has no extension.
func URLExtension(url string) string {
	trimmed := url
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	i := strings.LastIndexByte(trimmed, '.')
	if i < 0 || i == len(trimmed)-1 {
		return ""
	}
	return trimmed[i+1:]
}
