package archiver

import (
	"testing"

	"threadvault/pkg/models"
)

func TestMaxImageIOErrors(t *testing.T) {
	tests := []struct {
		totalImages int
		want        int
	}{
		{0, 1},
		{1, 1},
		{10, 1},
		{19, 1},
		{20, 1},
		{30, 2},
		{40, 2},
		{100, 5},
		{110, 6},
	}

	for _, tt := range tests {
		if got := maxImageIOErrors(tt.totalImages); got != tt.want {
			t.Errorf("maxImageIOErrors(%d) = %d, want %d", tt.totalImages, got, tt.want)
		}
	}
}

func TestCountImagesSkipsInlined(t *testing.T) {
	posts := []models.Post{
		{No: 1, Images: []models.PostImage{
			{ServerFilename: "a"},
			{ServerFilename: "b", Inlined: true},
		}},
		{No: 2},
		{No: 3, Images: []models.PostImage{
			{ServerFilename: "c"},
		}},
	}

	if got := countImages(posts); got != 2 {
		t.Errorf("countImages = %d, want 2", got)
	}
}

func TestSpoilerURLPicksFirst(t *testing.T) {
	posts := []models.Post{
		{No: 1, Images: []models.PostImage{{ServerFilename: "a"}}},
		{No: 2, Images: []models.PostImage{
			{ServerFilename: "b", SpoilerURL: "https://s.example.org/spoiler.png"},
		}},
		{No: 3, Images: []models.PostImage{
			{ServerFilename: "c", SpoilerURL: "https://s.example.org/other.png"},
		}},
	}

	if got := spoilerURL(posts); got != "https://s.example.org/spoiler.png" {
		t.Errorf("unexpected spoiler url: %s", got)
	}

	if got := spoilerURL(nil); got != "" {
		t.Errorf("expected empty spoiler url, got %s", got)
	}
}

func TestThumbnailExtensionFallsBack(t *testing.T) {
	img := models.PostImage{
		Extension:    "png",
		ThumbnailURL: "https://i.example.org/t/123s.jpg",
	}
	if got := thumbnailExtension(img); got != "jpg" {
		t.Errorf("expected jpg, got %s", got)
	}

	img.ThumbnailURL = "https://i.example.org/t/noext"
	if got := thumbnailExtension(img); got != "png" {
		t.Errorf("expected fallback to png, got %s", got)
	}
}
