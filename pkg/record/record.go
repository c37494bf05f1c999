// Package record serializes the archived thread itself. Each thread
// directory holds one thread.json with every post saved so far; new rounds
// append to it rather than rewriting history.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"threadvault/pkg/layout"
	"threadvault/pkg/models"
)

const recordVersion = 1

// Thread is the serialized form of an archived thread.
type Thread struct {
	Version   int           `json:"version"`
	Posts     []models.Post `json:"posts"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Load reads the thread record from dir. Returns (nil, nil) when no record
// exists yet.
func Load(dir string) (*Thread, error) {
	path := filepath.Join(dir, layout.ThreadFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read thread record: %w", err)
	}

	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse thread record: %w", err)
	}

	return &t, nil
}

// Append merges newPosts into the existing record (which may be nil),
// deduplicating by post number with newer posts winning, and saves the
// result atomically. Posts are kept in ascending post-number order.
func Append(existing *Thread, newPosts []models.Post, dir string) error {
	merged := make(map[int]models.Post)

	if existing != nil {
		for _, p := range existing.Posts {
			merged[p.No] = p
		}
	}
	for _, p := range newPosts {
		merged[p.No] = p
	}

	posts := make([]models.Post, 0, len(merged))
	for _, p := range merged {
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].No < posts[j].No })

	t := Thread{
		Version:   recordVersion,
		Posts:     posts,
		UpdatedAt: time.Now().UTC(),
	}

	return save(&t, dir)
}

func save(t *Thread, dir string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal thread record: %w", err)
	}

	path := filepath.Join(dir, layout.ThreadFileName)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write thread record: %w", err)
	}

	// Rename is atomic on the same filesystem, so readers never see a
	// half-written record.
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename thread record: %w", err)
	}

	return nil
}
