// Package store is the relational persistence layer for per-thread
// last-saved-post counters and thread bookmarks, backed by SQLite.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"threadvault/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS saved_threads (
	site               TEXT    NOT NULL,
	board              TEXT    NOT NULL,
	thread_no          INTEGER NOT NULL,
	last_saved_post_no INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (site, board, thread_no)
);

CREATE TABLE IF NOT EXISTS bookmarks (
	site               TEXT    NOT NULL,
	board              TEXT    NOT NULL,
	thread_no          INTEGER NOT NULL,
	watch_new_posts    INTEGER NOT NULL DEFAULT 0,
	download_new_posts INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (site, board, thread_no)
);
`

// Store wraps the SQLite database holding counters and bookmarks.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema
// exists. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LastSavedPostNo returns the low-water mark for a thread; 0 means the
// thread has never been saved.
func (s *Store) LastSavedPostNo(id models.ThreadID) (int, error) {
	var no int

	err := s.db.QueryRow(
		`SELECT last_saved_post_no FROM saved_threads WHERE site = ? AND board = ? AND thread_no = ?`,
		id.Site, id.Board, id.No,
	).Scan(&no)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return no, nil
}

// SetLastSavedPostNo advances the low-water mark for a thread. The counter
// never decreases; an attempt to write a smaller value is a silent no-op.
func (s *Store) SetLastSavedPostNo(id models.ThreadID, no int) error {
	_, err := s.db.Exec(`
		INSERT INTO saved_threads (site, board, thread_no, last_saved_post_no)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(site, board, thread_no) DO UPDATE SET
			last_saved_post_no = MAX(saved_threads.last_saved_post_no, excluded.last_saved_post_no)
	`, id.Site, id.Board, id.No, no)

	return err
}

// ResetSavedThread forgets the counter for a thread, used when its archive
// is removed from disk.
func (s *Store) ResetSavedThread(id models.ThreadID) error {
	_, err := s.db.Exec(
		`DELETE FROM saved_threads WHERE site = ? AND board = ? AND thread_no = ?`,
		id.Site, id.Board, id.No,
	)

	return err
}

// DeleteAllSavedThreads wipes every counter.
func (s *Store) DeleteAllSavedThreads() error {
	_, err := s.db.Exec(`DELETE FROM saved_threads`)

	return err
}

// PutBookmark inserts or updates a bookmark and its flags.
func (s *Store) PutBookmark(id models.ThreadID, watch, download bool) error {
	_, err := s.db.Exec(`
		INSERT INTO bookmarks (site, board, thread_no, watch_new_posts, download_new_posts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site, board, thread_no) DO UPDATE SET
			watch_new_posts = excluded.watch_new_posts,
			download_new_posts = excluded.download_new_posts
	`, id.Site, id.Board, id.No, watch, download)

	return err
}

// RemoveBookmark deletes a bookmark entirely.
func (s *Store) RemoveBookmark(id models.ThreadID) error {
	_, err := s.db.Exec(
		`DELETE FROM bookmarks WHERE site = ? AND board = ? AND thread_no = ?`,
		id.Site, id.Board, id.No,
	)

	return err
}

// DownloadBookmarks returns the identities of all bookmarks with the
// download flag set.
func (s *Store) DownloadBookmarks() ([]models.ThreadID, error) {
	rows, err := s.db.Query(
		`SELECT site, board, thread_no FROM bookmarks WHERE download_new_posts = 1`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []models.ThreadID

	for rows.Next() {
		var id models.ThreadID
		if err := rows.Scan(&id.Site, &id.Board, &id.No); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ClearDownloadFlags removes the download flag from the given bookmarks.
// The bookmarks themselves are kept as plain watch bookmarks so the user
// does not lose them.
func (s *Store) ClearDownloadFlags(ids []models.ThreadID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	for _, id := range ids {
		_, err := tx.Exec(`
			UPDATE bookmarks SET download_new_posts = 0, watch_new_posts = 1
			WHERE site = ? AND board = ? AND thread_no = ?
		`, id.Site, id.Board, id.No)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}
