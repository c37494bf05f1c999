// Package snapshot provides an in-memory, read-mostly view of a directory
// subtree. A batch of archiving rounds performs many small existence/size
// checks; serving them from a one-time walk is significantly faster than
// hitting the filesystem for each. The snapshot is built at batch start and
// released at batch end; mutations issued through it (create, delete, store)
// are applied to the real filesystem and reflected in the cached view so
// later checks within the same batch observe them.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type entry struct {
	size     int64
	dir      bool
	readable bool
}

// Snapshot is a cached view of the subtree rooted at root. Safe for
// concurrent use; reads share an RLock, mutations take the write lock.
type Snapshot struct {
	root string

	mu      sync.RWMutex
	entries map[string]entry
}

// Capture walks root and records metadata for every file and directory
// below it. When recursive is false only the immediate children are
// recorded. Root must exist.
func Capture(root string, recursive bool) (*Snapshot, error) {
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("snapshot root %s is not a directory", root)
	}

	s := &Snapshot{
		root:    root,
		entries: make(map[string]entry),
	}
	s.entries[root] = entry{dir: true, readable: true}

	if !recursive {
		children, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot root: %w", err)
		}
		for _, child := range children {
			s.record(filepath.Join(root, child.Name()), child)
		}
		return s, nil
	}

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		s.record(path, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk snapshot root: %w", err)
	}

	return s, nil
}

func (s *Snapshot) record(path string, d os.DirEntry) {
	e := entry{dir: d.IsDir()}

	info, err := d.Info()
	if err != nil {
		// Entry vanished or is unreadable; keep it visible but unreadable
		// so the diff engine treats any file under it as not saved.
		s.entries[path] = e
		return
	}

	e.readable = info.Mode().Perm()&0400 != 0
	if !e.dir {
		e.size = info.Size()
	}
	s.entries[path] = e
}

// Root returns the directory this snapshot was captured from.
func (s *Snapshot) Root() string {
	return s.root
}

// Exists reports whether path was present at capture time or has been
// created through this snapshot since.
func (s *Snapshot) Exists(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[filepath.Clean(path)]
	return ok
}

// Size returns the recorded length of a file. The second return is false
// for directories and unknown paths.
func (s *Snapshot) Size(path string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[filepath.Clean(path)]
	if !ok || e.dir {
		return 0, false
	}
	return e.size, true
}

// CanRead reports whether the recorded file is readable.
func (s *Snapshot) CanRead(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[filepath.Clean(path)]
	return ok && e.readable
}

// MkdirAll creates a directory (and any missing parents) and records it.
func (s *Snapshot) MkdirAll(path string) error {
	path = filepath.Clean(path)

	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for p := path; strings.HasPrefix(p, s.root); p = filepath.Dir(p) {
		s.entries[p] = entry{dir: true, readable: true}
		if p == s.root {
			break
		}
	}
	return nil
}

// Touch creates an empty file (used for the .nomedia marker) and records it.
func (s *Snapshot) Touch(path string) error {
	path = filepath.Clean(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file %s: %w", path, err)
	}

	s.mu.Lock()
	s.entries[path] = entry{readable: true}
	s.mu.Unlock()
	return nil
}

// Remove deletes a file or a whole directory subtree and forgets the
// corresponding cached entries, so later Exists checks in the same batch
// see the deletion.
func (s *Snapshot) Remove(path string) error {
	path = filepath.Clean(path)

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	prefix := path + string(filepath.Separator)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, path)
	for p := range s.entries {
		if strings.HasPrefix(p, prefix) {
			delete(s.entries, p)
		}
	}
	return nil
}

// Store writes the contents of r to path via a temporary file and rename,
// so a reader never observes a truncated file under the final name. A zero
// final length is treated as a failure and the file is removed. On success
// the new file is recorded in the snapshot.
func (s *Snapshot) Store(path string, r io.Reader) (int64, error) {
	path = filepath.Clean(path)
	tempFile := path + ".tmp"

	out, err := os.Create(tempFile)
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}

	written, err := io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempFile)
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if closeErr != nil {
		os.Remove(tempFile)
		return 0, fmt.Errorf("failed to close %s: %w", tempFile, closeErr)
	}
	if written == 0 {
		os.Remove(tempFile)
		return 0, fmt.Errorf("wrote zero bytes to %s", path)
	}

	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return 0, fmt.Errorf("failed to rename temporary file: %w", err)
	}

	s.mu.Lock()
	s.entries[path] = entry{size: written, readable: true}
	s.mu.Unlock()

	return written, nil
}

// Release drops the cached view. The snapshot must not be used afterwards.
func (s *Snapshot) Release() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}
