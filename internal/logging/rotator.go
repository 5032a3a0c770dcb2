package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
)

// FileRotator is an io.Writer that rotates the underlying log file
// once it exceeds the configured size. Rotated files are renamed to
// path.1, path.2 and so on, newest first, and pruned past maxBackups.
type FileRotator struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	file       *os.File
	size       int64
}

// NewFileRotator opens (or creates) the log file at path. Sizes at or
// below zero fall back to defaults.
func NewFileRotator(path string, maxSizeMB, maxBackups int) (*FileRotator, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	r := &FileRotator{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write appends p to the current log file, rotating first if the
// write would push the file past the size limit.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxBytes && r.size > 0 {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate closes the current file, shifts existing backups up one
// index, renames the live file to .1, and reopens a fresh file.
func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	for i := r.maxBackups; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", r.path, i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if i == r.maxBackups {
			if err := os.Remove(src); err != nil {
				return err
			}
			continue
		}
		if err := os.Rename(src, fmt.Sprintf("%s.%d", r.path, i+1)); err != nil {
			return err
		}
	}
	if err := os.Rename(r.path, r.path+".1"); err != nil {
		return err
	}
	return r.open()
}

// Backups returns the rotated file paths, newest first.
func (r *FileRotator) Backups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches, err := filepath.Glob(r.path + ".*")
	if err != nil {
		return nil
	}
	type backup struct {
		path  string
		index int
	}
	var backups []backup
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, r.path+".")
		if idx, err := strconv.Atoi(suffix); err == nil {
			backups = append(backups, backup{path: m, index: idx})
		}
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].index < backups[j].index })
	paths := make([]string, len(backups))
	for i, b := range backups {
		paths[i] = b.path
	}
	return paths
}

// Sync flushes the current file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Sync()
}

// Close closes the current file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
