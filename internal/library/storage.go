// Package library stores uploaded print artifacts on disk and tracks
// them in the database.
package library

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wreuel/bambuddy-sub000/internal/db"
)

// Storage owns the library directory. Files are written under a single
// flat directory; the database record is the source of truth and the
// file is rolled back when the record cannot be created.
type Storage struct {
	store    *db.Store
	basePath string
	mu       sync.Mutex
}

func NewStorage(store *db.Store, basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/library"
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create library directory: %w", err)
	}
	return &Storage{store: store, basePath: basePath}, nil
}

func (s *Storage) BasePath() string {
	return s.basePath
}

// SaveFile writes the uploaded content to disk and records it. Name
// collisions get a numeric suffix rather than overwriting.
func (s *Storage) SaveFile(ctx context.Context, name string, r io.Reader) (*db.LibraryFile, error) {
	fileName := sanitizeFilename(name)
	if fileName == "" {
		return nil, fmt.Errorf("invalid file name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, fileName, err := s.uniquePath(fileName)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create library file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write library file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to finalize library file: %w", err)
	}

	record := &db.LibraryFile{
		Name:     strings.TrimSuffix(fileName, filepath.Ext(fileName)),
		FileName: fileName,
		FilePath: path,
	}
	if err := s.store.Library.CreateLibraryFile(ctx, record); err != nil {
		os.Remove(path)
		return nil, err
	}
	return record, nil
}

// DeleteFile removes the record and then the file. A missing file is
// not an error; the record is what matters.
func (s *Storage) DeleteFile(ctx context.Context, id int64) error {
	file, err := s.store.Library.GetLibraryFileByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Library.DeleteLibraryFile(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(file.FilePath); err != nil && !os.IsNotExist(err) {
		log.Printf("[library] failed to remove %s: %v", file.FilePath, err)
	}
	return nil
}

func (s *Storage) uniquePath(fileName string) (string, string, error) {
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)

	candidate := fileName
	for i := 0; ; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(s.basePath, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, candidate, nil
		} else if err != nil && !os.IsExist(err) {
			return "", "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if i >= 1000 {
			return "", "", fmt.Errorf("too many name collisions for %s", fileName)
		}
	}
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" {
		return ""
	}
	return base
}
