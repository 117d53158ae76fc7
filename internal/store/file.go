package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashureev/answerstream/internal/domain"
)

// FileBackup stores threads as a JSON array in a single file.
// The file is rewritten in place on every Save; a crash mid-write can leave it
// truncated.
type FileBackup struct {
	path string
	mu   sync.Mutex
}

// NewFileBackup creates a file backup rooted at path, creating the parent directory.
func NewFileBackup(path string) (*FileBackup, error) {
	if path == "" {
		return nil, errors.New("backup path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return &FileBackup{path: path}, nil
}

// Path returns the backup file location.
func (b *FileBackup) Path() string {
	return b.path
}

// Load reads the backup file.
func (b *FileBackup) Load(_ context.Context) ([]domain.ThreadMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read thread backup: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var threads []domain.ThreadMetadata
	if err := json.Unmarshal(data, &threads); err != nil {
		return nil, fmt.Errorf("decode thread backup: %w", err)
	}
	return threads, nil
}

// Save rewrites the backup file with the given threads.
func (b *FileBackup) Save(_ context.Context, threads []domain.ThreadMetadata) error {
	if threads == nil {
		threads = []domain.ThreadMetadata{}
	}
	data, err := json.MarshalIndent(threads, "", "  ")
	if err != nil {
		return fmt.Errorf("encode thread backup: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.WriteFile(b.path, data, 0644); err != nil {
		return fmt.Errorf("write thread backup: %w", err)
	}
	return nil
}

// Ping checks that the backup directory is still there.
func (b *FileBackup) Ping(_ context.Context) error {
	if _, err := os.Stat(filepath.Dir(b.path)); err != nil {
		return fmt.Errorf("backup directory: %w", err)
	}
	return nil
}

// Close is a no-op for file backups.
func (b *FileBackup) Close() error {
	return nil
}
