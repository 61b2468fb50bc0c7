package deadletter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
)

// FileStore appends entries to a JSON Lines file, one object per line.
type FileStore struct {
	path string

	mu     sync.Mutex
	closed bool
}

// NewFileStore returns a store appending to path. Parent directories are
// created on the first write.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("deadletter: file path is required")
	}
	return &FileStore{path: path}, nil
}

// Path returns the file the store appends to.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Write(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := jsoncodec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("deadletter: encode entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.ErrDeadLetterStoreClose
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("deadletter: create directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("deadletter: open file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("deadletter: append entry: %w", err)
	}
	return f.Close()
}

// ReadAll decodes every entry in the file in write order. A missing file
// yields no entries.
func (s *FileStore) ReadAll() ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry map[string]any
		if err := jsoncodec.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("deadletter: decode line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
