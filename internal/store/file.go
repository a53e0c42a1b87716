package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// FileStore keeps the snapshot as a JSON document at path and the journal
// as JSON lines next to it (<path>.journal.jsonl).
type FileStore struct {
	path string
	mu   sync.RWMutex
}

// NewFileStore creates a file-backed store rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) journalPath() string { return s.path + ".journal.jsonl" }

func (s *FileStore) Load(_ context.Context) (model.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.NewSnapshot(), false, nil
	}
	if err != nil {
		return model.NewSnapshot(), false, fmt.Errorf("read %s: %w", s.path, err)
	}

	snap, bad := DecodeSnapshot(data)
	logBadFields(s.path, bad)
	return snap, true, nil
}

func (s *FileStore) Save(_ context.Context, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// Write to a sibling then rename so a crash never leaves half a snapshot.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.path, s.journalPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *FileStore) AppendEntry(_ context.Context, entry *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.journalPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *FileStore) Entries(_ context.Context) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.journalPath())
	if errors.Is(err, fs.ErrNotExist) {
		return []model.JournalEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	entries := []model.JournalEntry{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scanner.Scan(); n++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e model.JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("skipping unreadable journal line", "path", s.journalPath(), "line", n, "err", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
