package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/alert"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
)

// JSONFile keeps every record in one JSON document shaped
// {"<username>": {"looking_away": n, ..., "alert_history": [...]}}.
// The file is rewritten atomically on each save.
type JSONFile struct {
	mu      sync.Mutex
	path    string
	records map[string]alert.Record
}

// OpenJSONFile opens path, reading existing records if the file exists.
func OpenJSONFile(path string) (*JSONFile, error) {
	s := &JSONFile{path: path, records: make(map[string]alert.Record)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("Store", "No data file at %s, starting empty", path)
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &s.records); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return s, nil
}

// Load implements Store.
func (s *JSONFile) Load(context.Context) (map[string]alert.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]alert.Record, len(s.records))
	for user, rec := range s.records {
		out[user] = rec.Clone()
	}
	return out, nil
}

// Save implements Store.
func (s *JSONFile) Save(_ context.Context, records map[string]alert.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]alert.Record, len(s.records)+len(records))
	for user, rec := range s.records {
		next[user] = rec
	}
	for user, rec := range records {
		next[user] = rec.Clone()
	}
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

// Delete implements Store.
func (s *JSONFile) Delete(_ context.Context, users ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]alert.Record, len(s.records))
	for user, rec := range s.records {
		next[user] = rec
	}
	for _, user := range users {
		delete(next, user)
	}
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *JSONFile) writeLocked(records map[string]alert.Record) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Close implements Store.
func (s *JSONFile) Close() error {
	return nil
}
