package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps ledger flags in an append-only JSON-lines journal.
//
// Every Set appends one line per entry and syncs the file. On open the
// journal is replayed into memory and compacted to one line per key. A torn
// trailing line left by a crash is ignored.
type FileStore struct {
	path string

	mu    sync.Mutex
	flags map[string]bool
	f     *os.File
}

// ErrCorruptJournal is returned by OpenFile when a journal line other than
// the last cannot be parsed.
var ErrCorruptJournal = errors.New("corrupt ledger journal")

type journalRecord struct {
	Key  string `json:"k"`
	Done bool   `json:"v"`
}

// OpenFile opens or creates the journal at path.
func OpenFile(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("ledger path required for file backend")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory %s: %w", filepath.Dir(path), err)
	}

	flags, err := replay(path)
	if err != nil {
		return nil, err
	}

	if err := compact(path, flags); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger journal: %w", err)
	}

	return &FileStore{path: path, flags: flags, f: f}, nil
}

// replay reads the journal; later lines win.
func replay(path string) (map[string]bool, error) {
	flags := make(map[string]bool)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return flags, nil
		}
		return nil, fmt.Errorf("read ledger journal: %w", err)
	}
	defer f.Close()

	// Only the final line may be unparsable: a torn append from a crash.
	// Anything earlier is corruption and must not be compacted away.
	var (
		line    int
		badLine int
		badErr  error
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line++
		if badLine != 0 {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorruptJournal, path, badLine, badErr)
		}
		var rec journalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			badLine, badErr = line, err
			continue
		}
		flags[rec.Key] = rec.Done
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger journal: %w", err)
	}
	if badLine != 0 {
		slog.Warn("dropping torn ledger journal tail", "path", path, "line", badLine, "error", badErr)
	}
	return flags, nil
}

// compact rewrites the journal with one line per key, atomically.
func compact(path string, flags map[string]bool) error {
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write ledger temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, k := range keys {
		if err := enc.Encode(journalRecord{Key: k, Done: flags[k]}); err != nil {
			f.Close()
			os.Remove(tempPath)
			return fmt.Errorf("encode ledger record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("flush ledger temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync ledger temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close ledger temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename ledger journal: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[key], nil
}

// Set implements Store.
func (s *FileStore) Set(_ context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf []byte
	for _, e := range entries {
		line, err := json.Marshal(journalRecord{Key: e.Key, Done: e.Done})
		if err != nil {
			return fmt.Errorf("encode ledger record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return os.ErrClosed
	}
	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("append ledger journal: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger journal: %w", err)
	}

	for _, e := range entries {
		s.flags[e.Key] = e.Done
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
