// Package store provides the durable key-value blob store backing worker
// model-configuration state and the cortex fleet cache. Values are opaque
// byte blobs; typed callers use the JSON helpers.
//
// Persistence is a JSON-line write-ahead log: every mutation is appended
// and fsynced before the in-memory map is updated, and the log is replayed
// on open. This keeps restarts cheap (single sequential read) without a
// compaction step, which is acceptable for the small state kept here.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type walOp string

const (
	walPut    walOp = "put"
	walDelete walOp = "delete"
)

type walEntry struct {
	Op    walOp  `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Store is a single-node, disk-backed key-value store safe for concurrent
// use. One Store instance owns its data directory exclusively.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte

	walPath string
	wal     *os.File
}

// Open creates or reopens a store rooted at dataDir, replaying any
// existing write-ahead log into memory.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	walPath := filepath.Join(dataDir, "state.wal")
	f, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	s := &Store{
		data:    make(map[string][]byte),
		walPath: walPath,
		wal:     f,
	}

	if err := s.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := s.reopenAppend(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	if _, err := s.wal.Seek(0, 0); err != nil {
		return fmt.Errorf("seek wal: %w", err)
	}

	scanner := bufio.NewScanner(s.wal)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("decode wal entry: %w", err)
		}
		switch entry.Op {
		case walPut:
			s.data[entry.Key] = append([]byte(nil), entry.Value...)
		case walDelete:
			delete(s.data, entry.Key)
		default:
			return fmt.Errorf("unknown wal op: %s", entry.Op)
		}
	}
	return scanner.Err()
}

func (s *Store) reopenAppend() error {
	if err := s.wal.Close(); err != nil {
		return fmt.Errorf("close wal: %w", err)
	}
	f, err := os.OpenFile(s.walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen wal append: %w", err)
	}
	s.wal = f
	return nil
}

// Put sets key to value and persists the write before returning.
func (s *Store) Put(key string, value []byte) error {
	if key == "" {
		return errors.New("empty key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(walEntry{Op: walPut, Key: key, Value: value}); err != nil {
		return err
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Get returns a copy of the value for key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Delete removes key and persists the removal.
func (s *Store) Delete(key string) error {
	if key == "" {
		return errors.New("empty key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(walEntry{Op: walDelete, Key: key}); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

// Keys returns a snapshot of all keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// PutJSON marshals v and stores it under key.
func (s *Store) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	return s.Put(key, data)
}

// GetJSON unmarshals the value under key into v. The second return is
// false when the key is absent, in which case v is left untouched so that
// callers can fall back to a default value.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	data, ok := s.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return true, nil
}

// Close closes the underlying write-ahead log. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			return err
		}
		s.wal = nil
	}
	return nil
}

// append writes and fsyncs a single wal entry. Callers must hold s.mu.
func (s *Store) append(entry walEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal wal entry: %w", err)
	}
	b = append(b, '\n')

	if _, err := s.wal.Write(b); err != nil {
		return fmt.Errorf("write wal: %w", err)
	}
	if err := s.wal.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}
