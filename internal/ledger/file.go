package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "skypost/pkg/logx"
)

// fileStore keeps the whole ledger in one JSON object:
//
//	{"posted_keys": ["...", ...]}
//
// The file is deliberately human-diffable for operational debugging. Every
// Append rewrites it via temp-file + rename so a crash never leaves a
// half-written ledger behind.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string

	keys   []string
	index  map[string]struct{}
	loaded bool
}

type ledgerFile struct {
	PostedKeys []string `json:"posted_keys"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out, nil
}

func (s *fileStore) Append(ctx context.Context, keys []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	changed := false
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := s.index[k]; ok {
			continue
		}
		s.index[k] = struct{}{}
		s.keys = append(s.keys, k)
		changed = true
	}
	if !changed {
		return nil
	}
	return s.writeLocked()
}

func (s *fileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.index = map[string]struct{}{}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	var lf ledgerFile
	if err := json.Unmarshal(b, &lf); err != nil {
		return errors.New("ledger file " + s.path + " is corrupt: " + err.Error())
	}
	for _, k := range lf.PostedKeys {
		if k == "" {
			continue
		}
		if _, ok := s.index[k]; ok {
			continue
		}
		s.index[k] = struct{}{}
		s.keys = append(s.keys, k)
	}
	s.loaded = true
	return nil
}

func (s *fileStore) writeLocked() error {
	b, err := json.MarshalIndent(ledgerFile{PostedKeys: s.keys}, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
