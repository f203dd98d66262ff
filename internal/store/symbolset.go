package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Compile-time interface check.
var _ SymbolSet = (*MemorySymbolSet)(nil)

// MemorySymbolSet is an in-memory SymbolSet, optionally persisted to a JSON
// file so pending exit requests survive a restart.
type MemorySymbolSet struct {
	mu       sync.RWMutex
	symbols  map[string]struct{}
	filePath string
	log      *slog.Logger
}

// NewMemorySymbolSet creates a set. When filePath is non-empty, persisted
// state is loaded from it and every change is flushed back.
func NewMemorySymbolSet(filePath string, log *slog.Logger) *MemorySymbolSet {
	if log == nil {
		log = slog.Default()
	}
	s := &MemorySymbolSet{
		symbols:  make(map[string]struct{}),
		filePath: filePath,
		log:      log,
	}
	s.load()
	return s
}

func (s *MemorySymbolSet) Add(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[symbol]; ok {
		return nil
	}
	s.symbols[symbol] = struct{}{}
	if err := s.flush(); err != nil {
		delete(s.symbols, symbol)
		return err
	}
	return nil
}

func (s *MemorySymbolSet) Remove(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[symbol]; !ok {
		return nil
	}
	delete(s.symbols, symbol)
	if err := s.flush(); err != nil {
		s.symbols[symbol] = struct{}{}
		return err
	}
	return nil
}

func (s *MemorySymbolSet) Contains(_ context.Context, symbol string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.symbols[symbol]
	return ok, nil
}

// Members returns the symbols in sorted order.
func (s *MemorySymbolSet) Members(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(), nil
}

func (s *MemorySymbolSet) sorted() []string {
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// load reads the JSON file into memory.
func (s *MemorySymbolSet) load() {
	if s.filePath == "" {
		return
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return // File doesn't exist yet, start empty.
	}
	var loaded []string
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("loading symbol set file", "path", s.filePath, "error", err)
		return
	}
	for _, sym := range loaded {
		s.symbols[sym] = struct{}{}
	}
	s.log.Info("loaded symbol set", "path", s.filePath, "symbols", len(loaded))
}

// flush writes the set to disk. Must be called with mu held.
func (s *MemorySymbolSet) flush() error {
	if s.filePath == "" {
		return nil
	}
	data, err := json.Marshal(s.sorted())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Error("writing symbol set file", "path", s.filePath, "error", err)
		return err
	}
	return os.Rename(tmp, s.filePath)
}
