// Package idcache persists the set of already-harvested listing ids between
// runs as a single JSON document.
package idcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

type document struct {
	IDs         []string  `json:"ids"`
	LastUpdated time.Time `json:"last_updated"`
}

// File is a harvest.IDCache stored at Path. A missing file loads as empty.
// Saves from concurrent runs sharing one File are merged, never lost.
type File struct {
	mu     sync.Mutex
	path   string
	clock  harvest.Clock
	logger *zap.Logger
}

// New returns a cache bound to path.
func New(path string, clock harvest.Clock, logger *zap.Logger) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("idcache path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{path: path, clock: clock, logger: logger.Named("idcache")}, nil
}

// Load reads the cached ids. A corrupt file is logged and treated as empty so a
// bad cache never blocks a run.
func (f *File) Load(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	f.logger.Debug("idcache loaded",
		zap.Int("ids", len(doc.IDs)),
		zap.Time("last_updated", doc.LastUpdated),
	)
	return doc.IDs, nil
}

func (f *File) read() (document, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("read idcache: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		f.logger.Warn("ignoring unreadable idcache", zap.String("path", f.path), zap.Error(err))
		return document{}, nil
	}
	return doc, nil
}

// Save adds ids to the stored set and rewrites it sorted and without empties.
func (f *File) Save(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, err := f.read()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(stored.IDs)+len(ids))
	doc := document{IDs: make([]string, 0, len(stored.IDs)+len(ids)), LastUpdated: f.clock.Now().UTC()}
	for _, list := range [][]string{stored.IDs, ids} {
		for _, id := range list {
			if _, dup := seen[id]; id == "" || dup {
				continue
			}
			seen[id] = struct{}{}
			doc.IDs = append(doc.IDs, id)
		}
	}
	sort.Strings(doc.IDs)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode idcache: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create idcache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".idcache-*")
	if err != nil {
		return fmt.Errorf("create temp idcache: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write idcache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close idcache: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace idcache: %w", err)
	}
	f.logger.Debug("idcache saved", zap.Int("ids", len(doc.IDs)))
	return nil
}
