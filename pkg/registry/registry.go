// Package registry persists range metadata and per-range resource ids
// to two JSON files under the cyber range directory, surviving process
// restart. Writes are full-file rewrites under a single lock rather
// than an embedded database, since the persisted state is small and
// read far more often by humans (debugging, backup) than by code.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/types"
)

const (
	metadataFile  = "ranges_metadata.json"
	resourcesFile = "ranges_resources.json"
)

// Registry is the sole authority on range ownership. The KVM provider
// and other collaborators must never garbage-collect a resource that
// the registry does not attribute to a known range.
type Registry struct {
	dir string

	mu        sync.Mutex
	metadata  map[string]types.RangeMetadata
	resources map[string]types.RangeResources
}

// Open loads both JSON files from dir (creating dir if needed). Parse
// failures are logged and treated as an empty registry rather than a
// crash, per §4.10.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cyber range dir %s: %w", dir, err)
	}

	r := &Registry{
		dir:       dir,
		metadata:  make(map[string]types.RangeMetadata),
		resources: make(map[string]types.RangeResources),
	}

	logger := log.WithComponent("registry")

	if err := loadJSON(filepath.Join(dir, metadataFile), &r.metadata); err != nil {
		logger.Warn().Err(err).Msg("failed to parse ranges_metadata.json, starting empty")
		r.metadata = make(map[string]types.RangeMetadata)
	}
	if err := loadJSON(filepath.Join(dir, resourcesFile), &r.resources); err != nil {
		logger.Warn().Err(err).Msg("failed to parse ranges_resources.json, starting empty")
		r.resources = make(map[string]types.RangeResources)
	}
	return r, nil
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (r *Registry) persistMetadataLocked() error {
	return writeJSONAtomic(filepath.Join(r.dir, metadataFile), r.metadata)
}

func (r *Registry) persistResourcesLocked() error {
	return writeJSONAtomic(filepath.Join(r.dir, resourcesFile), r.resources)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// GetMetadata returns the metadata record for rangeID, if present.
func (r *Registry) GetMetadata(rangeID string) (types.RangeMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metadata[rangeID]
	return m, ok
}

// ListMetadata returns every known range's metadata.
func (r *Registry) ListMetadata() []types.RangeMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.RangeMetadata, 0, len(r.metadata))
	for _, m := range r.metadata {
		out = append(out, m)
	}
	return out
}

// GetResources returns the resource record for rangeID, if present.
func (r *Registry) GetResources(rangeID string) (types.RangeResources, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[rangeID]
	return res, ok
}

// Exists reports whether rangeID is already known to the registry.
func (r *Registry) Exists(rangeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.metadata[rangeID]
	return ok
}

// Put upserts a range's metadata and resources as one atomic unit and
// persists both files.
func (r *Registry) Put(meta types.RangeMetadata, res types.RangeResources) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metadata[meta.RangeID] = meta
	r.resources[res.RangeID] = res

	if err := r.persistMetadataLocked(); err != nil {
		return err
	}
	return r.persistResourcesLocked()
}

// PutMetadata upserts only the metadata record (used for status
// transitions that don't touch owned resources).
func (r *Registry) PutMetadata(meta types.RangeMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[meta.RangeID] = meta
	return r.persistMetadataLocked()
}

// Remove deletes rangeID from both records and persists the change.
func (r *Registry) Remove(rangeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.metadata, rangeID)
	delete(r.resources, rangeID)
	if err := r.persistMetadataLocked(); err != nil {
		return err
	}
	return r.persistResourcesLocked()
}

// RangeDir returns the per-range directory path for rangeID.
func (r *Registry) RangeDir(rangeID string) string {
	return filepath.Join(r.dir, rangeID)
}
