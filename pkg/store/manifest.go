package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const manifestVersion = 1

// Manifest records the layout a data directory was created with. Keys are
// assigned to shards by their count, so reopening with another layout would
// misplace data.
type Manifest struct {
	mu       sync.RWMutex
	filePath string
	metadata ManifestData
}

type ManifestData struct {
	Version  int `json:"version"`
	Shards   int `json:"shards"`
	NodeSize int `json:"node_size"`
}

func NewManifest(dataDir string) *Manifest {
	return &Manifest{filePath: filepath.Join(dataDir, "MANIFEST")}
}

// Load reads the manifest. A missing file is created from want; an existing
// one must match it.
func (m *Manifest) Load(want ManifestData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want.Version = manifestVersion
	data, err := os.ReadFile(m.filePath)
	if os.IsNotExist(err) {
		m.metadata = want
		return m.save()
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	if err := json.Unmarshal(data, &m.metadata); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.metadata != want {
		return fmt.Errorf("%w: data dir has %+v, config wants %+v", ErrLayoutMismatch, m.metadata, want)
	}
	return nil
}

func (m *Manifest) Data() ManifestData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata
}

func (m *Manifest) save() error {
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp, m.filePath)
}
