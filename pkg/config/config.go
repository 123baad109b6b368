// Package config loads the per-store configuration spec.md §3 mentions
// the `__internal` namespace "may hold" — realized here as a YAML file
// sitting next to the store rather than inside it, so it can be
// inspected and edited without opening the embedded database.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StoreConfig is the per-resource-instance configuration written once
// at `<storageRoot>/<instanceId>/config.yaml`.
type StoreConfig struct {
	// StorageRoot is the directory containing every resource
	// instance's subdirectory (spec.md §6).
	StorageRoot string `yaml:"storageRoot"`
	// InstanceID names this resource instance's subdirectory.
	InstanceID string `yaml:"instanceId"`
	// MapSizeBytes bounds the memory-mapped store's maximum size;
	// exceeding it surfaces as a MapFull error (spec.md §7).
	MapSizeBytes int64 `yaml:"mapSizeBytes"`
	// RetentionRevisions is how many of the latest revisions per UID
	// the compactor (pkg/compactor, cmd/pim-compact) keeps when pruning
	// older ones; a UID whose latest revision is a tombstone loses all
	// its revisions regardless (spec.md §3 "Lifecycle").
	RetentionRevisions int `yaml:"retentionRevisions"`
}

// DefaultMapSizeBytes is used when a loaded config omits MapSizeBytes.
const DefaultMapSizeBytes int64 = 1 << 30 // 1 GiB

// DefaultRetentionRevisions is used when a loaded config omits
// RetentionRevisions.
const DefaultRetentionRevisions = 10

// FileName is the config file's name within an instance directory.
const FileName = "config.yaml"

// Path returns the config file path for (storageRoot, instanceID).
func Path(storageRoot, instanceID string) string {
	return filepath.Join(storageRoot, instanceID, FileName)
}

// Load reads and parses the config file at Path(storageRoot,
// instanceID), filling in documented defaults for zero-valued optional
// fields. Returns a StoreConfig holding storageRoot, instanceID and the
// defaults, with no error, if the file doesn't exist yet — a fresh
// instance has no config until Save is called.
func Load(storageRoot, instanceID string) (StoreConfig, error) {
	cfg := StoreConfig{
		StorageRoot:        storageRoot,
		InstanceID:         instanceID,
		MapSizeBytes:       DefaultMapSizeBytes,
		RetentionRevisions: DefaultRetentionRevisions,
	}

	data, err := os.ReadFile(Path(storageRoot, instanceID))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", Path(storageRoot, instanceID), err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", Path(storageRoot, instanceID), err)
	}
	if cfg.MapSizeBytes == 0 {
		cfg.MapSizeBytes = DefaultMapSizeBytes
	}
	if cfg.RetentionRevisions == 0 {
		cfg.RetentionRevisions = DefaultRetentionRevisions
	}

	return cfg, nil
}

// Save writes cfg to its instance directory, creating the directory if
// needed.
func Save(cfg StoreConfig) error {
	dir := filepath.Join(cfg.StorageRoot, cfg.InstanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}

	return os.WriteFile(Path(cfg.StorageRoot, cfg.InstanceID), data, 0o644)
}

// InstanceDir returns the directory this config's main store lives in.
func (c StoreConfig) InstanceDir() string {
	return filepath.Join(c.StorageRoot, c.InstanceID)
}

// SynchronizationDir returns the sibling directory spec.md §6 names for
// the remote-ID mapping store: `<instanceId>.synchronization/`.
func (c StoreConfig) SynchronizationDir() string {
	return filepath.Join(c.StorageRoot, c.InstanceID+".synchronization")
}

// MainStorePath returns the main store's database file path.
func (c StoreConfig) MainStorePath() string {
	return filepath.Join(c.InstanceDir(), "storage.db")
}

// SynchronizationStorePath returns the remote-ID mapping store's
// database file path.
func (c StoreConfig) SynchronizationStorePath() string {
	return filepath.Join(c.SynchronizationDir(), "mapping.db")
}
