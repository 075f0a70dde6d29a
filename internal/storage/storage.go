// Package storage provides the two durable stores behind crowdwatch: the facility
// snapshot document and the append-only time-series log of readings.
//
// The snapshot store keeps the whole facility set as one unit of consistency. Every
// update rewrites the complete JSON document to a temporary file and atomically
// renames it over the previous one, so a crash never leaves a half-written file and
// readers never observe a partially updated set.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/crowdwatch/internal/models"
)

// documentVersion is written into every snapshot document.
const documentVersion = "1.0"

// tempSuffix marks in-flight documents next to the durable file.
const tempSuffix = ".tmp-"

// SnapshotDocument represents the file structure for JSON persistence.
// Unknown fields are ignored on read so older binaries can load newer documents.
type SnapshotDocument struct {
	Version    string                  `json:"version,omitempty"`
	SavedAt    time.Time               `json:"saved_at,omitempty"`
	Facilities []models.FacilityRecord `json:"facilities"`
}

// SnapshotStore holds the current occupancy record of every facility.
// Reads are served from an immutable in-memory copy that is swapped only after the
// new document is durable.
type SnapshotStore struct {
	mu         sync.RWMutex // guards facilities and index
	facilities []models.FacilityRecord
	index      map[int]int

	writeMu sync.Mutex // serializes read-modify-write cycles and file rewrites

	filePath        string
	filePermissions os.FileMode
	dirPermissions  os.FileMode
}

// OpenSnapshotStore loads the snapshot document at filePath.
// A missing or unreadable file is an ErrStorageUnavailable, never an empty store.
func OpenSnapshotStore(filePath string, filePermissions, dirPermissions os.FileMode) (*SnapshotStore, error) {
	if filePath == "" {
		return nil, errors.New("snapshot file path must not be empty")
	}
	s := &SnapshotStore{
		filePath:        filePath,
		filePermissions: filePermissions,
		dirPermissions:  dirPermissions,
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SeedSnapshot provisions the initial facility set at filePath.
// It returns false without touching anything when a document already exists.
func SeedSnapshot(filePath string, facilities []models.FacilityRecord, filePermissions, dirPermissions os.FileMode) (bool, error) {
	if _, err := os.Stat(filePath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, unavailable("stat snapshot", err)
	}
	if _, err := buildIndex(facilities); err != nil {
		return false, fmt.Errorf("invalid seed: %w", err)
	}
	if err := writeDocument(filePath, facilities, filePermissions, dirPermissions); err != nil {
		return false, err
	}
	return true, nil
}

// ReadSeedFile parses a seed file holding either a snapshot document or a bare
// JSON array of facility records.
func ReadSeedFile(path string) ([]models.FacilityRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var facilities []models.FacilityRecord
		if err := json.Unmarshal(data, &facilities); err != nil {
			return nil, fmt.Errorf("decode seed file: %w", err)
		}
		return facilities, nil
	}
	var doc SnapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	if doc.Facilities == nil {
		return nil, errors.New("seed file has no facilities list")
	}
	return doc.Facilities, nil
}

// GetAll returns a copy of every facility record in seed order.
func (s *SnapshotStore) GetAll() ([]models.FacilityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.facilities == nil {
		return nil, unavailable("read snapshot", errors.New("snapshot not loaded"))
	}
	out := make([]models.FacilityRecord, len(s.facilities))
	copy(out, s.facilities)
	return out, nil
}

// Get returns a copy of one facility record.
func (s *SnapshotStore) Get(id int) (models.FacilityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return models.FacilityRecord{}, fmt.Errorf("%w: %d", models.ErrFacilityNotFound, id)
	}
	return s.facilities[i], nil
}

// Contains reports whether id is part of the provisioned facility set.
func (s *SnapshotStore) Contains(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.index[id]
	return ok
}

// ApplyUpdate replaces max capacity and current count of the facility with the given id
// and persists the entire set before returning true. Unknown ids leave state unchanged
// and return false. When persisting fails the in-memory set is left untouched too.
func (s *SnapshotStore) ApplyUpdate(id, maxCapacity, currentCount int) (models.FacilityUpdate, bool, error) {
	if err := models.ValidateCounts(maxCapacity, currentCount); err != nil {
		return models.FacilityUpdate{}, false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Only this goroutine replaces s.facilities while writeMu is held, so the
	// current slice can be read without s.mu.
	i, ok := s.index[id]
	if !ok {
		return models.FacilityUpdate{}, false, nil
	}

	next := make([]models.FacilityRecord, len(s.facilities))
	copy(next, s.facilities)
	before := next[i]
	next[i].MaxCapacity = maxCapacity
	next[i].CurrentCount = currentCount

	if err := writeDocument(s.filePath, next, s.filePermissions, s.dirPermissions); err != nil {
		return models.FacilityUpdate{}, false, err
	}

	s.mu.Lock()
	s.facilities = next
	s.mu.Unlock()

	return models.FacilityUpdate{Before: before, After: next[i]}, true, nil
}

// Load restores the facility set from the durable file.
func (s *SnapshotStore) Load() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Clean up any stale temp files from previous crashes
	removeStaleTemps(s.filePath)

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return unavailable("read snapshot", err)
	}

	var doc SnapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return unavailable("decode snapshot", err)
	}
	if doc.Facilities == nil {
		return unavailable("decode snapshot", errors.New("document has no facilities list"))
	}

	index, err := buildIndex(doc.Facilities)
	if err != nil {
		return unavailable("validate snapshot", err)
	}

	s.mu.Lock()
	s.facilities = doc.Facilities
	s.index = index
	s.mu.Unlock()
	return nil
}

// Path returns the durable document location.
func (s *SnapshotStore) Path() string {
	return s.filePath
}

func buildIndex(facilities []models.FacilityRecord) (map[int]int, error) {
	index := make(map[int]int, len(facilities))
	for i := range facilities {
		f := &facilities[i]
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("facility %d: %w", f.ID, err)
		}
		if _, dup := index[f.ID]; dup {
			return nil, fmt.Errorf("duplicate facility id %d", f.ID)
		}
		index[f.ID] = i
	}
	return index, nil
}

// writeDocument rewrites the complete document through a temp file and an atomic rename.
func writeDocument(filePath string, facilities []models.FacilityRecord, filePermissions, dirPermissions os.FileMode) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return unavailable("create data directory", err)
	}

	jsonData, err := json.MarshalIndent(SnapshotDocument{
		Version:    documentVersion,
		SavedAt:    time.Now().UTC(),
		Facilities: facilities,
	}, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+tempSuffix+"*")
	if err != nil {
		return unavailable("create temp snapshot", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(jsonData); err != nil {
		_ = tmp.Close()
		return unavailable("write temp snapshot", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return unavailable("sync temp snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("close temp snapshot", err)
	}
	if err := os.Chmod(tmpPath, filePermissions); err != nil {
		return unavailable("chmod temp snapshot", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return unavailable("rename snapshot", err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func removeStaleTemps(filePath string) {
	prefix := filepath.Base(filePath) + tempSuffix
	entries, err := os.ReadDir(filepath.Dir(filePath))
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			_ = os.Remove(filepath.Join(filepath.Dir(filePath), e.Name()))
		}
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}
