package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
)

// UpdateResult reports what an update committed and what it refused.
type UpdateResult struct {
	Changed  map[string]any
	Rejected []*ValidationError
}

// HasChanges reports whether at least one key was committed.
func (r UpdateResult) HasChanges() bool {
	return len(r.Changed) > 0
}

// ChangedKeys returns the committed keys in a stable order.
func (r UpdateResult) ChangedKeys() []string {
	keys := make([]string, 0, len(r.Changed))
	for k := range r.Changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store owns the settings record and its file.
type Store struct {
	path   string
	logger *slog.Logger

	mu          sync.RWMutex
	cfg         Config
	lastWritten []byte
}

// Load reads the record at path and merges it over Default. A missing file
// yields defaults; a corrupt file yields defaults and a warning. Only I/O
// failures other than a missing file are returned as errors.
func Load(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger,
		cfg:    Default(),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("No settings file found, using defaults", slog.String("path", path))
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	var record map[string]json.RawMessage
	if err := json.Unmarshal(data, &record); err != nil {
		logger.Warn("Settings file is corrupt, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return s, nil
	}

	result := s.apply(&s.cfg, record, true)
	for _, rej := range result.Rejected {
		logger.Warn("Ignoring persisted setting",
			slog.String("key", rej.Key),
			slog.String("reason", rej.Reason),
		)
	}
	s.lastWritten = data

	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the latest committed record.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Update validates every key of partial independently, commits the valid ones
// together, and persists the record when anything changed. Unknown keys are
// ignored. The returned error only reports a persistence failure; the
// in-memory commit stands regardless.
func (s *Store) Update(partial map[string]json.RawMessage) (UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.clone()
	result := s.apply(&next, partial, false)
	if !result.HasChanges() {
		return result, nil
	}

	s.cfg = next
	return result, s.persistLocked()
}

// SetMicrophone commits id as the selected capture device. Callers validate id
// against the device catalog first.
func (s *Store) SetMicrophone(id int) (UpdateResult, error) {
	if id < 0 {
		return UpdateResult{}, &ValidationError{Key: KeySelectedMicrophoneID, Reason: fmt.Sprintf("must be a non-negative integer, got %d", id)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.SelectedMicrophoneID = &id
	result := UpdateResult{Changed: map[string]any{KeySelectedMicrophoneID: id}}
	return result, s.persistLocked()
}

// apply runs the field validators over record and writes accepted values into
// cfg. Keys whose value is already current are not reported as changed. The
// microphone key is only accepted when loading from disk.
func (s *Store) apply(cfg *Config, record map[string]json.RawMessage, loading bool) UpdateResult {
	result := UpdateResult{Changed: make(map[string]any)}

	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	// Aliases go first so the canonical spelling wins when both are present.
	sort.Slice(keys, func(i, j int) bool {
		ai, aj := isAlias(keys[i]), isAlias(keys[j])
		if ai != aj {
			return ai
		}
		return keys[i] < keys[j]
	})

	for _, rawKey := range keys {
		raw := record[rawKey]
		key := canonicalKey(rawKey)

		var validate field
		switch {
		case key == KeySelectedMicrophoneID && loading:
			validate = microphoneField
		case key == KeySelectedMicrophoneID:
			result.Rejected = append(result.Rejected, &ValidationError{
				Key:    key,
				Reason: "change the microphone with set_microphone",
			})
			continue
		default:
			f, ok := fields[key]
			if !ok {
				continue
			}
			validate = f
		}

		if key != KeySelectedMicrophoneID && bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			result.Rejected = append(result.Rejected, &ValidationError{Key: key, Reason: "cannot be null"})
			continue
		}

		set, value, err := validate(raw)
		if err != nil {
			result.Rejected = append(result.Rejected, &ValidationError{Key: key, Reason: err.Error()})
			continue
		}
		before := cfg.clone()
		set(cfg)
		if reflect.DeepEqual(before, *cfg) {
			continue
		}
		result.Changed[key] = value
	}

	return result
}

func isAlias(key string) bool {
	_, ok := aliases[key]
	return ok
}

// persistLocked writes the record through a temp file and rename so readers
// of the file never see a partial write. Caller holds s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp settings file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set settings file mode: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	s.lastWritten = data
	return nil
}
