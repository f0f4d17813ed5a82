package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay lets an external writer finish before the file is read.
const settleDelay = 50 * time.Millisecond

// Watch applies external edits of the settings file until ctx is done. Each
// edit is validated like a client update, so the microphone cannot be changed
// this way; onChange receives the result of every edit that committed or
// rejected something. Writes made by the store itself are ignored.
func (s *Store) Watch(ctx context.Context, onChange func(UpdateResult)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic replaces swap the inode under the file name.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	s.logger.Info("Settings watcher started", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			select {
			case <-time.After(settleDelay):
			case <-ctx.Done():
				return nil
			}

			result, changed := s.reload()
			if changed && (result.HasChanges() || len(result.Rejected) > 0) {
				onChange(result)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Settings watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload re-reads the file and applies it as an update when its contents
// differ from what the store last wrote or read.
func (s *Store) reload() (UpdateResult, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("Failed to read settings file", slog.String("error", err.Error()))
		return UpdateResult{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bytes.Equal(data, s.lastWritten) {
		return UpdateResult{}, false
	}
	s.lastWritten = data

	var record map[string]json.RawMessage
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn("Ignoring corrupt settings file edit", slog.String("error", err.Error()))
		return UpdateResult{}, false
	}

	// The file is a full record; only keys whose value differs count as edits.
	current, _ := json.Marshal(s.cfg)
	var currentRecord map[string]json.RawMessage
	_ = json.Unmarshal(current, &currentRecord)
	for k, v := range record {
		if cur, ok := currentRecord[canonicalKey(k)]; ok && jsonEqual(cur, v) {
			delete(record, k)
		}
	}

	next := s.cfg.clone()
	result := s.apply(&next, record, false)
	if result.HasChanges() {
		s.cfg = next
	}
	return result, true
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return bytes.Equal(ja, jb)
}
