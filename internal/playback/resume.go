package playback

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// ResumeStore persists last-known playback positions per content item so a
// reloaded item continues where the listener left off. Writes are atomic:
// a crash never leaves a torn file behind.
type ResumeStore struct {
	mu        sync.Mutex
	path      string
	positions map[string]resumeEntry
}

type resumeEntry struct {
	Chapter    int   `json:"chapter"`
	PositionMS int64 `json:"position_ms"`
}

// OpenResumeStore loads (or initialises) the resume file at path.
func OpenResumeStore(path string) (*ResumeStore, error) {
	r := &ResumeStore{
		path:      path,
		positions: make(map[string]resumeEntry),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &r.positions); err != nil {
		return nil, fmt.Errorf("resume: parse %s: %w", path, err)
	}
	return r, nil
}

// Save records the position for an item and flushes the file atomically.
func (r *ResumeStore) Save(itemID string, chapter int, pos time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.positions[itemID] = resumeEntry{
		Chapter:    chapter,
		PositionMS: pos.Milliseconds(),
	}
	return r.flushLocked()
}

// Lookup returns the stored chapter and position for an item.
func (r *ResumeStore) Lookup(itemID string) (chapter int, pos time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found := r.positions[itemID]
	if !found {
		return 0, 0, false
	}
	return entry.Chapter, time.Duration(entry.PositionMS) * time.Millisecond, true
}

// Forget drops the stored position for an item.
func (r *ResumeStore) Forget(itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.positions[itemID]; !found {
		return nil
	}
	delete(r.positions, itemID)
	return r.flushLocked()
}

func (r *ResumeStore) flushLocked() error {
	data, err := json.MarshalIndent(r.positions, "", "  ")
	if err != nil {
		return fmt.Errorf("resume: encode: %w", err)
	}

	pending, err := renameio.NewPendingFile(r.path)
	if err != nil {
		return fmt.Errorf("resume: create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("resume: write: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("resume: atomically replace: %w", err)
	}
	return nil
}
