// Package downloads tracks which chapters have their audio cached on local
// storage. The playback session consults it before resolving anything over
// the network; a hit bypasses the circuit-breaker path entirely.
//
// The index only answers membership; downloading media files is someone
// else's job.
package downloads

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/mkarrer/audiogate/internal/log"
)

// Index is a badger-backed map of (item, chapter) to local file path.
type Index struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens the download index in dir. An empty dir opens an in-memory
// index, which tests and diskless deployments use.
func Open(dir string) (*Index, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("downloads: open index: %w", err)
	}
	return &Index{db: db, logger: log.WithComponent("downloads")}, nil
}

// MarkCached records that a chapter's audio lives at path.
func (x *Index) MarkCached(itemID, chapterID, path string) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(itemID, chapterID), []byte(path))
	})
	if err != nil {
		return fmt.Errorf("downloads: mark cached: %w", err)
	}
	x.logger.Debug().Str("item", itemID).Str("chapter", chapterID).Str("path", path).Msg("chapter cached")
	return nil
}

// CachedPath returns the local path for a chapter, if one is recorded.
func (x *Index) CachedPath(itemID, chapterID string) (string, bool) {
	var path string
	err := x.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(itemID, chapterID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			path = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false
	}
	if err != nil {
		x.logger.Warn().Err(err).Str("item", itemID).Str("chapter", chapterID).Msg("download index read failed")
		return "", false
	}
	return path, true
}

// Remove forgets a cached chapter (e.g. after the user frees up space).
func (x *Index) Remove(itemID, chapterID string) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(itemID, chapterID))
	})
	if err != nil {
		return fmt.Errorf("downloads: remove: %w", err)
	}
	return nil
}

// Close closes the underlying store.
func (x *Index) Close() error {
	return x.db.Close()
}

func key(itemID, chapterID string) []byte {
	return []byte(itemID + "/" + chapterID)
}
