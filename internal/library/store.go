// Package library is the content and entitlement store. It supplies the
// playback layer with items, chapter lists and the derived ownership flag.
// Entitlement sync to a backend is out of scope; this store is the local
// source of truth the session reads from.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkarrer/audiogate/internal/content"
	"github.com/mkarrer/audiogate/internal/log"
	"github.com/mkarrer/audiogate/internal/resolve"
)

// ErrItemNotFound means no item with that id exists in the library.
var ErrItemNotFound = errors.New("library: item not found")

// Store is a sqlite-backed content library.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and migrates) the library database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("library: apply schema: %w", err)
	}
	return &Store{db: db, logger: log.WithComponent("library")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertItem stores an item and its chapters, replacing any previous version.
func (s *Store) UpsertItem(ctx context.Context, item content.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("library: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	free := 0
	if item.Free {
		free = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO items (id, title, free) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, free = excluded.free`,
		item.ID, item.Title, free); err != nil {
		return fmt.Errorf("library: upsert item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chapters WHERE item_id = ?`, item.ID); err != nil {
		return fmt.Errorf("library: clear chapters: %w", err)
	}
	for _, ch := range item.Chapters {
		preview := 0
		if ch.Preview {
			preview = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chapters (item_id, idx, id, title, preview, duration_secs, locator)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID, ch.Index, ch.ID, ch.Title, preview, int64(ch.Duration/time.Second), ch.Locator); err != nil {
			return fmt.Errorf("library: insert chapter %q: %w", ch.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("library: commit: %w", err)
	}
	s.logger.Debug().Str("item", item.ID).Int("chapters", len(item.Chapters)).Msg("item stored")
	return nil
}

// GetItem loads an item with its ordered chapters.
func (s *Store) GetItem(ctx context.Context, id string) (content.Item, error) {
	var item content.Item
	var free int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, free FROM items WHERE id = ?`, id).
		Scan(&item.ID, &item.Title, &free)
	if errors.Is(err, sql.ErrNoRows) {
		return content.Item{}, fmt.Errorf("%w: %q", ErrItemNotFound, id)
	}
	if err != nil {
		return content.Item{}, fmt.Errorf("library: load item: %w", err)
	}
	item.Free = free != 0

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idx, title, preview, duration_secs, locator
		 FROM chapters WHERE item_id = ? ORDER BY idx`, id)
	if err != nil {
		return content.Item{}, fmt.Errorf("library: load chapters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ch content.Chapter
		var preview int
		var secs int64
		if err := rows.Scan(&ch.ID, &ch.Index, &ch.Title, &preview, &secs, &ch.Locator); err != nil {
			return content.Item{}, fmt.Errorf("library: scan chapter: %w", err)
		}
		ch.Preview = preview != 0
		ch.Duration = time.Duration(secs) * time.Second
		item.Chapters = append(item.Chapters, ch)
	}
	if err := rows.Err(); err != nil {
		return content.Item{}, fmt.Errorf("library: iterate chapters: %w", err)
	}
	return item, nil
}

// IsOwned returns the derived ownership flag for an item.
func (s *Store) IsOwned(ctx context.Context, id string) (bool, error) {
	var owned int
	err := s.db.QueryRowContext(ctx,
		`SELECT owned FROM entitlements WHERE item_id = ?`, id).Scan(&owned)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("library: load entitlement: %w", err)
	}
	return owned != 0, nil
}

// SetOwned records an entitlement (purchase or free-claim) for an item.
func (s *Store) SetOwned(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (item_id, owned, claimed_at) VALUES (?, 1, ?)
		 ON CONFLICT(item_id) DO UPDATE SET owned = 1, claimed_at = excluded.claimed_at`,
		id, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("library: set entitlement: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info().Str("item", id).Msg("entitlement recorded")
	}
	return nil
}

// ResolveLocator implements resolve.Upstream against the local catalog.
func (s *Store) ResolveLocator(ctx context.Context, itemID, chapterID string) (string, error) {
	var locator string
	err := s.db.QueryRowContext(ctx,
		`SELECT locator FROM chapters WHERE item_id = ? AND id = ?`, itemID, chapterID).
		Scan(&locator)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: item %q chapter %q", resolve.ErrNotFound, itemID, chapterID)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", resolve.ErrUnavailable, err)
	}
	if locator == "" {
		return "", fmt.Errorf("%w: item %q chapter %q", resolve.ErrNotFound, itemID, chapterID)
	}
	return locator, nil
}

// HealthCheck reports whether the database answers queries.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
