package library

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarrer/audiogate/internal/content"
	"github.com/mkarrer/audiogate/internal/resolve"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleItem() content.Item {
	return content.Item{
		ID:    "bk-1",
		Title: "The Long Read",
		Free:  true,
		Chapters: []content.Chapter{
			{ID: "ch-0", Index: 0, Title: "Opening", Preview: true, Duration: 90 * time.Second, Locator: "https://cdn/bk-1/0.m4a"},
			{ID: "ch-1", Index: 1, Title: "Middle", Duration: 30 * time.Minute, Locator: "https://cdn/bk-1/1.m4a"},
		},
	}
}

func TestStore_UpsertAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := sampleItem()
	require.NoError(t, s.UpsertItem(ctx, want))

	got, err := s.GetItem(ctx, "bk-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("item mismatch (-want +got):\n%s", diff)
	}

	// Upsert replaces the chapter list wholesale.
	want.Chapters = want.Chapters[:1]
	require.NoError(t, s.UpsertItem(ctx, want))
	got, err = s.GetItem(ctx, "bk-1")
	require.NoError(t, err)
	assert.Len(t, got.Chapters, 1)
}

func TestStore_GetItemNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetItem(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestStore_UpsertRejectsInvalidItem(t *testing.T) {
	s := newTestStore(t)

	bad := sampleItem()
	bad.Chapters[1].Index = 7
	assert.ErrorIs(t, s.UpsertItem(context.Background(), bad), content.ErrChapterOrdering)
}

func TestStore_Entitlements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, sampleItem()))

	owned, err := s.IsOwned(ctx, "bk-1")
	require.NoError(t, err)
	assert.False(t, owned)

	require.NoError(t, s.SetOwned(ctx, "bk-1"))

	owned, err = s.IsOwned(ctx, "bk-1")
	require.NoError(t, err)
	assert.True(t, owned)

	// Re-claiming is idempotent.
	require.NoError(t, s.SetOwned(ctx, "bk-1"))
}

func TestStore_ResolveLocator(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, sampleItem()))

	loc, err := s.ResolveLocator(ctx, "bk-1", "ch-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/bk-1/1.m4a", loc)

	_, err = s.ResolveLocator(ctx, "bk-1", "ch-9")
	assert.ErrorIs(t, err, resolve.ErrNotFound)
}
