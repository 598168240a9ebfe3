// Package content defines the audiobook catalog types consumed by the
// playback core. Records are validated once at the load boundary; every
// later access may assume a well-formed item.
package content

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingID       = errors.New("content: missing id")
	ErrNoChapters      = errors.New("content: item has no chapters")
	ErrChapterOrdering = errors.New("content: chapter indexes must be 0..n-1 in order")
)

// Item is a single piece of content (audiobook, album, ebook with narration).
type Item struct {
	ID       string
	Title    string
	Free     bool
	Chapters []Chapter
}

// Chapter is one playable segment of an item. Index is its stable position
// within the item. Locator is the resolvable audio reference (remote URL or
// storage path); resolution happens elsewhere.
type Chapter struct {
	ID       string
	Index    int
	Title    string
	Preview  bool
	Duration time.Duration
	Locator  string
}

// Validate checks structural invariants. Call it once when an item enters
// the system, not on every access.
func (i *Item) Validate() error {
	if i.ID == "" {
		return ErrMissingID
	}
	if len(i.Chapters) == 0 {
		return fmt.Errorf("%w: item %q", ErrNoChapters, i.ID)
	}
	for pos, ch := range i.Chapters {
		if ch.ID == "" {
			return fmt.Errorf("%w: item %q chapter at position %d", ErrMissingID, i.ID, pos)
		}
		if ch.Index != pos {
			return fmt.Errorf("%w: item %q chapter %q has index %d at position %d",
				ErrChapterOrdering, i.ID, ch.ID, ch.Index, pos)
		}
		if ch.Duration < 0 {
			return fmt.Errorf("content: item %q chapter %q has negative duration", i.ID, ch.ID)
		}
	}
	return nil
}

// Chapter returns the chapter at index, if it exists.
func (i *Item) Chapter(index int) (Chapter, bool) {
	if index < 0 || index >= len(i.Chapters) {
		return Chapter{}, false
	}
	return i.Chapters[index], true
}

// ChapterCount returns the number of chapters.
func (i *Item) ChapterCount() int {
	if i == nil {
		return 0
	}
	return len(i.Chapters)
}
