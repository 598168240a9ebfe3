package playback

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarrer/audiogate/internal/content"
	"github.com/mkarrer/audiogate/internal/resilience"
	"github.com/mkarrer/audiogate/internal/resolve"
)

type stubResolver struct {
	mu      sync.Mutex
	calls   int
	err     error
	entered chan struct{} // receives once per call when set
	release chan struct{} // blocks the call until closed when set
}

func (r *stubResolver) Resolve(ctx context.Context, itemID, chapterID string) (string, error) {
	r.mu.Lock()
	r.calls++
	err := r.err
	entered := r.entered
	release := r.release
	r.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "stream://" + itemID + "/" + chapterID, nil
}

func (r *stubResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubEngine struct {
	mu      sync.Mutex
	opened  []string
	pauses  int
	seeks   []time.Duration
	playErr error
}

func (e *stubEngine) Open(_ context.Context, locator string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = append(e.opened, locator)
	return nil
}

func (e *stubEngine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playErr
}

func (e *stubEngine) failPlay(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playErr = err
}

func (e *stubEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses++
	return nil
}

func (e *stubEngine) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeks = append(e.seeks, pos)
	return nil
}

func (e *stubEngine) Close() error { return nil }

func (e *stubEngine) lastOpened() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.opened) == 0 {
		return ""
	}
	return e.opened[len(e.opened)-1]
}

func (e *stubEngine) pauseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauses
}

func (e *stubEngine) seekHistory() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.seeks...)
}

type stubDownloads map[string]string

func (d stubDownloads) CachedPath(itemID, chapterID string) (string, bool) {
	path, ok := d[itemID+"/"+chapterID]
	return path, ok
}

func previewItem() *content.Item {
	return &content.Item{
		ID:    "bk-1",
		Title: "The Long Read",
		Chapters: []content.Chapter{
			{ID: "ch-0", Index: 0, Preview: true, Duration: 90 * time.Second},
			{ID: "ch-1", Index: 1, Duration: 30 * time.Minute},
		},
	}
}

func newTestSession(t *testing.T, deps Deps) (*Session, *stubResolver, *stubEngine) {
	t.Helper()

	resolver := &stubResolver{}
	engine := &stubEngine{}
	if deps.Resolver == nil {
		deps.Resolver = resolver
	}
	if deps.Engine == nil {
		deps.Engine = engine
	}
	s := NewSession(deps)
	t.Cleanup(func() { _ = s.Close() })
	return s, resolver, engine
}

func TestSession_PlayHappyPath(t *testing.T) {
	s, resolver, engine := newTestSession(t, Deps{})

	err := s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0})
	require.NoError(t, err)

	st := s.State()
	assert.Equal(t, StatusPlaying, st.Status())
	assert.True(t, st.IsPlaying)
	assert.Equal(t, 0, st.CurrentChapterIndex)
	assert.Equal(t, 90*time.Second, st.Duration)
	assert.Equal(t, 1, resolver.callCount())
	assert.Equal(t, "stream://bk-1/ch-0", engine.lastOpened())
}

func TestSession_PlayDeniedChapterIsUnauthorized(t *testing.T) {
	s, resolver, _ := newTestSession(t, Deps{})

	// Chapter 1 is neither preview nor covered by ownership/subscription.
	err := s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 1})
	assert.ErrorIs(t, err, ErrUnauthorized)

	st := s.State()
	assert.Equal(t, StatusError, st.Status())
	assert.Equal(t, ErrorUnauthorized, st.ErrorType)
	assert.Equal(t, 0, resolver.callCount(), "denied gating must not touch the network")
}

func TestSession_ChapterGating(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))

	assert.True(t, s.CanPlayChapter(0))
	assert.False(t, s.CanPlayChapter(1))
	assert.False(t, s.HasNextPlayableChapter())
	assert.False(t, s.HasPreviousPlayableChapter(), "no chapter before index 0")
	assert.False(t, s.CanPlayChapter(-1))
	assert.False(t, s.CanPlayChapter(99))
}

func TestSession_FreeItemNeedsActiveSubscription(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})

	item := previewItem()
	item.Free = true

	require.NoError(t, s.Play(context.Background(), item, PlayOptions{
		ChapterIndex:       0,
		SubscriptionActive: true,
	}))
	assert.True(t, s.CanPlayChapter(1), "free item with subscription unlocks all chapters")
	assert.True(t, s.HasNextPlayableChapter())
}

func TestSession_OwnedSkipsBoundsCheck(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{
		ChapterIndex: 0,
		Owned:        true,
	}))

	// Documented quirk: ownership short-circuits before bounds validation.
	assert.True(t, s.CanPlayChapter(99))
	assert.True(t, s.CanPlayChapter(-5))

	// The adjacency helpers still bounds-check.
	require.NoError(t, s.Next(context.Background()))
	assert.False(t, s.HasNextPlayableChapter(), "no next after the last index even when owned")
}

func TestSession_OwnershipSyncUnlocksLoadedItem(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))
	require.False(t, s.CanPlayChapter(1))

	assert.False(t, s.UpdateOwnershipAfterPurchase("some-other-item"))
	assert.False(t, s.CanPlayChapter(1), "purchase of a different item is a no-op")

	assert.True(t, s.UpdateOwnershipAfterPurchase("bk-1"))
	assert.True(t, s.State().IsOwned)
	for i := 0; i < 2; i++ {
		assert.True(t, s.CanPlayChapter(i), "chapter %d must unlock after purchase", i)
	}
}

func TestSession_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	resolver := &stubResolver{err: resolve.ErrUnavailable}
	guard := resilience.NewGuard("test")
	s, _, _ := newTestSession(t, Deps{Resolver: resolver, Guard: guard})

	for i := 0; i < 3; i++ {
		err := s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0})
		require.Error(t, err)
		assert.Equal(t, ErrorNetwork, s.State().ErrorType)
	}
	require.Equal(t, resilience.StateOpen, guard.State())

	// Fast-fail: the resolver is not called again, error is still network.
	before := resolver.callCount()
	err := s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0})
	require.Error(t, err)
	assert.Equal(t, before, resolver.callCount())
	assert.Equal(t, ErrorNetwork, s.State().ErrorType)
	assert.Equal(t, 3, guard.Failures(), "fast-fail must not grow the failure count")
}

func TestSession_EngineStartFailureIsReported(t *testing.T) {
	s, _, engine := newTestSession(t, Deps{})
	engine.failPlay(errors.New("decoder init failed"))

	err := s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0})
	require.Error(t, err, "an engine that cannot start must fail the command, not just the snapshot")

	st := s.State()
	assert.Equal(t, StatusError, st.Status())
	assert.Equal(t, ErrorPlayback, st.ErrorType)
	assert.False(t, st.IsPlaying)
}

func TestSession_AudioNotFoundClassification(t *testing.T) {
	resolver := &stubResolver{err: resolve.ErrNotFound}
	s, _, _ := newTestSession(t, Deps{Resolver: resolver})

	err := s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0})
	require.Error(t, err)
	assert.Equal(t, ErrorAudioNotFound, s.State().ErrorType)
}

func TestSession_CachedChapterBypassesOpenCircuit(t *testing.T) {
	resolver := &stubResolver{err: resolve.ErrUnavailable}
	guard := resilience.NewGuard("test")
	for i := 0; i < 3; i++ {
		guard.RecordFailure()
	}
	require.Equal(t, resilience.StateOpen, guard.State())

	downloads := stubDownloads{"bk-1/ch-0": "/data/audio/bk-1/0.m4a"}
	s, _, engine := newTestSession(t, Deps{Resolver: resolver, Guard: guard, Downloads: downloads})

	err := s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0})
	require.NoError(t, err, "locally cached audio must play even with the circuit open")
	assert.Equal(t, "/data/audio/bk-1/0.m4a", engine.lastOpened())
	assert.Equal(t, StatusPlaying, s.State().Status())
}

func TestSession_ClearError(t *testing.T) {
	resolver := &stubResolver{err: resolve.ErrNotFound}
	s, _, _ := newTestSession(t, Deps{Resolver: resolver})

	_ = s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0})
	require.True(t, s.State().HasError())

	s.ClearError()
	st := s.State()
	assert.False(t, st.HasError())
	assert.Empty(t, st.ErrorMessage)
	assert.True(t, st.HasAudio(), "clearing the error must not unload the item")
}

func TestSession_PauseResumeSeek(t *testing.T) {
	s, _, engine := newTestSession(t, Deps{})

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))

	s.Pause()
	assert.Equal(t, StatusPaused, s.State().Status())
	assert.Equal(t, 1, engine.pauseCount())

	s.Resume()
	assert.Equal(t, StatusPlaying, s.State().Status())

	require.NoError(t, s.Seek(2*time.Hour))
	assert.Equal(t, 90*time.Second, s.State().Position, "seek clamps to the chapter duration")

	require.NoError(t, s.Seek(-5*time.Second))
	assert.Equal(t, time.Duration(0), s.State().Position)
}

func TestSession_SleepTimerTimed(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s, _, engine := newTestSession(t, Deps{Clock: fc})

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))
	require.NoError(t, s.SetSleepTimer(SleepTimerTimed, 3*time.Second))
	assert.Equal(t, 3*time.Second, s.State().SleepTimerRemaining)

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return s.State().SleepTimerRemaining == 2*time.Second
	}, time.Second, 5*time.Millisecond)

	fc.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return s.State().SleepTimerRemaining == time.Second
	}, time.Second, 5*time.Millisecond)

	fc.Advance(time.Second)
	assert.Eventually(t, func() bool {
		st := s.State()
		return st.SleepTimerMode == SleepTimerOff && !st.IsPlaying
	}, time.Second, 5*time.Millisecond, "the timer must pause playback and disarm itself")
	assert.GreaterOrEqual(t, engine.pauseCount(), 1)
}

func TestSession_SleepTimerRejectsNonPositiveDuration(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})
	assert.Error(t, s.SetSleepTimer(SleepTimerTimed, 0))
}

func TestSession_SettingNewModeCancelsPreviousTimer(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s, _, _ := newTestSession(t, Deps{Clock: fc})

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))
	require.NoError(t, s.SetSleepTimer(SleepTimerTimed, time.Hour))
	fc.BlockUntil(1)

	require.NoError(t, s.SetSleepTimer(SleepTimerEndOfChapter, 0))
	st := s.State()
	assert.Equal(t, SleepTimerEndOfChapter, st.SleepTimerMode)
	assert.Equal(t, time.Duration(0), st.SleepTimerRemaining)
	assert.True(t, st.IsPlaying, "switching modes must not pause playback")
}

func TestSession_StaleTimerTickIsIgnored(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s, _, _ := newTestSession(t, Deps{Clock: fc})

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))
	require.NoError(t, s.SetSleepTimer(SleepTimerTimed, 30*time.Second))

	s.mu.Lock()
	staleGen := s.timerGen
	s.mu.Unlock()

	// Re-arm: a tick that was already in flight for the first timer carries
	// the old generation and must not shorten the new countdown.
	require.NoError(t, s.SetSleepTimer(SleepTimerTimed, 10*time.Second))

	assert.True(t, s.tickSleepTimer(staleGen), "a superseded timer's tick must stop its goroutine")
	assert.Equal(t, 10*time.Second, s.State().SleepTimerRemaining)
	assert.True(t, s.State().IsPlaying)
}

func TestSession_BufferingTransitions(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})

	// Without an item the report is dropped.
	s.HandleBuffering(true)
	assert.Equal(t, StatusIdle, s.State().Status())

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))

	s.HandleBuffering(true)
	assert.Equal(t, StatusBuffering, s.State().Status())
	s.HandleBuffering(false)
	assert.Equal(t, StatusPlaying, s.State().Status(), "a playing session resumes playing after the stall")

	s.Pause()
	s.HandleBuffering(true)
	assert.Equal(t, StatusBuffering, s.State().Status())
	s.HandleBuffering(false)
	assert.Equal(t, StatusPaused, s.State().Status(), "a paused session stays paused after the stall")
}

func TestSession_SleepTimerEndOfChapter(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})

	item := previewItem()
	item.Free = true
	require.NoError(t, s.Play(context.Background(), item, PlayOptions{
		ChapterIndex:       0,
		SubscriptionActive: true,
	}))
	require.NoError(t, s.SetSleepTimer(SleepTimerEndOfChapter, 0))

	s.HandleChapterComplete(context.Background())

	st := s.State()
	assert.Equal(t, SleepTimerOff, st.SleepTimerMode, "timer disarms at the boundary")
	assert.False(t, st.IsPlaying)
	assert.Equal(t, 0, st.CurrentChapterIndex, "no auto-advance when the timer fires")
}

func TestSession_AutoAdvanceAndCompletion(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{
		ChapterIndex: 0,
		Owned:        true,
	}))

	s.HandleChapterComplete(context.Background())
	st := s.State()
	assert.Equal(t, 1, st.CurrentChapterIndex)
	assert.Equal(t, StatusPlaying, st.Status())

	s.HandleChapterComplete(context.Background())
	st = s.State()
	assert.Equal(t, StatusCompleted, st.Status())
	assert.False(t, st.IsPlaying)
}

func TestSession_CompletionWhenNextChapterIsLocked(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})

	// Preview chapter plays, the rest is locked: finishing it completes the
	// session instead of advancing into locked content.
	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))

	s.HandleChapterComplete(context.Background())
	st := s.State()
	assert.Equal(t, StatusCompleted, st.Status())
	assert.Equal(t, 0, st.CurrentChapterIndex)
}

func TestSession_LastCommandWins(t *testing.T) {
	resolver := &stubResolver{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	s, _, engine := newTestSession(t, Deps{Resolver: resolver})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0})
	}()
	<-resolver.entered // first resolve is in flight

	second := &content.Item{
		ID:       "bk-2",
		Chapters: []content.Chapter{{ID: "ch-0", Index: 0, Preview: true, Duration: time.Minute}},
	}
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- s.Play(context.Background(), second, PlayOptions{ChapterIndex: 0})
	}()
	<-resolver.entered // second resolve is in flight; first was cancelled
	close(resolver.release)

	require.NoError(t, <-firstDone, "a superseded command reports no error")
	require.NoError(t, <-secondDone)

	assert.Eventually(t, func() bool {
		st := s.State()
		return st.Item != nil && st.Item.ID == "bk-2" && st.Status() == StatusPlaying
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "stream://bk-2/ch-0", engine.lastOpened())
}

func TestSession_ResumePositionRestored(t *testing.T) {
	store, err := OpenResumeStore(filepath.Join(t.TempDir(), "resume.json"))
	require.NoError(t, err)
	require.NoError(t, store.Save("bk-1", 0, 42*time.Second))

	s, _, engine := newTestSession(t, Deps{Resume: store})

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))
	assert.Equal(t, 42*time.Second, s.State().Position)
	assert.Contains(t, engine.seekHistory(), 42*time.Second,
		"the restored position must reach the engine, not just the snapshot")
}

func TestSession_SubscribersSeeSnapshots(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	first := <-ch
	assert.Equal(t, StatusIdle, first.Status())

	require.NoError(t, s.Play(context.Background(), previewItem(), PlayOptions{ChapterIndex: 0}))

	assert.Eventually(t, func() bool {
		for {
			select {
			case st := <-ch:
				if st.Status() == StatusPlaying {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}
