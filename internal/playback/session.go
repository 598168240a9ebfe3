// Package playback implements the resilient playback session controller:
// a single-writer state machine over immutable snapshots, chapter-level
// access gating, a sleep timer, and circuit-breaker protected resolution
// of stream locators.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mkarrer/audiogate/internal/access"
	"github.com/mkarrer/audiogate/internal/content"
	"github.com/mkarrer/audiogate/internal/log"
	"github.com/mkarrer/audiogate/internal/metrics"
	"github.com/mkarrer/audiogate/internal/resilience"
	"github.com/mkarrer/audiogate/internal/resolve"
)

var (
	ErrNoItemLoaded = errors.New("playback: no item loaded")
	ErrUnauthorized = errors.New("playback: chapter access denied")
	ErrNoChapter    = errors.New("playback: no playable chapter in that direction")
)

// Resolver resolves a chapter's audio locator over the network.
type Resolver interface {
	Resolve(ctx context.Context, itemID, chapterID string) (string, error)
}

// DownloadIndex reports chapters whose audio is already cached locally.
// A cached chapter bypasses the guarded network path entirely.
type DownloadIndex interface {
	CachedPath(itemID, chapterID string) (string, bool)
}

// Deps carries the session's collaborators. Resolver and Engine are
// required; the rest default to sensible implementations.
type Deps struct {
	Resolver  Resolver
	Engine    Engine
	Downloads DownloadIndex
	Guard     *resilience.Guard
	Resume    *ResumeStore
	Clock     clockwork.Clock
	Logger    *zerolog.Logger
}

// PlayOptions carries the entitlement flags the loading layer read from the
// content/subscription stores, plus the chapter to start at.
type PlayOptions struct {
	ChapterIndex          int
	Owned                 bool
	SubscriptionActive    bool
	SubscriptionAvailable bool
}

// Session is the stateful playback controller. All commands are serialized
// through one mutex-guarded path; observers only ever see immutable State
// snapshots.
type Session struct {
	mu    sync.Mutex
	state State

	resolver  Resolver
	engine    Engine
	downloads DownloadIndex
	guard     *resilience.Guard
	resume    *ResumeStore
	clock     clockwork.Clock
	logger    zerolog.Logger

	subs    map[int]chan State
	nextSub int

	inflightCancel context.CancelFunc
	timerCancel    context.CancelFunc
	timerGen       int
	timerWG        sync.WaitGroup
	closed         bool
}

// NewSession creates an idle session.
func NewSession(deps Deps) *Session {
	if deps.Resolver == nil {
		panic("playback: Deps.Resolver is required")
	}
	if deps.Engine == nil {
		panic("playback: Deps.Engine is required")
	}
	s := &Session{
		state:     NewState(),
		resolver:  deps.Resolver,
		engine:    deps.Engine,
		downloads: deps.Downloads,
		guard:     deps.Guard,
		resume:    deps.Resume,
		clock:     deps.Clock,
		subs:      make(map[int]chan State),
	}
	if s.guard == nil {
		s.guard = resilience.NewGuard("playback")
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if deps.Logger != nil {
		s.logger = *deps.Logger
	} else {
		s.logger = log.WithComponent("playback")
	}
	return s
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers an observer. Snapshots arrive in production order;
// when a slow observer falls behind, the oldest undelivered snapshots are
// coalesced away. The returned func unsubscribes.
func (s *Session) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan State, 16)
	s.subs[id] = ch
	ch <- s.state

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Play replaces the loaded item wholesale and starts the requested chapter.
func (s *Session) Play(ctx context.Context, item *content.Item, opts PlayOptions) error {
	if item == nil {
		return ErrNoItemLoaded
	}
	if err := item.Validate(); err != nil {
		metrics.RecordPlaybackCommand("play", "invalid")
		return err
	}

	result := access.Check(access.Input{
		Owned:                 opts.Owned,
		Free:                  item.Free,
		SubscriptionActive:    opts.SubscriptionActive,
		SubscriptionAvailable: opts.SubscriptionAvailable,
	})
	metrics.RecordAccessDecision(string(result.Kind), string(result.Reason))

	s.mu.Lock()
	s.cancelInflightLocked()

	st := NewState()
	st.Item = item
	st.CurrentChapterIndex = opts.ChapterIndex
	st.IsOwned = opts.Owned
	st.IsSubscriptionActive = opts.SubscriptionActive
	st.IsLoading = true
	s.state = st

	if !s.canPlayChapterLocked(opts.ChapterIndex) {
		s.setErrorLocked(ErrorUnauthorized, fmt.Sprintf("chapter %d is not playable", opts.ChapterIndex))
		s.mu.Unlock()
		metrics.RecordPlaybackCommand("play", "denied")
		return ErrUnauthorized
	}

	chapter, ok := item.Chapter(opts.ChapterIndex)
	if !ok {
		// Owned items skip the bounds check in gating; reject here instead.
		s.setErrorLocked(ErrorPlayback, fmt.Sprintf("chapter %d does not exist", opts.ChapterIndex))
		s.mu.Unlock()
		metrics.RecordPlaybackCommand("play", "invalid")
		return fmt.Errorf("playback: item %q has no chapter %d", item.ID, opts.ChapterIndex)
	}

	s.state.Duration = chapter.Duration
	if s.resume != nil {
		if chIdx, pos, ok := s.resume.Lookup(item.ID); ok && chIdx == chapter.Index {
			s.state.Position = pos
		}
	}
	s.publishLocked()

	opCtx := s.beginOperationLocked(ctx)
	s.mu.Unlock()

	startErr := s.startChapter(opCtx, item.ID, chapter)
	outcome, err := s.finishStart(opCtx, "play", startErr)
	metrics.RecordPlaybackCommand("play", outcome)
	return err
}

// Pause pauses playback, cancelling any in-flight resolve first.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	aborted := s.cancelInflightLocked()
	if !s.state.HasAudio() || !s.state.IsPlaying {
		if aborted {
			s.publishLocked()
		}
		metrics.RecordPlaybackCommand("pause", "noop")
		return
	}
	s.pauseLocked("pause command")
	s.publishLocked()
	metrics.RecordPlaybackCommand("pause", "ok")
}

// Resume resumes a paused session.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.HasAudio() || s.state.IsPlaying || s.state.HasError() || s.state.IsCompleted {
		metrics.RecordPlaybackCommand("resume", "noop")
		return
	}
	if err := s.engine.Play(); err != nil {
		s.setErrorLocked(ErrorPlayback, err.Error())
		metrics.RecordPlaybackCommand("resume", "error")
		return
	}
	s.state.IsPlaying = true
	s.publishLocked()
	metrics.RecordPlaybackCommand("resume", "ok")
}

// Seek moves the position within the current chapter, clamped to its
// duration. As a transport command it cancels any in-flight operation.
func (s *Session) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelInflightLocked()
	if !s.state.HasAudio() {
		metrics.RecordPlaybackCommand("seek", "noop")
		return ErrNoItemLoaded
	}
	if pos < 0 {
		pos = 0
	}
	if s.state.Duration > 0 && pos > s.state.Duration {
		pos = s.state.Duration
	}
	if err := s.engine.Seek(pos); err != nil {
		s.setErrorLocked(ErrorPlayback, err.Error())
		metrics.RecordPlaybackCommand("seek", "error")
		return err
	}
	s.state.Position = pos
	s.state.IsCompleted = false
	s.publishLocked()
	metrics.RecordPlaybackCommand("seek", "ok")
	return nil
}

// Next starts the next playable chapter.
func (s *Session) Next(ctx context.Context) error {
	return s.skip(ctx, "next", +1)
}

// Previous starts the previous playable chapter.
func (s *Session) Previous(ctx context.Context) error {
	return s.skip(ctx, "previous", -1)
}

func (s *Session) skip(ctx context.Context, command string, delta int) error {
	s.mu.Lock()
	if !s.state.HasAudio() {
		s.mu.Unlock()
		metrics.RecordPlaybackCommand(command, "noop")
		return ErrNoItemLoaded
	}
	target := s.state.CurrentChapterIndex + delta
	if target < 0 || target >= s.state.Item.ChapterCount() || !s.canPlayChapterLocked(target) {
		s.mu.Unlock()
		metrics.RecordPlaybackCommand(command, "denied")
		return ErrNoChapter
	}
	chapter := s.state.Item.Chapters[target]
	itemID := s.state.Item.ID

	s.cancelInflightLocked()
	s.state.CurrentChapterIndex = target
	s.state.Position = 0
	s.state.Duration = chapter.Duration
	s.state.IsLoading = true
	s.state.IsCompleted = false
	s.state.ErrorType = ErrorNone
	s.state.ErrorMessage = ""
	s.publishLocked()

	opCtx := s.beginOperationLocked(ctx)
	s.mu.Unlock()

	startErr := s.startChapter(opCtx, itemID, chapter)
	outcome, err := s.finishStart(opCtx, command, startErr)
	metrics.RecordPlaybackCommand(command, outcome)
	return err
}

// CanPlayChapter decides per-chapter playability. Ownership short-circuits
// before the bounds check, so an owned item reports true even for an
// out-of-range index; callers that need bounds safety must handle that case.
func (s *Session) CanPlayChapter(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canPlayChapterLocked(index)
}

func (s *Session) canPlayChapterLocked(index int) bool {
	st := s.state
	if st.IsOwned {
		return true
	}
	if st.Item == nil || index < 0 || index >= st.Item.ChapterCount() {
		return false
	}
	if st.Item.Chapters[index].Preview {
		return true
	}
	return st.Item.Free && st.IsSubscriptionActive
}

// HasNextPlayableChapter reports whether the chapter after the current one
// exists and is playable.
func (s *Session) HasNextPlayableChapter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjacentPlayableLocked(+1)
}

// HasPreviousPlayableChapter reports whether the chapter before the current
// one exists and is playable.
func (s *Session) HasPreviousPlayableChapter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjacentPlayableLocked(-1)
}

func (s *Session) adjacentPlayableLocked(delta int) bool {
	if s.state.Item == nil {
		return false
	}
	target := s.state.CurrentChapterIndex + delta
	if target < 0 || target >= s.state.Item.ChapterCount() {
		return false
	}
	return s.canPlayChapterLocked(target)
}

// UpdateOwnershipAfterPurchase marks the loaded item owned when contentID
// matches it. No re-fetch happens; every chapter unlocks on the spot.
// A non-matching id is a no-op and returns false.
func (s *Session) UpdateOwnershipAfterPurchase(contentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Item == nil || s.state.Item.ID != contentID {
		return false
	}
	s.state.IsOwned = true
	s.publishLocked()
	s.logger.Info().Str("content_id", contentID).Msg("ownership updated after purchase")
	return true
}

// SetSleepTimer arms the sleep timer, cancelling any previously scheduled
// one. Timed mode requires a positive duration.
func (s *Session) SetSleepTimer(mode SleepTimerMode, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == SleepTimerTimed && d <= 0 {
		return fmt.Errorf("playback: timed sleep timer needs a positive duration, got %s", d)
	}

	s.cancelSleepTimerLocked()
	s.state.SleepTimerMode = mode
	s.state.SleepTimerRemaining = 0

	if mode == SleepTimerTimed {
		s.state.SleepTimerRemaining = d
		ctx, cancel := context.WithCancel(context.Background())
		s.timerCancel = cancel
		s.timerGen++
		s.timerWG.Add(1)
		go s.runSleepTimer(ctx, s.timerGen)
	}
	s.publishLocked()
	return nil
}

func (s *Session) runSleepTimer(ctx context.Context, gen int) {
	defer s.timerWG.Done()
	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if s.tickSleepTimer(gen) {
				return
			}
		}
	}
}

// tickSleepTimer posts one countdown step into the serialized command path.
// It reports true when the timer is finished or no longer armed. The
// generation check discards a tick that was already in flight when the
// timer got re-armed; without it that tick would shorten the new countdown.
func (s *Session) tickSleepTimer(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.timerGen || s.state.SleepTimerMode != SleepTimerTimed {
		return true
	}
	remaining := s.state.SleepTimerRemaining - time.Second
	if remaining > 0 {
		s.state.SleepTimerRemaining = remaining
		s.publishLocked()
		return false
	}

	s.state.SleepTimerRemaining = 0
	s.state.SleepTimerMode = SleepTimerOff
	s.pauseLocked("sleep timer expired")
	s.publishLocked()
	return true
}

// HandleBuffering records a buffering transition reported by the engine.
func (s *Session) HandleBuffering(buffering bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.HasAudio() {
		return
	}
	s.state.IsBuffering = buffering
	s.publishLocked()
}

// HandleChapterComplete reacts to the engine reaching the end of the
// current chapter: end-of-chapter sleep timers fire here, otherwise the
// session advances to the next playable chapter or completes.
func (s *Session) HandleChapterComplete(ctx context.Context) {
	s.mu.Lock()
	if !s.state.HasAudio() {
		s.mu.Unlock()
		return
	}
	s.state.Position = s.state.Duration

	if s.state.SleepTimerMode == SleepTimerEndOfChapter {
		s.state.SleepTimerMode = SleepTimerOff
		s.pauseLocked("sleep timer chapter boundary")
		s.publishLocked()
		s.mu.Unlock()
		return
	}

	if !s.adjacentPlayableLocked(+1) {
		s.state.IsCompleted = true
		s.state.IsPlaying = false
		s.saveResumeLocked()
		s.publishLocked()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.Next(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("auto-advance failed")
	}
}

// ClearError publishes a snapshot with the error fields reset. Nothing else
// changes.
func (s *Session) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.HasError() {
		return
	}
	s.state = s.state.ClearError()
	s.publishLocked()
}

// Close tears the session down: cancels in-flight work and timers, persists
// the resume position and closes all subscriber channels.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelInflightLocked()
	s.cancelSleepTimerLocked()
	s.saveResumeLocked()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	s.timerWG.Wait()
	return s.engine.Close()
}

// startChapter resolves the chapter locator and opens the decode session.
// Locally cached chapters bypass the guard; everything else runs through it.
func (s *Session) startChapter(ctx context.Context, itemID string, chapter content.Chapter) error {
	if s.downloads != nil {
		if path, ok := s.downloads.CachedPath(itemID, chapter.ID); ok {
			s.logger.Debug().Str("item", itemID).Str("chapter", chapter.ID).Msg("playing from local cache")
			return s.engine.Open(ctx, path)
		}
	}

	return s.guard.Execute(ctx, func(opCtx context.Context) error {
		locator, err := s.resolver.Resolve(opCtx, itemID, chapter.ID)
		if err != nil {
			return err
		}
		return s.engine.Open(opCtx, locator)
	})
}

// finishStart applies the outcome of a chapter start under the lock and
// returns the error the command should report. A superseded operation
// (cancelled by a newer command) changes nothing and reports no error.
func (s *Session) finishStart(opCtx context.Context, command string, err error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opCtx.Err() == context.Canceled {
		s.logger.Debug().Str("command", command).Msg("operation superseded")
		return "superseded", nil
	}
	if s.inflightCancel != nil {
		// Release the op context; the operation itself is already done.
		s.inflightCancel()
		s.inflightCancel = nil
	}

	if err != nil {
		errType, msg := classifyError(err)
		s.setErrorLocked(errType, msg)
		return "error", err
	}

	// A restored resume position only exists in the snapshot so far; move
	// the engine there before audio starts.
	if s.state.Position > 0 {
		if seekErr := s.engine.Seek(s.state.Position); seekErr != nil {
			s.logger.Warn().Err(seekErr).Msg("restoring saved position failed, starting from zero")
			s.state.Position = 0
		}
	}

	s.state.IsLoading = false
	s.state.IsPlaying = true
	s.state.IsBuffering = false
	if playErr := s.engine.Play(); playErr != nil {
		s.setErrorLocked(ErrorPlayback, playErr.Error())
		return "error", playErr
	}
	s.publishLocked()
	return "ok", nil
}

func (s *Session) beginOperationLocked(ctx context.Context) context.Context {
	opCtx, cancel := context.WithCancel(ctx)
	s.inflightCancel = cancel
	return opCtx
}

func (s *Session) cancelInflightLocked() bool {
	if s.inflightCancel == nil {
		return false
	}
	s.inflightCancel()
	s.inflightCancel = nil
	s.state.IsLoading = false
	return true
}

func (s *Session) cancelSleepTimerLocked() {
	if s.timerCancel != nil {
		s.timerCancel()
		s.timerCancel = nil
	}
	s.state.SleepTimerMode = SleepTimerOff
	s.state.SleepTimerRemaining = 0
}

func (s *Session) pauseLocked(reason string) {
	if err := s.engine.Pause(); err != nil {
		s.logger.Warn().Err(err).Str("reason", reason).Msg("engine pause failed")
	}
	s.state.IsPlaying = false
	s.saveResumeLocked()
	s.logger.Debug().Str("reason", reason).Msg("playback paused")
}

func (s *Session) saveResumeLocked() {
	if s.resume == nil || s.state.Item == nil {
		return
	}
	if err := s.resume.Save(s.state.Item.ID, s.state.CurrentChapterIndex, s.state.Position); err != nil {
		s.logger.Warn().Err(err).Msg("saving resume position failed")
	}
}

func (s *Session) setErrorLocked(errType ErrorType, msg string) {
	s.state = s.state.WithError(errType, msg)
	metrics.RecordPlaybackError(string(errType))
	s.publishLocked()
}

// publishLocked fans the current snapshot out to subscribers. Slow
// subscribers lose their oldest undelivered snapshot (coalescing), never
// the newest.
func (s *Session) publishLocked() {
	metrics.SetPlaybackStatus(string(s.state.Status()))
	for _, ch := range s.subs {
		select {
		case ch <- s.state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s.state:
			default:
			}
		}
	}
}

// classifyError maps lower-level failures onto the user-facing taxonomy.
// Raw transport errors never propagate upward.
func classifyError(err error) (ErrorType, string) {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ErrorNetwork, "playback temporarily unavailable, retry shortly"
	case errors.Is(err, resilience.ErrOperationTimeout):
		return ErrorNetwork, "playback operation timed out"
	case errors.Is(err, resolve.ErrUnavailable):
		return ErrorNetwork, "stream service unreachable"
	case errors.Is(err, resolve.ErrNotFound):
		return ErrorAudioNotFound, "audio for this chapter was not found"
	case errors.Is(err, ErrUnauthorized):
		return ErrorUnauthorized, "access to this chapter was denied"
	default:
		return ErrorPlayback, "playback failed"
	}
}
