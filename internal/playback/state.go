package playback

import (
	"time"

	"github.com/mkarrer/audiogate/internal/content"
)

// Status is the derived playback session status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusPlaying   Status = "playing"
	StatusPaused    Status = "paused"
	StatusBuffering Status = "buffering"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
)

// ErrorType classifies user-facing playback errors.
type ErrorType string

const (
	ErrorNone          ErrorType = "none"
	ErrorNetwork       ErrorType = "network_error"
	ErrorAudioNotFound ErrorType = "audio_not_found"
	ErrorPlayback      ErrorType = "playback_failed"
	ErrorUnauthorized  ErrorType = "unauthorized"
)

// SleepTimerMode selects how the sleep timer pauses playback.
type SleepTimerMode string

const (
	SleepTimerOff          SleepTimerMode = "off"
	SleepTimerTimed        SleepTimerMode = "timed"
	SleepTimerEndOfChapter SleepTimerMode = "end_of_chapter"
)

// State is an immutable snapshot of the playback session. Mutations produce
// a new value; the Item pointer is shared and must be treated read-only.
type State struct {
	Item                *content.Item
	CurrentChapterIndex int
	Position            time.Duration
	Duration            time.Duration

	IsPlaying   bool
	IsBuffering bool
	IsLoading   bool
	IsCompleted bool

	IsOwned              bool
	IsSubscriptionActive bool

	SleepTimerMode      SleepTimerMode
	SleepTimerRemaining time.Duration

	ErrorType    ErrorType
	ErrorMessage string
}

// NewState returns the empty session state (no audio loaded).
func NewState() State {
	return State{
		SleepTimerMode: SleepTimerOff,
		ErrorType:      ErrorNone,
	}
}

// HasAudio reports whether an item is loaded.
func (s State) HasAudio() bool { return s.Item != nil }

// HasError reports whether an error is surfaced on the state.
func (s State) HasError() bool { return s.ErrorType != ErrorNone }

// HasSleepTimer reports whether a sleep timer is armed.
func (s State) HasSleepTimer() bool { return s.SleepTimerMode != SleepTimerOff }

// Status derives the session status from the snapshot fields.
func (s State) Status() Status {
	switch {
	case s.HasError():
		return StatusError
	case !s.HasAudio():
		return StatusIdle
	case s.IsLoading:
		return StatusLoading
	case s.IsBuffering:
		return StatusBuffering
	case s.IsCompleted:
		return StatusCompleted
	case s.IsPlaying:
		return StatusPlaying
	default:
		return StatusPaused
	}
}

// ClearError returns a copy with the error fields reset and every other
// field unchanged.
func (s State) ClearError() State {
	s.ErrorType = ErrorNone
	s.ErrorMessage = ""
	return s
}

// WithError returns a copy carrying the given error classification.
func (s State) WithError(errType ErrorType, msg string) State {
	s.ErrorType = errType
	s.ErrorMessage = msg
	s.IsLoading = false
	s.IsPlaying = false
	s.IsBuffering = false
	return s
}

// CurrentChapter returns the chapter the session points at, if any.
func (s State) CurrentChapter() (content.Chapter, bool) {
	if s.Item == nil {
		return content.Chapter{}, false
	}
	return s.Item.Chapter(s.CurrentChapterIndex)
}
