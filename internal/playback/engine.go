package playback

import (
	"context"
	"sync"
	"time"
)

// Engine is the audio decode/output boundary. Opening a decode session is
// the only Engine call that may block; the session wraps it with the
// operation guard when the locator was resolved over the network.
type Engine interface {
	Open(ctx context.Context, locator string) error
	Play() error
	Pause() error
	Seek(pos time.Duration) error
	Close() error
}

// NopEngine is an Engine that accepts every locator and does nothing.
// The daemon uses it: actual audio output happens on the client device,
// this service only runs the gating and session state machine.
type NopEngine struct {
	mu      sync.Mutex
	locator string
}

func (e *NopEngine) Open(_ context.Context, locator string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locator = locator
	return nil
}

func (e *NopEngine) Play() error                { return nil }
func (e *NopEngine) Pause() error               { return nil }
func (e *NopEngine) Seek(_ time.Duration) error { return nil }
func (e *NopEngine) Close() error               { return nil }

// Locator returns the most recently opened locator.
func (e *NopEngine) Locator() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locator
}
