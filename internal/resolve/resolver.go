// Package resolve turns a chapter reference into a playable stream locator.
// Lookups hit the locator cache first; upstream calls are rate limited.
// Circuit-breaker protection is applied by the caller, not here.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mkarrer/audiogate/internal/cache"
	"github.com/mkarrer/audiogate/internal/log"
	"github.com/mkarrer/audiogate/internal/metrics"
)

var (
	// ErrNotFound means the upstream has no audio for this chapter.
	ErrNotFound = errors.New("resolve: audio locator not found")
	// ErrUnavailable means the upstream could not be reached.
	ErrUnavailable = errors.New("resolve: upstream unavailable")
)

const defaultTTL = 15 * time.Minute

// Upstream supplies raw locator lookups. Implementations wrap their own
// transport failures in ErrUnavailable and misses in ErrNotFound.
type Upstream interface {
	ResolveLocator(ctx context.Context, itemID, chapterID string) (string, error)
}

// Resolver caches and rate-limits upstream locator lookups.
type Resolver struct {
	upstream Upstream
	cache    cache.LocatorCache
	limiter  *rate.Limiter
	ttl      time.Duration
	logger   zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL overrides how long resolved locators stay cached.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithRateLimit bounds upstream calls to n per second with the given burst.
func WithRateLimit(n float64, burst int) Option {
	return func(r *Resolver) { r.limiter = rate.NewLimiter(rate.Limit(n), burst) }
}

// New creates a Resolver over the given upstream and cache.
func New(upstream Upstream, locators cache.LocatorCache, opts ...Option) *Resolver {
	r := &Resolver{
		upstream: upstream,
		cache:    locators,
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		ttl:      defaultTTL,
		logger:   log.WithComponent("resolve"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the stream locator for a chapter.
func (r *Resolver) Resolve(ctx context.Context, itemID, chapterID string) (string, error) {
	key := cache.Key(itemID, chapterID)

	if r.cache != nil {
		if locator, ok := r.cache.Get(ctx, key); ok {
			metrics.RecordResolverLookup("cache_hit")
			return locator, nil
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("resolve: rate limit wait: %w", err)
	}

	locator, err := r.upstream.ResolveLocator(ctx, itemID, chapterID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			metrics.RecordResolverLookup("not_found")
		default:
			metrics.RecordResolverLookup("error")
		}
		return "", err
	}
	if locator == "" {
		metrics.RecordResolverLookup("not_found")
		return "", fmt.Errorf("%w: item %q chapter %q", ErrNotFound, itemID, chapterID)
	}

	if r.cache != nil {
		r.cache.Set(ctx, key, locator, r.ttl)
	}
	metrics.RecordResolverLookup("resolved")
	r.logger.Debug().Str("item", itemID).Str("chapter", chapterID).Msg("locator resolved")
	return locator, nil
}

// Invalidate drops a cached locator, forcing the next lookup upstream.
func (r *Resolver) Invalidate(ctx context.Context, itemID, chapterID string) {
	if r.cache != nil {
		r.cache.Delete(ctx, cache.Key(itemID, chapterID))
	}
}
