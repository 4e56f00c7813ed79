// Package ratelimit resolves client credentials to quotas and enforces
// them with per-client token buckets. Buckets refill continuously from
// elapsed time on each call; no timer goroutine is involved.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

var (
	// ErrUnauthorized is returned for a missing or unknown credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRequestTooLarge is returned when a single request exceeds the
	// client's burst size and could never be granted.
	ErrRequestTooLarge = errors.New("request exceeds burst size")
)

// Quota is a client's entitlement. BytesPerSecond <= 0 means unbounded.
type Quota struct {
	BytesPerSecond float64 `json:"bytes_per_second" yaml:"bytes_per_second"`
	Burst          int     `json:"burst" yaml:"burst"`
}

// Unbounded reports whether the quota imposes no rate.
func (q Quota) Unbounded() bool { return q.BytesPerSecond <= 0 }

// Identity is a resolved credential.
type Identity struct {
	ClientID string
	Quota    Quota
}

// Resolver maps an opaque credential to an Identity. Unknown credentials
// must yield an error wrapping ErrUnauthorized.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// ExhaustedError is returned when a client's bucket holds too few tokens.
type ExhaustedError struct {
	ClientID   string
	Requested  int
	Available  float64
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate budget exhausted for %s: requested %d, available %.0f, retry after %s",
		e.ClientID, e.Requested, e.Available, e.RetryAfter)
}

// AsExhausted returns the *ExhaustedError wrapped in err, if any.
func AsExhausted(err error) (*ExhaustedError, bool) {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex, true
	}
	return nil, false
}

// Grant is an authorization valid for immediate use.
type Grant struct {
	ClientID  string
	Bytes     int
	IssuedAt  time.Time
	Remaining float64
}

// Config tunes an Authority.
type Config struct {
	// CacheTTL is how long a resolved credential is trusted before the
	// resolver is asked again (default 1m).
	CacheTTL time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

type cacheEntry struct {
	id      Identity
	expires time.Time
}

type bucket struct {
	lim   *rate.Limiter
	quota Quota
}

// Authority owns every client's RateBudget. Bucket mutation is
// serialized per client by the bucket's limiter.
type Authority struct {
	resolver Resolver
	ttl      time.Duration
	clk      clockwork.Clock
	log      *slog.Logger

	mu      sync.Mutex
	cache   map[string]cacheEntry
	buckets map[string]*bucket
	// idle holds forgotten clients whose bucket is still refilling.
	idle map[string]struct{}
}

// New returns an Authority backed by resolver.
func New(resolver Resolver, cfg Config) *Authority {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Authority{
		resolver: resolver,
		ttl:      cfg.CacheTTL,
		clk:      cfg.Clock,
		log:      cfg.Logger,
		cache:    make(map[string]cacheEntry),
		buckets:  make(map[string]*bucket),
		idle:     make(map[string]struct{}),
	}
}

// Identify authenticates credential without spending any tokens.
func (a *Authority) Identify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrUnauthorized
	}
	now := a.clk.Now()

	a.mu.Lock()
	entry, ok := a.cache[credential]
	a.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.id, nil
	}

	id, err := a.resolver.Resolve(ctx, credential)
	if err != nil {
		a.mu.Lock()
		delete(a.cache, credential)
		a.mu.Unlock()
		if errors.Is(err, ErrUnauthorized) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("resolve credential: %w", err)
	}

	a.mu.Lock()
	a.cache[credential] = cacheEntry{id: id, expires: now.Add(a.ttl)}
	a.mu.Unlock()
	return id, nil
}

func limitFor(q Quota) rate.Limit {
	if q.Unbounded() {
		return rate.Inf
	}
	return rate.Limit(q.BytesPerSecond)
}

func (a *Authority) bucketFor(id Identity, now time.Time) *bucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.idle, id.ClientID)
	b, ok := a.buckets[id.ClientID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(limitFor(id.Quota), id.Quota.Burst), quota: id.Quota}
		a.buckets[id.ClientID] = b
	} else if b.quota != id.Quota {
		b.lim.SetLimitAt(now, limitFor(id.Quota))
		b.lim.SetBurstAt(now, id.Quota.Burst)
		b.quota = id.Quota
		a.log.Info("client quota changed", "client_id", id.ClientID,
			"bytes_per_second", id.Quota.BytesPerSecond, "burst", id.Quota.Burst)
	}
	return b
}

// Authorize resolves credential and atomically deducts n tokens from the
// client's bucket. When the bucket is short it returns an
// *ExhaustedError whose RetryAfter is the time the refill rate needs to
// cover the deficit.
func (a *Authority) Authorize(ctx context.Context, credential string, n int) (Grant, error) {
	if n <= 0 {
		return Grant{}, errors.New("requested bytes must be > 0")
	}
	id, err := a.Identify(ctx, credential)
	if err != nil {
		return Grant{}, err
	}
	return a.AuthorizeIdentity(id, n)
}

// AuthorizeIdentity is Authorize for an already identified client.
func (a *Authority) AuthorizeIdentity(id Identity, n int) (Grant, error) {
	now := a.clk.Now()
	b := a.bucketFor(id, now)

	if !id.Quota.Unbounded() && n > id.Quota.Burst {
		return Grant{}, fmt.Errorf("%s requested %d, burst %d: %w", id.ClientID, n, id.Quota.Burst, ErrRequestTooLarge)
	}
	if b.lim.AllowN(now, n) {
		return Grant{
			ClientID:  id.ClientID,
			Bytes:     n,
			IssuedAt:  now,
			Remaining: b.lim.TokensAt(now),
		}, nil
	}

	tokens := b.lim.TokensAt(now)
	deficit := float64(n) - tokens
	wait := time.Duration(math.Ceil(deficit / float64(b.lim.Limit()) * float64(time.Second)))
	return Grant{}, &ExhaustedError{
		ClientID:   id.ClientID,
		Requested:  n,
		Available:  tokens,
		RetryAfter: wait,
	}
}

// Forget drops the cached credentials of clientID. Its bucket is dropped
// only once it has refilled to the full burst, so going idle never buys a
// client more tokens than waiting would. Until then the client is
// remembered and Sweep retries.
func (a *Authority) Forget(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for cred, e := range a.cache {
		if e.id.ClientID == clientID {
			delete(a.cache, cred)
		}
	}
	if _, ok := a.buckets[clientID]; ok {
		a.idle[clientID] = struct{}{}
	}
	a.sweepLocked(a.clk.Now())
}

// Sweep drops the buckets of forgotten clients that have fully
// refilled. It returns the number of buckets still held.
func (a *Authority) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked(a.clk.Now())
	return len(a.buckets)
}

func (a *Authority) sweepLocked(now time.Time) {
	for id := range a.idle {
		b, ok := a.buckets[id]
		if ok && !b.quota.Unbounded() && b.lim.TokensAt(now) < float64(b.lim.Burst()) {
			continue
		}
		delete(a.buckets, id)
		delete(a.idle, id)
	}
}

// Clients returns the number of clients with a live bucket.
func (a *Authority) Clients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}
