// Package authcache implements the Auth Preload Cache: an LRU+TTL store of
// resolved provider credentials with background refresh-ahead and
// cooldown-aware profile failover.
package authcache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Resolver resolves a fresh credential for a (provider, profileId) pair.
// Implementations perform whatever I/O is necessary (secret store lookup,
// OAuth refresh, API key validation) and must be safe for concurrent use.
type Resolver func(ctx context.Context, provider, profileID string) (Credential, error)

// Credential is an opaque resolved auth blob plus the tag identifying
// where it came from (e.g. "env", "keyring", "oauth-refresh").
type Credential struct {
	Blob   interface{}
	Source string
}

// Entry is a resolved, cached credential.
type Entry struct {
	Credential
	ResolvedAt time.Time
	ExpiresAt  time.Time
}

func (e Entry) fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Profile describes one candidate identity for a provider, used by
// FindAvailable to pick the next usable profile when the preferred one is
// cooling down after a failure.
type Profile struct {
	ID       string
	Order    int
	Cooldown time.Duration
}

// Stats reports cache utilization.
type Stats struct {
	Size          int
	MaxSize       int
	InFlight      int
	CooldownCount int
}

const (
	// DefaultTTL is how long a resolved credential is considered fresh.
	DefaultTTL = 5 * time.Minute
	// RefreshAheadMargin is how far before expiry a background refresh is
	// attempted for a key still being actively used.
	RefreshAheadMargin = 60 * time.Second
	// DefaultMaxSize bounds the LRU before eviction kicks in.
	DefaultMaxSize = 256
)

// Cache is the Auth Preload Cache component.
type Cache struct {
	resolver Resolver
	ttl      time.Duration
	maxSize  int

	mu        sync.Mutex
	entries   *lru.Cache[string, Entry]
	inFlight  map[string]bool
	cooldowns map[string]time.Time // provider+profileID -> cooldown expiry

	// mirror, if set, propagates cooldowns to a shared store so every
	// gateway process in a managed-mode deployment honors the same
	// failover decisions instead of each process tracking its own.
	mirror CooldownMirror
}

// CooldownMirror is a shared, cross-process view of which profiles are
// currently cooling down. SetCooldownMirror wires one in; without it,
// cooldowns only apply within this process.
type CooldownMirror interface {
	Set(ctx context.Context, key string, d time.Duration) error
	IsActive(ctx context.Context, key string) (bool, error)
}

// SetCooldownMirror wires a shared cooldown store.
func (c *Cache) SetCooldownMirror(m CooldownMirror) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirror = m
}

// New creates a Cache backed by resolver, with the given TTL and max LRU
// size (both fall back to defaults when zero).
func New(resolver Resolver, ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	entries, err := lru.New[string, Entry](maxSize)
	if err != nil {
		// Only returned by lru.New for size <= 0, which we've already
		// guarded against above.
		panic(fmt.Sprintf("authcache: lru.New failed: %v", err))
	}
	return &Cache{
		resolver:  resolver,
		ttl:       ttl,
		maxSize:   maxSize,
		entries:   entries,
		inFlight:  make(map[string]bool),
		cooldowns: make(map[string]time.Time),
	}
}

func cacheKey(provider, profileID string) string {
	provider = normalize(provider)
	if profileID == "" {
		return provider
	}
	return provider + ":" + profileID
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// PreloadOptions configures a single Preload call.
type PreloadOptions struct {
	ProfileID string
	Force     bool
}

// Preload returns a fresh credential for (provider, profileId), resolving
// synchronously if the cache has nothing usable. If a fresh entry exists
// but is inside the refresh-ahead window, a single background refresh is
// kicked off (guarded per-key) and the current entry is still returned.
func (c *Cache) Preload(ctx context.Context, provider string, opts PreloadOptions) (Credential, error) {
	key := cacheKey(provider, opts.ProfileID)
	now := time.Now()

	if !opts.Force {
		c.mu.Lock()
		entry, ok := c.entries.Get(key)
		c.mu.Unlock()
		if ok && entry.fresh(now) {
			if entry.ExpiresAt.Sub(now) <= RefreshAheadMargin {
				c.maybeBackgroundRefresh(key, provider, opts.ProfileID)
			}
			return entry.Credential, nil
		}
	}

	return c.resolveAndStore(ctx, key, provider, opts.ProfileID)
}

// resolveAndStore calls the resolver synchronously and stores the result.
// Multiple concurrent callers for the same cold key may each resolve; the
// last write wins rather than coordinating a single resolution, trading a
// rare duplicate resolve for simplicity.
func (c *Cache) resolveAndStore(ctx context.Context, key, provider, profileID string) (Credential, error) {
	cred, err := c.resolver(ctx, provider, profileID)
	if err != nil {
		return Credential{}, fmt.Errorf("authcache: resolve %s: %w", key, err)
	}
	now := time.Now()
	c.mu.Lock()
	c.entries.Add(key, Entry{Credential: cred, ResolvedAt: now, ExpiresAt: now.Add(c.ttl)})
	c.mu.Unlock()
	return cred, nil
}

// maybeBackgroundRefresh launches at most one in-flight refresh for key.
// A failed background refresh is logged and otherwise swallowed: it must
// never evict the still-valid current entry.
func (c *Cache) maybeBackgroundRefresh(key, provider, profileID string) {
	c.mu.Lock()
	if c.inFlight[key] {
		c.mu.Unlock()
		return
	}
	c.inFlight[key] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.resolveAndStore(ctx, key, provider, profileID); err != nil {
			slog.Warn("authcache: background refresh failed", "key", key, "error", err)
		}
	}()
}

// PreloadBatch resolves every (provider, profileId) pair concurrently,
// returning a map keyed the same way Preload keys its cache. Per-pair
// failures are recorded in the returned map's error slot rather than
// aborting the batch.
type BatchResult struct {
	Credential Credential
	Err        error
}

func (c *Cache) PreloadBatch(ctx context.Context, pairs []struct{ Provider, ProfileID string }) map[string]BatchResult {
	var wg sync.WaitGroup
	var mu sync.Mutex
	out := make(map[string]BatchResult, len(pairs))

	for _, p := range pairs {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := c.Preload(ctx, p.Provider, PreloadOptions{ProfileID: p.ProfileID})
			key := cacheKey(p.Provider, p.ProfileID)
			mu.Lock()
			out[key] = BatchResult{Credential: cred, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// WarmCache preloads every provider in providers in parallel; per-provider
// failures are logged and swallowed so one bad profile doesn't block the
// rest of startup.
func (c *Cache) WarmCache(ctx context.Context, providers []string) {
	var wg sync.WaitGroup
	for _, p := range providers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Preload(ctx, p, PreloadOptions{}); err != nil {
				slog.Warn("authcache: warm cache failed", "provider", p, "error", err)
			}
		}()
	}
	wg.Wait()
}

// FindAvailable tries profiles in order (preferredProfile first, if set,
// then Profile.Order ascending), skipping any profile currently in
// cooldown, and returns the first credential that resolves. If every
// profile is exhausted it falls back to the provider's default (no
// profile) resolution.
func (c *Cache) FindAvailable(ctx context.Context, provider string, profiles []Profile, preferredProfile string) (Credential, error) {
	ordered := orderProfiles(profiles, preferredProfile)

	var lastErr error
	for _, p := range ordered {
		if c.inCooldown(provider, p.ID) {
			continue
		}
		cred, err := c.Preload(ctx, provider, PreloadOptions{ProfileID: p.ID})
		if err == nil {
			return cred, nil
		}
		lastErr = err
	}

	cred, err := c.Preload(ctx, provider, PreloadOptions{})
	if err == nil {
		return cred, nil
	}
	if lastErr != nil {
		return Credential{}, fmt.Errorf("authcache: no profile available for %s, last profile error: %v, default error: %w", provider, lastErr, err)
	}
	return Credential{}, fmt.Errorf("authcache: no profile available for %s: %w", provider, err)
}

func orderProfiles(profiles []Profile, preferred string) []Profile {
	sorted := make([]Profile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	if preferred == "" {
		return sorted
	}
	out := make([]Profile, 0, len(sorted))
	for _, p := range sorted {
		if p.ID == preferred {
			out = append([]Profile{p}, out...)
		} else {
			out = append(out, p)
		}
	}
	return out
}

func (c *Cache) inCooldown(provider, profileID string) bool {
	key := cacheKey(provider, profileID)

	c.mu.Lock()
	until, ok := c.cooldowns[key]
	mirror := c.mirror
	c.mu.Unlock()

	if ok {
		if time.Now().After(until) {
			c.mu.Lock()
			delete(c.cooldowns, key)
			c.mu.Unlock()
		} else {
			return true
		}
	}

	if mirror == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	active, err := mirror.IsActive(ctx, key)
	if err != nil {
		slog.Warn("authcache: cooldown mirror check failed", "key", key, "error", err)
		return false
	}
	return active
}

// Cooldown marks (provider, profileId) as unavailable for d, e.g. after a
// rate-limit response distinct from an outright auth failure.
func (c *Cache) Cooldown(provider, profileID string, d time.Duration) {
	key := cacheKey(provider, profileID)

	c.mu.Lock()
	c.cooldowns[key] = time.Now().Add(d)
	mirror := c.mirror
	c.mu.Unlock()

	if mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mirror.Set(ctx, key, d); err != nil {
		slog.Warn("authcache: cooldown mirror set failed", "key", key, "error", err)
	}
}

// Invalidate forces re-resolution on the next call, typically in response
// to a 401 from the downstream provider.
func (c *Cache) Invalidate(provider, profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(cacheKey(provider, profileID))
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.inFlight = make(map[string]bool)
}

// Stats reports current cache utilization.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:          c.entries.Len(),
		MaxSize:       c.maxSize,
		InFlight:      len(c.inFlight),
		CooldownCount: len(c.cooldowns),
	}
}
