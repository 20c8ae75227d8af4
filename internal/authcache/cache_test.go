package authcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPreload_ReturnsFreshEntryWithoutResolving(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		calls.Add(1)
		return Credential{Blob: "token", Source: "test"}, nil
	}, time.Hour, 10)

	for i := 0; i < 3; i++ {
		if _, err := c.Preload(context.Background(), "openai", PreloadOptions{}); err != nil {
			t.Fatalf("preload: %v", err)
		}
	}

	if calls.Load() != 1 {
		t.Errorf("resolver calls = %d, want 1 (cache should serve fresh entry)", calls.Load())
	}
}

func TestPreload_ForceBypassesCache(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		calls.Add(1)
		return Credential{Blob: "token"}, nil
	}, time.Hour, 10)

	c.Preload(context.Background(), "openai", PreloadOptions{})
	c.Preload(context.Background(), "openai", PreloadOptions{Force: true})

	if calls.Load() != 2 {
		t.Errorf("resolver calls = %d, want 2 with force", calls.Load())
	}
}

func TestPreload_ExpiredEntryReResolves(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		calls.Add(1)
		return Credential{Blob: calls.Load()}, nil
	}, 10*time.Millisecond, 10)

	c.Preload(context.Background(), "openai", PreloadOptions{})
	time.Sleep(20 * time.Millisecond)
	c.Preload(context.Background(), "openai", PreloadOptions{})

	if calls.Load() != 2 {
		t.Errorf("resolver calls = %d, want 2 after expiry", calls.Load())
	}
}

func TestPreload_RefreshAheadWindowTriggersBackgroundRefresh(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		calls.Add(1)
		return Credential{Blob: calls.Load()}, nil
	}, 100*time.Millisecond, 10)
	// shrink the refresh-ahead margin window relative to TTL by waiting
	// past ttl-60s would never trigger in a unit test at real durations,
	// so we directly validate resolveAndStore + maybeBackgroundRefresh
	// wiring through a near-expired manual entry instead.

	key := cacheKey("openai", "")
	c.mu.Lock()
	c.entries.Add(key, Entry{
		Credential: Credential{Blob: "stale-but-fresh"},
		ResolvedAt: time.Now(),
		ExpiresAt:  time.Now().Add(10 * time.Millisecond),
	})
	c.mu.Unlock()

	cred, err := c.Preload(context.Background(), "openai", PreloadOptions{})
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	if cred.Blob != "stale-but-fresh" {
		t.Errorf("expected the still-fresh cached value returned immediately, got %v", cred.Blob)
	}

	time.Sleep(50 * time.Millisecond)
	if calls.Load() == 0 {
		t.Error("expected a background refresh to have run")
	}
}

func TestFindAvailable_SkipsCooldownProfile(t *testing.T) {
	var resolvedProfiles []string
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		resolvedProfiles = append(resolvedProfiles, profileID)
		return Credential{Blob: profileID}, nil
	}, time.Hour, 10)

	c.Cooldown("openai", "p1", time.Hour)

	profiles := []Profile{
		{ID: "p1", Order: 0},
		{ID: "p2", Order: 1},
	}
	cred, err := c.FindAvailable(context.Background(), "openai", profiles, "")
	if err != nil {
		t.Fatalf("findAvailable: %v", err)
	}
	if cred.Blob != "p2" {
		t.Errorf("credential = %v, want p2 (p1 is cooling down)", cred.Blob)
	}
}

func TestFindAvailable_PreferredProfileFirst(t *testing.T) {
	var order []string
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		order = append(order, profileID)
		return Credential{Blob: profileID}, nil
	}, time.Hour, 10)

	profiles := []Profile{
		{ID: "p1", Order: 0},
		{ID: "p2", Order: 1},
	}
	if _, err := c.FindAvailable(context.Background(), "openai", profiles, "p2"); err != nil {
		t.Fatalf("findAvailable: %v", err)
	}
	if len(order) == 0 || order[0] != "p2" {
		t.Errorf("resolution order = %v, want p2 first", order)
	}
}

func TestFindAvailable_FallsBackToDefault(t *testing.T) {
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		if profileID != "" {
			return Credential{}, errors.New("profile unavailable")
		}
		return Credential{Blob: "default"}, nil
	}, time.Hour, 10)

	profiles := []Profile{{ID: "p1", Order: 0}}
	cred, err := c.FindAvailable(context.Background(), "openai", profiles, "")
	if err != nil {
		t.Fatalf("findAvailable: %v", err)
	}
	if cred.Blob != "default" {
		t.Errorf("credential = %v, want default fallback", cred.Blob)
	}
}

func TestInvalidate_ForcesReResolution(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		calls.Add(1)
		return Credential{Blob: calls.Load()}, nil
	}, time.Hour, 10)

	c.Preload(context.Background(), "openai", PreloadOptions{})
	c.Invalidate("openai", "")
	c.Preload(context.Background(), "openai", PreloadOptions{})

	if calls.Load() != 2 {
		t.Errorf("resolver calls = %d, want 2 after invalidate", calls.Load())
	}
}

func TestBackgroundRefreshFailureDoesNotEvictCurrentEntry(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		n := calls.Add(1)
		if n > 1 {
			return Credential{}, errors.New("refresh failed")
		}
		return Credential{Blob: "good"}, nil
	}, time.Hour, 10)

	key := cacheKey("openai", "")
	c.Preload(context.Background(), "openai", PreloadOptions{})

	// Force the entry to look like it's inside the refresh-ahead window
	// without waiting out the real TTL.
	c.mu.Lock()
	e, _ := c.entries.Get(key)
	e.ExpiresAt = time.Now().Add(30 * time.Second)
	c.entries.Add(key, e)
	c.mu.Unlock()

	c.Preload(context.Background(), "openai", PreloadOptions{})
	time.Sleep(50 * time.Millisecond)

	cred, err := c.Preload(context.Background(), "openai", PreloadOptions{})
	if err != nil {
		t.Fatalf("preload after failed background refresh: %v", err)
	}
	if cred.Blob != "good" {
		t.Errorf("credential = %v, want the still-valid prior entry preserved", cred.Blob)
	}
}

func TestStats_ReportsSizeAndMaxSize(t *testing.T) {
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		return Credential{Blob: "x"}, nil
	}, time.Hour, 5)

	c.Preload(context.Background(), "openai", PreloadOptions{})
	c.Preload(context.Background(), "anthropic", PreloadOptions{})

	stats := c.Stats()
	if stats.Size != 2 {
		t.Errorf("size = %d, want 2", stats.Size)
	}
	if stats.MaxSize != 5 {
		t.Errorf("max size = %d, want 5", stats.MaxSize)
	}
}

// fakeMirror is an in-memory CooldownMirror stand-in so the mirror-wiring
// path can be tested without a live Redis server.
type fakeMirror struct {
	mu   sync.Mutex
	data map[string]time.Time
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{data: make(map[string]time.Time)}
}

func (f *fakeMirror) Set(ctx context.Context, key string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = time.Now().Add(d)
	return nil
}

func (f *fakeMirror) IsActive(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.data[key]
	return ok && time.Now().Before(until), nil
}

func TestCooldownMirror_PropagatesAndIsConsulted(t *testing.T) {
	c := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		return Credential{Blob: "x"}, nil
	}, time.Hour, 5)
	mirror := newFakeMirror()
	c.SetCooldownMirror(mirror)

	c.Cooldown("openai", "profile-a", time.Minute)

	if !c.inCooldown("openai", "profile-a") {
		t.Errorf("expected profile-a to be in cooldown via local state")
	}

	// A second Cache sharing only the mirror (simulating another process)
	// should see the same cooldown even with no local record of it.
	c2 := New(func(ctx context.Context, provider, profileID string) (Credential, error) {
		return Credential{Blob: "x"}, nil
	}, time.Hour, 5)
	c2.SetCooldownMirror(mirror)

	if !c2.inCooldown("openai", "profile-a") {
		t.Errorf("expected second cache instance to observe the mirrored cooldown")
	}
}
