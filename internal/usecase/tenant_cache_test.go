package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/V4T54L/markov-tower/internal/adapter/cipher"
	"github.com/V4T54L/markov-tower/internal/domain"
	"github.com/V4T54L/markov-tower/internal/domain/mocks"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type cacheFixture struct {
	configs *mocks.MockConfigRepository
	texts   *mocks.MockTextRepository
	bans    *mocks.MockBanRepository
	optOuts *mocks.MockOptOutRepository
	hub     *mocks.BroadcastHub
	codec   *cipher.Codec
	clock   *fakeClock
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	codec, err := cipher.NewCodec(testKey)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return &cacheFixture{
		configs: mocks.NewMockConfigRepository(),
		texts:   mocks.NewMockTextRepository(),
		bans:    mocks.NewMockBanRepository(),
		optOuts: mocks.NewMockOptOutRepository(),
		hub:     mocks.NewBroadcastHub(),
		codec:   codec,
		clock:   &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

// newCache builds a cache that shares persistence with every other cache of
// the fixture, like sibling worker processes do.
func (f *cacheFixture) newCache(t *testing.T, broadcaster domain.BanBroadcaster) *TenantCache {
	t.Helper()
	if broadcaster == nil {
		broadcaster = f.hub.Broadcaster()
	}
	cache, err := NewTenantCache(context.Background(), CacheDeps{
		Configs:     f.configs,
		Texts:       f.texts,
		Bans:        f.bans,
		OptOuts:     f.optOuts,
		Broadcaster: broadcaster,
		Codec:       f.codec,
	}, CacheConfig{
		SweepInterval: 10 * time.Hour,
		RetryInterval: time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewTenantCache() error = %v", err)
	}
	return cache
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTenantCache_FetchIsSingleFlight(t *testing.T) {
	f := newCacheFixture(t)
	cache := f.newCache(t, nil)
	f.configs.FindGate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*TenantStore, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Fetch(context.Background(), "T2")
		}(i)
	}

	waitFor(t, func() bool { return f.configs.Calls() == 1 })
	time.Sleep(10 * time.Millisecond)
	close(f.configs.FindGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Fetch #%d error = %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Error("expected both fetches to return the same store")
	}
	if got := f.configs.Calls(); got != 1 {
		t.Errorf("FindConfig calls = %d, want 1", got)
	}

	again, err := cache.Fetch(context.Background(), "T2")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if again != results[0] {
		t.Error("expected cached store on later fetch")
	}
}

func TestTenantCache_BanDuringFetchDiscardsStore(t *testing.T) {
	f := newCacheFixture(t)
	cache := f.newCache(t, nil)
	ctx := context.Background()
	f.configs.FindGate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(ctx, "T9")
		errc <- err
	}()
	waitFor(t, func() bool { return f.configs.Calls() == 1 })

	if err := cache.Ban(ctx, "T9", "spam"); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}
	close(f.configs.FindGate)

	if err := <-errc; !errors.Is(err, domain.ErrTenantBanned) {
		t.Errorf("Fetch() error = %v, want ErrTenantBanned", err)
	}
	if got := cache.Len(); got != 0 {
		t.Errorf("Len() = %d after ban, want 0", got)
	}
}

func TestTenantCache_DeleteDuringFetchRebuilds(t *testing.T) {
	f := newCacheFixture(t)
	cache := f.newCache(t, nil)
	ctx := context.Background()
	f.configs.Configs["T9"] = &domain.TenantConfig{TenantID: "T9", Enabled: true, ChannelID: "old"}
	f.configs.FindGate = make(chan struct{})

	type result struct {
		store *TenantStore
		err   error
	}
	resc := make(chan result, 1)
	go func() {
		store, err := cache.Fetch(ctx, "T9")
		resc <- result{store, err}
	}()
	waitFor(t, func() bool { return f.configs.Calls() == 1 })

	if err := cache.Delete(ctx, "T9"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	close(f.configs.FindGate)

	res := <-resc
	if res.err != nil {
		t.Fatalf("Fetch() error = %v", res.err)
	}
	if got := f.configs.Calls(); got != 2 {
		t.Errorf("FindConfig calls = %d, want 2", got)
	}
	if res.store.Enabled() || res.store.Channel(ctx) != "" {
		t.Error("expected the rebuilt store to reflect the deleted config")
	}
	if got := cache.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestTenantCache_FetchCallerCancelDoesNotFailOthers(t *testing.T) {
	f := newCacheFixture(t)
	cache := f.newCache(t, nil)
	f.configs.FindGate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(ctx, "T2")
		first <- err
	}()
	waitFor(t, func() bool { return f.configs.Calls() == 1 })

	second := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(context.Background(), "T2")
		second <- err
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("canceled Fetch() error = %v, want context.Canceled", err)
	}

	close(f.configs.FindGate)
	if err := <-second; err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := cache.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	if got := f.configs.Calls(); got != 1 {
		t.Errorf("FindConfig calls = %d, want 1", got)
	}
}

func TestTenantCache_BanReplication(t *testing.T) {
	f := newCacheFixture(t)
	a := f.newCache(t, nil)
	b := f.newCache(t, nil)
	ctx := context.Background()

	a.Start(ctx)
	defer a.Stop()
	b.Start(ctx)
	defer b.Stop()
	waitFor(t, func() bool { return f.hub.Subscribers() == 2 })

	listCalls := f.bans.Calls()

	if err := a.Ban(ctx, "T1", "spam"); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}
	if reason, ok := a.IsBanned("T1"); !ok || reason != "spam" {
		t.Errorf("a.IsBanned(T1) = %q, %v; want spam, true", reason, ok)
	}
	if reason, ok := b.IsBanned("T1"); !ok || reason != "spam" {
		t.Errorf("b.IsBanned(T1) = %q, %v; want spam, true", reason, ok)
	}
	if got := f.bans.Calls(); got != listCalls {
		t.Errorf("ListBans calls = %d after ban, want %d", got, listCalls)
	}

	if err := a.Unban(ctx, "T1"); err != nil {
		t.Fatalf("Unban() error = %v", err)
	}
	if _, ok := b.IsBanned("T1"); ok {
		t.Error("expected unban to reach the sibling cache")
	}
	if _, ok := f.bans.Bans["T1"]; ok {
		t.Error("expected persisted ban to be removed")
	}
}

func TestTenantCache_IgnoresOwnAndMalformedEvents(t *testing.T) {
	f := newCacheFixture(t)
	cache := f.newCache(t, nil)

	cache.ApplyBanEvent(domain.BanEvent{Type: domain.BanEventBan, TenantID: "T1", Origin: cache.InstanceID()})
	cache.ApplyBanEvent(domain.BanEvent{Type: "purge", TenantID: "T1", Origin: "other"})
	cache.ApplyBanEvent(domain.BanEvent{Type: domain.BanEventBan, Origin: "other"})

	if _, ok := cache.IsBanned("T1"); ok {
		t.Error("expected own and malformed events to be ignored")
	}

	cache.ApplyBanEvent(domain.BanEvent{Type: domain.BanEventBan, TenantID: "T1", Reason: "raid", Origin: "other"})
	if reason, ok := cache.IsBanned("T1"); !ok || reason != "raid" {
		t.Errorf("IsBanned(T1) = %q, %v; want raid, true", reason, ok)
	}
}

func TestTenantCache_NotifiesBanObserver(t *testing.T) {
	f := newCacheFixture(t)
	var (
		mu   sync.Mutex
		seen []domain.BanEvent
	)
	cache, err := NewTenantCache(context.Background(), CacheDeps{
		Configs:     f.configs,
		Texts:       f.texts,
		Bans:        f.bans,
		OptOuts:     f.optOuts,
		Broadcaster: f.hub.Broadcaster(),
		Codec:       f.codec,
	}, CacheConfig{
		RetryInterval: time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnBanEvent: func(e domain.BanEvent) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewTenantCache() error = %v", err)
	}

	if err := cache.Ban(context.Background(), "T1", "spam"); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}
	cache.ApplyBanEvent(domain.BanEvent{Type: domain.BanEventUnban, TenantID: "T1", Origin: cache.InstanceID()})
	cache.ApplyBanEvent(domain.BanEvent{Type: domain.BanEventUnban, TenantID: "T1", Origin: "sibling"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("observed %d events, want 2: %+v", len(seen), seen)
	}
	if seen[0].Type != domain.BanEventBan || seen[0].Origin != cache.InstanceID() {
		t.Errorf("first event = %+v, want local ban", seen[0])
	}
	if seen[1].Type != domain.BanEventUnban || seen[1].Origin != "sibling" {
		t.Errorf("second event = %+v, want replicated unban", seen[1])
	}
}

func TestTenantCache_StartupSyncRetries(t *testing.T) {
	f := newCacheFixture(t)
	f.bans.Bans["T9"] = "abuse"
	f.bans.FailLists = 2
	f.bans.ListErr = errBackend

	cache := f.newCache(t, nil)

	if got := f.bans.Calls(); got != 3 {
		t.Errorf("ListBans calls = %d, want 3", got)
	}
	if reason, ok := cache.IsBanned("T9"); !ok || reason != "abuse" {
		t.Errorf("IsBanned(T9) = %q, %v; want abuse, true", reason, ok)
	}
}

func TestTenantCache_StartupSyncStopsOnCancel(t *testing.T) {
	f := newCacheFixture(t)
	f.bans.FailLists = 1 << 30
	f.bans.ListErr = errBackend

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewTenantCache(ctx, CacheDeps{Bans: f.bans, Broadcaster: f.hub.Broadcaster()}, CacheConfig{
		RetryInterval: time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err == nil {
		t.Fatal("expected an error once the context expired")
	}
}

func TestTenantCache_BanFailures(t *testing.T) {
	t.Run("Persistence Failure", func(t *testing.T) {
		f := newCacheFixture(t)
		cache := f.newCache(t, nil)
		f.bans.UpsertErr = errBackend

		if err := cache.Ban(context.Background(), "T1", "spam"); err == nil {
			t.Fatal("expected an error")
		}
		if _, ok := cache.IsBanned("T1"); ok {
			t.Error("expected no local ban after a failed write")
		}
		if len(f.hub.Events) != 0 {
			t.Errorf("expected no broadcast, got %d events", len(f.hub.Events))
		}
	})

	t.Run("Broadcast Failure", func(t *testing.T) {
		f := newCacheFixture(t)
		broadcaster := f.hub.Broadcaster()
		broadcaster.PublishErr = errBackend
		cache := f.newCache(t, broadcaster)

		if err := cache.Ban(context.Background(), "T1", "spam"); err == nil {
			t.Fatal("expected an error")
		}
		if _, ok := cache.IsBanned("T1"); !ok {
			t.Error("expected the persisted ban to apply locally")
		}
	})
}

func TestTenantCache_BanPurgesTenant(t *testing.T) {
	f := newCacheFixture(t)
	a := f.newCache(t, nil)
	b := f.newCache(t, nil)
	ctx := context.Background()

	b.Start(ctx)
	defer b.Stop()
	waitFor(t, func() bool { return f.hub.Subscribers() == 1 })

	store, err := a.Fetch(ctx, "T1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if err := store.AddText(ctx, "hello world", "u1", "m1"); err != nil {
		t.Fatalf("AddText() error = %v", err)
	}
	if _, err := b.Fetch(ctx, "T1"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if err := a.Ban(ctx, "T1", "spam"); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}

	if a.Len() != 0 || b.Len() != 0 {
		t.Errorf("cached stores = %d, %d; want 0, 0", a.Len(), b.Len())
	}
	if len(f.texts.List("T1")) != 0 {
		t.Error("expected banned tenant texts to be purged")
	}
}

func TestTenantCache_Delete(t *testing.T) {
	f := newCacheFixture(t)
	cache := f.newCache(t, nil)
	ctx := context.Background()

	f.texts.Lists["cold"] = []string{"legacy"}
	f.configs.Configs["cold"] = &domain.TenantConfig{TenantID: "cold"}
	if err := cache.Delete(ctx, "cold"); err != nil {
		t.Fatalf("Delete(cold) error = %v", err)
	}
	if _, ok := f.configs.Configs["cold"]; ok {
		t.Error("expected config of uncached tenant to be deleted")
	}
	if len(f.texts.List("cold")) != 0 {
		t.Error("expected texts of uncached tenant to be deleted")
	}

	if _, err := cache.Fetch(ctx, "warm"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	f.texts.DeleteErr = errBackend
	if err := cache.Delete(ctx, "warm"); err == nil {
		t.Error("expected purge failure to propagate")
	}
	if cache.Len() != 0 {
		t.Error("expected store to be evicted even when the purge failed")
	}
}

func TestTenantCache_Tracking(t *testing.T) {
	f := newCacheFixture(t)
	cache := f.newCache(t, nil)
	ctx := context.Background()

	if !cache.IsTrackAllowed(ctx, "u1") {
		t.Error("expected tracking to be allowed by default")
	}

	optedOut, err := cache.ToggleTrack(ctx, "u1")
	if err != nil || !optedOut {
		t.Fatalf("ToggleTrack() = %v, %v; want true, nil", optedOut, err)
	}
	if cache.IsTrackAllowed(ctx, "u1") {
		t.Error("expected tracking to be refused after opting out")
	}

	optedOut, err = cache.ToggleTrack(ctx, "u1")
	if err != nil || optedOut {
		t.Fatalf("ToggleTrack() = %v, %v; want false, nil", optedOut, err)
	}
	if !cache.IsTrackAllowed(ctx, "u1") {
		t.Error("expected tracking to be allowed after opting back in")
	}
	if f.optOuts.ExistsCalls != 1 {
		t.Errorf("OptOutExists calls = %d, want 1", f.optOuts.ExistsCalls)
	}

	f.optOuts.ExistsErr = errBackend
	if cache.IsTrackAllowed(ctx, "u2") {
		t.Error("expected a failed lookup to refuse tracking")
	}
	f.optOuts.ExistsErr = nil
	if !cache.IsTrackAllowed(ctx, "u2") {
		t.Error("expected a failed lookup not to be cached")
	}

	f.optOuts.DeleteErr = errBackend
	if _, err := cache.ToggleTrack(ctx, "u3"); err == nil {
		t.Error("expected toggle failure to propagate")
	}
}

func TestTenantCache_SweepEvictsIdleEntries(t *testing.T) {
	f := newCacheFixture(t)
	cache := f.newCache(t, nil)
	ctx := context.Background()

	if _, err := cache.Fetch(ctx, "idle"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	cache.IsTrackAllowed(ctx, "idle-user")
	if err := cache.Ban(ctx, "banned", "spam"); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}

	f.clock.Advance(11 * time.Hour)
	active, err := cache.Fetch(ctx, "active")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	cache.IsTrackAllowed(ctx, "active-user")

	cache.Sweep()

	if cache.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", cache.Len())
	}
	if got, _ := cache.Fetch(ctx, "active"); got != active {
		t.Error("expected the active store to survive the sweep")
	}
	if _, ok := cache.IsBanned("banned"); !ok {
		t.Error("expected bans to survive the sweep")
	}

	calls := f.optOuts.ExistsCalls
	cache.IsTrackAllowed(ctx, "idle-user")
	cache.IsTrackAllowed(ctx, "active-user")
	if got := f.optOuts.ExistsCalls - calls; got != 1 {
		t.Errorf("OptOutExists calls after sweep = %d, want 1", got)
	}
}

func TestTenantCache_StartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newCacheFixture(t)
	cache := f.newCache(t, nil)

	cache.Start(context.Background())
	cache.Start(context.Background())
	waitFor(t, func() bool { return f.hub.Subscribers() == 1 })

	cache.Stop()
	cache.Stop()

	if got := f.hub.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d after Stop, want 0", got)
	}
}
