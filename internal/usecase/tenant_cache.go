package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/V4T54L/markov-tower/internal/adapter/metrics"
	"github.com/V4T54L/markov-tower/internal/domain"
)

const (
	defaultSweepInterval = 10 * time.Hour
	defaultBuildTimeout  = 5 * time.Minute
)

// CacheDeps are the collaborators a TenantCache is built on.
type CacheDeps struct {
	Configs     domain.ConfigRepository
	Texts       domain.TextRepository
	Bans        domain.BanRepository
	OptOuts     domain.OptOutRepository
	Broadcaster domain.BanBroadcaster
	Codec       domain.TextCodec
}

// CacheConfig tunes a TenantCache. Zero values select defaults.
type CacheConfig struct {
	SweepInterval time.Duration
	RetryInterval time.Duration
	// BuildTimeout bounds the shared construction of a tenant store, which
	// outlives the cancellation of any single caller.
	BuildTimeout time.Duration
	// InstanceID tags outgoing ban events so the process can drop its own
	// echoes. A random id is generated when empty.
	InstanceID   string
	Logger       *slog.Logger
	Metrics      *metrics.CacheMetrics
	Now          func() time.Time
	StoreOptions []StoreOption
	// OnBanEvent observes every ban change applied to this process, local
	// or replicated. It must not block.
	OnBanEvent func(domain.BanEvent)
}

// pendingBuild marks a store construction in flight. An eviction during
// the build makes its result stale.
type pendingBuild struct {
	stale bool
}

type trackEntry struct {
	optedOut     bool
	lastActivity time.Time
}

// TenantCache hands out one TenantStore per tenant, keeps the replicated
// ban set and caches per-user opt-out flags.
type TenantCache struct {
	deps          CacheDeps
	logger        *slog.Logger
	metrics       *metrics.CacheMetrics
	now           func() time.Time
	sweepInterval time.Duration
	retryInterval time.Duration
	buildTimeout  time.Duration
	instanceID    string
	storeOptions  []StoreOption
	onBanEvent    func(domain.BanEvent)

	flight   singleflight.Group
	storesMu sync.RWMutex
	stores   map[string]*TenantStore
	building map[string]*pendingBuild

	bansMu sync.RWMutex
	bans   map[string]string

	tracksMu sync.Mutex
	tracks   map[string]*trackEntry

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTenantCache builds a cache and loads the full ban set into memory,
// retrying until it succeeds or ctx is canceled.
func NewTenantCache(ctx context.Context, deps CacheDeps, cfg CacheConfig) (*TenantCache, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &TenantCache{
		deps:          deps,
		logger:        cfg.Logger.With("component", "tenant_cache"),
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		sweepInterval: cfg.SweepInterval,
		retryInterval: cfg.RetryInterval,
		buildTimeout:  cfg.BuildTimeout,
		instanceID:    cfg.InstanceID,
		onBanEvent:    cfg.OnBanEvent,
		stores:        make(map[string]*TenantStore),
		building:      make(map[string]*pendingBuild),
		bans:          make(map[string]string),
		tracks:        make(map[string]*trackEntry),
	}
	c.storeOptions = append([]StoreOption{
		WithLogger(cfg.Logger),
		WithMetrics(cfg.Metrics),
		WithClock(cfg.Now),
		WithRetryInterval(cfg.RetryInterval),
	}, cfg.StoreOptions...)

	if err := c.syncBans(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *TenantCache) syncBans(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(c.retryInterval), 1)
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to sync bans: %w", err)
		}
		bans, err := c.deps.Bans.ListBans(ctx)
		if err == nil {
			c.bansMu.Lock()
			for _, ban := range bans {
				c.bans[ban.TenantID] = ban.Reason
			}
			c.bansMu.Unlock()
			c.observeBans()
			c.logger.Info("synced ban set", "count", len(bans))
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("failed to sync bans: %w", ctx.Err())
		}
		c.logger.Warn("failed to sync ban set, retrying", "attempt", attempt, "error", err)
	}
}

// InstanceID returns the id stamped on this process's ban events.
func (c *TenantCache) InstanceID() string { return c.instanceID }

// Start launches the idle sweeper and the ban subscription. Call Stop to
// shut them down.
func (c *TenantCache) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.runSweeper(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.runSubscriber(runCtx)
	}()
	c.logger.Info("tenant cache started", "sweep_interval", c.sweepInterval, "instance_id", c.instanceID)
}

// Stop cancels the background loops and waits for them to exit.
func (c *TenantCache) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("tenant cache stopped")
}

func (c *TenantCache) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *TenantCache) runSubscriber(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(c.retryInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		err := c.deps.Broadcaster.Subscribe(ctx, c.ApplyBanEvent)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("ban subscription failed, resubscribing", "error", err)
		}
	}
}

// Fetch returns the tenant's store, building it on first use. Concurrent
// calls for an uncached tenant share one construction, which keeps running
// when an individual caller gives up. A store whose tenant was deleted during
// the build is discarded and rebuilt, or refused with ErrTenantBanned when the
// tenant was banned.
func (c *TenantCache) Fetch(ctx context.Context, tenantID string) (*TenantStore, error) {
	if store, ok := c.cached(tenantID); ok {
		c.observeFetch("hit")
		return store, nil
	}

	ch := c.flight.DoChan(tenantID, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.buildTimeout)
		defer cancel()
		return c.build(buildCtx, tenantID)
	})

	select {
	case <-ctx.Done():
		c.observeFetch("error")
		return nil, fmt.Errorf("failed to fetch tenant %s: %w", tenantID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			c.observeFetch("error")
			return nil, res.Err
		}
		c.observeFetch("miss")
		return res.Val.(*TenantStore), nil
	}
}

func (c *TenantCache) build(ctx context.Context, tenantID string) (*TenantStore, error) {
	for {
		c.storesMu.Lock()
		if store, ok := c.stores[tenantID]; ok {
			c.storesMu.Unlock()
			return store, nil
		}
		pending := &pendingBuild{}
		c.building[tenantID] = pending
		c.storesMu.Unlock()

		store, err := NewTenantStore(ctx, tenantID, c.deps.Configs, c.deps.Texts, c.deps.Codec, c.storeOptions...)

		c.storesMu.Lock()
		delete(c.building, tenantID)
		if err != nil {
			c.storesMu.Unlock()
			return nil, err
		}
		if pending.stale {
			c.storesMu.Unlock()
			if _, banned := c.IsBanned(tenantID); banned {
				return nil, fmt.Errorf("failed to fetch tenant %s: %w", tenantID, domain.ErrTenantBanned)
			}
			c.logger.Debug("tenant evicted during build, rebuilding", "tenant_id", tenantID)
			continue
		}
		c.stores[tenantID] = store
		size := len(c.stores)
		c.storesMu.Unlock()

		if c.metrics != nil {
			c.metrics.CachedTenants.Set(float64(size))
		}
		return store, nil
	}
}

func (c *TenantCache) cached(tenantID string) (*TenantStore, bool) {
	c.storesMu.RLock()
	defer c.storesMu.RUnlock()
	store, ok := c.stores[tenantID]
	return store, ok
}

func (c *TenantCache) evict(tenantID string) *TenantStore {
	c.storesMu.Lock()
	store := c.stores[tenantID]
	delete(c.stores, tenantID)
	if pending, ok := c.building[tenantID]; ok {
		pending.stale = true
	}
	size := len(c.stores)
	c.storesMu.Unlock()
	if c.metrics != nil {
		c.metrics.CachedTenants.Set(float64(size))
	}
	return store
}

// Delete evicts the tenant's store and purges its config and texts.
func (c *TenantCache) Delete(ctx context.Context, tenantID string) error {
	if store := c.evict(tenantID); store != nil {
		if err := store.Purge(ctx); err != nil {
			c.logger.Error("failed to purge tenant", "tenant_id", tenantID, "error", err)
			return err
		}
		return nil
	}

	if err := c.deps.Configs.DeleteConfig(ctx, tenantID); err != nil {
		c.logger.Error("failed to delete tenant config", "tenant_id", tenantID, "error", err)
		return fmt.Errorf("failed to delete config: %w", err)
	}
	if err := c.deps.Texts.DeleteTexts(ctx, tenantID); err != nil {
		c.logger.Error("failed to delete tenant texts", "tenant_id", tenantID, "error", err)
		return fmt.Errorf("failed to delete texts: %w", err)
	}
	return nil
}

// Ban persists a ban, applies it locally, purges the tenant's data and
// announces it to sibling processes.
func (c *TenantCache) Ban(ctx context.Context, tenantID, reason string) error {
	if err := c.deps.Bans.UpsertBan(ctx, domain.BanRecord{TenantID: tenantID, Reason: reason}); err != nil {
		c.logger.Error("failed to persist ban", "tenant_id", tenantID, "error", err)
		return fmt.Errorf("failed to ban tenant %s: %w", tenantID, err)
	}
	c.setBan(tenantID, reason)

	if err := c.Delete(ctx, tenantID); err != nil {
		c.logger.Warn("banned tenant data was not fully purged", "tenant_id", tenantID, "error", err)
	}

	c.logger.Info("tenant banned", "tenant_id", tenantID, "reason", reason)
	event := domain.BanEvent{Type: domain.BanEventBan, TenantID: tenantID, Reason: reason, Origin: c.instanceID}
	c.notify(event)
	return c.publish(ctx, event)
}

// Unban lifts a ban locally and on sibling processes.
func (c *TenantCache) Unban(ctx context.Context, tenantID string) error {
	if err := c.deps.Bans.DeleteBan(ctx, tenantID); err != nil {
		c.logger.Error("failed to delete ban", "tenant_id", tenantID, "error", err)
		return fmt.Errorf("failed to unban tenant %s: %w", tenantID, err)
	}
	c.clearBan(tenantID)

	c.logger.Info("tenant unbanned", "tenant_id", tenantID)
	event := domain.BanEvent{Type: domain.BanEventUnban, TenantID: tenantID, Origin: c.instanceID}
	c.notify(event)
	return c.publish(ctx, event)
}

func (c *TenantCache) publish(ctx context.Context, event domain.BanEvent) error {
	event.Origin = c.instanceID
	if err := c.deps.Broadcaster.Publish(ctx, event); err != nil {
		c.observeBroadcast("send_error")
		c.logger.Error("failed to broadcast ban event", "tenant_id", event.TenantID, "type", event.Type, "error", err)
		return fmt.Errorf("failed to broadcast %s of tenant %s: %w", event.Type, event.TenantID, err)
	}
	c.observeBroadcast("sent")
	return nil
}

// IsBanned returns the ban reason when the tenant is banned. It never reads
// from persistence.
func (c *TenantCache) IsBanned(tenantID string) (string, bool) {
	c.bansMu.RLock()
	defer c.bansMu.RUnlock()
	reason, ok := c.bans[tenantID]
	return reason, ok
}

// ApplyBanEvent applies a ban delta received from a sibling process.
func (c *TenantCache) ApplyBanEvent(event domain.BanEvent) {
	if !event.Valid() {
		c.logger.Warn("ignoring malformed ban event", "type", event.Type, "tenant_id", event.TenantID)
		return
	}
	if event.Origin != "" && event.Origin == c.instanceID {
		return
	}
	c.observeBroadcast("received")

	switch event.Type {
	case domain.BanEventBan:
		c.setBan(event.TenantID, event.Reason)
		c.evict(event.TenantID)
	case domain.BanEventUnban:
		c.clearBan(event.TenantID)
	}
	c.logger.Debug("applied ban event", "type", event.Type, "tenant_id", event.TenantID, "origin", event.Origin)
	c.notify(event)
}

func (c *TenantCache) notify(event domain.BanEvent) {
	if c.onBanEvent != nil {
		c.onBanEvent(event)
	}
}

func (c *TenantCache) setBan(tenantID, reason string) {
	c.bansMu.Lock()
	c.bans[tenantID] = reason
	c.bansMu.Unlock()
	c.observeBans()
}

func (c *TenantCache) clearBan(tenantID string) {
	c.bansMu.Lock()
	delete(c.bans, tenantID)
	c.bansMu.Unlock()
	c.observeBans()
}

// ToggleTrack flips the user's opt-out flag and reports whether the user is
// now opted out.
func (c *TenantCache) ToggleTrack(ctx context.Context, userID string) (bool, error) {
	existed, err := c.deps.OptOuts.DeleteOptOut(ctx, userID)
	if err != nil {
		c.logger.Error("failed to toggle tracking", "user_id", userID, "error", err)
		return false, fmt.Errorf("failed to toggle tracking: %w", err)
	}

	optedOut := !existed
	if optedOut {
		if err := c.deps.OptOuts.CreateOptOut(ctx, userID); err != nil {
			c.logger.Error("failed to store opt-out", "user_id", userID, "error", err)
			return false, fmt.Errorf("failed to toggle tracking: %w", err)
		}
	}

	c.tracksMu.Lock()
	c.tracks[userID] = &trackEntry{optedOut: optedOut, lastActivity: c.now()}
	c.tracksMu.Unlock()
	return optedOut, nil
}

// IsTrackAllowed reports whether the user's messages may be collected.
// A failed lookup is treated as an opt-out and is not cached.
func (c *TenantCache) IsTrackAllowed(ctx context.Context, userID string) bool {
	c.tracksMu.Lock()
	if entry, ok := c.tracks[userID]; ok {
		entry.lastActivity = c.now()
		allowed := !entry.optedOut
		c.tracksMu.Unlock()
		return allowed
	}
	c.tracksMu.Unlock()

	optedOut, err := c.deps.OptOuts.OptOutExists(ctx, userID)
	if err != nil {
		c.logger.Warn("failed to check tracking, assuming opt-out", "user_id", userID, "error", err)
		return false
	}

	c.tracksMu.Lock()
	c.tracks[userID] = &trackEntry{optedOut: optedOut, lastActivity: c.now()}
	c.tracksMu.Unlock()
	return !optedOut
}

// Sweep evicts tenant stores and opt-out entries idle for longer than the
// sweep interval. The ban set is never swept.
func (c *TenantCache) Sweep() {
	cutoff := c.now().Add(-c.sweepInterval)

	c.storesMu.RLock()
	ids := make([]string, 0, len(c.stores))
	for id := range c.stores {
		ids = append(ids, id)
	}
	c.storesMu.RUnlock()

	var tenants int
	for _, id := range ids {
		c.storesMu.Lock()
		store, ok := c.stores[id]
		if ok && store.LastActivity().Before(cutoff) {
			delete(c.stores, id)
			tenants++
		}
		c.storesMu.Unlock()
	}

	var tracks int
	c.tracksMu.Lock()
	for id, entry := range c.tracks {
		if entry.lastActivity.Before(cutoff) {
			delete(c.tracks, id)
			tracks++
		}
	}
	c.tracksMu.Unlock()

	if c.metrics != nil {
		c.metrics.SweepEvictions.WithLabelValues("tenant").Add(float64(tenants))
		c.metrics.SweepEvictions.WithLabelValues("track").Add(float64(tracks))
		c.storesMu.RLock()
		c.metrics.CachedTenants.Set(float64(len(c.stores)))
		c.storesMu.RUnlock()
	}
	c.logger.Debug("sweep finished", "evicted_tenants", tenants, "evicted_tracks", tracks)
}

// Len returns the number of cached tenant stores.
func (c *TenantCache) Len() int {
	c.storesMu.RLock()
	defer c.storesMu.RUnlock()
	return len(c.stores)
}

func (c *TenantCache) observeFetch(result string) {
	if c.metrics != nil {
		c.metrics.FetchesTotal.WithLabelValues(result).Inc()
	}
}

func (c *TenantCache) observeBroadcast(direction string) {
	if c.metrics != nil {
		c.metrics.BroadcastsTotal.WithLabelValues(direction).Inc()
	}
}

func (c *TenantCache) observeBans() {
	if c.metrics == nil {
		return
	}
	c.bansMu.RLock()
	n := len(c.bans)
	c.bansMu.RUnlock()
	c.metrics.BannedTenants.Set(float64(n))
}
