package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/V4T54L/markov-tower/internal/adapter/markov"
	"github.com/V4T54L/markov-tower/internal/adapter/metrics"
	"github.com/V4T54L/markov-tower/internal/domain"
)

const defaultRetryInterval = 5 * time.Second

type storeSettings struct {
	logger        *slog.Logger
	metrics       *metrics.CacheMetrics
	now           func() time.Time
	retryInterval time.Duration
	textsTTL      time.Duration
	textsLimit    int
	engineOptions []markov.Option
}

func defaultStoreSettings() storeSettings {
	return storeSettings{
		logger:        slog.Default(),
		now:           time.Now,
		retryInterval: defaultRetryInterval,
		textsTTL:      domain.DefaultTextsTTL,
		textsLimit:    domain.DefaultTextsLimit,
	}
}

// StoreOption configures a TenantStore.
type StoreOption func(*storeSettings)

// WithLogger sets the parent logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *storeSettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.CacheMetrics) StoreOption {
	return func(s *storeSettings) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *storeSettings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryInterval paces retries of the initial config load.
func WithRetryInterval(d time.Duration) StoreOption {
	return func(s *storeSettings) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

// WithTextsTTL sets how far ahead each append pushes the corpus expiry.
func WithTextsTTL(d time.Duration) StoreOption {
	return func(s *storeSettings) {
		if d > 0 {
			s.textsTTL = d
		}
	}
}

// WithDefaultTextsLimit sets the corpus capacity used when a tenant never
// configured one.
func WithDefaultTextsLimit(n int) StoreOption {
	return func(s *storeSettings) {
		if n > 0 {
			s.textsLimit = n
		}
	}
}

// WithEngineOptions forwards options to every Markov engine the store builds.
func WithEngineOptions(options ...markov.Option) StoreOption {
	return func(s *storeSettings) { s.engineOptions = append(s.engineOptions, options...) }
}

// TenantStore owns one tenant's configuration, its decrypted corpus and the
// Markov model built from it. Every write persists first and touches memory
// only after the backend accepted it.
type TenantStore struct {
	tenantID string
	configs  domain.ConfigRepository
	texts    domain.TextRepository
	codec    domain.TextCodec
	engine   *markov.Engine
	logger   *slog.Logger
	metrics  *metrics.CacheMetrics
	now      func() time.Time
	textsTTL time.Duration

	lastActivity atomic.Int64

	cfgMu sync.RWMutex
	cfg   domain.TenantConfig
	limit int
	// stored is false until a config document exists for the tenant.
	stored bool

	// mu serializes corpus mutations across persist, mirror and rebuild.
	mu     sync.Mutex
	loaded bool
	corpus []domain.TextRecord
}

// NewTenantStore builds a store and blocks until its config has been read.
// Failed reads are retried until ctx is canceled.
func NewTenantStore(ctx context.Context, tenantID string, configs domain.ConfigRepository, texts domain.TextRepository, codec domain.TextCodec, options ...StoreOption) (*TenantStore, error) {
	settings := defaultStoreSettings()
	for _, option := range options {
		option(&settings)
	}

	s := &TenantStore{
		tenantID: tenantID,
		configs:  configs,
		texts:    texts,
		codec:    codec,
		engine:   markov.New(settings.engineOptions...),
		logger:   settings.logger.With("component", "tenant_store", "tenant_id", tenantID),
		metrics:  settings.metrics,
		now:      settings.now,
		textsTTL: settings.textsTTL,
		limit:    settings.textsLimit,
	}
	s.touch()

	cfg, err := s.loadConfig(ctx, settings.retryInterval)
	if err != nil {
		return nil, err
	}
	s.applyConfig(cfg)
	return s, nil
}

func (s *TenantStore) loadConfig(ctx context.Context, interval time.Duration) (*domain.TenantConfig, error) {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to load config for tenant %s: %w", s.tenantID, err)
		}
		cfg, err := s.configs.FindConfig(ctx, s.tenantID)
		if err == nil {
			return cfg, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to load config for tenant %s: %w", s.tenantID, ctx.Err())
		}
		s.logger.Warn("failed to load tenant config, retrying", "attempt", attempt, "error", err)
	}
}

func (s *TenantStore) applyConfig(cfg *domain.TenantConfig) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if cfg == nil {
		s.cfg = domain.TenantConfig{TenantID: s.tenantID}
		s.stored = false
		return
	}
	s.stored = true
	s.cfg = *cfg
	s.cfg.TenantID = s.tenantID
	if cfg.TextsLimit != nil && *cfg.TextsLimit > 0 {
		s.limit = *cfg.TextsLimit
	}
}

func (s *TenantStore) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// ID returns the tenant id.
func (s *TenantStore) ID() string { return s.tenantID }

// LastActivity reports when the store was last used.
func (s *TenantStore) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Enabled reports whether collection and sending are switched on.
func (s *TenantStore) Enabled() bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Enabled
}

// ToggleActivity switches the tenant on or off. It skips the write only
// when a stored config already holds the requested state.
func (s *TenantStore) ToggleActivity(ctx context.Context, enabled bool) error {
	s.touch()
	s.cfgMu.RLock()
	unchanged := s.stored && s.cfg.Enabled == enabled
	s.cfgMu.RUnlock()
	if unchanged {
		return nil
	}
	if err := s.persistField(ctx, domain.ConfigEnabled, enabled); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.cfg.Enabled = enabled
	s.cfgMu.Unlock()
	return nil
}

// ConfigChannel sets the channel generated messages are sent to.
func (s *TenantStore) ConfigChannel(ctx context.Context, channelID string) error {
	s.touch()
	if err := s.persistField(ctx, domain.ConfigChannelID, channelID); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.cfg.ChannelID = channelID
	s.cfgMu.Unlock()
	return nil
}

// Channel returns the configured channel, re-reading the config when the
// cached value is empty. Read failures yield "".
func (s *TenantStore) Channel(ctx context.Context) string {
	s.touch()
	s.cfgMu.RLock()
	channelID := s.cfg.ChannelID
	s.cfgMu.RUnlock()
	if channelID != "" {
		return channelID
	}

	cfg := s.refreshConfig(ctx)
	if cfg == nil {
		return ""
	}
	s.cfgMu.Lock()
	s.cfg.ChannelID = cfg.ChannelID
	s.cfgMu.Unlock()
	return cfg.ChannelID
}

// ConfigWebhook sets the webhook URL. An empty url clears it.
func (s *TenantStore) ConfigWebhook(ctx context.Context, url string) error {
	s.touch()
	var value any
	if url != "" {
		value = url
	}
	if err := s.persistField(ctx, domain.ConfigWebhook, value); err != nil {
		return err
	}
	s.cfgMu.Lock()
	if url == "" {
		s.cfg.Webhook = nil
	} else {
		s.cfg.Webhook = &url
	}
	s.cfgMu.Unlock()
	return nil
}

// Webhook returns the configured webhook URL or "".
func (s *TenantStore) Webhook(ctx context.Context) string {
	s.touch()
	s.cfgMu.RLock()
	webhook := s.cfg.Webhook
	s.cfgMu.RUnlock()
	if webhook != nil && *webhook != "" {
		return *webhook
	}

	cfg := s.refreshConfig(ctx)
	if cfg == nil || cfg.Webhook == nil {
		return ""
	}
	s.cfgMu.Lock()
	s.cfg.Webhook = cfg.Webhook
	s.cfgMu.Unlock()
	return *cfg.Webhook
}

// TextsLimit returns the corpus capacity.
func (s *TenantStore) TextsLimit() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.limit
}

// ConfigTextsLimit changes the corpus capacity. When the corpus already
// holds more records than the new limit, the oldest ones are dropped.
func (s *TenantStore) ConfigTextsLimit(ctx context.Context, limit int) error {
	s.touch()
	if err := domain.ValidateTextsLimit(limit); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistField(ctx, domain.ConfigTextsLimit, limit); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.limit = limit
	s.cfg.TextsLimit = &limit
	s.cfgMu.Unlock()

	if s.loaded && len(s.corpus) > limit {
		return s.trimOldestLocked(ctx, len(s.corpus)-limit)
	}
	return nil
}

// CollectChance returns the probability that an incoming message is stored.
func (s *TenantStore) CollectChance(ctx context.Context) float64 {
	return s.chance(ctx, func(c *domain.TenantConfig) **float64 { return &c.CollectChance }, domain.DefaultCollectChance)
}

// SendChance returns the probability that a message triggers generation.
func (s *TenantStore) SendChance(ctx context.Context) float64 {
	return s.chance(ctx, func(c *domain.TenantConfig) **float64 { return &c.SendChance }, domain.DefaultSendChance)
}

// ReplyChance returns the probability that a generated message is sent as a reply.
func (s *TenantStore) ReplyChance(ctx context.Context) float64 {
	return s.chance(ctx, func(c *domain.TenantConfig) **float64 { return &c.ReplyChance }, domain.DefaultReplyChance)
}

// SetCollectChance persists the collect probability.
func (s *TenantStore) SetCollectChance(ctx context.Context, p float64) error {
	return s.setChance(ctx, domain.ConfigCollectChance, func(c *domain.TenantConfig) **float64 { return &c.CollectChance }, p)
}

// SetSendChance persists the send probability.
func (s *TenantStore) SetSendChance(ctx context.Context, p float64) error {
	return s.setChance(ctx, domain.ConfigSendChance, func(c *domain.TenantConfig) **float64 { return &c.SendChance }, p)
}

// SetReplyChance persists the reply probability.
func (s *TenantStore) SetReplyChance(ctx context.Context, p float64) error {
	return s.setChance(ctx, domain.ConfigReplyChance, func(c *domain.TenantConfig) **float64 { return &c.ReplyChance }, p)
}

func (s *TenantStore) chance(ctx context.Context, field func(*domain.TenantConfig) **float64, fallback float64) float64 {
	s.touch()
	s.cfgMu.RLock()
	value := *field(&s.cfg)
	s.cfgMu.RUnlock()
	if value != nil {
		return *value
	}

	cfg := s.refreshConfig(ctx)
	if cfg == nil {
		return fallback
	}
	fresh := *field(cfg)
	if fresh == nil {
		return fallback
	}
	s.cfgMu.Lock()
	*field(&s.cfg) = fresh
	s.cfgMu.Unlock()
	return *fresh
}

func (s *TenantStore) setChance(ctx context.Context, name domain.ConfigField, field func(*domain.TenantConfig) **float64, p float64) error {
	s.touch()
	if err := domain.ValidateChance(name, p); err != nil {
		return err
	}
	if err := s.persistField(ctx, name, p); err != nil {
		return err
	}
	s.cfgMu.Lock()
	*field(&s.cfg) = &p
	s.cfgMu.Unlock()
	return nil
}

// persistField writes one field. The first write creates the config
// document, which starts enabled unless the write is the enabled flag
// itself, so memory mirrors that default.
func (s *TenantStore) persistField(ctx context.Context, field domain.ConfigField, value any) error {
	if err := s.configs.SetConfigField(ctx, s.tenantID, field, value); err != nil {
		s.logger.Error("failed to persist config field", "field", field, "error", err)
		return fmt.Errorf("failed to set %s: %w", field, err)
	}
	s.cfgMu.Lock()
	if !s.stored {
		s.stored = true
		if field != domain.ConfigEnabled {
			s.cfg.Enabled = true
		}
	}
	s.cfgMu.Unlock()
	return nil
}

func (s *TenantStore) refreshConfig(ctx context.Context) *domain.TenantConfig {
	cfg, err := s.configs.FindConfig(ctx, s.tenantID)
	if err != nil {
		s.logger.Warn("failed to re-read tenant config", "error", err)
		return nil
	}
	return cfg
}

// ensureLoadedLocked reads and decrypts the durable corpus once. The caller
// holds s.mu. Records that fail to decrypt are skipped.
func (s *TenantStore) ensureLoadedLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	list, err := s.texts.LoadTexts(ctx, s.tenantID)
	if err != nil {
		s.logger.Warn("failed to load tenant texts", "error", err)
		return fmt.Errorf("failed to load texts: %w", err)
	}

	corpus := make([]domain.TextRecord, 0, len(list))
	for _, ciphertext := range list {
		record, err := s.codec.Decrypt(ciphertext)
		if err != nil {
			s.logger.Warn("skipping undecodable text", "error", err)
			if s.metrics != nil {
				s.metrics.DecodeFailures.Inc()
			}
			continue
		}
		corpus = append(corpus, record)
	}
	s.corpus = corpus
	s.loaded = true
	s.rebuildLocked()
	s.logger.Debug("loaded tenant texts", "count", len(corpus))
	return nil
}

func (s *TenantStore) rebuildLocked() {
	plain := make([]string, len(s.corpus))
	for i, record := range s.corpus {
		plain[i] = record.Plaintext
	}
	s.engine.GenerateDictionary(plain)
}

func (s *TenantStore) indexOfLocked(messageID string) int {
	if messageID == "" {
		return -1
	}
	for i, record := range s.corpus {
		if record.MessageID == messageID {
			return i
		}
	}
	return -1
}

// Texts returns a copy of the decrypted corpus, oldest first. Load failures
// degrade to an empty result.
func (s *TenantStore) Texts(ctx context.Context) []domain.TextRecord {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return nil
	}
	return append([]domain.TextRecord(nil), s.corpus...)
}

// TextsLength returns the corpus size, or 0 when it cannot be loaded.
func (s *TenantStore) TextsLength(ctx context.Context) int {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return 0
	}
	return len(s.corpus)
}

// AddText encrypts and appends a text, evicting the oldest records once the
// corpus exceeds its limit.
func (s *TenantStore) AddText(ctx context.Context, text, authorID, messageID string) (err error) {
	s.touch()
	defer func() { s.metrics.ObserveMutation("add", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return err
	}

	ciphertext, err := s.codec.Encrypt(text, authorID, messageID)
	if err != nil {
		return fmt.Errorf("failed to encrypt text: %w", err)
	}

	limit := s.TextsLimit()
	if err := s.texts.AppendText(ctx, s.tenantID, ciphertext, limit, s.now().Add(s.textsTTL)); err != nil {
		s.logger.Error("failed to append text", "message_id", messageID, "error", err)
		return fmt.Errorf("failed to append text: %w", err)
	}

	s.corpus = append(s.corpus, domain.TextRecord{
		MessageID:  messageID,
		AuthorID:   authorID,
		Plaintext:  text,
		Ciphertext: ciphertext,
	})
	if over := len(s.corpus) - limit; over > 0 {
		s.corpus = append([]domain.TextRecord(nil), s.corpus[over:]...)
	}
	s.rebuildLocked()
	return nil
}

// DeleteText removes the record with the given message id. It reports
// whether such a record existed.
func (s *TenantStore) DeleteText(ctx context.Context, messageID string) (found bool, err error) {
	s.touch()
	defer func() { s.metrics.ObserveMutation("delete", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return false, err
	}

	idx := s.indexOfLocked(messageID)
	if idx < 0 {
		return false, nil
	}
	if err := s.texts.RemoveText(ctx, s.tenantID, s.corpus[idx].Ciphertext); err != nil {
		s.logger.Error("failed to remove text", "message_id", messageID, "error", err)
		return true, fmt.Errorf("failed to remove text: %w", err)
	}

	s.corpus = append(s.corpus[:idx:idx], s.corpus[idx+1:]...)
	s.rebuildLocked()
	return true, nil
}

// DeleteFirstText drops the n oldest records.
func (s *TenantStore) DeleteFirstText(ctx context.Context, n int) (err error) {
	s.touch()
	defer func() { s.metrics.ObserveMutation("trim", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	return s.trimOldestLocked(ctx, n)
}

func (s *TenantStore) trimOldestLocked(ctx context.Context, n int) error {
	if n > len(s.corpus) {
		n = len(s.corpus)
	}
	if n < 1 {
		return nil
	}
	remaining := len(s.corpus) - n
	if err := s.texts.TrimOldest(ctx, s.tenantID, n, remaining); err != nil {
		s.logger.Error("failed to trim oldest texts", "count", n, "error", err)
		return fmt.Errorf("failed to trim texts: %w", err)
	}

	s.corpus = append([]domain.TextRecord(nil), s.corpus[n:]...)
	s.rebuildLocked()
	return nil
}

// DeleteAllTexts wipes the corpus.
func (s *TenantStore) DeleteAllTexts(ctx context.Context) (err error) {
	s.touch()
	defer func() { s.metrics.ObserveMutation("delete_all", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.texts.DeleteTexts(ctx, s.tenantID); err != nil {
		s.logger.Error("failed to delete texts", "error", err)
		return fmt.Errorf("failed to delete texts: %w", err)
	}

	s.corpus = nil
	s.loaded = true
	s.rebuildLocked()
	return nil
}

// DeleteUserTexts removes every record written by authorID and returns how
// many were removed from the corpus.
func (s *TenantStore) DeleteUserTexts(ctx context.Context, authorID string) (removed int, err error) {
	s.touch()
	defer func() { s.metrics.ObserveMutation("delete_user", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return 0, err
	}

	kept := make([]domain.TextRecord, 0, len(s.corpus))
	for _, record := range s.corpus {
		if record.AuthorID != authorID {
			kept = append(kept, record)
		}
	}
	removed = len(s.corpus) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	modified, err := s.texts.RemoveAuthorTexts(ctx, s.tenantID, authorID)
	if err != nil {
		s.logger.Error("failed to remove user texts", "author_id", authorID, "error", err)
		return 0, fmt.Errorf("failed to remove user texts: %w", err)
	}
	if modified == 0 {
		s.logger.Warn("durable corpus held no texts for user", "author_id", authorID)
	}

	s.corpus = kept
	s.rebuildLocked()
	return removed, nil
}

// UpdateText replaces the plaintext of the record with the given message id,
// keeping its author and id. It reports whether such a record existed.
func (s *TenantStore) UpdateText(ctx context.Context, messageID, text string) (found bool, err error) {
	s.touch()
	defer func() { s.metrics.ObserveMutation("update", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return false, err
	}

	idx := s.indexOfLocked(messageID)
	if idx < 0 {
		return false, nil
	}
	record := s.corpus[idx]
	ciphertext, err := s.codec.Encrypt(text, record.AuthorID, record.MessageID)
	if err != nil {
		return true, fmt.Errorf("failed to encrypt text: %w", err)
	}
	if err := s.texts.ReplaceText(ctx, s.tenantID, record.Ciphertext, ciphertext); err != nil {
		s.logger.Error("failed to replace text", "message_id", messageID, "error", err)
		return true, fmt.Errorf("failed to replace text: %w", err)
	}

	s.corpus[idx].Plaintext = text
	s.corpus[idx].Ciphertext = ciphertext
	s.rebuildLocked()
	return true, nil
}

// Generate samples a sentence of at most maxWords words. It reports false
// when the corpus is empty or cannot be loaded.
func (s *TenantStore) Generate(ctx context.Context, maxWords int) (string, bool) {
	s.touch()
	s.mu.Lock()
	err := s.ensureLoadedLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return "", false
	}
	return s.engine.GenerateChain(maxWords)
}

// Stats summarizes the store.
func (s *TenantStore) Stats(ctx context.Context) domain.TenantStats {
	length := s.TextsLength(ctx)

	s.cfgMu.RLock()
	stats := domain.TenantStats{
		TenantID:    s.tenantID,
		Enabled:     s.cfg.Enabled,
		ChannelID:   s.cfg.ChannelID,
		HasWebhook:  s.cfg.Webhook != nil && *s.cfg.Webhook != "",
		TextsLimit:  s.limit,
		TextsLength: length,
	}
	s.cfgMu.RUnlock()

	stats.CollectChance = s.CollectChance(ctx)
	stats.SendChance = s.SendChance(ctx)
	stats.ReplyChance = s.ReplyChance(ctx)
	return stats
}

// Purge deletes the tenant's config and text documents and resets the
// in-memory state.
func (s *TenantStore) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.configs.DeleteConfig(ctx, s.tenantID); err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	if err := s.texts.DeleteTexts(ctx, s.tenantID); err != nil {
		return fmt.Errorf("failed to delete texts: %w", err)
	}

	s.cfgMu.Lock()
	s.cfg = domain.TenantConfig{TenantID: s.tenantID}
	s.stored = false
	s.cfgMu.Unlock()
	s.corpus = nil
	s.loaded = true
	s.rebuildLocked()
	return nil
}
