package mocks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/V4T54L/markov-tower/internal/domain"
)

// MockConfigRepository is an in-memory domain.ConfigRepository for testing.
type MockConfigRepository struct {
	mu        sync.Mutex
	Configs   map[string]*domain.TenantConfig
	FindCalls int
	SetCalls  int
	// FailFinds makes the next N FindConfig calls return FindErr; a
	// negative value fails every call.
	FailFinds int
	// FindGate, when set, blocks FindConfig until it is closed.
	FindGate  chan struct{}
	FindErr   error
	SetErr    error
	DeleteErr error
}

func NewMockConfigRepository() *MockConfigRepository {
	return &MockConfigRepository{Configs: make(map[string]*domain.TenantConfig)}
}

func (m *MockConfigRepository) FindConfig(ctx context.Context, tenantID string) (*domain.TenantConfig, error) {
	m.mu.Lock()
	m.FindCalls++
	gate := m.FindGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFinds != 0 {
		if m.FailFinds > 0 {
			m.FailFinds--
		}
		return nil, m.FindErr
	}
	cfg, ok := m.Configs[tenantID]
	if !ok {
		return nil, nil
	}
	cloned := *cfg
	return &cloned, nil
}

func (m *MockConfigRepository) SetConfigField(ctx context.Context, tenantID string, field domain.ConfigField, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetCalls++
	if m.SetErr != nil {
		return m.SetErr
	}

	cfg, ok := m.Configs[tenantID]
	if !ok {
		cfg = &domain.TenantConfig{TenantID: tenantID, Enabled: true}
		m.Configs[tenantID] = cfg
	}
	switch field {
	case domain.ConfigEnabled:
		cfg.Enabled, _ = value.(bool)
	case domain.ConfigChannelID:
		cfg.ChannelID, _ = value.(string)
	case domain.ConfigWebhook:
		if s, ok := value.(string); ok {
			cfg.Webhook = &s
		} else {
			cfg.Webhook = nil
		}
	case domain.ConfigTextsLimit:
		if n, ok := value.(int); ok {
			cfg.TextsLimit = &n
		}
	case domain.ConfigCollectChance:
		cfg.CollectChance = floatPtr(value)
	case domain.ConfigSendChance:
		cfg.SendChance = floatPtr(value)
	case domain.ConfigReplyChance:
		cfg.ReplyChance = floatPtr(value)
	}
	return nil
}

func (m *MockConfigRepository) DeleteConfig(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.Configs, tenantID)
	return nil
}

// Calls returns the number of FindConfig calls so far.
func (m *MockConfigRepository) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FindCalls
}

func floatPtr(value any) *float64 {
	f, ok := value.(float64)
	if !ok {
		return nil
	}
	return &f
}

// MockTextRepository is an in-memory domain.TextRepository for testing.
type MockTextRepository struct {
	mu              sync.Mutex
	Lists           map[string][]string
	ExpiresAt       map[string]time.Time
	LoadCalls       int
	LoadErr         error
	AppendErr       error
	RemoveErr       error
	TrimErr         error
	ReplaceErr      error
	RemoveAuthorErr error
	DeleteErr       error
}

func NewMockTextRepository() *MockTextRepository {
	return &MockTextRepository{
		Lists:     make(map[string][]string),
		ExpiresAt: make(map[string]time.Time),
	}
}

func (m *MockTextRepository) LoadTexts(ctx context.Context, tenantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalls++
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return append([]string(nil), m.Lists[tenantID]...), nil
}

func (m *MockTextRepository) AppendText(ctx context.Context, tenantID, ciphertext string, limit int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	list := append(m.Lists[tenantID], ciphertext)
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	m.Lists[tenantID] = list
	m.ExpiresAt[tenantID] = expiresAt
	return nil
}

func (m *MockTextRepository) RemoveText(ctx context.Context, tenantID, ciphertext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	m.Lists[tenantID] = filter(m.Lists[tenantID], func(s string) bool { return s != ciphertext })
	return nil
}

func (m *MockTextRepository) TrimOldest(ctx context.Context, tenantID string, count, remaining int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TrimErr != nil {
		return m.TrimErr
	}
	list := m.Lists[tenantID]
	if remaining < 0 {
		remaining = 0
	}
	if len(list) > remaining {
		list = list[len(list)-remaining:]
	}
	m.Lists[tenantID] = list
	return nil
}

func (m *MockTextRepository) ReplaceText(ctx context.Context, tenantID, oldCiphertext, newCiphertext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReplaceErr != nil {
		return m.ReplaceErr
	}
	for i, s := range m.Lists[tenantID] {
		if s == oldCiphertext {
			m.Lists[tenantID][i] = newCiphertext
		}
	}
	return nil
}

func (m *MockTextRepository) RemoveAuthorTexts(ctx context.Context, tenantID, authorID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveAuthorErr != nil {
		return 0, m.RemoveAuthorErr
	}
	before := len(m.Lists[tenantID])
	m.Lists[tenantID] = filter(m.Lists[tenantID], func(s string) bool {
		fields := strings.Split(s, ":")
		return len(fields) < 3 || fields[2] != authorID
	})
	if len(m.Lists[tenantID]) == before {
		return 0, nil
	}
	return 1, nil
}

func (m *MockTextRepository) DeleteTexts(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.Lists, tenantID)
	delete(m.ExpiresAt, tenantID)
	return nil
}

// List returns a copy of the tenant's durable list.
func (m *MockTextRepository) List(tenantID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Lists[tenantID]...)
}

func filter(list []string, keep func(string) bool) []string {
	out := list[:0:0]
	for _, s := range list {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
