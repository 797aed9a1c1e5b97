package mocks

import (
	"context"
	"sync"

	"github.com/V4T54L/markov-tower/internal/domain"
)

// MockBanRepository is an in-memory domain.BanRepository for testing.
type MockBanRepository struct {
	mu        sync.Mutex
	Bans      map[string]string
	ListCalls int
	// FailLists makes the next N ListBans calls return ListErr.
	FailLists int
	ListErr   error
	UpsertErr error
	DeleteErr error
}

func NewMockBanRepository() *MockBanRepository {
	return &MockBanRepository{Bans: make(map[string]string)}
}

func (m *MockBanRepository) UpsertBan(ctx context.Context, ban domain.BanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.Bans[ban.TenantID] = ban.Reason
	return nil
}

func (m *MockBanRepository) DeleteBan(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.Bans, tenantID)
	return nil
}

func (m *MockBanRepository) ListBans(ctx context.Context) ([]domain.BanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	if m.FailLists > 0 {
		m.FailLists--
		return nil, m.ListErr
	}
	bans := make([]domain.BanRecord, 0, len(m.Bans))
	for id, reason := range m.Bans {
		bans = append(bans, domain.BanRecord{TenantID: id, Reason: reason})
	}
	return bans, nil
}

// Calls returns the number of ListBans calls so far.
func (m *MockBanRepository) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ListCalls
}

// MockOptOutRepository is an in-memory domain.OptOutRepository for testing.
type MockOptOutRepository struct {
	mu          sync.Mutex
	Users       map[string]struct{}
	ExistsCalls int
	ExistsErr   error
	DeleteErr   error
	CreateErr   error
}

func NewMockOptOutRepository() *MockOptOutRepository {
	return &MockOptOutRepository{Users: make(map[string]struct{})}
}

func (m *MockOptOutRepository) DeleteOptOut(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return false, m.DeleteErr
	}
	_, ok := m.Users[userID]
	delete(m.Users, userID)
	return ok, nil
}

func (m *MockOptOutRepository) CreateOptOut(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.Users[userID] = struct{}{}
	return nil
}

func (m *MockOptOutRepository) OptOutExists(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExistsCalls++
	if m.ExistsErr != nil {
		return false, m.ExistsErr
	}
	_, ok := m.Users[userID]
	return ok, nil
}

// BroadcastHub links in-process broadcasters the way a shared Redis channel
// links worker processes.
type BroadcastHub struct {
	mu       sync.Mutex
	handlers map[int]func(domain.BanEvent)
	nextID   int
	Events   []domain.BanEvent
}

func NewBroadcastHub() *BroadcastHub {
	return &BroadcastHub{handlers: make(map[int]func(domain.BanEvent))}
}

// Subscribers returns the number of active subscriptions.
func (h *BroadcastHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

// Broadcaster returns a domain.BanBroadcaster attached to the hub.
func (h *BroadcastHub) Broadcaster() *MockBroadcaster {
	return &MockBroadcaster{hub: h}
}

func (h *BroadcastHub) deliver(event domain.BanEvent) {
	h.mu.Lock()
	h.Events = append(h.Events, event)
	handlers := make([]func(domain.BanEvent), 0, len(h.handlers))
	for _, handler := range h.handlers {
		handlers = append(handlers, handler)
	}
	h.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// MockBroadcaster implements domain.BanBroadcaster on top of a BroadcastHub.
type MockBroadcaster struct {
	hub        *BroadcastHub
	PublishErr error
}

func (b *MockBroadcaster) Publish(ctx context.Context, event domain.BanEvent) error {
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.hub.deliver(event)
	return nil
}

func (b *MockBroadcaster) Subscribe(ctx context.Context, handler func(domain.BanEvent)) error {
	b.hub.mu.Lock()
	id := b.hub.nextID
	b.hub.nextID++
	b.hub.handlers[id] = handler
	b.hub.mu.Unlock()

	<-ctx.Done()

	b.hub.mu.Lock()
	delete(b.hub.handlers, id)
	b.hub.mu.Unlock()
	return ctx.Err()
}
