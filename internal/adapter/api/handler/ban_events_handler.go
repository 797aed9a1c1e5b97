package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/V4T54L/markov-tower/internal/domain"
)

const (
	banEventQueueSize  = 256
	banEventClientSize = 16
	heartbeatInterval  = 15 * time.Second
)

// BanEventBroker fans ban changes out to connected server-sent event
// clients.
type BanEventBroker struct {
	logger    *slog.Logger
	clients   map[chan []byte]struct{}
	mu        sync.RWMutex
	events    chan domain.BanEvent
	heartbeat time.Duration
}

// NewBanEventBroker creates a broker and starts its processing loop, which
// stops with ctx.
func NewBanEventBroker(ctx context.Context, logger *slog.Logger) *BanEventBroker {
	broker := &BanEventBroker{
		logger:    logger.With("component", "ban_event_broker"),
		clients:   make(map[chan []byte]struct{}),
		events:    make(chan domain.BanEvent, banEventQueueSize),
		heartbeat: heartbeatInterval,
	}
	go broker.run(ctx)
	return broker
}

// ServeHTTP streams ban events to the client until it disconnects.
func (b *BanEventBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	messageChan := make(chan []byte, banEventClientSize)
	b.addClient(messageChan)
	defer b.removeClient(messageChan)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			fmt.Fprintf(w, "%s\n\n", msg)
			flusher.Flush()
		}
	}
}

// Report queues a ban event for broadcast. It never blocks.
func (b *BanEventBroker) Report(event domain.BanEvent) {
	select {
	case b.events <- event:
	default:
		b.logger.Warn("ban event queue is full, dropping event", "tenant_id", event.TenantID, "type", event.Type)
	}
}

// Clients returns the number of connected stream clients.
func (b *BanEventBroker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *BanEventBroker) addClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	b.logger.Info("ban event client connected", "clients", len(b.clients))
}

func (b *BanEventBroker) removeClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
		b.logger.Info("ban event client disconnected", "clients", len(b.clients))
	}
}

func (b *BanEventBroker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		delete(b.clients, client)
		close(client)
	}
}

func (b *BanEventBroker) broadcast(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			// Slow clients miss events rather than stall the others.
		}
	}
}

func (b *BanEventBroker) run(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case event := <-b.events:
			data, err := json.Marshal(event)
			if err != nil {
				b.logger.Error("failed to marshal ban event", "error", err)
				continue
			}
			b.broadcast([]byte(fmt.Sprintf("event: %s\ndata: %s", event.Type, data)))
		case <-ticker.C:
			b.broadcast([]byte(": heartbeat"))
		}
	}
}
