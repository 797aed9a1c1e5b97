package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/V4T54L/markov-tower/internal/domain"
)

func TestBanEventBroker_StreamsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := NewBanEventBroker(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))

	srv := httptest.NewServer(broker)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for broker.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	broker.Report(domain.BanEvent{Type: domain.BanEventBan, TenantID: "guild-1", Reason: "spam"})

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
		if dataLine != "" {
			break
		}
	}

	if eventLine != "ban" {
		t.Errorf("expected event type ban, got %q", eventLine)
	}
	var got domain.BanEvent
	if err := json.Unmarshal([]byte(dataLine), &got); err != nil {
		t.Fatalf("failed to decode event data %q: %v", dataLine, err)
	}
	if got.TenantID != "guild-1" || got.Reason != "spam" {
		t.Errorf("unexpected event: %+v", got)
	}

	// Stopping the broker ends open streams.
	cancel()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Fatalf("stream did not end cleanly: %v", err)
	}
}

func TestBanEventBroker_ReportDoesNotBlock(t *testing.T) {
	broker := &BanEventBroker{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clients: make(map[chan []byte]struct{}),
		events:  make(chan domain.BanEvent, 1),
	}

	done := make(chan struct{})
	go func() {
		broker.Report(domain.BanEvent{Type: domain.BanEventBan, TenantID: "a"})
		broker.Report(domain.BanEvent{Type: domain.BanEventBan, TenantID: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report blocked on a full queue")
	}
	if len(broker.events) != 1 {
		t.Errorf("expected 1 queued event, got %d", len(broker.events))
	}
}
