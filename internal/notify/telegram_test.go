package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type telegramStub struct {
	mu       sync.Mutex
	requests []sendMessageRequest
	paths    []string
	reply    string
	received chan struct{}
}

func newTelegramStub(t *testing.T, reply string) (*telegramStub, *httptest.Server) {
	t.Helper()
	stub := &telegramStub{reply: reply, received: make(chan struct{}, 16)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("failed to decode telegram request: %v", err)
		}
		stub.mu.Lock()
		stub.requests = append(stub.requests, request)
		stub.paths = append(stub.paths, r.URL.Path)
		stub.mu.Unlock()
		_, _ = w.Write([]byte(stub.reply))
		stub.received <- struct{}{}
	}))
	t.Cleanup(server.Close)
	return stub, server
}

func (s *telegramStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func TestNewTelegramValidatesConfig(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{ChatIDs: []string{"1"}}); !errors.Is(err, ErrInvalidTelegramConfig) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if _, err := NewTelegram(TelegramConfig{Token: "bot", ChatIDs: []string{" "}}); !errors.Is(err, ErrInvalidTelegramConfig) {
		t.Fatalf("expected missing chat ids error, got %v", err)
	}
}

func TestTelegramSendPostsToEveryChat(t *testing.T) {
	stub, server := newTelegramStub(t, `{"ok":true}`)
	notifier, err := NewTelegram(TelegramConfig{
		Token:      "123:abc",
		ChatIDs:    []string{"-100", "200"},
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to construct notifier: %v", err)
	}

	event := Event{
		Kind:        KindOrderCreated,
		Success:     true,
		SourceID:    100,
		OrderNumber: "A-100",
		Status:      "new",
		Amount:      decimal.NewFromInt(7500),
	}
	if err := notifier.Send(context.Background(), event); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if stub.count() != 2 {
		t.Fatalf("expected one request per chat, got %d", stub.count())
	}
	if stub.paths[0] != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %q", stub.paths[0])
	}
	first := stub.requests[0]
	if first.ChatID != "-100" || first.ParseMode != "HTML" {
		t.Fatalf("unexpected request %+v", first)
	}
	if !strings.Contains(first.Text, "Amount: 7500.00") || !strings.Contains(first.Text, "#A-100") {
		t.Fatalf("unexpected message text %q", first.Text)
	}
}

func TestTelegramSendReportsRejection(t *testing.T) {
	_, server := newTelegramStub(t, `{"ok":false,"description":"chat not found"}`)
	notifier, err := NewTelegram(TelegramConfig{Token: "t", ChatIDs: []string{"1"}, BaseURL: server.URL, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("failed to construct notifier: %v", err)
	}
	err = notifier.Send(context.Background(), Event{Kind: KindSyncFailed})
	if !errors.Is(err, errTelegramRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestTelegramNotifyRateLimitsPerOrder(t *testing.T) {
	stub, server := newTelegramStub(t, `{"ok":true}`)
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	notifier, err := NewTelegram(TelegramConfig{
		Token:      "t",
		ChatIDs:    []string{"1"},
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		RateLimit:  time.Minute,
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct notifier: %v", err)
	}

	event := Event{Kind: KindOrderUpdated, Success: true, SourceID: 7}
	notifier.Notify(context.Background(), event)
	notifier.Notify(context.Background(), event)
	notifier.Notify(context.Background(), Event{Kind: KindOrderUpdated, Success: true, SourceID: 8})

	for index := 0; index < 2; index++ {
		select {
		case <-stub.received:
		case <-time.After(2 * time.Second):
			t.Fatal("expected notification to be delivered")
		}
	}
	select {
	case <-stub.received:
		t.Fatal("expected repeat for the same order to be rate limited")
	case <-time.After(100 * time.Millisecond):
	}
	if stub.count() != 2 {
		t.Fatalf("expected two deliveries, got %d", stub.count())
	}
}

func TestFormatMessageEscapesHTML(t *testing.T) {
	text := FormatMessage(Event{Kind: KindSyncFailed, Summary: "<script>"})
	if !strings.HasPrefix(text, "<b>Sync failed</b>") {
		t.Fatalf("unexpected headline %q", text)
	}
	if strings.Contains(text, "<script>") || !strings.Contains(text, "&lt;script&gt;") {
		t.Fatalf("expected summary to be escaped, got %q", text)
	}
}
