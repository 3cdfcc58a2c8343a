package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ordersync/internal/ingest"
	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"go.uber.org/zap"
)

func TestEventStreamRelaysSyncOutcomes(t *testing.T) {
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "ordersync-admin",
		Audience:      "ordersync-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	validator, err := auth.NewAdminValidator(auth.AdminValidatorConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "ordersync-admin",
		Audience:      "ordersync-api",
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	dispatcher := notify.NewDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Webhook: &stubWebhook{result: ingest.Result{Outcome: ingest.OutcomeAccepted}},
		Orders:  stubCounter{},
		Audit:   &stubSummarizer{},
		Admin:   validator,
		Events:  dispatcher,
		Logger:  zap.NewExample(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	token, _, err := tokenIssuer.IssueAdminToken(context.Background(), "operator-1")
	if err != nil {
		t.Fatalf("failed to issue admin token: %v", err)
	}

	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/sync/events?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	subscribed := time.Now().Add(5 * time.Second)
	for dispatcher.Subscribers() == 0 {
		if time.Now().After(subscribed) {
			t.Fatal("stream never subscribed to the dispatcher")
		}
		time.Sleep(10 * time.Millisecond)
	}
	dispatcher.Notify(context.Background(), notify.Event{
		Kind:     notify.KindOrderCreated,
		Success:  true,
		SourceID: 100,
		OrderID:  "target-001",
		Summary:  "order 100 created",
	})

	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sync event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != string(notify.KindOrderCreated) {
				continue
			}
			var payload notify.Event
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.SourceID != 100 || payload.OrderID != "target-001" || !payload.Success {
				t.Fatalf("unexpected event payload: %+v", payload)
			}
			return
		}
	}
}

func TestEventStreamRequiresAdminToken(t *testing.T) {
	handler := newTestRouter(t, func(deps *Dependencies) {
		deps.Admin = stubAdminAuthenticator{err: auth.ErrMissingAdminToken}
		deps.Events = notify.NewDispatcher()
	})
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sync/events", http.NoBody))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", recorder.Code)
	}
}
