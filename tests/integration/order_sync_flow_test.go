package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/audit"
	"github.com/MarcoPoloResearchLab/ordersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ordersync/internal/database"
	"github.com/MarcoPoloResearchLab/ordersync/internal/dedup"
	"github.com/MarcoPoloResearchLab/ordersync/internal/echoguard"
	"github.com/MarcoPoloResearchLab/ordersync/internal/ingest"
	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/orders"
	"github.com/MarcoPoloResearchLab/ordersync/internal/retry"
	"github.com/MarcoPoloResearchLab/ordersync/internal/reverse"
	"github.com/MarcoPoloResearchLab/ordersync/internal/server"
	"github.com/MarcoPoloResearchLab/ordersync/internal/source"
	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	webhookToken    = "integration-webhook-secret"
	pushToken       = "integration-push-secret"
	adminSecret     = "integration-admin-secret"
	adminIssuer     = "ordersync-admin"
	jsonContentType = "application/json"
)

type sourceAPI struct {
	mu     sync.Mutex
	pushes []map[string]any
	tokens []string
}

func (s *sourceAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.pushes = append(s.pushes, body)
	s.tokens = append(s.tokens, r.Header.Get("X-API-TOKEN"))
	s.mu.Unlock()
	w.Header().Set("Content-Type", jsonContentType)
	_, _ = w.Write([]byte(`{"success":true}`))
}

func (s *sourceAPI) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.pushes...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestOrderSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := &testClock{now: time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)}

	db, err := database.OpenTarget(database.DriverSQLite, "file:integration?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open target: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	store, err := orders.NewStore(orders.StoreConfig{Database: db, Clock: clock.Now, IDProvider: orders.NewUUIDProvider()})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	recorder, err := audit.NewRecorder(audit.RecorderConfig{Database: db, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to build recorder: %v", err)
	}
	guard := echoguard.New(echoguard.Config{Window: time.Minute, Clock: clock.Now})
	dispatcher := notify.NewDispatcher()
	transformer := transform.New(transform.Config{Clock: clock.Now})
	retryPolicy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	webhookHandler, err := ingest.NewHandler(ingest.Config{
		Token:       webhookToken,
		Store:       store,
		Transformer: transformer,
		Dedup:       dedup.New(dedup.Config{Clock: clock.Now}),
		Echo:        guard,
		Audit:       recorder,
		Notifier:    dispatcher,
		Retry:       retryPolicy,
		Clock:       clock.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to build webhook handler: %v", err)
	}

	api := &sourceAPI{}
	apiServer := httptest.NewServer(api)
	defer apiServer.Close()
	pusher, err := source.NewPusher(source.PusherConfig{Endpoint: apiServer.URL, Token: pushToken, Mode: source.PushModeToken})
	if err != nil {
		testContext.Fatalf("failed to build pusher: %v", err)
	}
	checkpoints, err := reverse.NewCheckpointStore(db, clock.Now)
	if err != nil {
		testContext.Fatalf("failed to build checkpoint store: %v", err)
	}
	reverseService, err := reverse.NewService(reverse.Config{
		Store:       store,
		Echo:        guard,
		Pusher:      pusher,
		Audit:       recorder,
		Checkpoints: checkpoints,
		Transformer: transformer,
		Notifier:    dispatcher,
		Retry:       retryPolicy,
		Workers:     1,
		Clock:       clock.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to build reverse service: %v", err)
	}

	adminValidator, err := auth.NewAdminValidator(auth.AdminValidatorConfig{
		SigningSecret: []byte(adminSecret),
		Issuer:        adminIssuer,
		Clock:         clock.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to build admin validator: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(adminSecret),
		Issuer:        adminIssuer,
		Clock:         clock.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	adminToken, _, err := tokenIssuer.IssueAdminToken(context.Background(), "ops@example.com")
	if err != nil {
		testContext.Fatalf("failed to issue admin token: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Webhook: webhookHandler,
		Reverse: reverseService,
		Orders:  store,
		Audit:   recorder,
		Admin:   adminValidator,
		Events:  dispatcher,
		Health:  map[string]server.Pinger{"target": store},
		Clock:   clock.Now,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	orderData := json.RawMessage(`{"ID":"500","STATUS_ID":"N","PRICE":"12000","PAYED":"N","PROPERTIES":{"PHONE":"8 (701) 555-12-34"}}`)
	createResult := postWebhook(testContext, testServer.URL, "order.create", orderData, http.StatusOK)
	if createResult.Outcome != ingest.OutcomeAccepted || !createResult.Created {
		testContext.Fatalf("expected order to be created, got %+v", createResult)
	}
	duplicate := postWebhook(testContext, testServer.URL, "order.create", orderData, http.StatusOK)
	if duplicate.Outcome != ingest.OutcomeDuplicate {
		testContext.Fatalf("expected redelivery to be a duplicate, got %+v", duplicate)
	}
	postWebhook(testContext, testServer.URL, "order.delete", orderData, http.StatusUnprocessableEntity)

	created, err := store.FindBySourceID(context.Background(), 500)
	if err != nil {
		testContext.Fatalf("expected mirrored order: %v", err)
	}
	if created.Status != "new" || created.ID != createResult.OrderID {
		testContext.Fatalf("unexpected mirrored order %+v", created)
	}

	clock.Advance(10 * time.Second)
	if _, err := store.UpdateStatus(context.Background(), created.ID, "paid"); err != nil {
		testContext.Fatalf("failed to edit order: %v", err)
	}
	echoed := runReverse(testContext, testServer.URL, adminToken)
	if echoed.Skipped != 1 || echoed.Successful != 0 || len(api.received()) != 0 {
		testContext.Fatalf("expected edit inside the echo window to wait, got %+v", echoed)
	}

	clock.Advance(2 * time.Minute)
	pushed := runReverse(testContext, testServer.URL, adminToken)
	if pushed.Successful != 1 || pushed.Total != 1 {
		testContext.Fatalf("expected the edit to be pushed, got %+v", pushed)
	}
	received := api.received()
	if len(received) != 1 || received[0]["status"] != "PD" || received[0]["order_id"] != float64(500) {
		testContext.Fatalf("unexpected pushes %+v", received)
	}
	if api.tokens[0] != pushToken {
		testContext.Fatalf("expected push token header, got %q", api.tokens[0])
	}
	if again := runReverse(testContext, testServer.URL, adminToken); again.Total != 0 {
		testContext.Fatalf("expected nothing pending after the push, got %+v", again)
	}

	statsRequest, err := http.NewRequest(http.MethodGet, testServer.URL+"/sync/stats", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build stats request: %v", err)
	}
	statsRequest.Header.Set("Authorization", "Bearer "+adminToken)
	statsResponse, err := http.DefaultClient.Do(statsRequest)
	if err != nil {
		testContext.Fatalf("stats request failed: %v", err)
	}
	defer statsResponse.Body.Close()
	if statsResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected stats status %d", statsResponse.StatusCode)
	}
	var stats struct {
		TotalOrders        int64 `json:"total_orders"`
		SourceLinkedOrders int64 `json:"source_linked_orders"`
		SyncsLastHour      int64 `json:"syncs_last_hour"`
		ErrorsLastHour     int64 `json:"errors_last_hour"`
	}
	if err := json.NewDecoder(statsResponse.Body).Decode(&stats); err != nil {
		testContext.Fatalf("failed to decode stats: %v", err)
	}
	if stats.TotalOrders != 1 || stats.SourceLinkedOrders != 1 {
		testContext.Fatalf("unexpected order stats %+v", stats)
	}
	if stats.SyncsLastHour < 2 || stats.ErrorsLastHour != 1 {
		testContext.Fatalf("expected create, rejected event and push in the log, got %+v", stats)
	}

	unauthorized, err := http.Post(testServer.URL+"/sync/reverse", jsonContentType, http.NoBody)
	if err != nil {
		testContext.Fatalf("unauthenticated request failed: %v", err)
	}
	_ = unauthorized.Body.Close()
	if unauthorized.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without a token, got %d", unauthorized.StatusCode)
	}
}

func postWebhook(testContext *testing.T, baseURL, event string, data json.RawMessage, expectedStatus int) ingest.Result {
	testContext.Helper()
	body, err := json.Marshal(ingest.Envelope{Event: event, Token: webhookToken, Data: data})
	if err != nil {
		testContext.Fatalf("failed to encode envelope: %v", err)
	}
	response, err := http.Post(baseURL+"/webhooks/source/order", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("webhook request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != expectedStatus {
		testContext.Fatalf("unexpected webhook status: got %d, want %d", response.StatusCode, expectedStatus)
	}
	var result ingest.Result
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		testContext.Fatalf("failed to decode webhook result: %v", err)
	}
	return result
}

func runReverse(testContext *testing.T, baseURL, token string) reverse.Summary {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodPost, baseURL+"/sync/reverse", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build reverse request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("reverse request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected reverse status %d", response.StatusCode)
	}
	var summary reverse.Summary
	if err := json.NewDecoder(response.Body).Decode(&summary); err != nil {
		testContext.Fatalf("failed to decode reverse summary: %v", err)
	}
	return summary
}
