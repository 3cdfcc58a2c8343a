package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/audit"
	"github.com/MarcoPoloResearchLab/ordersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ordersync/internal/ingest"
	"github.com/MarcoPoloResearchLab/ordersync/internal/metrics"
	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/orders"
	"github.com/MarcoPoloResearchLab/ordersync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/ordersync/internal/reverse"
	"github.com/MarcoPoloResearchLab/ordersync/internal/source"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	adminSubjectContextKey = "ordersync_admin_subject"
	maxWebhookBodyBytes    = 1 << 20
	healthCheckTimeout     = 3 * time.Second
	statsWindow            = time.Hour
)

var (
	errMissingWebhookHandler = errors.New("webhook handler dependency required")
	errMissingAdminValidator = errors.New("admin validator dependency required")
	errMissingOrderCounter   = errors.New("order counter dependency required")
	errMissingAuditSummary   = errors.New("audit summarizer dependency required")
)

// WebhookHandler processes inbound Source envelopes.
type WebhookHandler interface {
	Handle(ctx context.Context, envelope ingest.Envelope) ingest.Result
}

// Reconciler backfills orders missed by live delivery.
type Reconciler interface {
	SyncRange(ctx context.Context, start, end int64, maxOrders int, origin source.Origin) (reconcile.Summary, error)
}

// ReverseRunner runs one reverse sync cycle on demand.
type ReverseRunner interface {
	RunCycle(ctx context.Context) (reverse.Summary, error)
}

// OrderCounter reports Target table totals.
type OrderCounter interface {
	Count(ctx context.Context) (orders.Counts, error)
}

// AuditSummarizer aggregates the sync log.
type AuditSummarizer interface {
	Summarize(ctx context.Context, since time.Time) (audit.Summary, error)
}

// AdminAuthenticator validates operator credentials on a request.
type AdminAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
}

// EventSubscriber streams sync outcomes.
type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan notify.Event, func())
}

// Pinger reports backing store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the HTTP surface. Reconciler, Reverse and Events are
// optional; their routes answer 503 when absent.
type Dependencies struct {
	Webhook    WebhookHandler
	Reconciler Reconciler
	Reverse    ReverseRunner
	Orders     OrderCounter
	Audit      AuditSummarizer
	Admin      AdminAuthenticator
	Events     EventSubscriber
	// Health maps a component name to its probe. "target" is required for a
	// healthy answer.
	Health            map[string]Pinger
	Metrics           *metrics.Metrics
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine serving webhooks and the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Webhook == nil {
		return nil, errMissingWebhookHandler
	}
	if deps.Admin == nil {
		return nil, errMissingAdminValidator
	}
	if deps.Orders == nil {
		return nil, errMissingOrderCounter
	}
	if deps.Audit == nil {
		return nil, errMissingAuditSummary
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(instrumentRequests(deps.Metrics))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		webhook:    deps.Webhook,
		reconciler: deps.Reconciler,
		reverse:    deps.Reverse,
		orders:     deps.Orders,
		audit:      deps.Audit,
		admin:      deps.Admin,
		events:     deps.Events,
		health:     deps.Health,
		heartbeat:  heartbeat,
		clock:      clock,
		logger:     logger,
	}

	router.POST("/webhooks/source/order", handler.handleWebhook)
	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	protected := router.Group("/sync")
	protected.Use(handler.authorizeAdmin)
	protected.GET("/stats", handler.handleStats)
	protected.POST("/reconcile", handler.handleReconcile)
	protected.POST("/reverse", handler.handleReverse)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	webhook    WebhookHandler
	reconciler Reconciler
	reverse    ReverseRunner
	orders     OrderCounter
	audit      AuditSummarizer
	admin      AdminAuthenticator
	events     EventSubscriber
	health     map[string]Pinger
	heartbeat  time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func instrumentRequests(collector *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		collector.ObserveHTTP(route, c.Request.Method, c.Writer.Status(), time.Since(startedAt))
	}
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	var envelope ingest.Envelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		h.logger.Warn("webhook envelope rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result := h.webhook.Handle(c.Request.Context(), envelope)
	c.JSON(webhookStatus(result), result)
}

func webhookStatus(result ingest.Result) int {
	if result.Accepted() {
		return http.StatusOK
	}
	switch result.Kind {
	case ingest.KindAuthentication:
		return http.StatusUnauthorized
	case ingest.KindValidation, ingest.KindTransformation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	response := healthResponse{Status: "healthy", Components: make(map[string]string, len(h.health)), CheckedAt: h.clock().UTC()}
	for name, pinger := range h.health {
		if pinger == nil {
			continue
		}
		if err := pinger.Ping(ctx); err != nil {
			h.logger.Warn("health probe failed", zap.String("component", name), zap.Error(err))
			response.Components[name] = "unreachable"
			response.Status = "degraded"
			continue
		}
		response.Components[name] = "ok"
	}
	if _, ok := response.Components["target"]; !ok {
		response.Status = "degraded"
	}

	status := http.StatusOK
	if response.Components["target"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}

type statsResponse struct {
	TotalOrders        int64     `json:"total_orders"`
	SourceLinkedOrders int64     `json:"source_linked_orders"`
	CoveragePercent    float64   `json:"coverage_percent"`
	SyncsLastHour      int64     `json:"syncs_last_hour"`
	ErrorsLastHour     int64     `json:"errors_last_hour"`
	SuccessRate        float64   `json:"success_rate"`
	GeneratedAt        time.Time `json:"generated_at"`
}

func (h *httpHandler) handleStats(c *gin.Context) {
	counts, err := h.orders.Count(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to count orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	now := h.clock().UTC()
	summary, err := h.audit.Summarize(c.Request.Context(), now.Add(-statsWindow))
	if err != nil {
		h.logger.Error("failed to summarize sync log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	c.JSON(http.StatusOK, statsResponse{
		TotalOrders:        counts.Total,
		SourceLinkedOrders: counts.SourceLinked,
		CoveragePercent:    audit.SuccessRate(counts.SourceLinked, counts.Total),
		SyncsLastHour:      summary.Total,
		ErrorsLastHour:     summary.Errors,
		SuccessRate:        summary.SuccessRate,
		GeneratedAt:        now,
	})
}

type reconcileRequestPayload struct {
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	MaxOrders int    `json:"max_orders"`
	Origin    string `json:"origin"`
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_unavailable"})
		return
	}
	var request reconcileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Start <= 0 || request.End < request.Start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	origin, err := source.ParseOrigin(request.Origin)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_origin"})
		return
	}

	summary, err := h.reconciler.SyncRange(c.Request.Context(), request.Start, request.End, request.MaxOrders, origin)
	switch {
	case errors.Is(err, reconcile.ErrUnknownOrigin):
		c.JSON(http.StatusBadRequest, gin.H{"error": "origin_not_configured"})
		return
	case err != nil:
		h.logger.Error("reconciliation failed",
			zap.Int64("start", request.Start),
			zap.Int64("end", request.End),
			zap.String("origin", string(origin)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
		return
	}
	h.logger.Info("reconciliation requested",
		zap.String("subject", c.GetString(adminSubjectContextKey)),
		zap.Int("missing", len(summary.Missing)),
		zap.Int("successful", summary.Successful),
	)
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleReverse(c *gin.Context) {
	if h.reverse == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reverse_sync_unavailable"})
		return
	}
	summary, err := h.reverse.RunCycle(c.Request.Context())
	switch {
	case errors.Is(err, reverse.ErrCycleInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "cycle_in_progress"})
		return
	case err != nil:
		h.logger.Error("reverse sync cycle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reverse_sync_failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.admin.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredAdminToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("admin token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("admin token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, claims.Subject)
	c.Next()
}
