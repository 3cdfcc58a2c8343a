package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/retry"
	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"go.uber.org/zap"
)

const (
	defaultPushTimeout = 10 * time.Second
	restUpdateMethod   = "sale.order.update"
	tokenHeader        = "X-API-TOKEN"
	maxErrorBodyBytes  = 512
)

var (
	// ErrPushRejected indicates an HTTP 200 response whose result field was
	// not truthy.
	ErrPushRejected         = errors.New("source: push rejected")
	ErrInvalidPusherConfig  = errors.New("source: invalid pusher config")
	errMissingEndpoint      = errors.New("endpoint is required")
	errMissingPushToken     = errors.New("token is required in token mode")
	errUnsupportedPushMode  = errors.New("unsupported push mode")
	errMissingSourceOrderID = errors.New("payload has no source order id")
)

// PushMode selects the wire shape of a reverse push.
type PushMode string

const (
	// PushModeToken posts a flat status document guarded by a static token.
	PushModeToken PushMode = "token"
	// PushModeREST calls the platform's sale.order.update REST method.
	PushModeREST PushMode = "rest"
)

// PusherConfig bundles configuration for the Source status API client.
type PusherConfig struct {
	Endpoint   string
	Token      string
	Mode       PushMode
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Pusher sends Target status changes to the Source API.
type Pusher struct {
	endpoint   string
	token      string
	mode       PushMode
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewPusher constructs a client with validated configuration.
func NewPusher(cfg PusherConfig) (*Pusher, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPusherConfig, errMissingEndpoint)
	}

	mode := PushMode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	switch mode {
	case "", PushModeToken:
		mode = PushModeToken
		if strings.TrimSpace(cfg.Token) == "" {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPusherConfig, errMissingPushToken)
		}
	case PushModeREST:
		endpoint = strings.TrimRight(endpoint, "/") + "/" + restUpdateMethod
	default:
		return nil, fmt.Errorf("%w: %v %q", ErrInvalidPusherConfig, errUnsupportedPushMode, cfg.Mode)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pusher{
		endpoint:   endpoint,
		token:      strings.TrimSpace(cfg.Token),
		mode:       mode,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type tokenPushBody struct {
	OrderID   int64  `json:"order_id"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

type restPushBody struct {
	ID     int64          `json:"id"`
	Fields restPushFields `json:"fields"`
}

type restPushFields struct {
	StatusID   string `json:"STATUS_ID"`
	DateStatus string `json:"DATE_STATUS"`
}

// Push delivers one status update. Success requires both HTTP 200 and a
// truthy result field. Client errors other than 429 are not retryable.
func (p *Pusher) Push(ctx context.Context, payload transform.SourcePayload) error {
	if payload.ID <= 0 {
		return retry.Permanent(errMissingSourceOrderID)
	}

	var body any
	resultField := "result"
	switch p.mode {
	case PushModeREST:
		body = restPushBody{
			ID: payload.ID,
			Fields: restPushFields{
				StatusID:   payload.StatusID,
				DateStatus: transform.SourceTimestamp(payload.StatusChanged),
			},
		}
	default:
		resultField = "success"
		body = tokenPushBody{
			OrderID:   payload.ID,
			Status:    payload.StatusID,
			UpdatedAt: payload.StatusChanged.UTC().Format(time.RFC3339),
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, p.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" && p.mode == PushModeToken {
		req.Header.Set(tokenHeader, p.token)
	}

	response, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("source: push order %d: %w", payload.ID, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		statusErr := fmt.Errorf("source: push order %d returned status %d: %s", payload.ID, response.StatusCode, strings.TrimSpace(string(snippet)))
		if response.StatusCode >= 400 && response.StatusCode < 500 && response.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(statusErr)
		}
		return statusErr
	}

	var document map[string]json.RawMessage
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return fmt.Errorf("source: decode push response for order %d: %w", payload.ID, err)
	}
	if !isTruthy(document[resultField]) && !isTruthy(document["result"]) {
		p.logger.Warn("source rejected status push",
			zap.Int64("source_id", payload.ID),
			zap.String("status", payload.StatusID),
			zap.ByteString("error", document["error"]),
		)
		return retry.Permanent(fmt.Errorf("%w: order %d", ErrPushRejected, payload.ID))
	}
	return nil
}

func isTruthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	switch typed := value.(type) {
	case bool:
		return typed
	case float64:
		return typed != 0
	case string:
		normalized := strings.ToLower(strings.TrimSpace(typed))
		return normalized != "" && normalized != "0" && normalized != "false"
	case map[string]any:
		return len(typed) > 0
	case []any:
		return len(typed) > 0
	default:
		return false
	}
}
