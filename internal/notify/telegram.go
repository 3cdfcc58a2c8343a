package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/cache"
	"github.com/MarcoPoloResearchLab/ordersync/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultTelegramBaseURL = "https://api.telegram.org"
	defaultRateLimit       = 300 * time.Second
	defaultSendTimeout     = 10 * time.Second
	telegramChannel        = "telegram"
)

var (
	ErrInvalidTelegramConfig = errors.New("notify: invalid telegram config")
	errMissingBotToken       = errors.New("bot token is required")
	errMissingChatIDs        = errors.New("at least one chat id is required")
	errTelegramRejected      = errors.New("telegram rejected message")
)

// TelegramConfig bundles configuration for the Telegram bot notifier.
type TelegramConfig struct {
	Token   string
	ChatIDs []string
	BaseURL string
	// RateLimit is the minimum spacing between messages about the same
	// order and outcome.
	RateLimit  time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Telegram posts sync outcomes to chats through the Bot API.
type Telegram struct {
	endpoint   string
	chatIDs    []string
	rateLimit  time.Duration
	timeout    time.Duration
	httpClient *http.Client
	recent     *cache.TTLCache[string, struct{}]
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewTelegram constructs a notifier with validated configuration.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTelegramConfig, errMissingBotToken)
	}
	chatIDs := make([]string, 0, len(cfg.ChatIDs))
	for _, chatID := range cfg.ChatIDs {
		if trimmed := strings.TrimSpace(chatID); trimmed != "" {
			chatIDs = append(chatIDs, trimmed)
		}
	}
	if len(chatIDs) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTelegramConfig, errMissingChatIDs)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Telegram{
		endpoint:   fmt.Sprintf("%s/bot%s/sendMessage", baseURL, token),
		chatIDs:    chatIDs,
		rateLimit:  rateLimit,
		timeout:    timeout,
		httpClient: httpClient,
		recent:     cache.NewTTLCache[string, struct{}](clock),
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Notify sends the event in the background. Repeats for the same order and
// outcome inside the rate limit window are dropped.
func (t *Telegram) Notify(ctx context.Context, event Event) {
	if !t.admit(event) {
		t.logger.Debug("telegram notification rate limited", zap.Int64("source_id", event.SourceID))
		t.metrics.ObserveNotification(telegramChannel, "rate_limited")
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		if err := t.Send(detached, event); err != nil {
			t.logger.Warn("telegram notification failed", zap.Error(err), zap.Int64("source_id", event.SourceID))
		}
	}()
}

// Send delivers the event to every chat synchronously.
func (t *Telegram) Send(ctx context.Context, event Event) error {
	text := FormatMessage(event)
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := t.sendMessage(ctx, chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chatID, err))
			t.metrics.ObserveNotification(telegramChannel, "failed")
			continue
		}
		t.metrics.ObserveNotification(telegramChannel, "sent")
	}
	return errors.Join(errs...)
}

func (t *Telegram) admit(event Event) bool {
	if event.SourceID <= 0 && event.OrderID == "" {
		return true
	}
	key := fmt.Sprintf("%d|%s|%s|%t", event.SourceID, event.OrderID, event.Kind, event.Success)
	return t.recent.PutIfAbsent(key, struct{}{}, t.rateLimit)
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) sendMessage(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}

	requestCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	var document sendMessageResponse
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return fmt.Errorf("decode response with status %d: %w", response.StatusCode, err)
	}
	if response.StatusCode != http.StatusOK || !document.OK {
		return fmt.Errorf("%w: status %d: %s", errTelegramRejected, response.StatusCode, document.Description)
	}
	return nil
}

// FormatMessage renders an event as Telegram HTML.
func FormatMessage(event Event) string {
	var builder strings.Builder
	headline := "Sync succeeded"
	if !event.Success {
		headline = "Sync failed"
	}
	fmt.Fprintf(&builder, "<b>%s</b>: %s\n", headline, html.EscapeString(string(event.Kind)))
	if event.OrderNumber != "" {
		fmt.Fprintf(&builder, "Order: #%s\n", html.EscapeString(event.OrderNumber))
	}
	if event.SourceID > 0 {
		fmt.Fprintf(&builder, "Source ID: %d\n", event.SourceID)
	}
	if event.Status != "" {
		fmt.Fprintf(&builder, "Status: %s\n", html.EscapeString(event.Status))
	}
	if event.Amount.IsPositive() {
		fmt.Fprintf(&builder, "Amount: %s\n", event.Amount.StringFixed(2))
	}
	if event.Summary != "" {
		builder.WriteString(html.EscapeString(event.Summary))
	}
	return strings.TrimRight(builder.String(), "\n")
}
