package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // source.timezone in scratch images

	"github.com/MarcoPoloResearchLab/ordersync/internal/source"
	"github.com/spf13/viper"
)

const (
	envPrefix = "ORDERSYNC"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultLogLevel         = "info"
	defaultTargetDriver     = "sqlite"
	defaultTargetDSN        = "ordersync.db"
	defaultSiteID           = "s1"
	defaultSourceTimezone   = "UTC"
	defaultPushMode         = "token"
	defaultPushTimeout      = 10 * time.Second
	defaultDedupTTL         = 300 * time.Second
	defaultEchoWindow       = 60 * time.Second
	defaultReverseSchedule  = "@every 300s"
	defaultReverseBatch     = 50
	defaultReverseWorkers   = 4
	defaultReverseItemDelay = 500 * time.Millisecond
	defaultReconcileMax     = 50
	defaultReconcileWorkers = 4
	defaultReconcileDelay   = 300 * time.Millisecond
	defaultRetryAttempts    = 3
	defaultRetryBaseDelay   = 500 * time.Millisecond
	defaultNotifyRateLimit  = 300 * time.Second
	defaultAdminIssuer      = "ordersync-admin"
	defaultAdminAudience    = "ordersync-api"
	defaultAdminTokenTTL    = 12 * time.Hour
	defaultBinlogServerID   = 1001
)

var errInvalidConfig = errors.New("invalid configuration")

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	TargetDriver string
	TargetDSN    string

	SourceLocalDSN      string
	SourceProductionDSN string
	SourceSiteID        string
	SourceLocation      *time.Location
	PushURL             string
	PushToken           string
	PushMode            source.PushMode
	PushTimeout         time.Duration

	WebhookToken string
	DedupTTL     time.Duration
	EchoWindow   time.Duration

	ReverseEnabled   bool
	ReverseSchedule  string
	ReverseBatchSize int
	ReverseWorkers   int
	ReverseItemDelay time.Duration

	ReconcileMaxOrders int
	ReconcileWorkers   int
	ReconcileItemDelay time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	TelegramToken   string
	TelegramChatIDs []string
	NotifyRateLimit time.Duration

	AdminSigningSecret string
	AdminIssuer        string
	AdminAudience      string
	AdminTokenTTL      time.Duration

	BinlogEnabled  bool
	BinlogAddr     string
	BinlogUser     string
	BinlogPassword string
	BinlogServerID uint32
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("target.driver", defaultTargetDriver)
	configViper.SetDefault("target.dsn", defaultTargetDSN)
	configViper.SetDefault("source.local_dsn", "")
	configViper.SetDefault("source.production_dsn", "")
	configViper.SetDefault("source.site_id", defaultSiteID)
	configViper.SetDefault("source.timezone", defaultSourceTimezone)
	configViper.SetDefault("source.push_url", "")
	configViper.SetDefault("source.push_token", "")
	configViper.SetDefault("source.push_mode", defaultPushMode)
	configViper.SetDefault("source.push_timeout", defaultPushTimeout)
	configViper.SetDefault("webhook.token", "")
	configViper.SetDefault("dedup.ttl", defaultDedupTTL)
	configViper.SetDefault("echo.window", defaultEchoWindow)
	configViper.SetDefault("reverse.enabled", true)
	configViper.SetDefault("reverse.schedule", defaultReverseSchedule)
	configViper.SetDefault("reverse.batch_size", defaultReverseBatch)
	configViper.SetDefault("reverse.workers", defaultReverseWorkers)
	configViper.SetDefault("reverse.item_delay", defaultReverseItemDelay)
	configViper.SetDefault("reconcile.max_orders", defaultReconcileMax)
	configViper.SetDefault("reconcile.workers", defaultReconcileWorkers)
	configViper.SetDefault("reconcile.item_delay", defaultReconcileDelay)
	configViper.SetDefault("retry.max_attempts", defaultRetryAttempts)
	configViper.SetDefault("retry.base_delay", defaultRetryBaseDelay)
	configViper.SetDefault("notify.telegram_token", "")
	configViper.SetDefault("notify.telegram_chat_ids", []string{})
	configViper.SetDefault("notify.rate_limit", defaultNotifyRateLimit)
	configViper.SetDefault("admin.signing_secret", "")
	configViper.SetDefault("admin.issuer", defaultAdminIssuer)
	configViper.SetDefault("admin.audience", defaultAdminAudience)
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
	configViper.SetDefault("binlog.enabled", false)
	configViper.SetDefault("binlog.addr", "")
	configViper.SetDefault("binlog.user", "")
	configViper.SetDefault("binlog.password", "")
	configViper.SetDefault("binlog.server_id", defaultBinlogServerID)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	pushMode := source.PushMode(strings.ToLower(strings.TrimSpace(configViper.GetString("source.push_mode"))))
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		LogLevel:            configViper.GetString("log.level"),
		TargetDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("target.driver"))),
		TargetDSN:           configViper.GetString("target.dsn"),
		SourceLocalDSN:      configViper.GetString("source.local_dsn"),
		SourceProductionDSN: configViper.GetString("source.production_dsn"),
		SourceSiteID:        configViper.GetString("source.site_id"),
		PushURL:             configViper.GetString("source.push_url"),
		PushToken:           configViper.GetString("source.push_token"),
		PushMode:            pushMode,
		PushTimeout:         configViper.GetDuration("source.push_timeout"),
		WebhookToken:        configViper.GetString("webhook.token"),
		DedupTTL:            configViper.GetDuration("dedup.ttl"),
		EchoWindow:          configViper.GetDuration("echo.window"),
		ReverseEnabled:      configViper.GetBool("reverse.enabled"),
		ReverseSchedule:     configViper.GetString("reverse.schedule"),
		ReverseBatchSize:    configViper.GetInt("reverse.batch_size"),
		ReverseWorkers:      configViper.GetInt("reverse.workers"),
		ReverseItemDelay:    configViper.GetDuration("reverse.item_delay"),
		ReconcileMaxOrders:  configViper.GetInt("reconcile.max_orders"),
		ReconcileWorkers:    configViper.GetInt("reconcile.workers"),
		ReconcileItemDelay:  configViper.GetDuration("reconcile.item_delay"),
		RetryMaxAttempts:    configViper.GetInt("retry.max_attempts"),
		RetryBaseDelay:      configViper.GetDuration("retry.base_delay"),
		TelegramToken:       configViper.GetString("notify.telegram_token"),
		TelegramChatIDs:     splitList(configViper.GetStringSlice("notify.telegram_chat_ids")),
		NotifyRateLimit:     configViper.GetDuration("notify.rate_limit"),
		AdminSigningSecret:  configViper.GetString("admin.signing_secret"),
		AdminIssuer:         configViper.GetString("admin.issuer"),
		AdminAudience:       configViper.GetString("admin.audience"),
		AdminTokenTTL:       configViper.GetDuration("admin.token_ttl"),
		BinlogEnabled:       configViper.GetBool("binlog.enabled"),
		BinlogAddr:          configViper.GetString("binlog.addr"),
		BinlogUser:          configViper.GetString("binlog.user"),
		BinlogPassword:      configViper.GetString("binlog.password"),
		BinlogServerID:      configViper.GetUint32("binlog.server_id"),
	}

	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("source.timezone")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("%w: source.timezone: %v", errInvalidConfig, err)
	}
	cfg.SourceLocation = location

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList accepts both list values from a config file and a single
// comma-separated environment variable.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.WebhookToken) == "" {
		return fmt.Errorf("%w: webhook.token is required", errInvalidConfig)
	}
	switch c.TargetDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: target.driver must be sqlite or postgres, got %q", errInvalidConfig, c.TargetDriver)
	}
	if strings.TrimSpace(c.TargetDSN) == "" {
		return fmt.Errorf("%w: target.dsn is required", errInvalidConfig)
	}
	switch c.PushMode {
	case source.PushModeToken, source.PushModeREST:
	default:
		return fmt.Errorf("%w: source.push_mode must be token or rest, got %q", errInvalidConfig, c.PushMode)
	}
	if c.ReverseEnabled && strings.TrimSpace(c.PushURL) == "" {
		return fmt.Errorf("%w: source.push_url is required when reverse.enabled is set", errInvalidConfig)
	}
	if c.ReverseEnabled && c.PushMode == source.PushModeToken && strings.TrimSpace(c.PushToken) == "" {
		return fmt.Errorf("%w: source.push_token is required in token push mode", errInvalidConfig)
	}
	if c.BinlogEnabled {
		if strings.TrimSpace(c.BinlogAddr) == "" || strings.TrimSpace(c.BinlogUser) == "" {
			return fmt.Errorf("%w: binlog.addr and binlog.user are required when binlog.enabled is set", errInvalidConfig)
		}
		if c.BinlogServerID == 0 {
			return fmt.Errorf("%w: binlog.server_id must be positive", errInvalidConfig)
		}
	}
	if c.DedupTTL <= 0 || c.EchoWindow <= 0 {
		return fmt.Errorf("%w: dedup.ttl and echo.window must be positive", errInvalidConfig)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", errInvalidConfig)
	}
	if strings.TrimSpace(c.AdminIssuer) == "" {
		return fmt.Errorf("%w: admin.issuer is required", errInvalidConfig)
	}
	return nil
}

// AdminEnabled reports whether a signing secret is configured for the
// operator API.
func (c AppConfig) AdminEnabled() bool {
	return strings.TrimSpace(c.AdminSigningSecret) != ""
}
