// Package config loads broker configuration from environment variables
// (with an optional file override) via viper.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"barbroker/internal/model"
)

// HealthConfig mirrors the Health Monitor's tunable knobs.
type HealthConfig struct {
	CheckIntervalMs          int
	StaleThresholdMultiplier float64
	AutoRecoveryEnabled      bool
	MaxRecoveryAttempts      int
	FullReconnectThreshold   int
	FullReconnectCooldownMs  int
}

// Config is the fully resolved, fatal-on-error startup configuration.
type Config struct {
	TVAPIProxy     string
	TVAPITimeoutMs int

	Subscriptions []model.SubscriptionKey

	BackendEndpoint string
	BackendAPIKey   string

	WebSocketPort    int
	WebSocketEnabled bool

	MetricsPort int

	LogLevel string
	LogFile  string

	DebugPrices   bool
	PricesLogFile string

	AuditDSN       string
	ClusterAMQPURI string

	HealthAPIPort int

	Health HealthConfig
}

// subscriptionSpec is the wire shape of one SUBSCRIPTIONS entry.
type subscriptionSpec struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// Load reads configuration per the documented precedence: explicit env var
// > config file (CONFIG_FILE, if set) > built-in default. A malformed
// SUBSCRIPTIONS value is a fatal startup error, returned here rather than
// panicking so the caller controls the exit path.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if cf := v.GetString("CONFIG_FILE"); cf != "" {
		v.SetConfigFile(cf)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading CONFIG_FILE %q: %w", cf, err)
		}
	}

	cfg := &Config{
		TVAPIProxy:       v.GetString("TV_API_PROXY"),
		TVAPITimeoutMs:   v.GetInt("TV_API_TIMEOUT_MS"),
		BackendEndpoint:  v.GetString("BACKEND_ENDPOINT"),
		BackendAPIKey:    v.GetString("BACKEND_API_KEY"),
		WebSocketPort:    v.GetInt("WEBSOCKET_PORT"),
		WebSocketEnabled: v.GetBool("WEBSOCKET_ENABLED"),
		MetricsPort:      v.GetInt("METRICS_PORT"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFile:          v.GetString("LOG_FILE"),
		DebugPrices:      v.GetBool("DEBUG_PRICES"),
		PricesLogFile:    v.GetString("PRICES_LOG_FILE"),
		AuditDSN:         v.GetString("AUDIT_DSN"),
		ClusterAMQPURI:   v.GetString("CLUSTER_AMQP_URI"),
		HealthAPIPort:    v.GetInt("HEALTH_API_PORT"),
		Health: HealthConfig{
			CheckIntervalMs:          v.GetInt("HEALTH_CHECK_INTERVAL_MS"),
			StaleThresholdMultiplier: v.GetFloat64("HEALTH_STALE_THRESHOLD_MULTIPLIER"),
			AutoRecoveryEnabled:      v.GetBool("HEALTH_AUTO_RECOVERY_ENABLED"),
			MaxRecoveryAttempts:      v.GetInt("HEALTH_MAX_RECOVERY_ATTEMPTS"),
			FullReconnectThreshold:   v.GetInt("HEALTH_FULL_RECONNECT_THRESHOLD"),
			FullReconnectCooldownMs:  v.GetInt("HEALTH_FULL_RECONNECT_COOLDOWN_MS"),
		},
	}

	raw := v.GetString("SUBSCRIPTIONS")
	subs, err := parseSubscriptions(raw)
	if err != nil {
		return nil, fmt.Errorf("config: SUBSCRIPTIONS: %w", err)
	}
	cfg.Subscriptions = subs

	return cfg, nil
}

func parseSubscriptions(raw string) ([]model.SubscriptionKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var specs []subscriptionSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}

	keys := make([]model.SubscriptionKey, 0, len(specs))
	for _, s := range specs {
		if s.Symbol == "" || s.Timeframe == "" {
			return nil, fmt.Errorf("entry missing symbol or timeframe: %+v", s)
		}
		keys = append(keys, model.NewKey(s.Symbol, s.Timeframe))
	}
	return keys, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("TV_API_PROXY", "")
	v.SetDefault("TV_API_TIMEOUT_MS", 10_000)
	v.SetDefault("SUBSCRIPTIONS", "")
	v.SetDefault("BACKEND_ENDPOINT", "")
	v.SetDefault("BACKEND_API_KEY", "")
	v.SetDefault("WEBSOCKET_PORT", 8081)
	v.SetDefault("WEBSOCKET_ENABLED", true)
	v.SetDefault("METRICS_PORT", 9100)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("DEBUG_PRICES", false)
	v.SetDefault("PRICES_LOG_FILE", "")
	v.SetDefault("AUDIT_DSN", "")
	v.SetDefault("CLUSTER_AMQP_URI", "")
	v.SetDefault("HEALTH_API_PORT", 8082)
	v.SetDefault("HEALTH_CHECK_INTERVAL_MS", 60_000)
	v.SetDefault("HEALTH_STALE_THRESHOLD_MULTIPLIER", 3.0)
	v.SetDefault("HEALTH_AUTO_RECOVERY_ENABLED", true)
	v.SetDefault("HEALTH_MAX_RECOVERY_ATTEMPTS", 3)
	v.SetDefault("HEALTH_FULL_RECONNECT_THRESHOLD", 3)
	v.SetDefault("HEALTH_FULL_RECONNECT_COOLDOWN_MS", 600_000)
	v.SetDefault("CONFIG_FILE", "")
}
