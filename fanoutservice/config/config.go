// Package config loads the service configuration in two stages: the embedded
// YAML is unmarshaled into YamlConfig and mapped to a base AppConfig, then
// environment overrides and validation finalize it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/internal/ratelimit"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlChannelsConfig struct {
	Chat          string `yaml:"chat"`
	Notifications string `yaml:"notifications"`
}

type YamlPresenceConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	PruneIntervalSeconds int `yaml:"prune_interval_seconds"`
	DebounceMillis       int `yaml:"debounce_millis"`
}

type YamlHeartbeatConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	DeadAfterSeconds int `yaml:"dead_after_seconds"`
}

type YamlThrottleConfig struct {
	FailurePolicy string                     `yaml:"failure_policy"`
	OverridesFile string                     `yaml:"overrides_file"`
	Scopes        map[string]fanout.Throttle `yaml:"scopes"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml
// file.
type YamlConfig struct {
	InstanceID           string              `yaml:"instance_id"`
	RunMode              string              `yaml:"run_mode"`
	APIPort              string              `yaml:"api_port"`
	WebSocketPort        string              `yaml:"websocket_port"`
	SSEPort              string              `yaml:"sse_port"`
	Distributed          bool                `yaml:"distributed"`
	Redis                YamlRedisConfig     `yaml:"redis"`
	Channels             YamlChannelsConfig  `yaml:"channels"`
	Presence             YamlPresenceConfig  `yaml:"presence"`
	Heartbeat            YamlHeartbeatConfig `yaml:"heartbeat"`
	Throttle             YamlThrottleConfig  `yaml:"throttle"`
	DeliveryPriority     []string            `yaml:"delivery_priority"`
	ShutdownGraceSeconds int                 `yaml:"shutdown_grace_seconds"`
}

// --- Application Config Struct ---

// AppConfig is the canonical, validated configuration object used throughout
// the application. Created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	InstanceID          string
	RunMode             string
	APIPort             string
	WebSocketPort       string
	SSEPort             string
	Distributed         bool
	RedisAddr           string
	ChatChannel         string
	NotificationChannel string

	PresenceTimeout  time.Duration
	PruneInterval    time.Duration
	PresenceDebounce time.Duration

	HeartbeatInterval time.Duration
	DeadAfter         time.Duration

	ThrottlePolicy    ratelimit.FailurePolicy
	ThrottleScopes    map[string]fanout.Throttle
	ThrottleOverrides string

	DeliveryPriority []string
	ShutdownGrace    time.Duration
}

// knownStrategies are the delivery strategies the dispatcher can be wired
// with.
var knownStrategies = map[string]bool{"stream": true, "broadcast": true}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled YamlConfig into a base
// AppConfig, applying structural defaults but no environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	cfg := &AppConfig{
		InstanceID:          yamlCfg.InstanceID,
		RunMode:             yamlCfg.RunMode,
		APIPort:             yamlCfg.APIPort,
		WebSocketPort:       yamlCfg.WebSocketPort,
		SSEPort:             yamlCfg.SSEPort,
		Distributed:         yamlCfg.Distributed,
		RedisAddr:           yamlCfg.Redis.Addr,
		ChatChannel:         yamlCfg.Channels.Chat,
		NotificationChannel: yamlCfg.Channels.Notifications,
		PresenceTimeout:     time.Duration(yamlCfg.Presence.TimeoutSeconds) * time.Second,
		PruneInterval:       time.Duration(yamlCfg.Presence.PruneIntervalSeconds) * time.Second,
		PresenceDebounce:    time.Duration(yamlCfg.Presence.DebounceMillis) * time.Millisecond,
		HeartbeatInterval:   time.Duration(yamlCfg.Heartbeat.IntervalSeconds) * time.Second,
		DeadAfter:           time.Duration(yamlCfg.Heartbeat.DeadAfterSeconds) * time.Second,
		ThrottlePolicy:      ratelimit.FailurePolicy(yamlCfg.Throttle.FailurePolicy),
		ThrottleScopes:      yamlCfg.Throttle.Scopes,
		ThrottleOverrides:   yamlCfg.Throttle.OverridesFile,
		DeliveryPriority:    yamlCfg.DeliveryPriority,
		ShutdownGrace:       time.Duration(yamlCfg.ShutdownGraceSeconds) * time.Second,
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.ChatChannel == "" {
		cfg.ChatChannel = "fanout:chat"
	}
	if cfg.NotificationChannel == "" {
		cfg.NotificationChannel = "fanout:notifications"
	}
	if len(cfg.DeliveryPriority) == 0 {
		cfg.DeliveryPriority = []string{"stream", "broadcast"}
	}

	return cfg, nil
}

// --- Stage 2 Function ---

// UpdateConfigWithEnvOverrides applies environment variables on top of the
// base configuration and runs final validation.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	overrides := map[string]*string{
		"REDIS_ADDR":     &cfg.RedisAddr,
		"INSTANCE_ID":    &cfg.InstanceID,
		"API_PORT":       &cfg.APIPort,
		"WEBSOCKET_PORT": &cfg.WebSocketPort,
		"SSE_PORT":       &cfg.SSEPort,
	}
	for key, target := range overrides {
		if value := os.Getenv(key); value != "" {
			logger.Debug().Str("key", key).Msg("Overriding config value from environment.")
			*target = value
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the components cannot run on.
func (c *AppConfig) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.APIPort == "" || c.WebSocketPort == "" || c.SSEPort == "" {
		return fmt.Errorf("api_port, websocket_port and sse_port are all required")
	}
	if c.PresenceTimeout <= 0 || c.PruneInterval <= 0 {
		return fmt.Errorf("presence timeout and prune interval must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.DeadAfter <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat dead_after_seconds must exceed interval_seconds")
	}
	if !c.ThrottlePolicy.Valid() {
		return fmt.Errorf("unknown throttle failure_policy %q", c.ThrottlePolicy)
	}
	def, ok := c.ThrottleScopes[ratelimit.DefaultScope]
	if !ok || def.MaxUnits <= 0 || def.PerSeconds <= 0 {
		return fmt.Errorf("throttle.scopes needs a positive %q entry", ratelimit.DefaultScope)
	}
	for scope, throttle := range c.ThrottleScopes {
		if throttle.MaxUnits <= 0 || throttle.PerSeconds <= 0 {
			return fmt.Errorf("throttle scope %q has a non-positive budget", scope)
		}
	}
	for _, strategy := range c.DeliveryPriority {
		if !knownStrategies[strategy] {
			return fmt.Errorf("unknown delivery strategy %q", strategy)
		}
	}
	return nil
}
