package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/watchparty/go/internal/gateway"
	"github.com/mcdev12/watchparty/go/internal/latency"
	"github.com/mcdev12/watchparty/go/internal/micpipeline"
	"github.com/mcdev12/watchparty/go/internal/micpolicy"
	"github.com/mcdev12/watchparty/go/internal/playback"
	"github.com/mcdev12/watchparty/go/internal/room"
	"github.com/mcdev12/watchparty/go/internal/signaling"
	"github.com/mcdev12/watchparty/go/internal/timeline"
)

// Config is the sync agent configuration. Every tuned constant is overridable.
type Config struct {
	Room     string `yaml:"room"`
	Identity string `yaml:"identity"`
	Host     bool   `yaml:"host"`
	LogLevel string `yaml:"log_level"`

	Gateway struct {
		Addr           string        `yaml:"addr"`
		StatusInterval time.Duration `yaml:"status_interval"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"gateway"`

	NATS struct {
		URL           string        `yaml:"url"`
		Bucket        string        `yaml:"bucket"`
		MaxReconnects int           `yaml:"max_reconnects"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
	} `yaml:"nats"`

	Sync struct {
		DriftThreshold     time.Duration `yaml:"drift_threshold"`
		CorrectionInterval time.Duration `yaml:"correction_interval"`
		EndDebounce        time.Duration `yaml:"end_debounce"`
	} `yaml:"sync"`

	Latency struct {
		ProbeInterval time.Duration `yaml:"probe_interval"`
		Alpha         float64       `yaml:"alpha"`
	} `yaml:"latency"`

	Mic struct {
		Enabled         bool          `yaml:"enabled"`
		Bypass          bool          `yaml:"bypass"`
		SafetyMargin    time.Duration `yaml:"safety_margin"`
		MaxDelay        time.Duration `yaml:"max_delay"`
		SmoothingTau    time.Duration `yaml:"smoothing_tau"`
		EnforceInterval time.Duration `yaml:"enforce_interval"`
	} `yaml:"mic"`

	WebRTC struct {
		STUNServers       []string      `yaml:"stun_servers"`
		Heartbeat         time.Duration `yaml:"heartbeat"`
		DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
		FailedTimeout     time.Duration `yaml:"failed_timeout"`
	} `yaml:"webrtc"`
}

// Default returns the configuration with every tunable at its default
func Default() Config {
	var c Config
	c.LogLevel = "info"

	gw := gateway.DefaultConfig()
	c.Gateway.Addr = ":8090"
	c.Gateway.StatusInterval = gw.StatusInterval
	c.Gateway.AllowedOrigins = gw.AllowedOrigins

	kv := timeline.DefaultKVConfig()
	c.NATS.URL = kv.URL
	c.NATS.Bucket = kv.Bucket
	c.NATS.MaxReconnects = kv.MaxReconnects
	c.NATS.ReconnectWait = kv.ReconnectWait

	pb := playback.DefaultConfig()
	c.Sync.DriftThreshold = pb.DriftThreshold
	c.Sync.CorrectionInterval = pb.CorrectionInterval
	c.Sync.EndDebounce = pb.EndDebounce

	c.Latency.ProbeInterval = latency.DefaultProbeInterval
	c.Latency.Alpha = latency.DefaultAlpha

	mp := micpipeline.DefaultConfig()
	c.Mic.Enabled = true
	c.Mic.SafetyMargin = mp.SafetyMargin
	c.Mic.MaxDelay = mp.MaxDelay
	c.Mic.SmoothingTau = mp.SmoothingTau
	c.Mic.EnforceInterval = micpolicy.DefaultInterval

	c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	c.WebRTC.Heartbeat = signaling.DefaultHeartbeat
	c.WebRTC.DisconnectTimeout = 5 * time.Second
	c.WebRTC.FailedTimeout = 10 * time.Second
	return c
}

// Load reads .env, then the YAML file at path (if any), then environment overrides
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.Room = getEnv("WATCHPARTY_ROOM", c.Room)
	c.Identity = getEnv("WATCHPARTY_IDENTITY", c.Identity)
	c.Host = getEnvAsBool("WATCHPARTY_HOST", c.Host)
	c.LogLevel = getEnv("WATCHPARTY_LOG_LEVEL", c.LogLevel)

	c.Gateway.Addr = getEnv("WATCHPARTY_GATEWAY_ADDR", c.Gateway.Addr)
	c.Gateway.StatusInterval = getEnvAsDuration("WATCHPARTY_STATUS_INTERVAL", c.Gateway.StatusInterval)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Bucket = getEnv("WATCHPARTY_NATS_BUCKET", c.NATS.Bucket)
	c.NATS.MaxReconnects = getEnvAsInt("WATCHPARTY_NATS_MAX_RECONNECTS", c.NATS.MaxReconnects)

	c.Sync.DriftThreshold = getEnvAsDuration("WATCHPARTY_DRIFT_THRESHOLD", c.Sync.DriftThreshold)
	c.Sync.CorrectionInterval = getEnvAsDuration("WATCHPARTY_CORRECTION_INTERVAL", c.Sync.CorrectionInterval)
	c.Sync.EndDebounce = getEnvAsDuration("WATCHPARTY_END_DEBOUNCE", c.Sync.EndDebounce)

	c.Latency.ProbeInterval = getEnvAsDuration("WATCHPARTY_PROBE_INTERVAL", c.Latency.ProbeInterval)
	c.Latency.Alpha = getEnvAsFloat("WATCHPARTY_ALPHA", c.Latency.Alpha)

	c.Mic.Enabled = getEnvAsBool("WATCHPARTY_MIC_ENABLED", c.Mic.Enabled)
	c.Mic.Bypass = getEnvAsBool("WATCHPARTY_MIC_BYPASS", c.Mic.Bypass)
	if stun := getEnv("WATCHPARTY_STUN_SERVERS", ""); stun != "" {
		c.WebRTC.STUNServers = strings.Split(stun, ",")
	}
	c.Mic.SafetyMargin = getEnvAsDuration("WATCHPARTY_SAFETY_MARGIN", c.Mic.SafetyMargin)
	c.Mic.MaxDelay = getEnvAsDuration("WATCHPARTY_MAX_DELAY", c.Mic.MaxDelay)
	c.Mic.SmoothingTau = getEnvAsDuration("WATCHPARTY_SMOOTHING_TAU", c.Mic.SmoothingTau)
	c.Mic.EnforceInterval = getEnvAsDuration("WATCHPARTY_ENFORCE_INTERVAL", c.Mic.EnforceInterval)
}

// Validate rejects configurations the engine cannot run with.
// An out-of-range enforcement interval is clamped rather than rejected.
func (c *Config) Validate() error {
	var errs []error
	if c.Room == "" {
		errs = append(errs, errors.New("room is required"))
	}
	if c.Identity == "" {
		errs = append(errs, errors.New("identity is required"))
	}
	if c.Latency.Alpha <= 0 || c.Latency.Alpha > 1 {
		errs = append(errs, fmt.Errorf("alpha must be in (0, 1], got %v", c.Latency.Alpha))
	}
	for name, d := range map[string]time.Duration{
		"drift_threshold":     c.Sync.DriftThreshold,
		"correction_interval": c.Sync.CorrectionInterval,
		"end_debounce":        c.Sync.EndDebounce,
		"probe_interval":      c.Latency.ProbeInterval,
		"max_delay":           c.Mic.MaxDelay,
		"status_interval":     c.Gateway.StatusInterval,
		"heartbeat":           c.WebRTC.Heartbeat,
		"failed_timeout":      c.WebRTC.FailedTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Mic.SafetyMargin < 0 || c.Mic.SmoothingTau < 0 {
		errs = append(errs, errors.New("safety_margin and smoothing_tau must not be negative"))
	}
	if clamped := micpolicy.ClampInterval(c.Mic.EnforceInterval); clamped != c.Mic.EnforceInterval {
		log.Warn().
			Dur("configured", c.Mic.EnforceInterval).
			Dur("using", clamped).
			Msg("mic enforce interval out of range")
		c.Mic.EnforceInterval = clamped
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel, falling back to info
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (c Config) KVConfig() timeline.KVConfig {
	kv := timeline.DefaultKVConfig()
	kv.URL = c.NATS.URL
	kv.Bucket = c.NATS.Bucket
	kv.MaxReconnects = c.NATS.MaxReconnects
	if c.NATS.ReconnectWait > 0 {
		kv.ReconnectWait = c.NATS.ReconnectWait
	}
	return kv
}

func (c Config) PlaybackConfig() playback.Config {
	return playback.Config{
		DriftThreshold:     c.Sync.DriftThreshold,
		CorrectionInterval: c.Sync.CorrectionInterval,
		EndDebounce:        c.Sync.EndDebounce,
	}
}

func (c Config) PipelineConfig() micpipeline.Config {
	mp := micpipeline.DefaultConfig()
	mp.SafetyMargin = c.Mic.SafetyMargin
	mp.MaxDelay = c.Mic.MaxDelay
	mp.SmoothingTau = c.Mic.SmoothingTau
	mp.Bypass = c.Mic.Bypass
	return mp
}

func (c Config) GatewayConfig() gateway.Config {
	gw := gateway.DefaultConfig()
	gw.StatusInterval = c.Gateway.StatusInterval
	if len(c.Gateway.AllowedOrigins) > 0 {
		gw.AllowedOrigins = c.Gateway.AllowedOrigins
	}
	return gw
}

func (c Config) SignalingConfig() signaling.Config {
	var servers []webrtc.ICEServer
	if len(c.WebRTC.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.WebRTC.STUNServers})
	}
	return signaling.Config{
		Room:       c.Room,
		Identity:   c.Identity,
		Heartbeat:  c.WebRTC.Heartbeat,
		ICEServers: servers,
	}
}

func (c Config) RoomConfig() room.Config {
	return room.Config{
		Room:            c.Room,
		Identity:        c.Identity,
		Host:            c.Host,
		Playback:        c.PlaybackConfig(),
		ProbeInterval:   c.Latency.ProbeInterval,
		Alpha:           c.Latency.Alpha,
		EnforceInterval: c.Mic.EnforceInterval,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid integer")
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid number")
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid bool")
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid duration")
	}
	return defaultValue
}
