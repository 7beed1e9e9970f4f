// Package config holds the explicit configuration for a VisionClaw process.
//
// A Config is built once at startup (Default, Load or LoadOrDefault), adjusted by
// environment overrides, validated, and then passed by pointer to the live
// client and the gateway client. Nothing in this module reads configuration
// from ambient global state.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultLiveURL = "wss://generativelanguage.googleapis.com/ws/" +
		"google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel             = "models/gemini-2.0-flash-exp"
	DefaultVoice             = "Puck"
	DefaultSetupTimeout      = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxDialRetries    = 3
	DefaultSilenceTimeout    = 1500 * time.Millisecond

	DefaultAudioChunkSamples = 1600
	DefaultVideoMinInterval  = time.Second
	DefaultJPEGQuality       = 50
	DefaultMaxFrameDimension = 1024

	DefaultGatewayHost      = "http://localhost"
	DefaultGatewayPort      = 18789
	DefaultGatewayModel     = "openclaw"
	DefaultGatewayTimeout   = 30 * time.Second
	DefaultMaxHistory       = 20
	DefaultReplyPath        = "choices[0].message.content"
	DefaultSessionKeyPrefix = "agent:main:glass"

	DefaultToolCallTimeout = 30 * time.Second

	DefaultHistoryTTL    = 24 * time.Hour
	DefaultHistoryPrefix = "visionclaw"

	DefaultServiceName = "visionclaw"
)

// MaxHistoryLimit caps gateway.maxHistory; the gateway never keeps more.
const MaxHistoryLimit = 20

// Turn-end policies for clearing the model speaking flag.
const (
	TurnEndMarker          = "marker"
	TurnEndSilence         = "silence"
	TurnEndMarkerOrSilence = "marker_or_silence"
)

// Activity handling modes.
const (
	ActivityInterrupts     = "START_OF_ACTIVITY_INTERRUPTS"
	ActivityNoInterruption = "NO_INTERRUPTION"
)

// Environment variables that override file values.
const (
	EnvGeminiAPIKey  = "GEMINI_API_KEY"
	EnvGatewayToken  = "OPENCLAW_GATEWAY_TOKEN"
	EnvGatewayHost   = "OPENCLAW_GATEWAY_HOST"
	EnvGatewayPort   = "OPENCLAW_GATEWAY_PORT"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvMetricsListen = "VISIONCLAW_METRICS_ADDR"
)

// Config is the root configuration.
type Config struct {
	Live      LiveConfig      `yaml:"live"`
	Media     MediaConfig     `yaml:"media"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Tools     ToolsConfig     `yaml:"tools"`
	History   HistoryConfig   `yaml:"history"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LiveConfig configures the streaming session with the voice service.
type LiveConfig struct {
	URL                string        `yaml:"url"`
	APIKey             string        `yaml:"apiKey"`
	Model              string        `yaml:"model"`
	Voice              string        `yaml:"voice"`
	SystemInstruction  string        `yaml:"systemInstruction"`
	ResponseModalities []string      `yaml:"responseModalities"`
	InputTranscription bool          `yaml:"inputTranscription"`
	OutputTranscripts  bool          `yaml:"outputTranscription"`
	SetupTimeout       time.Duration `yaml:"setupTimeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
	MaxDialRetries     int           `yaml:"maxDialRetries"`

	// TurnEndPolicy selects what clears the speaking flag: marker, silence or marker_or_silence.
	TurnEndPolicy  string        `yaml:"turnEndPolicy"`
	SilenceTimeout time.Duration `yaml:"silenceTimeout"`
	// ActivityHandling tells the service whether user speech interrupts the
	// model: START_OF_ACTIVITY_INTERRUPTS or NO_INTERRUPTION. Empty keeps the
	// service default.
	ActivityHandling string `yaml:"activityHandling"`
	// VAD tunes the service's automatic voice activity detection.
	VAD *VADConfig `yaml:"vad"`
}

// VADConfig tunes automatic voice activity detection on the service side.
type VADConfig struct {
	// Disabled turns automatic detection off entirely.
	Disabled bool `yaml:"disabled"`
	// StartOfSpeechSensitivity and EndOfSpeechSensitivity take
	// START_SENSITIVITY_LOW/HIGH and END_SENSITIVITY_LOW/HIGH.
	StartOfSpeechSensitivity string `yaml:"startOfSpeechSensitivity"`
	EndOfSpeechSensitivity   string `yaml:"endOfSpeechSensitivity"`
	PrefixPaddingMs          int    `yaml:"prefixPaddingMs"`
	SilenceDurationMs        int    `yaml:"silenceDurationMs"`
}

// MediaConfig configures outbound audio and video.
type MediaConfig struct {
	AudioChunkSamples int           `yaml:"audioChunkSamples"`
	VideoMinInterval  time.Duration `yaml:"videoMinInterval"`
	JPEGQuality       int           `yaml:"jpegQuality"`
	MaxFrameDimension int           `yaml:"maxFrameDimension"`

	// EchoGate mutes microphone input while the model is speaking.
	EchoGate bool `yaml:"echoGate"`
}

// GatewayConfig configures the tool execution gateway.
type GatewayConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Token            string        `yaml:"token"`
	Model            string        `yaml:"model"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxHistory       int           `yaml:"maxHistory"`
	ReplyPath        string        `yaml:"replyPath"`
	SessionKeyPrefix string        `yaml:"sessionKeyPrefix"`
}

// BaseURL returns host:port with a scheme, defaulting to http.
func (g *GatewayConfig) BaseURL() string {
	host := strings.TrimRight(g.Host, "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	if g.Port == 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, g.Port)
}

// ToolsConfig configures tool dispatch.
type ToolsConfig struct {
	CallTimeout time.Duration `yaml:"callTimeout"`
}

// HistoryConfig configures the optional conversation history mirror.
// The mirror is disabled when RedisAddr is empty.
type HistoryConfig struct {
	RedisAddr string        `yaml:"redisAddr"`
	TTL       time.Duration `yaml:"ttl"`
	Prefix    string        `yaml:"prefix"`
}

// MetricsConfig configures the Prometheus exporter. Disabled when Addr is empty.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig configures OpenTelemetry tracing. Disabled when OTLPEndpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level        string            `yaml:"level"`
	Format       string            `yaml:"format"`
	CommonFields map[string]string `yaml:"commonFields"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML config file, fills in defaults and applies environment overrides.
// The result is not validated; call Validate before use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is non-empty, otherwise returns Default with env overrides.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	l := &c.Live
	if l.URL == "" {
		l.URL = DefaultLiveURL
	}
	if l.Model == "" {
		l.Model = DefaultModel
	}
	if l.Voice == "" {
		l.Voice = DefaultVoice
	}
	if len(l.ResponseModalities) == 0 {
		l.ResponseModalities = []string{"AUDIO"}
	}
	if l.SetupTimeout == 0 {
		l.SetupTimeout = DefaultSetupTimeout
	}
	if l.HeartbeatInterval == 0 {
		l.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if l.MaxDialRetries == 0 {
		l.MaxDialRetries = DefaultMaxDialRetries
	}
	if l.TurnEndPolicy == "" {
		l.TurnEndPolicy = TurnEndMarkerOrSilence
	}
	if l.SilenceTimeout == 0 {
		l.SilenceTimeout = DefaultSilenceTimeout
	}

	m := &c.Media
	if m.AudioChunkSamples == 0 {
		m.AudioChunkSamples = DefaultAudioChunkSamples
	}
	if m.VideoMinInterval == 0 {
		m.VideoMinInterval = DefaultVideoMinInterval
	}
	if m.JPEGQuality == 0 {
		m.JPEGQuality = DefaultJPEGQuality
	}
	if m.MaxFrameDimension == 0 {
		m.MaxFrameDimension = DefaultMaxFrameDimension
	}

	g := &c.Gateway
	if g.Host == "" {
		g.Host = DefaultGatewayHost
	}
	if g.Port == 0 {
		g.Port = DefaultGatewayPort
	}
	if g.Model == "" {
		g.Model = DefaultGatewayModel
	}
	if g.Timeout == 0 {
		g.Timeout = DefaultGatewayTimeout
	}
	if g.MaxHistory == 0 {
		g.MaxHistory = DefaultMaxHistory
	}
	if g.ReplyPath == "" {
		g.ReplyPath = DefaultReplyPath
	}
	if g.SessionKeyPrefix == "" {
		g.SessionKeyPrefix = DefaultSessionKeyPrefix
	}

	if c.Tools.CallTimeout == 0 {
		c.Tools.CallTimeout = DefaultToolCallTimeout
	}

	if c.History.TTL == 0 {
		c.History.TTL = DefaultHistoryTTL
	}
	if c.History.Prefix == "" {
		c.History.Prefix = DefaultHistoryPrefix
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// ApplyEnv overrides fields from the environment. Unset variables leave fields unchanged.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvGeminiAPIKey); v != "" {
		c.Live.APIKey = v
	}
	if v := os.Getenv(EnvGatewayToken); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv(EnvGatewayHost); v != "" {
		c.Gateway.Host = v
	}
	if v := os.Getenv(EnvGatewayPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvGatewayPort, v, err)
		}
		c.Gateway.Port = port
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.History.RedisAddr = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv(EnvMetricsListen); v != "" {
		c.Metrics.Addr = v
	}
	return nil
}

// Validate checks the configuration for values no component can work with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Live.Model == "" {
		errs = append(errs, errors.New("live.model is required"))
	}
	if c.Live.SetupTimeout < 0 {
		errs = append(errs, errors.New("live.setupTimeout must not be negative"))
	}
	switch c.Live.TurnEndPolicy {
	case TurnEndMarker, TurnEndSilence, TurnEndMarkerOrSilence:
	default:
		errs = append(errs, fmt.Errorf("live.turnEndPolicy %q is not one of %s, %s, %s",
			c.Live.TurnEndPolicy, TurnEndMarker, TurnEndSilence, TurnEndMarkerOrSilence))
	}
	switch c.Live.ActivityHandling {
	case "", ActivityInterrupts, ActivityNoInterruption:
	default:
		errs = append(errs, fmt.Errorf("live.activityHandling %q is not one of %s, %s",
			c.Live.ActivityHandling, ActivityInterrupts, ActivityNoInterruption))
	}
	if v := c.Live.VAD; v != nil && (v.PrefixPaddingMs < 0 || v.SilenceDurationMs < 0) {
		errs = append(errs, errors.New("live.vad paddings must not be negative"))
	}
	if c.Live.TurnEndPolicy != TurnEndMarker && c.Live.SilenceTimeout <= 0 {
		errs = append(errs, errors.New("live.silenceTimeout must be positive for silence-based turn end"))
	}

	if c.Media.AudioChunkSamples <= 0 {
		errs = append(errs, errors.New("media.audioChunkSamples must be positive"))
	}
	if c.Media.JPEGQuality < 1 || c.Media.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("media.jpegQuality %d out of range 1-100", c.Media.JPEGQuality))
	}
	if c.Media.VideoMinInterval < 0 {
		errs = append(errs, errors.New("media.videoMinInterval must not be negative"))
	}

	if c.Gateway.Host == "" {
		errs = append(errs, errors.New("gateway.host is required"))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Gateway.MaxHistory < 2 {
		errs = append(errs, fmt.Errorf("gateway.maxHistory %d must hold at least one turn pair",
			c.Gateway.MaxHistory))
	}
	if c.Gateway.MaxHistory > MaxHistoryLimit {
		errs = append(errs, fmt.Errorf("gateway.maxHistory %d exceeds the limit of %d",
			c.Gateway.MaxHistory, MaxHistoryLimit))
	}
	if c.Tools.CallTimeout <= 0 {
		errs = append(errs, errors.New("tools.callTimeout must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}
