package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the bridge configuration. It is loaded once at startup and never
// mutated afterwards.
type Config struct {
	Slack      SlackConfig      `json:"slack" yaml:"slack"`
	Agent      AgentConfig      `json:"agent" yaml:"agent"`
	RateLimit  RateLimitConfig  `json:"rateLimit" yaml:"rateLimit"`
	Connection ConnectionConfig `json:"connection" yaml:"connection"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	Health     HealthConfig     `json:"health" yaml:"health"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
}

type SlackConfig struct {
	AppToken   string   `json:"appToken" yaml:"appToken" env:"SLACK_APP_TOKEN"`
	BotToken   string   `json:"botToken" yaml:"botToken" env:"SLACK_BOT_TOKEN"`
	TeamID     string   `json:"teamId" yaml:"teamId" env:"SLACK_TEAM_ID"`
	ChannelIDs []string `json:"channelIds" yaml:"channelIds" env:"SLACK_CHANNEL_IDS" envSeparator:","`
	Keywords   []string `json:"keywords" yaml:"keywords" env:"BOT_KEYWORDS" envSeparator:","`
	APIURL     string   `json:"apiUrl,omitempty" yaml:"apiUrl,omitempty" env:"SLACK_API_URL"`

	// PostRate paces chat.postMessage calls, in calls per second.
	PostRate  float64 `json:"postRate" yaml:"postRate" env:"SLACK_POST_RATE"`
	PostBurst int     `json:"postBurst" yaml:"postBurst" env:"SLACK_POST_BURST"`
}

type AgentConfig struct {
	URL            string `json:"url" yaml:"url" env:"KAGENT_A2A_URL"`
	Agent          string `json:"agent" yaml:"agent" env:"KAGENT_AGENT"` // appended to URL as a path
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds" env:"KAGENT_A2A_TIMEOUT"`
	MaxAttempts    int    `json:"maxAttempts" yaml:"maxAttempts" env:"KAGENT_A2A_MAX_ATTEMPTS"`
	RetryDelayMs   int    `json:"retryDelayMs" yaml:"retryDelayMs" env:"KAGENT_A2A_RETRY_DELAY_MS"`
}

type RateLimitConfig struct {
	WindowSeconds int `json:"windowSeconds" yaml:"windowSeconds" env:"RATE_LIMIT_WINDOW"`
	MaxRequests   int `json:"maxRequests" yaml:"maxRequests" env:"RATE_LIMIT_MAX_REQUESTS"`
}

type ConnectionConfig struct {
	PingIntervalSeconds      int `json:"pingIntervalSeconds" yaml:"pingIntervalSeconds" env:"PING_INTERVAL"`
	PingTimeoutSeconds       int `json:"pingTimeoutSeconds" yaml:"pingTimeoutSeconds" env:"PING_TIMEOUT"`
	HandshakeTimeoutSeconds  int `json:"handshakeTimeoutSeconds" yaml:"handshakeTimeoutSeconds" env:"WEBSOCKET_TIMEOUT"`
	MaxReconnectAttempts     int `json:"maxReconnectAttempts" yaml:"maxReconnectAttempts" env:"MAX_RECONNECT_ATTEMPTS"`
	ReconnectDelaySeconds    int `json:"reconnectDelaySeconds" yaml:"reconnectDelaySeconds" env:"RECONNECT_DELAY"`
	ReconnectMaxDelaySeconds int `json:"reconnectMaxDelaySeconds" yaml:"reconnectMaxDelaySeconds" env:"RECONNECT_MAX_DELAY"`
}

type PipelineConfig struct {
	MaxMessageLength     int `json:"maxMessageLength" yaml:"maxMessageLength" env:"MAX_MESSAGE_LENGTH"`
	MaxConcurrent        int `json:"maxConcurrent" yaml:"maxConcurrent" env:"MAX_CONCURRENT_INVOCATIONS"`
	QueueSize            int `json:"queueSize" yaml:"queueSize" env:"PIPELINE_QUEUE_SIZE"`
	ShutdownGraceSeconds int `json:"shutdownGraceSeconds" yaml:"shutdownGraceSeconds" env:"SHUTDOWN_GRACE"`
}

type HealthConfig struct {
	Port int `json:"port" yaml:"port" env:"HEALTH_PORT"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"` // text | json
}

type TracingConfig struct {
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" env:"OTEL_EXPORTER_OTLP_ENDPOINT"` // empty disables export
	Insecure    bool   `json:"insecure" yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName string `json:"serviceName" yaml:"serviceName" env:"OTEL_SERVICE_NAME"`
}

// AgentURL returns the full task endpoint.
func (c AgentConfig) AgentURL() string {
	base := strings.TrimRight(c.URL, "/")
	agent := strings.Trim(c.Agent, "/")
	if agent == "" {
		return base
	}
	return base + "/" + agent
}

func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c AgentConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c ConnectionConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c ConnectionConfig) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSeconds) * time.Second
}

func (c ConnectionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c ConnectionConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

func (c ConnectionConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelaySeconds) * time.Second
}

func (c PipelineConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Load builds a Config from defaults, the optional file at path and the
// environment, in that order, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields whose environment variable is set.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("cannot parse environment: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Slack.ChannelIDs = cleanList(cfg.Slack.ChannelIDs)
	cfg.Slack.Keywords = cleanList(cfg.Slack.Keywords)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} and ${VAR:-default} references. Unset
// variables without a default are left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

var (
	teamIDPattern    = regexp.MustCompile(`^T[A-Z0-9]{8,}$`)
	channelIDPattern = regexp.MustCompile(`^[CDG][A-Z0-9]{8,}$`)
)

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch {
	case cfg.Slack.AppToken == "":
		errs = append(errs, "slack.appToken is required (SLACK_APP_TOKEN)")
	case !strings.HasPrefix(cfg.Slack.AppToken, "xapp-"):
		errs = append(errs, "slack.appToken must start with xapp-")
	}
	switch {
	case cfg.Slack.BotToken == "":
		errs = append(errs, "slack.botToken is required (SLACK_BOT_TOKEN)")
	case !strings.HasPrefix(cfg.Slack.BotToken, "xoxb-"):
		errs = append(errs, "slack.botToken must start with xoxb-")
	}
	switch {
	case cfg.Slack.TeamID == "":
		errs = append(errs, "slack.teamId is required (SLACK_TEAM_ID)")
	case !teamIDPattern.MatchString(cfg.Slack.TeamID):
		errs = append(errs, fmt.Sprintf("slack.teamId has invalid format: %s", cfg.Slack.TeamID))
	}
	for _, ch := range cfg.Slack.ChannelIDs {
		if !channelIDPattern.MatchString(ch) {
			errs = append(errs, fmt.Sprintf("slack.channelIds has invalid channel id: %s", ch))
		}
	}
	if cfg.Slack.APIURL != "" {
		if u, err := url.Parse(cfg.Slack.APIURL); err != nil || u.Host == "" {
			errs = append(errs, "slack.apiUrl must be an absolute URL")
		}
	}
	if cfg.Slack.PostRate <= 0 {
		errs = append(errs, "slack.postRate must be > 0")
	}
	if cfg.Slack.PostBurst < 1 {
		errs = append(errs, "slack.postBurst must be >= 1")
	}

	if u, err := url.Parse(cfg.Agent.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("agent.url must be an http(s) URL: %q", cfg.Agent.URL))
	}
	if cfg.Agent.TimeoutSeconds < 1 || cfg.Agent.TimeoutSeconds > 600 {
		errs = append(errs, "agent.timeoutSeconds must be between 1 and 600")
	}
	if cfg.Agent.MaxAttempts < 1 || cfg.Agent.MaxAttempts > 10 {
		errs = append(errs, "agent.maxAttempts must be between 1 and 10")
	}
	if cfg.Agent.RetryDelayMs < 0 {
		errs = append(errs, "agent.retryDelayMs must be >= 0")
	}

	if cfg.RateLimit.WindowSeconds < 1 {
		errs = append(errs, "rateLimit.windowSeconds must be >= 1")
	}
	if cfg.RateLimit.MaxRequests < 1 {
		errs = append(errs, "rateLimit.maxRequests must be >= 1")
	}

	if cfg.Connection.PingIntervalSeconds < 1 {
		errs = append(errs, "connection.pingIntervalSeconds must be >= 1")
	}
	if cfg.Connection.PingTimeoutSeconds < 1 {
		errs = append(errs, "connection.pingTimeoutSeconds must be >= 1")
	} else if cfg.Connection.PingTimeoutSeconds >= cfg.Connection.PingIntervalSeconds {
		errs = append(errs, "connection.pingTimeoutSeconds must be < pingIntervalSeconds")
	}
	if cfg.Connection.HandshakeTimeoutSeconds < 1 {
		errs = append(errs, "connection.handshakeTimeoutSeconds must be >= 1")
	}
	if cfg.Connection.MaxReconnectAttempts < 1 {
		errs = append(errs, "connection.maxReconnectAttempts must be >= 1")
	}
	if cfg.Connection.ReconnectDelaySeconds < 1 {
		errs = append(errs, "connection.reconnectDelaySeconds must be >= 1")
	}
	if cfg.Connection.ReconnectMaxDelaySeconds < cfg.Connection.ReconnectDelaySeconds {
		errs = append(errs, "connection.reconnectMaxDelaySeconds must be >= reconnectDelaySeconds")
	}

	if cfg.Pipeline.MaxMessageLength < 1 {
		errs = append(errs, "pipeline.maxMessageLength must be >= 1")
	}
	if cfg.Pipeline.MaxConcurrent < 1 || cfg.Pipeline.MaxConcurrent > 1000 {
		errs = append(errs, "pipeline.maxConcurrent must be between 1 and 1000")
	}
	if cfg.Pipeline.QueueSize < 0 {
		errs = append(errs, "pipeline.queueSize must be >= 0")
	}
	if cfg.Pipeline.ShutdownGraceSeconds < 0 {
		errs = append(errs, "pipeline.shutdownGraceSeconds must be >= 0")
	}

	if cfg.Health.Port < 1 || cfg.Health.Port > 65535 {
		errs = append(errs, "health.port must be between 1 and 65535")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
