package config

// Defaults returns the configuration used when neither file nor environment
// sets a value. Credentials have no defaults.
func Defaults() *Config {
	return &Config{
		Slack: SlackConfig{
			Keywords:  []string{"@bot", "@kagent", "hey bot", "hey kagent"},
			PostRate:  1,
			PostBurst: 3,
		},
		Agent: AgentConfig{
			URL:            "http://kagent.kagent.svc.cluster.local:8083/api/a2a",
			Agent:          "kagent/k8s-agent",
			TimeoutSeconds: 30,
			MaxAttempts:    3,
			RetryDelayMs:   500,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			MaxRequests:   100,
		},
		Connection: ConnectionConfig{
			PingIntervalSeconds:      30,
			PingTimeoutSeconds:       10,
			HandshakeTimeoutSeconds:  30,
			MaxReconnectAttempts:     5,
			ReconnectDelaySeconds:    5,
			ReconnectMaxDelaySeconds: 300,
		},
		Pipeline: PipelineConfig{
			MaxMessageLength:     3000,
			MaxConcurrent:        10,
			QueueSize:            100,
			ShutdownGraceSeconds: 10,
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "slackbridge",
		},
	}
}
