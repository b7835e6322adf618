package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path (e.g. "agent.timeoutSeconds").
func GetByPath(cfg *Config, path string) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if path == "" {
		return m, nil
	}

	parts := strings.Split(path, ".")
	var current any = m
	for _, key := range parts {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// Redacted returns a copy of the config with credentials masked.
func Redacted(cfg *Config) *Config {
	out := *cfg
	out.Slack.ChannelIDs = append([]string(nil), cfg.Slack.ChannelIDs...)
	out.Slack.Keywords = append([]string(nil), cfg.Slack.Keywords...)
	out.Slack.AppToken = maskToken(cfg.Slack.AppToken)
	out.Slack.BotToken = maskToken(cfg.Slack.BotToken)
	return &out
}

// maskToken keeps the token type prefix and the last four characters.
func maskToken(tok string) string {
	if tok == "" {
		return ""
	}
	prefix := ""
	if i := strings.Index(tok, "-"); i >= 0 && i < 5 {
		prefix = tok[:i+1]
	}
	if len(tok)-len(prefix) <= 8 {
		return prefix + "****"
	}
	return prefix + "****" + tok[len(tok)-4:]
}
