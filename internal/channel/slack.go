// Package channel talks to the Slack Web API: identity lookup, Socket Mode
// URL bootstrap and reply posting.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"slackbridge/internal/domain"
)

const slackMaxMsgLen = 4000

// permanentAuthErrors are Slack error codes that no amount of retrying fixes.
var permanentAuthErrors = []string{
	"invalid_auth",
	"account_inactive",
	"invalid_app_id",
	"invalid_client_id",
	"invalid_client_secret",
	"token_revoked",
	"token_expired",
	"not_authed",
	"missing_scope",
	"not_allowed_token_type",
}

// IsPermanentAuthError reports whether err is a Slack credential rejection.
func IsPermanentAuthError(err error) bool {
	if err == nil {
		return false
	}
	code := err.Error()
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		code = se.Err
	}
	for _, e := range permanentAuthErrors {
		if strings.Contains(code, e) {
			return true
		}
	}
	return false
}

// SlackConfig configures the Slack Web API client.
type SlackConfig struct {
	BotToken   string
	AppToken   string
	APIURL     string  // optional, must end in "/"
	PostRate   float64 // chat.postMessage calls per second
	PostBurst  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Identity is the bridge's own Slack identity from auth.test.
type Identity struct {
	UserID string
	BotID  string
	TeamID string
	User   string
}

// Slack wraps the Web API calls the bridge needs.
type Slack struct {
	client  *slack.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSlack creates a Slack Web API client.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PostRate <= 0 {
		cfg.PostRate = 1
	}
	if cfg.PostBurst < 1 {
		cfg.PostBurst = 1
	}

	opts := []slack.Option{slack.OptionAppLevelToken(cfg.AppToken)}
	if cfg.APIURL != "" {
		u := cfg.APIURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		opts = append(opts, slack.OptionAPIURL(u))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}

	return &Slack{
		client:  slack.New(cfg.BotToken, opts...),
		limiter: rate.NewLimiter(rate.Limit(cfg.PostRate), cfg.PostBurst),
		logger:  cfg.Logger,
	}
}

// AuthTest resolves the bot's own user id so its messages can be ignored.
func (s *Slack) AuthTest(ctx context.Context) (Identity, error) {
	resp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("slack auth: %w", err)
	}
	s.logger.Info("slack bot identified", "user", resp.User, "user_id", resp.UserID, "team_id", resp.TeamID)
	return Identity{UserID: resp.UserID, BotID: resp.BotID, TeamID: resp.TeamID, User: resp.User}, nil
}

// OpenSocketURL calls apps.connections.open with the app-level token and
// returns a fresh single-use WebSocket URL.
func (s *Slack) OpenSocketURL(ctx context.Context) (string, error) {
	_, url, err := s.client.StartSocketModeContext(ctx)
	if err != nil {
		return "", fmt.Errorf("apps.connections.open: %w", err)
	}
	return url, nil
}

// PostReply implements domain.Replier. Long text is split into several
// messages, all in the same thread.
func (s *Slack) PostReply(ctx context.Context, r domain.Reply) error {
	text := r.Text
	if r.UserID != "" {
		text = "<@" + r.UserID + "> " + text
	}

	for _, chunk := range splitSlackMessage(text, slackMaxMsgLen) {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("slack post: %w", err)
		}

		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if r.ThreadTS != "" {
			opts = append(opts, slack.MsgOptionTS(r.ThreadTS))
		}
		if _, _, err := s.client.PostMessageContext(ctx, r.ChannelID, opts...); err != nil {
			return fmt.Errorf("slack post to %s: %w", r.ChannelID, err)
		}
	}
	return nil
}

func splitSlackMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8RuneStart(msg[cut]) {
				cut--
			}
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
