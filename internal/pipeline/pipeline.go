// Package pipeline turns inbound chat events into agent invocations and
// replies. Every event passes the same ordered checks; the first failing
// check ends processing.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"slackbridge/internal/a2a"
	"slackbridge/internal/domain"
	"slackbridge/internal/metrics"
	"slackbridge/internal/sanitize"
	"slackbridge/internal/session"
)

const defaultInvokeMargin = 5 * time.Second

// Limiter admits or rejects a request for a key.
type Limiter interface {
	Allow(key string) bool
}

// Cleaner sanitizes user text.
type Cleaner interface {
	Clean(text string) (sanitize.Result, error)
	MaxLength() int
}

// Sessions maps a (user, channel) pair to a session.
type Sessions interface {
	SessionFor(userID, channelID string) session.Session
}

// Invoker calls the agent backend.
type Invoker interface {
	Invoke(ctx context.Context, sessionID, taskText string, timeout time.Duration) (string, error)
}

// Recorder receives stage outcome counters.
type Recorder interface {
	IncStage(s metrics.Stage)
	IncFiltered(reason string)
	IncReplyError()
}

// Config configures a Pipeline.
type Config struct {
	// Bot identity, used to drop the bridge's own messages.
	BotUserID string
	BotID     string

	TeamID          string
	AllowedChannels []string // empty allows every channel
	Keywords        []string

	Limiter   Limiter
	Sanitizer Cleaner
	Sessions  Sessions
	Agent     Invoker
	Replier   domain.Replier
	Recorder  Recorder

	AgentTimeout time.Duration // per attempt
	// InvokeBudget bounds the whole invocation including retries. Zero uses
	// AgentTimeout plus a margin.
	InvokeBudget time.Duration

	Logger *slog.Logger
}

// Pipeline handles inbound events.
type Pipeline struct {
	botUserID string
	botID     string
	teamID    string
	allowed   map[string]struct{}
	keywords  []string

	limiter   Limiter
	sanitizer Cleaner
	sessions  Sessions
	agent     Invoker
	replier   domain.Replier
	recorder  Recorder

	agentTimeout time.Duration
	budget       time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer

	// mentionsSubscribed is set once an app_mention arrives, proving the app
	// receives both copies of a channel message that mentions the bot.
	mentionsSubscribed atomic.Bool
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 30 * time.Second
	}
	if cfg.InvokeBudget <= 0 {
		cfg.InvokeBudget = cfg.AgentTimeout + defaultInvokeMargin
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedChannels))
	for _, ch := range cfg.AllowedChannels {
		allowed[ch] = struct{}{}
	}
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}

	return &Pipeline{
		botUserID:    cfg.BotUserID,
		botID:        cfg.BotID,
		teamID:       cfg.TeamID,
		allowed:      allowed,
		keywords:     keywords,
		limiter:      cfg.Limiter,
		sanitizer:    cfg.Sanitizer,
		sessions:     cfg.Sessions,
		agent:        cfg.Agent,
		replier:      cfg.Replier,
		recorder:     cfg.Recorder,
		agentTimeout: cfg.AgentTimeout,
		budget:       cfg.InvokeBudget,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("slackbridge/pipeline"),
	}
}

// Handle runs one event through the pipeline. It never panics or returns an
// error; failures are logged and, where useful, answered with a notice.
func (p *Pipeline) Handle(ctx context.Context, ev domain.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic", "panic", r, "user", ev.UserID, "channel", ev.ChannelID)
			p.recorder.IncStage(metrics.StageFailed)
		}
	}()

	ctx, span := p.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("slack.kind", string(ev.Kind)),
		attribute.String("slack.channel", ev.ChannelID),
	))
	defer span.End()

	p.recorder.IncStage(metrics.StageReceived)
	if ev.Kind == domain.KindAppMention {
		p.mentionsSubscribed.Store(true)
	}

	if reason := p.discardReason(ev); reason != "" {
		p.recorder.IncFiltered(reason)
		p.logger.Debug("event filtered", "reason", reason, "user", ev.UserID, "channel", ev.ChannelID)
		span.SetAttributes(attribute.String("pipeline.filtered", reason))
		return
	}

	if !p.limiter.Allow(ev.UserID) {
		p.recorder.IncStage(metrics.StageThrottled)
		p.logger.Info("rate limit exceeded", "user", ev.UserID, "channel", ev.ChannelID)
		p.reply(ctx, ev, noticeThrottled)
		return
	}

	text := ev.Text
	if sanitize.MentionsUser(text, p.botUserID) {
		text = sanitize.StripLeadingMention(text)
	}
	cleaned, err := p.sanitizer.Clean(text)
	if err != nil {
		p.recorder.IncStage(metrics.StageSanitizedRejected)
		p.logger.Info("message rejected by sanitizer", "user", ev.UserID, "channel", ev.ChannelID, "err", err)
		p.reply(ctx, ev, noticeEmpty)
		return
	}

	sess := p.sessions.SessionFor(ev.UserID, ev.ChannelID)

	p.recorder.IncStage(metrics.StageInvoked)
	p.logger.Info("invoking agent",
		"user", ev.UserID,
		"channel", ev.ChannelID,
		"session_id", sess.ID,
		"content_len", len(cleaned.Text),
		"truncated", cleaned.Truncated,
	)

	invokeCtx, cancel := context.WithTimeout(ctx, p.budget)
	answer, err := p.agent.Invoke(invokeCtx, sess.ID, cleaned.Text, p.agentTimeout)
	cancel()
	if err != nil {
		p.recorder.IncStage(metrics.StageFailed)
		p.logger.Error("agent invocation failed",
			"kind", string(a2a.KindOf(err)),
			"user", ev.UserID,
			"channel", ev.ChannelID,
			"session_id", sess.ID,
			"err", err,
		)
		p.reply(ctx, ev, failureNotice(a2a.KindOf(err)))
		return
	}

	if strings.TrimSpace(answer) == "" {
		answer = noticeNoOutput
	}
	if cleaned.Truncated {
		answer += "\n\n" + fmt.Sprintf(noticeTruncated, p.sanitizer.MaxLength())
	}

	if !p.reply(ctx, ev, answer) {
		p.recorder.IncStage(metrics.StageFailed)
		return
	}
	p.recorder.IncStage(metrics.StageSucceeded)
	p.logger.Info("agent reply sent", "user", ev.UserID, "channel", ev.ChannelID, "session_id", sess.ID)
}

// discardReason returns why ev must be dropped silently, or "".
func (p *Pipeline) discardReason(ev domain.InboundEvent) string {
	if p.teamID != "" && ev.TeamID != "" && ev.TeamID != p.teamID {
		return "team"
	}
	if p.isSelfOrBot(ev) {
		return "self"
	}
	if ev.Kind == domain.KindMessage && ev.SubType != "" {
		return "subtype"
	}
	if ev.UserID == "" {
		return "no_user"
	}
	if len(p.allowed) > 0 {
		if _, ok := p.allowed[ev.ChannelID]; !ok {
			return "channel"
		}
	}
	// With app_mention subscribed, Slack sends a second copy of a channel
	// message that mentions the bot; that copy is the one we answer.
	if ev.Kind == domain.KindMessage && !ev.IsDirect() && p.mentionsSubscribed.Load() &&
		sanitize.MentionsUser(ev.Text, p.botUserID) {
		return "mention_duplicate"
	}
	if !p.triggered(ev) {
		return "no_trigger"
	}
	return ""
}

func (p *Pipeline) isSelfOrBot(ev domain.InboundEvent) bool {
	if ev.BotID != "" || ev.SubType == "bot_message" {
		return true
	}
	return p.botUserID != "" && ev.UserID == p.botUserID
}

func (p *Pipeline) triggered(ev domain.InboundEvent) bool {
	if ev.Kind == domain.KindAppMention || ev.IsDirect() {
		return true
	}
	if sanitize.MentionsUser(ev.Text, p.botUserID) {
		return true
	}
	lower := strings.ToLower(ev.Text)
	for _, k := range p.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// reply posts text back to the event's conversation and reports success.
func (p *Pipeline) reply(ctx context.Context, ev domain.InboundEvent, text string) bool {
	r := domain.Reply{
		ChannelID: ev.ChannelID,
		ThreadTS:  ev.ReplyThread(),
		Text:      text,
	}
	if !ev.IsDirect() {
		r.UserID = ev.UserID
	}
	if err := p.replier.PostReply(ctx, r); err != nil {
		p.recorder.IncReplyError()
		p.logger.Error("failed to send reply", "channel", ev.ChannelID, "user", ev.UserID, "err", err)
		return false
	}
	return true
}

// Dispatcher adapts a Pipeline and Pool to domain.EventHandler so the
// connection read loop only ever enqueues.
type Dispatcher struct {
	pipeline *Pipeline
	pool     *Pool
}

func NewDispatcher(p *Pipeline, pool *Pool) *Dispatcher {
	return &Dispatcher{pipeline: p, pool: pool}
}

func (d *Dispatcher) OnMessage(_ context.Context, ev domain.InboundEvent) {
	d.submit(ev)
}

func (d *Dispatcher) OnAppMention(_ context.Context, ev domain.InboundEvent) {
	d.submit(ev)
}

func (d *Dispatcher) submit(ev domain.InboundEvent) {
	d.pool.Submit(func(ctx context.Context) {
		d.pipeline.Handle(ctx, ev)
	})
}
