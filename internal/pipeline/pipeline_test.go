package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackbridge/internal/a2a"
	"slackbridge/internal/domain"
	"slackbridge/internal/metrics"
	"slackbridge/internal/ratelimit"
	"slackbridge/internal/sanitize"
	"slackbridge/internal/session"
)

const botUser = "UBOT00001"

type invocation struct {
	sessionID string
	text      string
	timeout   time.Duration
}

type fakeAgent struct {
	mu     sync.Mutex
	calls  []invocation
	answer string
	err    error
}

func (a *fakeAgent) Invoke(_ context.Context, sessionID, text string, timeout time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, invocation{sessionID: sessionID, text: text, timeout: timeout})
	return a.answer, a.err
}

func (a *fakeAgent) Calls() []invocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]invocation(nil), a.calls...)
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []domain.Reply
	err     error
}

func (r *fakeReplier) PostReply(_ context.Context, reply domain.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	return r.err
}

func (r *fakeReplier) Replies() []domain.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Reply(nil), r.replies...)
}

type countingRecorder struct {
	mu          sync.Mutex
	stages      map[metrics.Stage]int
	filtered    map[string]int
	replyErrors int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{stages: map[metrics.Stage]int{}, filtered: map[string]int{}}
}

func (c *countingRecorder) IncStage(s metrics.Stage) {
	c.mu.Lock()
	c.stages[s]++
	c.mu.Unlock()
}

func (c *countingRecorder) IncFiltered(reason string) {
	c.mu.Lock()
	c.stages[metrics.StageFiltered]++
	c.filtered[reason]++
	c.mu.Unlock()
}

func (c *countingRecorder) IncReplyError() {
	c.mu.Lock()
	c.replyErrors++
	c.mu.Unlock()
}

func (c *countingRecorder) stage(s metrics.Stage) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stages[s]
}

func (c *countingRecorder) reason(r string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filtered[r]
}

type fixture struct {
	pipeline *Pipeline
	agent    *fakeAgent
	replier  *fakeReplier
	recorder *countingRecorder
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		agent:    &fakeAgent{answer: "pod-a\npod-b"},
		replier:  &fakeReplier{},
		recorder: newCountingRecorder(),
	}
	cfg := Config{
		BotUserID:       botUser,
		BotID:           "BBOT00001",
		TeamID:          "T00000001",
		AllowedChannels: []string{"C00000001"},
		Keywords:        []string{"hey bot", "@kagent"},
		Limiter:         ratelimit.New(ratelimit.Config{Window: time.Minute, Limit: 100}),
		Sanitizer:       sanitize.New(3000),
		Sessions:        session.NewCorrelator(nil),
		Agent:           f.agent,
		Replier:         f.replier,
		Recorder:        f.recorder,
		AgentTimeout:    30 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.pipeline = New(cfg)
	return f
}

func channelMessage(text string) domain.InboundEvent {
	return domain.InboundEvent{
		Kind:        domain.KindMessage,
		TeamID:      "T00000001",
		UserID:      "U00000001",
		ChannelID:   "C00000001",
		ChannelType: "channel",
		Text:        text,
		Timestamp:   "1700000000.000100",
	}
}

func directMessage(text string) domain.InboundEvent {
	return domain.InboundEvent{
		Kind:        domain.KindMessage,
		TeamID:      "T00000001",
		UserID:      "U00000001",
		ChannelID:   "D00000001",
		ChannelType: "im",
		Text:        text,
		Timestamp:   "1700000000.000200",
	}
}

func TestHandle_KeywordMessageInvokesAgentAndReplies(t *testing.T) {
	f := newFixture(t, nil)

	f.pipeline.Handle(context.Background(), channelMessage("hey bot list pods"))

	calls := f.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hey bot list pods", calls[0].text)
	assert.Equal(t, session.DeriveID("U00000001", "C00000001"), calls[0].sessionID)
	assert.Equal(t, 30*time.Second, calls[0].timeout)

	replies := f.replier.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "C00000001", replies[0].ChannelID)
	assert.Equal(t, "1700000000.000100", replies[0].ThreadTS)
	assert.Equal(t, "U00000001", replies[0].UserID)
	assert.Contains(t, replies[0].Text, "pod-a\npod-b")

	assert.Equal(t, 1, f.recorder.stage(metrics.StageReceived))
	assert.Equal(t, 1, f.recorder.stage(metrics.StageInvoked))
	assert.Equal(t, 1, f.recorder.stage(metrics.StageSucceeded))
}

func TestHandle_ChannelNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	ev := channelMessage("hey bot list pods")
	ev.ChannelID = "C99999999"
	f.pipeline.Handle(context.Background(), ev)

	assert.Empty(t, f.agent.Calls())
	assert.Empty(t, f.replier.Replies())
	assert.Equal(t, 1, f.recorder.reason("channel"))
}

func TestHandle_EmptyAllowListAdmitsAnyChannel(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AllowedChannels = nil })

	ev := channelMessage("hey bot list pods")
	ev.ChannelID = "C99999999"
	f.pipeline.Handle(context.Background(), ev)

	assert.Len(t, f.agent.Calls(), 1)
}

func TestHandle_EmptyDirectMessageGetsOneNotice(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AllowedChannels = nil })

	f.pipeline.Handle(context.Background(), directMessage("  \x00\x07 \t "))

	assert.Empty(t, f.agent.Calls())
	replies := f.replier.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, noticeEmpty, replies[0].Text)
	assert.Empty(t, replies[0].UserID, "direct replies are not addressed")
	assert.Equal(t, 1, f.recorder.stage(metrics.StageSanitizedRejected))
}

func TestHandle_ThrottlesAfterThreshold(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 101; i++ {
		f.pipeline.Handle(context.Background(), channelMessage(fmt.Sprintf("hey bot request %d", i)))
	}

	assert.Len(t, f.agent.Calls(), 100)
	replies := f.replier.Replies()
	require.Len(t, replies, 101)
	assert.Equal(t, noticeThrottled, replies[100].Text)
	assert.Equal(t, 1, f.recorder.stage(metrics.StageThrottled))
}

func TestHandle_NoTrigger(t *testing.T) {
	f := newFixture(t, nil)

	f.pipeline.Handle(context.Background(), channelMessage("just chatting about lunch"))

	assert.Empty(t, f.agent.Calls())
	assert.Empty(t, f.replier.Replies())
	assert.Equal(t, 1, f.recorder.reason("no_trigger"))
}

func TestHandle_KeywordMatchIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, nil)

	f.pipeline.Handle(context.Background(), channelMessage("HEY BOT what's failing?"))

	assert.Len(t, f.agent.Calls(), 1)
}

func TestHandle_DirectMessageNeedsNoKeyword(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.AllowedChannels = nil
		c.Keywords = nil
	})

	f.pipeline.Handle(context.Background(), directMessage("show deployments"))

	calls := f.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "show deployments", calls[0].text)
}

func TestHandle_AllowListAppliesToDirectMessages(t *testing.T) {
	f := newFixture(t, nil)

	f.pipeline.Handle(context.Background(), directMessage("show deployments"))

	assert.Empty(t, f.agent.Calls())
	assert.Equal(t, 1, f.recorder.reason("channel"))
}

func TestHandle_AppMentionStripsBotMention(t *testing.T) {
	f := newFixture(t, nil)

	ev := channelMessage("<@" + botUser + "> describe node-1")
	ev.Kind = domain.KindAppMention
	f.pipeline.Handle(context.Background(), ev)

	calls := f.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "describe node-1", calls[0].text)
}

func TestHandle_MentionMessageDuplicateIsDropped(t *testing.T) {
	f := newFixture(t, nil)

	mention := channelMessage("<@" + botUser + "> hey bot describe node-1")
	mention.Kind = domain.KindAppMention
	f.pipeline.Handle(context.Background(), mention)
	f.pipeline.Handle(context.Background(), channelMessage("<@"+botUser+"> hey bot describe node-1"))

	assert.Len(t, f.agent.Calls(), 1)
	assert.Equal(t, 1, f.recorder.reason("mention_duplicate"))
	assert.Len(t, f.replier.Replies(), 1)
}

func TestHandle_MentionMessageAnsweredWithoutAppMentions(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Keywords = nil })

	f.pipeline.Handle(context.Background(), channelMessage("<@"+botUser+"> describe node-1"))

	calls := f.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "describe node-1", calls[0].text)
	assert.Zero(t, f.recorder.reason("mention_duplicate"))
}

func TestHandle_DiscardsOwnAndForeignEvents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.InboundEvent)
		reason string
	}{
		{"own user", func(ev *domain.InboundEvent) { ev.UserID = botUser }, "self"},
		{"bot message", func(ev *domain.InboundEvent) { ev.BotID = "B12345678" }, "self"},
		{"edited", func(ev *domain.InboundEvent) { ev.SubType = "message_changed" }, "subtype"},
		{"other team", func(ev *domain.InboundEvent) { ev.TeamID = "T99999999" }, "team"},
		{"no user", func(ev *domain.InboundEvent) { ev.UserID = "" }, "no_user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ev := channelMessage("hey bot list pods")
			tt.mutate(&ev)

			f.pipeline.Handle(context.Background(), ev)

			assert.Empty(t, f.agent.Calls())
			assert.Empty(t, f.replier.Replies())
			assert.Equal(t, 1, f.recorder.reason(tt.reason))
		})
	}
}

func TestHandle_FailureNoticesHideDetail(t *testing.T) {
	tests := []struct {
		kind a2a.ErrorKind
		want string
	}{
		{a2a.KindTimeout, noticeTimeout},
		{a2a.KindUnreachable, noticeUnreachable},
		{a2a.KindBadResponse, noticeFailure},
		{a2a.KindBackendRejected, noticeFailure},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t, nil)
			f.agent.err = &a2a.Error{Kind: tt.kind, CorrelationID: "abc", Err: errors.New("secret internal detail")}

			f.pipeline.Handle(context.Background(), channelMessage("hey bot list pods"))

			replies := f.replier.Replies()
			require.Len(t, replies, 1)
			assert.Equal(t, tt.want, replies[0].Text)
			assert.NotContains(t, replies[0].Text, "secret")
			assert.Equal(t, 1, f.recorder.stage(metrics.StageFailed))
		})
	}
}

func TestHandle_EmptyAnswerGetsFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.answer = "   "

	f.pipeline.Handle(context.Background(), channelMessage("hey bot list pods"))

	replies := f.replier.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, noticeNoOutput, replies[0].Text)
}

func TestHandle_TruncationIsNoted(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Sanitizer = sanitize.New(20) })

	f.pipeline.Handle(context.Background(), channelMessage("hey bot "+strings.Repeat("x", 100)))

	calls := f.agent.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, []rune(calls[0].text), 20)
	replies := f.replier.Replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "truncated")
}

func TestHandle_ReplyFailureCounted(t *testing.T) {
	f := newFixture(t, nil)
	f.replier.err = errors.New("channel_not_found")

	f.pipeline.Handle(context.Background(), channelMessage("hey bot list pods"))

	assert.Equal(t, 1, f.recorder.replyErrors)
	assert.Equal(t, 1, f.recorder.stage(metrics.StageFailed))
	assert.Equal(t, 0, f.recorder.stage(metrics.StageSucceeded))
}

func TestHandle_ThreadedReplyStaysInThread(t *testing.T) {
	f := newFixture(t, nil)
	ev := channelMessage("hey bot list pods")
	ev.ThreadTS = "1690000000.000001"

	f.pipeline.Handle(context.Background(), ev)

	replies := f.replier.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "1690000000.000001", replies[0].ThreadTS)
}

func TestDispatcher_RunsEventsOnPool(t *testing.T) {
	f := newFixture(t, nil)
	pool := NewPool(PoolConfig{Workers: 2, QueueSize: 10})
	d := NewDispatcher(f.pipeline, pool)

	d.OnMessage(context.Background(), channelMessage("hey bot one"))
	ev := channelMessage("<@" + botUser + "> two")
	ev.Kind = domain.KindAppMention
	d.OnAppMention(context.Background(), ev)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Drain(ctx))

	assert.Len(t, f.agent.Calls(), 2)
	assert.Len(t, f.replier.Replies(), 2)
}
