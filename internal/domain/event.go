package domain

import (
	"context"
	"time"
)

// EventKind identifies the Slack event an InboundEvent was built from.
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindAppMention EventKind = "app_mention"
)

// InboundEvent is a platform event handed from the connection to the pipeline.
// It is transient and handled exactly once.
type InboundEvent struct {
	Kind        EventKind
	TeamID      string
	UserID      string
	ChannelID   string
	ChannelType string // "im", "channel", "group", "mpim"
	Text        string
	Timestamp   string // Slack message ts
	ThreadTS    string
	BotID       string
	SubType     string
	RawID       string // Socket Mode envelope id
	ReceivedAt  time.Time
}

// ReplyThread returns the thread a reply to this event belongs in.
func (e InboundEvent) ReplyThread() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.Timestamp
}

// IsDirect reports whether the event came from a direct message conversation.
func (e InboundEvent) IsDirect() bool {
	if e.ChannelType == "im" {
		return true
	}
	return len(e.ChannelID) > 0 && e.ChannelID[0] == 'D'
}

// EventHandler receives inbound events, one method per event kind.
// Implementations must return quickly; the connection read loop calls them inline.
type EventHandler interface {
	OnMessage(ctx context.Context, ev InboundEvent)
	OnAppMention(ctx context.Context, ev InboundEvent)
}
