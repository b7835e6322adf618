package domain

import "context"

// Reply is an outbound chat message addressed to a conversation.
type Reply struct {
	ChannelID string
	ThreadTS  string // optional
	UserID    string // optional: mentioned at the start of the text
	Text      string
}

// Replier posts replies back to the chat platform.
type Replier interface {
	PostReply(ctx context.Context, r Reply) error
}
