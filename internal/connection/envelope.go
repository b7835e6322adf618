package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"slackbridge/internal/domain"
	"slackbridge/internal/sanitize"
)

var errIgnoredEvent = errors.New("ignored event")

// decodeEnvelope parses one Socket Mode frame.
func decodeEnvelope(data []byte) (socketmode.Request, error) {
	var req socketmode.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("invalid envelope json: %w", err)
	}
	if req.Type == "" {
		return req, errors.New("envelope has no type")
	}
	if req.Type == socketmode.RequestTypeEventsAPI && len(req.Payload) == 0 {
		return req, errors.New("events_api envelope has no payload")
	}
	return req, nil
}

// inboundFromEventsAPI converts an events_api payload into an InboundEvent.
// Event types the bridge does not handle return errIgnoredEvent.
func inboundFromEventsAPI(envelopeID string, payload json.RawMessage, now time.Time) (domain.InboundEvent, error) {
	outer, err := slackevents.ParseEvent(payload, slackevents.OptionNoVerifyToken())
	if err != nil {
		return domain.InboundEvent{}, fmt.Errorf("parse events_api payload: %w", err)
	}
	if outer.Type != slackevents.CallbackEvent {
		return domain.InboundEvent{}, errIgnoredEvent
	}
	if outer.TeamID != "" && !sanitize.ValidTeamID(outer.TeamID) {
		return domain.InboundEvent{}, fmt.Errorf("invalid team id %q", outer.TeamID)
	}

	ev := domain.InboundEvent{TeamID: outer.TeamID, RawID: envelopeID, ReceivedAt: now}
	switch inner := outer.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		ev.Kind = domain.KindMessage
		ev.UserID = inner.User
		ev.ChannelID = inner.Channel
		ev.ChannelType = inner.ChannelType
		ev.Text = inner.Text
		ev.Timestamp = inner.TimeStamp
		ev.ThreadTS = inner.ThreadTimeStamp
		ev.BotID = inner.BotID
		ev.SubType = inner.SubType
	case *slackevents.AppMentionEvent:
		ev.Kind = domain.KindAppMention
		ev.UserID = inner.User
		ev.ChannelID = inner.Channel
		ev.Text = inner.Text
		ev.Timestamp = inner.TimeStamp
		ev.ThreadTS = inner.ThreadTimeStamp
		ev.BotID = inner.BotID
	default:
		return domain.InboundEvent{}, errIgnoredEvent
	}

	if !sanitize.ValidChannelID(ev.ChannelID) {
		return domain.InboundEvent{}, fmt.Errorf("invalid channel id %q", ev.ChannelID)
	}
	if ev.UserID != "" && !sanitize.ValidUserID(ev.UserID) {
		return domain.InboundEvent{}, fmt.Errorf("invalid user id %q", ev.UserID)
	}
	return ev, nil
}
