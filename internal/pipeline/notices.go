package pipeline

import "slackbridge/internal/a2a"

const (
	noticeThrottled = "Please slow down! You're sending messages too quickly. Try again in a minute."
	noticeEmpty     = "I couldn't find a request in your message. Please include some text for the agent."
	noticeNoOutput  = "The agent finished the task but returned no output."
	noticeTruncated = "_Note: your message was longer than %d characters and was truncated._"

	noticeTimeout     = "Sorry, the agent took too long to respond. Please try again in a moment."
	noticeUnreachable = "Sorry, I couldn't reach the agent right now. Please try again later."
	noticeFailure     = "Sorry, I encountered an error processing your request."
)

// failureNotice picks user-facing wording for an agent error kind. Error
// details never reach the user.
func failureNotice(kind a2a.ErrorKind) string {
	switch kind {
	case a2a.KindTimeout:
		return noticeTimeout
	case a2a.KindUnreachable:
		return noticeUnreachable
	default:
		return noticeFailure
	}
}
