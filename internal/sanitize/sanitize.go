// Package sanitize cleans user text before it is forwarded to the agent and
// validates Slack identifiers found in inbound payloads.
package sanitize

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxLength is the default character limit for forwarded text.
const DefaultMaxLength = 3000

// ErrEmpty is returned when nothing is left after cleaning.
var ErrEmpty = errors.New("empty input")

// Result is the outcome of a successful Clean.
type Result struct {
	Text      string
	Truncated bool
}

// Sanitizer is stateless apart from its configured maximum length.
type Sanitizer struct {
	maxLen int
}

func New(maxLen int) *Sanitizer {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	return &Sanitizer{maxLen: maxLen}
}

// MaxLength returns the configured limit in characters.
func (s *Sanitizer) MaxLength() int { return s.maxLen }

// Clean trims, strips control characters, truncates to the maximum length and
// rejects empty text. Clean(Clean(x).Text) yields the same text.
func (s *Sanitizer) Clean(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = stripControl(text)
	text = strings.TrimSpace(text)

	var res Result
	if utf8.RuneCountInString(text) > s.maxLen {
		text = truncateRunes(text, s.maxLen)
		text = strings.TrimRightFunc(text, unicode.IsSpace)
		res.Truncated = true
	}
	if text == "" {
		return Result{}, ErrEmpty
	}
	res.Text = text
	return res, nil
}

// stripControl removes invalid UTF-8, control characters other than tab,
// newline and carriage return, and invisible format characters (Unicode Cf)
// such as zero-width spaces and bidi overrides.
func stripControl(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t', '\r':
			return r
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

var leadingMention = regexp.MustCompile(`^\s*<@[A-Z0-9]+(\|[^>]*)?>[\s,:]*`)

// StripLeadingMention removes a leading <@U123> user mention.
func StripLeadingMention(text string) string {
	return leadingMention.ReplaceAllString(text, "")
}

// MentionsUser reports whether text contains a <@userID> mention.
func MentionsUser(text, userID string) bool {
	if userID == "" {
		return false
	}
	return strings.Contains(text, "<@"+userID+">") || strings.Contains(text, "<@"+userID+"|")
}

var (
	userIDPattern    = regexp.MustCompile(`^[UW][A-Z0-9]{8,}$`)
	channelIDPattern = regexp.MustCompile(`^[CDG][A-Z0-9]{8,}$`)
	teamIDPattern    = regexp.MustCompile(`^T[A-Z0-9]{8,}$`)
)

func ValidUserID(id string) bool    { return userIDPattern.MatchString(id) }
func ValidChannelID(id string) bool { return channelIDPattern.MatchString(id) }
func ValidTeamID(id string) bool    { return teamIDPattern.MatchString(id) }
