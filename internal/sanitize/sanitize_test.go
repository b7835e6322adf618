package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean_TrimsAndStripsControl(t *testing.T) {
	s := New(100)
	res, err := s.Clean("  \x00hey\x07 bot\x1b list pods\n  ")
	require.NoError(t, err)
	assert.Equal(t, "hey bot list pods", res.Text)
	assert.False(t, res.Truncated)
}

func TestClean_KeepsStandardWhitespace(t *testing.T) {
	res, err := New(100).Clean("line1\nline2\tcol\r\nline3")
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\tcol\r\nline3", res.Text)
}

func TestClean_Truncates(t *testing.T) {
	s := New(10)
	res, err := s.Clean(strings.Repeat("a", 25))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 10), res.Text)
	assert.True(t, res.Truncated)
}

func TestClean_TruncatesOnRuneBoundary(t *testing.T) {
	res, err := New(3).Clean("héllo")
	require.NoError(t, err)
	assert.Equal(t, "hél", res.Text)
}

func TestClean_StripsInvisibleFormatCharacters(t *testing.T) {
	res, err := New(100).Clean("\u200bdelete\u200b pod \u202eatad\u202c now\ufeff")
	require.NoError(t, err)
	assert.Equal(t, "delete pod atad now", res.Text)

	_, err = New(100).Clean("\u200b\u200d\u2060")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestClean_RejectsEmpty(t *testing.T) {
	s := New(100)
	for _, in := range []string{"", "   ", "\x00\x01\x02", " \t\n "} {
		_, err := s.Clean(in)
		assert.ErrorIsf(t, err, ErrEmpty, "input %q", in)
	}
}

func TestClean_InvalidUTF8(t *testing.T) {
	res, err := New(100).Clean("ok\xff\xfe fine")
	require.NoError(t, err)
	assert.Equal(t, "ok fine", res.Text)
}

func TestClean_Idempotent(t *testing.T) {
	s := New(12)
	inputs := []string{
		"hello",
		"  padded  ",
		"\x01 leading control then space",
		"truncate here      then spaces",
		"abcdefghijk \x00z",
		"ünïcödé ünïcödé ünïcödé",
		"tabs\t\tand\nnewlines\n",
		"\u202egnp.exe \u200b\ufeffhidden",
		"​zero width",
	}
	for _, in := range inputs {
		first, err := s.Clean(in)
		require.NoErrorf(t, err, "input %q", in)
		second, err := s.Clean(first.Text)
		require.NoErrorf(t, err, "input %q", in)
		assert.Equalf(t, first.Text, second.Text, "input %q", in)
		assert.False(t, second.Truncated)
	}
}

func TestNew_DefaultMaxLength(t *testing.T) {
	assert.Equal(t, DefaultMaxLength, New(0).MaxLength())
}

func TestStripLeadingMention(t *testing.T) {
	assert.Equal(t, "list pods", StripLeadingMention("<@U0BOT12345> list pods"))
	assert.Equal(t, "list pods", StripLeadingMention("<@U0BOT12345|kagent>: list pods"))
	assert.Equal(t, "ask <@U0BOT12345>", StripLeadingMention("ask <@U0BOT12345>"))
}

func TestMentionsUser(t *testing.T) {
	assert.True(t, MentionsUser("hi <@U0BOT12345> there", "U0BOT12345"))
	assert.False(t, MentionsUser("hi <@U0OTHER123>", "U0BOT12345"))
	assert.False(t, MentionsUser("hi", ""))
}

func TestIDValidators(t *testing.T) {
	assert.True(t, ValidUserID("U12345678"))
	assert.True(t, ValidUserID("W12345678"))
	assert.False(t, ValidUserID("u12345678"))
	assert.False(t, ValidUserID("U123"))

	assert.True(t, ValidChannelID("C12345678"))
	assert.True(t, ValidChannelID("D0ABCDEFGH"))
	assert.True(t, ValidChannelID("G12345678"))
	assert.False(t, ValidChannelID("X12345678"))

	assert.True(t, ValidTeamID("T12345678"))
	assert.False(t, ValidTeamID("C12345678"))
}
