// Package session maps (user, channel) pairs to agent session ids.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// namespace scopes derived session ids to this bridge.
var namespace = uuid.MustParse("6f1c2a8e-4b7d-5e3a-9c0f-5a1b2c3d4e5f")

// Session is the agent conversation bound to one user in one channel.
type Session struct {
	ID        string
	CreatedAt time.Time
	LastUsed  time.Time
}

// Correlator hands out stable session ids. Ids are derived from the pair, so
// they survive eviction and process restarts.
type Correlator struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
	logger   *slog.Logger
}

func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		sessions: make(map[string]*Session),
		now:      time.Now,
		logger:   logger,
	}
}

// DeriveID returns the session id for a pair without touching any state.
func DeriveID(userID, channelID string) string {
	return "slack-" + uuid.NewSHA1(namespace, []byte(userID+"/"+channelID)).String()
}

// SessionFor returns the session for the pair, creating it on first use.
func (c *Correlator) SessionFor(userID, channelID string) Session {
	key := userID + "/" + channelID
	now := c.now()

	c.mu.RLock()
	s, ok := c.sessions[key]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		s.LastUsed = now
		out := *s
		c.mu.Unlock()
		return out
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[key]; ok {
		s.LastUsed = now
		return *s
	}
	s = &Session{
		ID:        DeriveID(userID, channelID),
		CreatedAt: now,
		LastUsed:  now,
	}
	c.sessions[key] = s
	c.logger.Debug("session created", "session_id", s.ID, "user", userID, "channel", channelID)
	return *s
}

// Len returns the number of tracked sessions.
func (c *Correlator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Clean drops sessions unused for longer than maxAge. A dropped pair gets the
// same id back on its next message.
func (c *Correlator) Clean(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for key, s := range c.sessions {
		if s.LastUsed.Before(cutoff) {
			delete(c.sessions, key)
			removed++
		}
	}
	return removed
}
