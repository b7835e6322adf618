// Package health tracks liveness and readiness and serves the probe endpoints.
package health

import (
	"sync/atomic"

	"slackbridge/internal/domain"
)

// State holds the process-wide liveness and readiness flags. All access is
// atomic, so probes never wait on pipeline work.
type State struct {
	live  atomic.Bool
	ready atomic.Bool
	conn  atomic.Int32
}

// NewState returns a State that is live and not ready.
func NewState() *State {
	s := &State{}
	s.live.Store(true)
	return s
}

func (s *State) Live() bool      { return s.live.Load() }
func (s *State) Ready() bool     { return s.ready.Load() }
func (s *State) SetLive(v bool)  { s.live.Store(v) }
func (s *State) SetReady(v bool) { s.ready.Store(v) }

// Connection returns the last observed connection state.
func (s *State) Connection() domain.ConnectionState {
	return domain.ConnectionState(s.conn.Load())
}

// ConnectionStateChanged implements domain.StateObserver. Readiness follows
// the Connected state.
func (s *State) ConnectionStateChanged(_, to domain.ConnectionState) {
	s.conn.Store(int32(to))
	s.ready.Store(to == domain.StateConnected)
	if to == domain.StateShuttingDown {
		s.live.Store(false)
	}
}

// Fail marks the process as neither live nor ready.
func (s *State) Fail() {
	s.ready.Store(false)
	s.live.Store(false)
}
