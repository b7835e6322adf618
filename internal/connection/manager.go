// Package connection owns the Socket Mode session: connect, heartbeat, detect
// drops and reconnect with backoff. Inbound events are handed to a
// domain.EventHandler without blocking the read loop.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack/socketmode"

	"slackbridge/internal/domain"
)

var (
	// ErrReconnectExhausted is returned by Run when the attempt budget is spent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrAuthRejected is returned by Run when Slack rejects the credentials.
	ErrAuthRejected = errors.New("slack rejected credentials")
	// ErrHeartbeatTimeout ends a session whose ping went unanswered.
	ErrHeartbeatTimeout = errors.New("heartbeat ack timeout")

	errHandshakeTimeout    = errors.New("no hello within handshake timeout")
	errDisconnectRequested = errors.New("disconnect requested by slack")
)

// Recorder receives connection-level counters.
type Recorder interface {
	IncEnvelope(envelopeType, status string)
	IncHeartbeatTimeout()
}

// Config configures a Manager.
type Config struct {
	Dialer    Dialer
	Handler   domain.EventHandler
	Observers []domain.StateObserver
	Recorder  Recorder // optional

	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxAttempts      int
	Backoff          Backoff

	// IsFatal reports dial errors that must not be retried.
	IsFatal func(error) bool
	// Sleep waits out a backoff delay. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Manager runs the connection state machine.
type Manager struct {
	dialer    Dialer
	handler   domain.EventHandler
	observers []domain.StateObserver
	recorder  Recorder

	pingInterval     time.Duration
	pingTimeout      time.Duration
	handshakeTimeout time.Duration
	maxAttempts      int
	backoff          Backoff
	isFatal          func(error) bool
	sleep            func(ctx context.Context, d time.Duration) error
	logger           *slog.Logger

	stateMu  sync.Mutex
	state    atomic.Int32
	stopping atomic.Bool
}

func NewManager(cfg Config) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.IsFatal == nil {
		cfg.IsFatal = func(error) bool { return false }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		dialer:           cfg.Dialer,
		handler:          cfg.Handler,
		observers:        cfg.Observers,
		recorder:         cfg.Recorder,
		pingInterval:     cfg.PingInterval,
		pingTimeout:      cfg.PingTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		maxAttempts:      cfg.MaxAttempts,
		backoff:          cfg.Backoff,
		isFatal:          cfg.IsFatal,
		sleep:            cfg.Sleep,
		logger:           cfg.Logger,
	}
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	return domain.ConnectionState(m.state.Load())
}

// Quiesce begins shutdown: the state becomes ShuttingDown and envelopes are
// no longer acknowledged or dispatched, so Slack redelivers them elsewhere.
// The socket stays open until Run's context is cancelled.
func (m *Manager) Quiesce() {
	if m.stopping.CompareAndSwap(false, true) {
		m.logger.Info("connection quiesced, events are no longer accepted")
		m.setState(domain.StateShuttingDown)
	}
}

// setState records a transition and notifies observers. ShuttingDown is
// terminal.
func (m *Manager) setState(to domain.ConnectionState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	from := domain.ConnectionState(m.state.Load())
	if from == to || from == domain.StateShuttingDown {
		return
	}
	m.state.Store(int32(to))
	m.logger.Info("connection state changed", "from", from.String(), "to", to.String())
	for _, o := range m.observers {
		o.ConnectionStateChanged(from, to)
	}
}

// Run connects and keeps the session alive until ctx is cancelled (returns
// nil), the credentials are rejected (ErrAuthRejected) or the reconnect
// budget is spent (ErrReconnectExhausted).
func (m *Manager) Run(ctx context.Context) error {
	m.setState(domain.StateConnecting)
	attempt := 0

	for {
		if m.stopping.Load() {
			return nil
		}
		connected, err := m.session(ctx)
		if ctx.Err() != nil || m.stopping.Load() {
			m.setState(domain.StateShuttingDown)
			return nil
		}
		if connected {
			attempt = 0
		}

		switch {
		case errors.Is(err, errDisconnectRequested):
			m.logger.Info("reconnecting at slack's request")
			m.setState(domain.StateReconnecting)
			continue
		case !connected && m.isFatal(err):
			m.logger.Error("slack rejected credentials", "err", err)
			m.setState(domain.StateDisconnected)
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}

		attempt++
		if attempt > m.maxAttempts {
			m.logger.Error("giving up on slack connection", "attempts", attempt-1, "err", err)
			m.setState(domain.StateDisconnected)
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt-1, err)
		}

		delay := m.backoff.NextDelay(attempt - 1)
		m.logger.Warn("slack connection lost, reconnecting",
			"err", err,
			"attempt", attempt,
			"max_attempts", m.maxAttempts,
			"delay", delay,
		)
		m.setState(domain.StateReconnecting)
		if err := m.sleep(ctx, delay); err != nil {
			m.setState(domain.StateShuttingDown)
			return nil
		}
	}
}

// session runs one connection from dial to drop. connected reports whether
// the hello handshake completed.
func (m *Manager) session(ctx context.Context) (connected bool, err error) {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	var lastSeen atomic.Int64
	markSeen := func() { lastSeen.Store(time.Now().UnixNano()) }
	conn.OnPong(markSeen)

	hello := make(chan struct{})
	readErr := make(chan error, 1)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		readErr <- m.readLoop(ctx, conn, hello, markSeen)
	}()
	defer func() {
		conn.Close()
		<-loopDone
	}()

	handshake := time.NewTimer(m.handshakeTimeout)
	defer handshake.Stop()
	select {
	case <-hello:
	case err := <-readErr:
		return false, fmt.Errorf("handshake: %w", err)
	case <-handshake.C:
		return false, errHandshakeTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}

	m.setState(domain.StateConnected)
	return true, m.heartbeat(ctx, conn, readErr, &lastSeen)
}

// heartbeat pings every pingInterval and fails the session when no frame or
// pong arrives within pingTimeout of a ping. While a ping is unanswered no new
// ping is sent, so its deadline stands whatever the interval/timeout ratio.
func (m *Manager) heartbeat(ctx context.Context, conn Conn, readErr <-chan error, lastSeen *atomic.Int64) error {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	ack := time.NewTimer(m.pingTimeout)
	ack.Stop()
	defer ack.Stop()

	var pingSentAt int64
	awaiting := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case <-ticker.C:
			if awaiting && lastSeen.Load() < pingSentAt {
				continue
			}
			pingSentAt = time.Now().UnixNano()
			if err := conn.Ping(); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			ack.Reset(m.pingTimeout)
			awaiting = true
		case <-ack.C:
			awaiting = false
			if lastSeen.Load() < pingSentAt {
				m.recorder.IncHeartbeatTimeout()
				m.logger.Warn("heartbeat ack not received", "timeout", m.pingTimeout)
				return ErrHeartbeatTimeout
			}
		}
	}
}

// readLoop reads envelopes, acks them and dispatches events. It returns when
// the connection fails or Slack asks for a disconnect.
func (m *Manager) readLoop(ctx context.Context, conn Conn, hello chan<- struct{}, markSeen func()) error {
	var helloOnce sync.Once
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		markSeen()

		req, err := decodeEnvelope(data)
		if err != nil {
			m.recorder.IncEnvelope("unknown", "invalid")
			m.logger.Warn("invalid socket mode envelope", "err", err)
			continue
		}

		if req.EnvelopeID != "" && m.stopping.Load() {
			m.recorder.IncEnvelope(req.Type, "deferred")
			m.logger.Debug("shutting down, leaving envelope unacknowledged", "envelope_id", req.EnvelopeID, "type", req.Type)
			continue
		}

		if req.EnvelopeID != "" {
			if err := conn.WriteJSON(socketmode.Response{EnvelopeID: req.EnvelopeID}); err != nil {
				m.logger.Error("failed to ack envelope", "envelope_id", req.EnvelopeID, "err", err)
				return fmt.Errorf("ack: %w", err)
			}
		}

		switch req.Type {
		case socketmode.RequestTypeHello:
			m.recorder.IncEnvelope(req.Type, "processed")
			m.logger.Info("received hello from slack", "app_id", req.ConnectionInfo.AppID, "connections", req.NumConnections)
			helloOnce.Do(func() { close(hello) })

		case socketmode.RequestTypeDisconnect:
			m.recorder.IncEnvelope(req.Type, "processed")
			m.logger.Warn("received disconnect from slack", "reason", req.Reason)
			return errDisconnectRequested

		case socketmode.RequestTypeEventsAPI:
			m.dispatchEventsAPI(ctx, req)

		default:
			m.recorder.IncEnvelope(req.Type, "ignored")
			m.logger.Debug("ignoring socket mode envelope", "type", req.Type)
		}
	}
}

func (m *Manager) dispatchEventsAPI(ctx context.Context, req socketmode.Request) {
	ev, err := inboundFromEventsAPI(req.EnvelopeID, req.Payload, time.Now())
	if errors.Is(err, errIgnoredEvent) {
		m.recorder.IncEnvelope(req.Type, "ignored")
		return
	}
	if err != nil {
		m.recorder.IncEnvelope(req.Type, "invalid")
		m.logger.Warn("invalid events_api payload", "envelope_id", req.EnvelopeID, "err", err)
		return
	}

	m.recorder.IncEnvelope(req.Type, "processed")
	switch ev.Kind {
	case domain.KindAppMention:
		m.handler.OnAppMention(ctx, ev)
	default:
		m.handler.OnMessage(ctx, ev)
	}
}

type nopRecorder struct{}

func (nopRecorder) IncEnvelope(string, string) {}
func (nopRecorder) IncHeartbeatTimeout()       {}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
