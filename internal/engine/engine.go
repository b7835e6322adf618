// Package engine wires the bridge together and owns its lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"slackbridge/internal/a2a"
	"slackbridge/internal/channel"
	"slackbridge/internal/config"
	"slackbridge/internal/connection"
	"slackbridge/internal/domain"
	"slackbridge/internal/health"
	"slackbridge/internal/metrics"
	"slackbridge/internal/pipeline"
	"slackbridge/internal/ratelimit"
	"slackbridge/internal/sanitize"
	"slackbridge/internal/session"
	"slackbridge/internal/tracing"
)

const (
	invokeMargin       = 5 * time.Second
	sessionIdleTTL     = 24 * time.Hour
	sessionSweepPeriod = time.Hour
)

// Options carries process-level collaborators that are not configuration.
type Options struct {
	Version string
	Logger  *slog.Logger

	// HealthListener replaces the listener opened on the configured health port.
	HealthListener net.Listener
}

// Engine owns every long-lived component of the bridge.
type Engine struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	slack    *channel.Slack
	metrics  *metrics.Metrics
	health   *health.State
	probes   *health.Server
	limiter  *ratelimit.Limiter
	sessions *session.Correlator
	agent    *a2a.Client
	pool     *pipeline.Pool

	healthLn net.Listener
}

// New builds the components. Nothing is started and no network call is made.
func New(cfg *config.Config, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	m := metrics.New()
	state := health.NewState()

	limiter := ratelimit.New(ratelimit.Config{
		Window: cfg.RateLimit.Window(),
		Limit:  cfg.RateLimit.MaxRequests,
		Logger: logger,
	})
	sessions := session.NewCorrelator(logger)

	m.RegisterGaugeFunc("rate_limiter_tracked_keys", "Users currently tracked by the rate limiter.",
		func() float64 { return float64(limiter.Len()) })
	m.RegisterGaugeFunc("sessions_active", "Conversation sessions held in memory.",
		func() float64 { return float64(sessions.Len()) })

	return &Engine{
		cfg:     cfg,
		version: version,
		logger:  logger,
		slack: channel.NewSlack(channel.SlackConfig{
			BotToken:  cfg.Slack.BotToken,
			AppToken:  cfg.Slack.AppToken,
			APIURL:    cfg.Slack.APIURL,
			PostRate:  cfg.Slack.PostRate,
			PostBurst: cfg.Slack.PostBurst,
			Logger:    logger,
		}),
		metrics:  m,
		health:   state,
		limiter:  limiter,
		sessions: sessions,
		agent: a2a.NewClient(a2a.Config{
			Endpoint:    cfg.Agent.AgentURL(),
			UserAgent:   "slackbridge/" + version,
			MaxAttempts: cfg.Agent.MaxAttempts,
			RetryDelay:  cfg.Agent.RetryDelay(),
			Observer:    m,
			Logger:      logger,
		}),
		pool: pipeline.NewPool(pipeline.PoolConfig{
			Workers:   cfg.Pipeline.MaxConcurrent,
			QueueSize: cfg.Pipeline.QueueSize,
			Recorder:  m,
			Logger:    logger,
		}),
		probes: health.NewServer(health.ServerConfig{
			Port:    cfg.Health.Port,
			State:   state,
			Metrics: m.Handler(),
			Logger:  logger,
		}),
		healthLn: opts.HealthListener,
	}
}

// Health exposes the probe state.
func (e *Engine) Health() *health.State { return e.health }

// Metrics exposes the metrics registry owner.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Run starts the bridge and blocks until ctx is cancelled or a fatal error
// occurs. On cancellation new events are refused, in-flight events get the
// shutdown grace period, and then the Slack connection is closed.
func (e *Engine) Run(ctx context.Context) error {
	shutdownTracing, err := tracing.Setup(ctx, e.cfg.Tracing, e.version, e.logger)
	if err != nil {
		e.logger.Warn("tracing disabled", "err", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			e.logger.Warn("tracing shutdown", "err", err)
		}
	}()

	// Probes come up first so orchestrators can see a live, not-ready process
	// while Slack is contacted.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.serveProbes(gctx) })

	abort := func(err error) error {
		e.health.Fail()
		e.pool.Close()
		cancelRun()
		_ = g.Wait()
		e.logger.Error("slackbridge failed to start", "err", err)
		return err
	}

	identity, err := e.slack.AuthTest(ctx)
	if err != nil {
		if channel.IsPermanentAuthError(err) {
			return abort(fmt.Errorf("%w: %v", connection.ErrAuthRejected, err))
		}
		return abort(err)
	}
	teamID := e.cfg.Slack.TeamID
	if teamID == "" {
		teamID = identity.TeamID
	} else if identity.TeamID != "" && identity.TeamID != teamID {
		return abort(fmt.Errorf("bot token belongs to team %s, configured team is %s", identity.TeamID, teamID))
	}

	pl := pipeline.New(pipeline.Config{
		BotUserID:       identity.UserID,
		BotID:           identity.BotID,
		TeamID:          teamID,
		AllowedChannels: e.cfg.Slack.ChannelIDs,
		Keywords:        e.cfg.Slack.Keywords,
		Limiter:         e.limiter,
		Sanitizer:       sanitize.New(e.cfg.Pipeline.MaxMessageLength),
		Sessions:        e.sessions,
		Agent:           e.agent,
		Replier:         e.slack,
		Recorder:        e.metrics,
		AgentTimeout:    e.cfg.Agent.Timeout(),
		InvokeBudget:    e.agent.Budget(e.cfg.Agent.Timeout()) + invokeMargin,
		Logger:          e.logger,
	})

	manager := connection.NewManager(connection.Config{
		Dialer:           connection.NewWSDialer(e.slack, e.cfg.Connection.HandshakeTimeout()),
		Handler:          pipeline.NewDispatcher(pl, e.pool),
		Observers:        []domain.StateObserver{e.health, e.metrics},
		Recorder:         e.metrics,
		PingInterval:     e.cfg.Connection.PingInterval(),
		PingTimeout:      e.cfg.Connection.PingTimeout(),
		HandshakeTimeout: e.cfg.Connection.HandshakeTimeout(),
		MaxAttempts:      e.cfg.Connection.MaxReconnectAttempts,
		Backoff: connection.Backoff{
			Base: e.cfg.Connection.ReconnectDelay(),
			Max:  e.cfg.Connection.ReconnectMaxDelay(),
		},
		IsFatal: channel.IsPermanentAuthError,
		Logger:  e.logger,
	})

	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return e.limiter.Run(gctx) })
	g.Go(func() error { return e.sweepSessions(gctx) })
	g.Go(func() error { return e.awaitShutdown(ctx, gctx, manager, cancelRun) })

	e.logger.Info("slackbridge started",
		"version", e.version,
		"bot_user", identity.UserID,
		"team_id", teamID,
		"agent", e.agent.Endpoint(),
		"channels", len(e.cfg.Slack.ChannelIDs),
	)

	err = g.Wait()
	if err != nil {
		e.health.Fail()
		e.logger.Error("slackbridge stopped", "err", err)
		return err
	}
	e.logger.Info("slackbridge stopped")
	return nil
}

// awaitShutdown waits for a signal or a failed sibling. On a signal the
// connection is quiesced first, so nothing new is acknowledged while the pool
// drains; then the remaining goroutines are released.
func (e *Engine) awaitShutdown(ctx, gctx context.Context, conn quiescer, stopAll context.CancelFunc) error {
	select {
	case <-ctx.Done():
		e.logger.Info("shutting down", "grace", e.cfg.Pipeline.ShutdownGrace())
		conn.Quiesce()
		e.health.SetLive(false)
		e.health.SetReady(false)
	case <-gctx.Done():
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Pipeline.ShutdownGrace())
	defer cancel()
	if err := e.pool.Drain(graceCtx); err != nil {
		e.logger.Warn("in-flight events abandoned", "err", err)
	}
	stopAll()
	return nil
}

type quiescer interface {
	Quiesce()
}

func (e *Engine) serveProbes(ctx context.Context) error {
	if e.healthLn != nil {
		return e.probes.Serve(ctx, e.healthLn)
	}
	return e.probes.Start(ctx)
}

func (e *Engine) sweepSessions(ctx context.Context) error {
	ticker := time.NewTicker(sessionSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.sessions.Clean(sessionIdleTTL); n > 0 {
				e.logger.Debug("idle sessions evicted", "count", n)
			}
		}
	}
}
