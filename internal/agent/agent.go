package agent

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shafraz007/server-status-platform/internal/collect"
	"github.com/shafraz007/server-status-platform/internal/config"
	"github.com/shafraz007/server-status-platform/internal/transport"
)

const cacheFile = "cache.db"

// Agent ties the lifecycle state machine, the registration client,
// the metrics pipeline and the heartbeat together. Run drives the
// whole thing: it registers (and waits for operator approval) when
// the agent holds no credentials, reports metrics while it does, and
// falls back to registration when the credentials stop working.
type Agent struct {
	cfg      config.AgentConfig
	dir      string
	clientID string
	hostname string
	osInfo   string

	sm       *StateMachine
	cache    *Cache
	client   *http.Client
	register *RegisterClient
	logger   zerolog.Logger

	mu        sync.Mutex
	reporting config.ReportingConfig
}

func New(cfg config.AgentConfig, logger zerolog.Logger) (*Agent, error) {
	dir, err := DataDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	clientID, err := GetClientID(dir, logger)
	if err != nil {
		return nil, err
	}
	sm, err := LoadStateMachine(dir, logger)
	if err != nil {
		return nil, err
	}
	cache, err := OpenCache(filepath.Join(dir, cacheFile), cfg.CacheCapacity, logger)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		logger.Warn().Err(err).Msg("unable to resolve hostname")
		hostname = "unknown"
	}

	client := &http.Client{Timeout: cfg.RequestTimeout}
	return &Agent{
		cfg:      cfg,
		dir:      dir,
		clientID: clientID,
		hostname: hostname,
		osInfo:   collect.OSInfo(),
		sm:       sm,
		cache:    cache,
		client:   client,
		register: NewRegisterClient(cfg.ServerURL, client, logger),
		logger:   logger,
	}, nil
}

func (a *Agent) Close() error {
	return a.cache.Close()
}

// ClientID returns the stable identity for this installation.
func (a *Agent) ClientID() string {
	return a.clientID
}

func (a *Agent) currentToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reporting.AuthToken
}

func (a *Agent) setReporting(rc config.ReportingConfig) {
	a.mu.Lock()
	a.reporting = rc
	a.mu.Unlock()
}

func (a *Agent) registerRequest() transport.RegisterRequest {
	return transport.RegisterRequest{
		ClientID: a.clientID,
		Hostname: a.hostname,
		OS:       a.osInfo,
	}
}

// Run blocks until ctx is cancelled or the registration is rejected.
func (a *Agent) Run(ctx context.Context) error {
	hb := NewHeartbeat(a.cfg.ServerURL, a.clientID, a.hostname, a.cfg.HeartbeatInterval, a.client, a.logger, a.currentToken)

	for ctx.Err() == nil {
		switch a.sm.State() {
		case StateRejected:
			a.logger.Error().
				Str("reason", a.sm.RejectionReason()).
				Str("data_dir", a.dir).
				Msg("registration was rejected; remove the data directory to request approval under a new identity")
			return ErrRejected

		case StateUnregistered, StateAwaitingApproval:
			if err := a.registerLoop(ctx, hb); err != nil {
				if errors.Is(err, ErrRejected) {
					continue
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}

		case StateActive:
			rc, err := LoadReportingConfig(a.dir)
			if err != nil {
				a.logger.Warn().Err(err).Msg("cached reporting config unusable, re-registering")
				if terr := a.sm.Transition(StateUnregistered, ""); terr != nil {
					return terr
				}
				continue
			}
			if !rc.IsActive {
				rc = a.refreshRegistration(ctx, rc)
			}
			if !rc.IsActive {
				a.logger.Warn().Msg("reporting disabled by server, heartbeat only")
				a.idle(ctx, hb)
				continue
			}
			a.setReporting(rc)
			a.runActive(ctx, rc, hb)
		}
	}
	return nil
}

// registerLoop polls the registration endpoint until the operator
// decides, the context ends, or the network error backoff is reset by
// a successful round trip.
func (a *Agent) registerLoop(ctx context.Context, hb *Heartbeat) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	hbStarted := false
	startHeartbeat := func() {
		if !hbStarted {
			hbStarted = true
			go hb.Run(hbCtx)
		}
	}
	if a.sm.State() == StateAwaitingApproval {
		startHeartbeat()
	}

	interval := a.cfg.RegisterInterval
	for {
		resp, err := a.register.Register(ctx, a.registerRequest())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn().Err(err).Dur("retry_in", interval).Msg("registration attempt failed")
			if !sleepCtx(ctx, interval) {
				return ctx.Err()
			}
			interval *= 2
			if interval > a.cfg.RegisterMaxInterval {
				interval = a.cfg.RegisterMaxInterval
			}
			continue
		}
		interval = a.cfg.RegisterInterval

		switch resp.Status {
		case transport.StatusPending:
			if a.sm.State() == StateUnregistered {
				if err := a.sm.Transition(StateAwaitingApproval, ""); err != nil {
					return err
				}
			}
			startHeartbeat()
			a.logger.Info().Msg("awaiting operator approval")
			if !sleepCtx(ctx, interval) {
				return ctx.Err()
			}

		case transport.StatusAccepted:
			rc := reportingFromResponse(resp)
			if err := SaveReportingConfig(a.dir, rc); err != nil {
				return err
			}
			if a.sm.State() == StateUnregistered {
				if err := a.sm.Transition(StateAwaitingApproval, ""); err != nil {
					return err
				}
			}
			if err := a.sm.Transition(StateActive, ""); err != nil {
				return err
			}
			a.logger.Info().Int64("server_id", rc.ServerID).Msg("registration accepted")
			return nil

		case transport.StatusRejected:
			if a.sm.State() == StateUnregistered {
				if err := a.sm.Transition(StateAwaitingApproval, ""); err != nil {
					return err
				}
			}
			if err := a.sm.Transition(StateRejected, resp.Reason); err != nil {
				return err
			}
			return ErrRejected
		}
	}
}

// runActive reports metrics until ctx ends or the token is revoked.
func (a *Agent) runActive(ctx context.Context, rc config.ReportingConfig, hb *Heartbeat) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go hb.Run(runCtx)

	source := collect.New(a.clientID, rc, a.logger)
	pipe := NewPipeline(source, a.cache, rc, a.cfg, a.client, a.logger, func() {
		a.setReporting(config.ReportingConfig{})
		if err := a.sm.Transition(StateUnregistered, ""); err != nil {
			a.logger.Error().Err(err).Msg("failed to record token revocation")
		}
	})

	a.logger.Info().
		Int64("server_id", rc.ServerID).
		Dur("interval", rc.Interval(a.cfg.ReportInterval)).
		Msg("reporting started")
	pipe.Run(runCtx)
}

// refreshRegistration re-registers to pick up a config change. The
// call is idempotent server side, so the worst case is getting the
// same config back.
func (a *Agent) refreshRegistration(ctx context.Context, rc config.ReportingConfig) config.ReportingConfig {
	resp, err := a.register.Register(ctx, a.registerRequest())
	if err != nil || resp.Status != transport.StatusAccepted {
		return rc
	}
	fresh := reportingFromResponse(resp)
	if err := SaveReportingConfig(a.dir, fresh); err != nil {
		a.logger.Error().Err(err).Msg("unable to persist refreshed reporting config")
		return rc
	}
	return fresh
}

// idle keeps the heartbeat alive while reporting is disabled, waking
// periodically to check whether the server re-enabled it.
func (a *Agent) idle(ctx context.Context, hb *Heartbeat) {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go hb.Run(hbCtx)
	sleepCtx(ctx, a.cfg.RegisterMaxInterval)
}

func reportingFromResponse(resp *transport.RegisterResponse) config.ReportingConfig {
	return config.ReportingConfig{
		ServerID:       resp.ServerID,
		AuthToken:      resp.AuthToken,
		ReportURL:      resp.ReportURL,
		ReportInterval: resp.ReportInterval,
		MonitorCPU:     resp.MonitorCPU,
		MonitorMemory:  resp.MonitorMemory,
		MonitorDisks:   resp.MonitorDisks,
		MonitorGPU:     resp.MonitorGPU,
		IsActive:       resp.IsActive,
	}
}
