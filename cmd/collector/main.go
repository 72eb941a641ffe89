package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shafraz007/server-status-platform/internal/config"
	"github.com/shafraz007/server-status-platform/internal/logging"
	"github.com/shafraz007/server-status-platform/internal/migrations"
	"github.com/shafraz007/server-status-platform/internal/server"
)

// app bundles the handler dependencies. Storage is reached through
// interfaces so handlers can be exercised without a database.
type app struct {
	cfg      config.CollectorConfig
	logger   zerolog.Logger
	registry server.Registry
	metrics  server.MetricsStore
	events   eventStore
	// authenticate verifies admin credentials for /api/admin/login.
	authenticate func(ctx context.Context, username, password string) (*server.User, error)
}

// eventStore is the slice of the audit trail the handlers need.
type eventStore interface {
	Record(ctx context.Context, serverID int64, eventType, message string, detail any)
	ListByServer(ctx context.Context, serverID int64, limit int) ([]server.Event, error)
}

func main() {
	cfg := config.LoadCollectorConfig()

	logger, logCloser, err := logging.Setup("collector", cfg.LogDir, cfg.LogLevel, cfg.LogToConsole)
	if err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := server.InitDB(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer pool.Close()

	if err := migrations.RunMigrations(ctx, pool, logger); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	if cfg.AdminPassword != "" {
		created, err := server.EnsureDefaultAdmin(ctx, pool, cfg.AdminUsername, cfg.AdminPassword)
		if err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("failed to seed admin user")
		}
		if created {
			logger.Info().Str("username", cfg.AdminUsername).Msg("seeded admin user")
		}
	}
	cancel()

	a := &app{
		cfg:    cfg,
		logger: logger,
		registry: server.NewPgRegistry(pool, server.RegistrationDefaults{
			ReportURL:      cfg.ReportURL,
			ReportInterval: int(cfg.DefaultReportInterval / time.Second),
		}, logger),
		metrics: server.NewPgMetricsStore(pool),
		events:  server.NewEventLog(pool, logger),
		authenticate: func(ctx context.Context, username, password string) (*server.User, error) {
			user, err := server.GetUserByUsername(ctx, pool, username)
			if err != nil {
				return nil, err
			}
			if !server.CheckPassword(user.PasswordHash, password) {
				return nil, server.ErrUserNotFound
			}
			return user, nil
		},
	}

	httpServer := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        a.routes(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("collector listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Background sweep: accepted agents that stop heartbeating and
	// reporting get flagged stale.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(cfg.StaleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.StaleTimeout)
				ctx, cancel := context.WithTimeout(sweepCtx, 10*time.Second)
				count, err := server.MarkServersStale(ctx, pool, cutoff)
				cancel()
				if err != nil {
					logger.Error().Err(err).Msg("stale sweep failed")
					continue
				}
				if count > 0 {
					logger.Warn().Int64("count", count).Msg("marked servers stale")
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("collector stopped")
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	// Agent-facing API.
	mux.HandleFunc("/api/agent/register", a.registerHandler)
	mux.HandleFunc("/api/agent/report", a.reportHandler)
	mux.HandleFunc("/api/agent/heartbeat", a.heartbeatHandler)

	// Admin API.
	mux.HandleFunc("/api/admin/login", a.loginHandler)
	mux.HandleFunc("/api/admin/servers", a.requireAdmin(a.serversHandler))
	mux.HandleFunc("/api/admin/servers/", a.requireAdmin(a.serverDetailHandler))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	return mux
}
