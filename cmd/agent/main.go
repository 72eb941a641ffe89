package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shafraz007/server-status-platform/internal/agent"
	"github.com/shafraz007/server-status-platform/internal/config"
	"github.com/shafraz007/server-status-platform/internal/logging"
)

func main() {
	reset := flag.Bool("reset", false, "discard the local identity, state and cache, then exit")
	flag.Parse()

	cfg := config.LoadAgentConfig()

	logger, logCloser, err := logging.Setup("agent", cfg.LogDir, cfg.LogLevel, cfg.LogToConsole)
	if err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	if *reset {
		if err := resetDataDir(cfg.DataDir); err != nil {
			logger.Fatal().Err(err).Msg("reset failed")
		}
		fmt.Println("agent identity and cache removed")
		return
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize agent")
	}
	defer a.Close()

	logger.Info().
		Str("client_id", a.ClientID()).
		Str("server_url", cfg.ServerURL).
		Msg("agent started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrRejected) {
			os.Exit(1)
		}
		logger.Fatal().Err(err).Msg("agent stopped with error")
	}
	logger.Info().Msg("agent stopped")
}

// resetDataDir removes the files that carry the agent's identity. The
// next start registers from scratch under a new client ID.
func resetDataDir(override string) error {
	dir, err := agent.DataDir(override)
	if err != nil {
		return err
	}
	for _, name := range []string{"client_id", "state.json", "config.json", "cache.db", "cache.db-wal", "cache.db-shm"} {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
