package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shafraz007/server-status-platform/internal/collect"
	"github.com/shafraz007/server-status-platform/internal/config"
	"github.com/shafraz007/server-status-platform/internal/transport"
)

// Pipeline couples the collection loop to the delivery loop through
// the durable cache. Collection never blocks on the network: every
// snapshot is enqueued locally first, and the sender drains the queue
// in FIFO batches whenever the collector is reachable.
type Pipeline struct {
	source    collect.Source
	cache     *Cache
	reporting config.ReportingConfig
	cfg       config.AgentConfig
	client    *http.Client
	logger    zerolog.Logger

	// onAuthFailure fires once when the collector rejects the auth
	// token, before the pipeline shuts down.
	onAuthFailure func()
	authOnce      sync.Once
}

func NewPipeline(source collect.Source, cache *Cache, reporting config.ReportingConfig, cfg config.AgentConfig, client *http.Client, logger zerolog.Logger, onAuthFailure func()) *Pipeline {
	return &Pipeline{
		source:        source,
		cache:         cache,
		reporting:     reporting,
		cfg:           cfg,
		client:        client,
		logger:        logger,
		onAuthFailure: onAuthFailure,
	}
}

// Run drives both loops until ctx is cancelled or the auth token is
// rejected.
func (p *Pipeline) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.runCollector(ctx)
	}()
	go func() {
		defer wg.Done()
		// Cancelling here stops the collector too once the sender
		// gives up on a revoked token.
		defer cancel()
		p.runSender(ctx)
	}()
	wg.Wait()
}

func (p *Pipeline) runCollector(ctx context.Context) {
	interval := p.reporting.Interval(p.cfg.ReportInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", interval).Msg("collection loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.source.Snapshot(ctx)
			if err := p.cache.Enqueue(snap); err != nil {
				p.logger.Error().Err(err).Msg("failed to enqueue snapshot")
				continue
			}
			if _, err := p.cache.Prune(p.cfg.CacheMaxAge); err != nil {
				p.logger.Error().Err(err).Msg("cache prune failed")
			}
		}
	}
}

func (p *Pipeline) runSender(ctx context.Context) {
	backoff := p.cfg.SendBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		sent, err := p.sendBatch(ctx)
		switch {
		case errors.Is(err, ErrUnauthorized):
			p.logger.Warn().Msg("auth token no longer valid, stopping delivery")
			p.authOnce.Do(p.onAuthFailure)
			return
		case err != nil:
			p.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("snapshot delivery failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > p.cfg.SendMaxBackoff {
				backoff = p.cfg.SendMaxBackoff
			}
		case sent > 0:
			// Queue may hold more; drain immediately.
			backoff = p.cfg.SendBackoff
		default:
			backoff = p.cfg.SendBackoff
			if !sleepCtx(ctx, p.reporting.Interval(p.cfg.ReportInterval)) {
				return
			}
		}
	}
}

// sendBatch delivers one FIFO batch from the cache. Entries are only
// acknowledged after the collector confirms receipt; per-entry drops
// on the server side are not retried.
func (p *Pipeline) sendBatch(ctx context.Context) (int, error) {
	entries, err := p.cache.Peek(p.cfg.SendBatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	batch := make([]transport.MetricsSnapshot, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		batch = append(batch, e.Snapshot)
		ids = append(ids, e.ID)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return 0, fmt.Errorf("unable to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.reporting.ReportURL, bytes.NewBuffer(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(transport.AuthTokenHeader, p.reporting.AuthToken)

	resp, err := p.client.Do(req)
	if err != nil {
		if merr := p.cache.MarkAttempt(ids); merr != nil {
			p.logger.Error().Err(merr).Msg("failed to record delivery attempt")
		}
		return 0, fmt.Errorf("report request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if merr := p.cache.MarkAttempt(ids); merr != nil {
			p.logger.Error().Err(merr).Msg("failed to record delivery attempt")
		}
		return 0, fmt.Errorf("report returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out transport.ReportResponse
	decoded := true
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		decoded = false
		p.logger.Warn().Err(err).Msg("unreadable report response, treating batch as delivered")
	}
	if err := p.cache.Ack(ids); err != nil {
		return 0, fmt.Errorf("unable to ack delivered batch: %w", err)
	}

	// Without a readable response there is no received count to
	// compare against.
	if decoded && out.Received < len(batch) {
		p.logger.Warn().
			Int("sent", len(batch)).
			Int("received", out.Received).
			Msg("collector dropped invalid entries from batch")
	} else {
		p.logger.Debug().Int("sent", len(batch)).Msg("batch delivered")
	}
	return len(batch), nil
}

// sleepCtx waits for d unless ctx is cancelled first. Returns false
// on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
