package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shafraz007/server-status-platform/internal/transport"
)

// Heartbeat periodically tells the collector the agent process is
// alive. It runs independently of the metrics pipeline: heartbeats
// are fire-and-forget, never cached, and carry a monotonic sequence
// number so the collector can spot restarts.
type Heartbeat struct {
	serverURL string
	clientID  string
	hostname  string
	interval  time.Duration
	client    *http.Client
	logger    zerolog.Logger
	seq       atomic.Uint64

	// tokenFunc returns the current auth token, or "" when the agent
	// holds none (heartbeats are then sent unauthenticated, which the
	// collector accepts for agents awaiting approval).
	tokenFunc func() string
}

func NewHeartbeat(serverURL, clientID, hostname string, interval time.Duration, client *http.Client, logger zerolog.Logger, tokenFunc func() string) *Heartbeat {
	return &Heartbeat{
		serverURL: serverURL,
		clientID:  clientID,
		hostname:  hostname,
		interval:  interval,
		client:    client,
		logger:    logger,
		tokenFunc: tokenFunc,
	}
}

// Run sends heartbeats until ctx is cancelled. Failures are logged
// and skipped; the next tick tries again.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.send(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.send(ctx)
		}
	}
}

func (h *Heartbeat) send(ctx context.Context) {
	req := transport.HeartbeatRequest{
		ClientID:  h.clientID,
		Hostname:  h.hostname,
		Sequence:  h.seq.Add(1),
		Timestamp: time.Now().Unix(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		h.logger.Error().Err(err).Msg("unable to marshal heartbeat")
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.serverURL+"/api/agent/heartbeat", bytes.NewBuffer(body))
	if err != nil {
		h.logger.Error().Err(err).Msg("unable to build heartbeat request")
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := h.tokenFunc(); token != "" {
		httpReq.Header.Set(transport.AuthTokenHeader, token)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.logger.Debug().Err(err).Msg("heartbeat failed")
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.logger.Debug().Int("status", resp.StatusCode).Msg("heartbeat not accepted")
	}
}
