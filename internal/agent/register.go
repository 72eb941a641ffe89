package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/shafraz007/server-status-platform/internal/transport"
)

// RegisterClient talks to the collector's registration endpoint.
type RegisterClient struct {
	serverURL string
	client    *http.Client
	logger    zerolog.Logger
}

func NewRegisterClient(serverURL string, client *http.Client, logger zerolog.Logger) *RegisterClient {
	return &RegisterClient{serverURL: serverURL, client: client, logger: logger}
}

// Register submits the agent's identity and returns the server's
// decision. Registration is idempotent on the server side: repeating
// the call never creates a second record or a second token.
func (c *RegisterClient) Register(ctx context.Context, req transport.RegisterRequest) (*transport.RegisterResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal register request: %w", err)
	}

	url := c.serverURL + "/api/agent/register"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("register request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("register returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out transport.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("unable to decode register response: %w", err)
	}
	switch out.Status {
	case transport.StatusPending, transport.StatusAccepted, transport.StatusRejected:
	default:
		return nil, fmt.Errorf("unexpected register status %q", out.Status)
	}
	return &out, nil
}
