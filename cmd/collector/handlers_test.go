package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shafraz007/server-status-platform/internal/auth"
	"github.com/shafraz007/server-status-platform/internal/config"
	"github.com/shafraz007/server-status-platform/internal/server"
	"github.com/shafraz007/server-status-platform/internal/transport"
)

// memRegistry is an in-memory Registry double with the same CAS
// semantics as the PostgreSQL implementation.
type memRegistry struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]*server.Registration
}

func newMemRegistry() *memRegistry {
	return &memRegistry{rows: map[string]*server.Registration{}}
}

func (m *memRegistry) Register(ctx context.Context, clientID, hostname, osInfo, ip string) (*server.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.rows[clientID]; ok {
		row.Hostname = hostname
		row.OS = osInfo
		row.IPAddress = ip
		row.UpdatedAt = row.CreatedAt.Add(time.Second)
		cp := *row
		return &cp, nil
	}

	m.nextID++
	now := time.Now()
	row := &server.Registration{
		ID:             m.nextID,
		ClientID:       clientID,
		Hostname:       hostname,
		OS:             osInfo,
		IPAddress:      ip,
		RegisterStatus: server.RegisterPending,
		ReportURL:      "http://collector/api/agent/report",
		ReportInterval: 30,
		MonitorCPU:     true,
		MonitorMemory:  true,
		IsActive:       true,
		Liveness:       server.LivenessOffline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.rows[clientID] = row
	cp := *row
	return &cp, nil
}

func (m *memRegistry) byID(id int64) *server.Registration {
	for _, row := range m.rows {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func (m *memRegistry) ListPending(ctx context.Context) ([]server.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []server.Registration
	for _, row := range m.rows {
		if row.RegisterStatus == server.RegisterPending {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memRegistry) List(ctx context.Context) ([]server.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []server.Registration
	for _, row := range m.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (m *memRegistry) Get(ctx context.Context, id int64) (*server.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.byID(id)
	if row == nil {
		return nil, server.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memRegistry) GetByClientID(ctx context.Context, clientID string) (*server.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[clientID]
	if !ok {
		return nil, server.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memRegistry) Accept(ctx context.Context, id int64) (*server.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.byID(id)
	if row == nil {
		return nil, server.ErrNotFound
	}
	if row.RegisterStatus != server.RegisterPending {
		return nil, server.ErrConflict
	}
	token, err := auth.NewAgentToken()
	if err != nil {
		return nil, err
	}
	row.RegisterStatus = server.RegisterAccepted
	row.AuthToken = token
	cp := *row
	return &cp, nil
}

func (m *memRegistry) Reject(ctx context.Context, id int64, reason string) (*server.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.byID(id)
	if row == nil {
		return nil, server.ErrNotFound
	}
	if row.RegisterStatus != server.RegisterPending {
		return nil, server.ErrConflict
	}
	row.RegisterStatus = server.RegisterRejected
	row.RejectionReason = reason
	cp := *row
	return &cp, nil
}

func (m *memRegistry) ResolveToken(ctx context.Context, token string) (*server.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" {
		return nil, server.ErrNotFound
	}
	for _, row := range m.rows {
		if row.AuthToken == token && row.RegisterStatus == server.RegisterAccepted {
			cp := *row
			return &cp, nil
		}
	}
	return nil, server.ErrNotFound
}

func (m *memRegistry) TouchSeen(ctx context.Context, clientID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[clientID]
	if !ok || row.RegisterStatus == server.RegisterRejected {
		return server.ErrNotFound
	}
	now := time.Now()
	row.LastSeen = &now
	row.Liveness = server.LivenessOnline
	return nil
}

type memMetrics struct {
	mu    sync.Mutex
	byRow map[int64][]transport.MetricsSnapshot
}

func newMemMetrics() *memMetrics {
	return &memMetrics{byRow: map[int64][]transport.MetricsSnapshot{}}
}

func (m *memMetrics) InsertSnapshot(ctx context.Context, serverID int64, snap transport.MetricsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRow[serverID] = append(m.byRow[serverID], snap)
	return nil
}

func (m *memMetrics) LatestSnapshot(ctx context.Context, serverID int64) (*server.StoredSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.byRow[serverID]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no snapshots for server %d", serverID)
	}
	last := snaps[len(snaps)-1]
	return &server.StoredSnapshot{ServerID: serverID, Timestamp: time.Unix(last.Timestamp, 0)}, nil
}

type memEvents struct {
	mu   sync.Mutex
	rows map[int64][]server.Event
}

func newMemEvents() *memEvents {
	return &memEvents{rows: map[int64][]server.Event{}}
}

func (m *memEvents) Record(ctx context.Context, serverID int64, eventType, message string, detail any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[serverID] = append(m.rows[serverID], server.Event{
		ServerID:  serverID,
		EventType: eventType,
		Message:   message,
		CreatedAt: time.Now(),
	})
}

func (m *memEvents) ListByServer(ctx context.Context, serverID int64, limit int) ([]server.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]server.Event(nil), m.rows[serverID]...), nil
}

func newTestApp(cfg config.CollectorConfig) (*app, *memRegistry, *memMetrics, *memEvents) {
	registry := newMemRegistry()
	metrics := newMemMetrics()
	events := newMemEvents()
	a := &app{
		cfg:      cfg,
		logger:   zerolog.Nop(),
		registry: registry,
		metrics:  metrics,
		events:   events,
	}
	return a, registry, metrics, events
}

func postJSON(t *testing.T, client *http.Client, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func testSnapshot(clientID string, ts int64) transport.MetricsSnapshot {
	return transport.MetricsSnapshot{
		ClientID:  clientID,
		Hostname:  "web-01",
		Timestamp: ts,
		Memory: &transport.MemoryMetrics{
			TotalBytes:  32 << 30,
			UsedBytes:   12 << 30,
			UsedPercent: 37.5,
		},
	}
}

func TestAdmissionLifecycle(t *testing.T) {
	a, _, metrics, _ := newTestApp(config.CollectorConfig{})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()
	client := srv.Client()

	reg := transport.RegisterRequest{ClientID: "client-1", Hostname: "web-01", OS: "linux"}

	// First contact lands in the approval queue.
	resp := postJSON(t, client, srv.URL+"/api/agent/register", reg, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[transport.RegisterResponse](t, resp)
	require.Equal(t, transport.StatusPending, body.Status)
	require.Empty(t, body.AuthToken)

	// Polling again stays pending and creates no second row.
	resp = postJSON(t, client, srv.URL+"/api/agent/register", reg, nil)
	body = decodeBody[transport.RegisterResponse](t, resp)
	require.Equal(t, transport.StatusPending, body.Status)

	pendingResp, err := client.Get(srv.URL + "/api/admin/servers?status=pending")
	require.NoError(t, err)
	pending := decodeBody[[]server.Registration](t, pendingResp)
	require.Len(t, pending, 1)
	serverID := pending[0].ID

	// Operator accepts; the decision response carries the token.
	resp = postJSON(t, client, fmt.Sprintf("%s/api/admin/servers/%d/accept", srv.URL, serverID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	accepted := decodeBody[server.Registration](t, resp)
	require.Equal(t, server.RegisterAccepted, accepted.RegisterStatus)

	// Accepting twice is a conflict, not a second token.
	resp = postJSON(t, client, fmt.Sprintf("%s/api/admin/servers/%d/accept", srv.URL, serverID), nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	conflict := decodeBody[transport.ErrorResponse](t, resp)
	require.Equal(t, transport.CodeConflict, conflict.Code)

	// The agent's next poll returns the config and the one token.
	resp = postJSON(t, client, srv.URL+"/api/agent/register", reg, nil)
	body = decodeBody[transport.RegisterResponse](t, resp)
	require.Equal(t, transport.StatusAccepted, body.Status)
	require.NotEmpty(t, body.AuthToken)
	require.Equal(t, serverID, body.ServerID)
	token := body.AuthToken

	// Reporting with the token stores the batch.
	batch := []transport.MetricsSnapshot{
		testSnapshot("client-1", 100),
		testSnapshot("client-1", 130),
	}
	resp = postJSON(t, client, srv.URL+"/api/agent/report", batch, map[string]string{transport.AuthTokenHeader: token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[transport.ReportResponse](t, resp)
	require.Equal(t, "ok", report.Status)
	require.Equal(t, 2, report.Received)
	require.Len(t, metrics.byRow[serverID], 2)

	// Heartbeats keep liveness fresh.
	hb := transport.HeartbeatRequest{ClientID: "client-1", Hostname: "web-01", Sequence: 1, Timestamp: 200}
	resp = postJSON(t, client, srv.URL+"/api/agent/heartbeat", hb, map[string]string{transport.AuthTokenHeader: token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Audit trail holds the accept decision.
	evResp, err := client.Get(fmt.Sprintf("%s/api/admin/servers/%d/events", srv.URL, serverID))
	require.NoError(t, err)
	evs := decodeBody[[]server.Event](t, evResp)
	require.NotEmpty(t, evs)
}

func TestReportAuthorizationErrors(t *testing.T) {
	a, registry, _, _ := newTestApp(config.CollectorConfig{})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()
	client := srv.Client()

	batch := []transport.MetricsSnapshot{testSnapshot("client-1", 100)}

	// No token at all.
	resp := postJSON(t, client, srv.URL+"/api/agent/report", batch, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody[transport.ErrorResponse](t, resp)
	require.Equal(t, transport.CodeUnauthorized, body.Code)

	// A token the collector never issued.
	resp = postJSON(t, client, srv.URL+"/api/agent/report", batch, map[string]string{transport.AuthTokenHeader: "stale-token"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body = decodeBody[transport.ErrorResponse](t, resp)
	require.Equal(t, transport.CodeUnauthorized, body.Code)

	// A valid token whose server has reporting disabled.
	ctx := context.Background()
	row, err := registry.Register(ctx, "client-1", "web-01", "linux", "127.0.0.1")
	require.NoError(t, err)
	accepted, err := registry.Accept(ctx, row.ID)
	require.NoError(t, err)
	registry.mu.Lock()
	registry.rows["client-1"].IsActive = false
	registry.mu.Unlock()

	resp = postJSON(t, client, srv.URL+"/api/agent/report", batch, map[string]string{transport.AuthTokenHeader: accepted.AuthToken})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body = decodeBody[transport.ErrorResponse](t, resp)
	require.Equal(t, transport.CodeNotAccepted, body.Code)
}

func TestReportValidationDropsBadEntries(t *testing.T) {
	a, registry, metrics, _ := newTestApp(config.CollectorConfig{})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()
	client := srv.Client()

	ctx := context.Background()
	row, err := registry.Register(ctx, "client-1", "web-01", "linux", "127.0.0.1")
	require.NoError(t, err)
	accepted, err := registry.Accept(ctx, row.ID)
	require.NoError(t, err)
	headers := map[string]string{transport.AuthTokenHeader: accepted.AuthToken}

	// Malformed JSON is a payload error, not an auth error.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/agent/report", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set(transport.AuthTokenHeader, accepted.AuthToken)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[transport.ErrorResponse](t, resp)
	require.Equal(t, transport.CodeBadPayload, body.Code)

	// Mixed batch: one good partial snapshot, one spoofed identity,
	// one without any metrics. Only the good one lands.
	batch := []transport.MetricsSnapshot{
		testSnapshot("client-1", 100),
		testSnapshot("someone-else", 110),
		{ClientID: "client-1", Timestamp: 120},
	}
	resp = postJSON(t, client, srv.URL+"/api/agent/report", batch, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[transport.ReportResponse](t, resp)
	require.Equal(t, 1, report.Received)
	require.Len(t, metrics.byRow[row.ID], 1)
}

func TestRejectFlow(t *testing.T) {
	a, _, _, _ := newTestApp(config.CollectorConfig{})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()
	client := srv.Client()

	reg := transport.RegisterRequest{ClientID: "client-9", Hostname: "rogue-host", OS: "linux"}
	resp := postJSON(t, client, srv.URL+"/api/agent/register", reg, nil)
	body := decodeBody[transport.RegisterResponse](t, resp)
	require.Equal(t, transport.StatusPending, body.Status)

	pendingResp, err := client.Get(srv.URL + "/api/admin/servers/pending")
	require.NoError(t, err)
	pending := decodeBody[[]server.Registration](t, pendingResp)
	require.Len(t, pending, 1)

	resp = postJSON(t, client, fmt.Sprintf("%s/api/admin/servers/%d/reject", srv.URL, pending[0].ID),
		transport.RejectRequest{Reason: "not one of ours"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rejected := decodeBody[server.Registration](t, resp)
	require.Equal(t, server.RegisterRejected, rejected.RegisterStatus)

	// The agent learns the decision and the reason on its next poll.
	resp = postJSON(t, client, srv.URL+"/api/agent/register", reg, nil)
	body = decodeBody[transport.RegisterResponse](t, resp)
	require.Equal(t, transport.StatusRejected, body.Status)
	require.Equal(t, "not one of ours", body.Reason)
	require.Empty(t, body.AuthToken)
}

func TestHeartbeatWhileAwaitingApproval(t *testing.T) {
	a, registry, _, _ := newTestApp(config.CollectorConfig{})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()
	client := srv.Client()

	reg := transport.RegisterRequest{ClientID: "client-2", Hostname: "db-01", OS: "linux"}
	resp := postJSON(t, client, srv.URL+"/api/agent/register", reg, nil)
	resp.Body.Close()

	// Pending agents heartbeat without a token.
	hb := transport.HeartbeatRequest{ClientID: "client-2", Hostname: "db-01", Sequence: 1, Timestamp: 100}
	resp = postJSON(t, client, srv.URL+"/api/agent/heartbeat", hb, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	registry.mu.Lock()
	require.Equal(t, server.LivenessOnline, registry.rows["client-2"].Liveness)
	registry.mu.Unlock()

	// Unknown clients cannot heartbeat.
	hb.ClientID = "never-registered"
	resp = postJSON(t, client, srv.URL+"/api/agent/heartbeat", hb, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHeartbeatAfterDecision(t *testing.T) {
	a, registry, _, _ := newTestApp(config.CollectorConfig{})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()
	client := srv.Client()

	ctx := context.Background()
	rejectedRow, err := registry.Register(ctx, "client-bad", "rogue-host", "linux", "127.0.0.1")
	require.NoError(t, err)
	_, err = registry.Reject(ctx, rejectedRow.ID, "not one of ours")
	require.NoError(t, err)

	acceptedRow, err := registry.Register(ctx, "client-ok", "web-01", "linux", "127.0.0.1")
	require.NoError(t, err)
	accepted, err := registry.Accept(ctx, acceptedRow.ID)
	require.NoError(t, err)

	// A rejected host cannot keep itself visible as online, with or
	// without a token.
	hb := transport.HeartbeatRequest{ClientID: "client-bad", Hostname: "rogue-host", Sequence: 1, Timestamp: 100}
	resp := postJSON(t, client, srv.URL+"/api/agent/heartbeat", hb, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody[transport.ErrorResponse](t, resp)
	require.Equal(t, transport.CodeNotAccepted, body.Code)

	registry.mu.Lock()
	require.Equal(t, server.LivenessOffline, registry.rows["client-bad"].Liveness)
	registry.mu.Unlock()

	// An accepted agent's client_id alone is no longer enough.
	hb = transport.HeartbeatRequest{ClientID: "client-ok", Hostname: "web-01", Sequence: 1, Timestamp: 100}
	resp = postJSON(t, client, srv.URL+"/api/agent/heartbeat", hb, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body = decodeBody[transport.ErrorResponse](t, resp)
	require.Equal(t, transport.CodeUnauthorized, body.Code)

	// A token the collector never issued is refused too.
	resp = postJSON(t, client, srv.URL+"/api/agent/heartbeat", hb, map[string]string{transport.AuthTokenHeader: "stale-token"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// With its own token the heartbeat lands.
	resp = postJSON(t, client, srv.URL+"/api/agent/heartbeat", hb, map[string]string{transport.AuthTokenHeader: accepted.AuthToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	registry.mu.Lock()
	require.Equal(t, server.LivenessOnline, registry.rows["client-ok"].Liveness)
	registry.mu.Unlock()
}

func TestAdminAuthWhenSecretConfigured(t *testing.T) {
	cfg := config.CollectorConfig{
		AdminJWTSecret: "test-secret",
		AdminJWTTTL:    time.Hour,
	}
	a, _, _, _ := newTestApp(cfg)
	a.authenticate = func(ctx context.Context, username, password string) (*server.User, error) {
		if username == "admin" && password == "hunter2" {
			return &server.User{Username: "admin", Role: "admin"}, nil
		}
		return nil, server.ErrUserNotFound
	}
	srv := httptest.NewServer(a.routes())
	defer srv.Close()
	client := srv.Client()

	// No session: admin API refuses.
	resp, err := client.Get(srv.URL + "/api/admin/servers")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Bad credentials refuse.
	resp = postJSON(t, client, srv.URL+"/api/admin/login", transport.LoginRequest{Username: "admin", Password: "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Good credentials yield a bearer token that opens the API.
	resp = postJSON(t, client, srv.URL+"/api/admin/login", transport.LoginRequest{Username: "admin", Password: "hunter2"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decodeBody[transport.LoginResponse](t, resp)
	require.NotEmpty(t, login.Token)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/admin/servers", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Agent endpoints stay open to agents, not gated by admin auth.
	reg := transport.RegisterRequest{ClientID: "client-3", Hostname: "cache-01", OS: "linux"}
	resp = postJSON(t, client, srv.URL+"/api/agent/register", reg, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
