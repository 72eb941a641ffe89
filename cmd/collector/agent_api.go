package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/shafraz007/server-status-platform/internal/server"
	"github.com/shafraz007/server-status-platform/internal/transport"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, transport.ErrorResponse{Status: "error", Code: code, Error: msg})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// registerHandler admits agents into the approval queue. The call is
// idempotent: a known client_id gets its current status (and, once
// accepted, its existing token) back, whatever it sends.
func (a *app) registerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transport.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, transport.CodeBadPayload, "invalid request body")
		return
	}
	if req.ClientID == "" || req.Hostname == "" {
		writeError(w, http.StatusBadRequest, transport.CodeBadPayload, "client_id and hostname are required")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	reg, err := a.registry.Register(ctx, req.ClientID, req.Hostname, req.OS, remoteIP(r))
	if err != nil {
		a.logger.Error().Err(err).Str("client_id", req.ClientID).Msg("register failed")
		writeError(w, http.StatusInternalServerError, "", "registration failed")
		return
	}

	// created_at equals updated_at only on the very first insert.
	if reg.UpdatedAt.Equal(reg.CreatedAt) {
		a.events.Record(ctx, reg.ID, server.EventRegistered, "registration received", map[string]string{
			"client_id": reg.ClientID,
			"hostname":  reg.Hostname,
		})
		a.logger.Info().
			Str("client_id", reg.ClientID).
			Str("hostname", reg.Hostname).
			Msg("new registration pending approval")
	}

	writeJSON(w, http.StatusOK, registerResponse(reg))
}

func registerResponse(reg *server.Registration) transport.RegisterResponse {
	switch reg.RegisterStatus {
	case server.RegisterAccepted:
		return transport.RegisterResponse{
			Status:         transport.StatusAccepted,
			ServerID:       reg.ID,
			AuthToken:      reg.AuthToken,
			ReportURL:      reg.ReportURL,
			ReportInterval: reg.ReportInterval,
			MonitorCPU:     reg.MonitorCPU,
			MonitorMemory:  reg.MonitorMemory,
			MonitorDisks:   reg.MonitorDisks,
			MonitorGPU:     reg.MonitorGPU,
			IsActive:       reg.IsActive,
		}
	case server.RegisterRejected:
		return transport.RegisterResponse{
			Status: transport.StatusRejected,
			Reason: reg.RejectionReason,
		}
	default:
		return transport.RegisterResponse{Status: transport.StatusPending}
	}
}

// reportHandler ingests snapshot batches from accepted agents.
// Authorization failures (401/403) tell the agent to re-register;
// payload failures (400) tell it to drop the batch and move on.
func (a *app) reportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	reg, ok := a.authorizeAgent(ctx, w, r)
	if !ok {
		return
	}

	var batch []transport.MetricsSnapshot
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, transport.CodeBadPayload, "invalid batch payload")
		return
	}

	stored := 0
	for _, snap := range batch {
		if err := validateSnapshot(reg, snap); err != nil {
			a.logger.Warn().
				Err(err).
				Str("client_id", reg.ClientID).
				Msg("dropping invalid snapshot")
			continue
		}
		if err := a.metrics.InsertSnapshot(ctx, reg.ID, snap); err != nil {
			a.logger.Error().Err(err).Int64("server_id", reg.ID).Msg("failed to store snapshot")
			writeError(w, http.StatusInternalServerError, "", "storage failure")
			return
		}
		stored++
	}

	if err := a.registry.TouchSeen(ctx, reg.ClientID, remoteIP(r)); err != nil {
		a.logger.Error().Err(err).Str("client_id", reg.ClientID).Msg("failed to update last_seen")
	}

	writeJSON(w, http.StatusOK, transport.ReportResponse{Status: "ok", Received: stored})
}

// validateSnapshot enforces per-entry invariants. A snapshot missing
// whole categories is valid; one with a wrong identity or no
// timestamp is not.
func validateSnapshot(reg *server.Registration, snap transport.MetricsSnapshot) error {
	if snap.ClientID != reg.ClientID {
		return errors.New("client_id does not match token")
	}
	if snap.Timestamp <= 0 {
		return errors.New("missing timestamp")
	}
	if snap.CPU == nil && snap.Memory == nil && len(snap.Disks) == 0 && len(snap.GPUs) == 0 {
		return errors.New("empty snapshot")
	}
	return nil
}

// heartbeatHandler records liveness. Agents awaiting approval have no
// token yet; their heartbeats are accepted on client_id alone so the
// operator can see the host is up before deciding. Once the decision
// is made the client_id stops being enough: accepted agents must
// present their token, and rejected ones are refused outright.
func (a *app) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var hb transport.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, transport.CodeBadPayload, "invalid request body")
		return
	}
	if hb.ClientID == "" || hb.Hostname == "" {
		writeError(w, http.StatusBadRequest, transport.CodeBadPayload, "client_id and hostname are required")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	reg, err := a.registry.GetByClientID(ctx, hb.ClientID)
	if err != nil {
		if errors.Is(err, server.ErrNotFound) {
			writeError(w, http.StatusNotFound, "", "unknown client")
			return
		}
		a.logger.Error().Err(err).Str("client_id", hb.ClientID).Msg("heartbeat lookup failed")
		writeError(w, http.StatusInternalServerError, "", "heartbeat failed")
		return
	}

	token := r.Header.Get(transport.AuthTokenHeader)
	switch reg.RegisterStatus {
	case server.RegisterRejected:
		writeError(w, http.StatusForbidden, transport.CodeNotAccepted, "registration was rejected")
		return
	case server.RegisterAccepted:
		if token == "" {
			writeError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "missing auth token")
			return
		}
	}

	// A token, when present, must be valid and must match the client.
	if token != "" {
		owner, err := a.registry.ResolveToken(ctx, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "unknown auth token")
			return
		}
		if owner.ClientID != hb.ClientID {
			writeError(w, http.StatusForbidden, transport.CodeUnauthorized, "token does not match client")
			return
		}
	}

	if err := a.registry.TouchSeen(ctx, hb.ClientID, remoteIP(r)); err != nil {
		if errors.Is(err, server.ErrNotFound) {
			writeError(w, http.StatusNotFound, "", "unknown client")
			return
		}
		a.logger.Error().Err(err).Str("client_id", hb.ClientID).Msg("heartbeat update failed")
		writeError(w, http.StatusInternalServerError, "", "heartbeat failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorizeAgent resolves the X-Auth-Token header into an accepted,
// active registration, writing the error response itself on failure.
func (a *app) authorizeAgent(ctx context.Context, w http.ResponseWriter, r *http.Request) (*server.Registration, bool) {
	token := r.Header.Get(transport.AuthTokenHeader)
	if token == "" {
		writeError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "missing auth token")
		return nil, false
	}

	reg, err := a.registry.ResolveToken(ctx, token)
	if err != nil {
		if errors.Is(err, server.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "unknown auth token")
			return nil, false
		}
		a.logger.Error().Err(err).Msg("token lookup failed")
		writeError(w, http.StatusInternalServerError, "", "authorization failure")
		return nil, false
	}

	if !reg.IsActive {
		writeError(w, http.StatusForbidden, transport.CodeNotAccepted, "reporting disabled for this server")
		return nil, false
	}
	return reg, true
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}
