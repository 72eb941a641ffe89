package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/shafraz007/server-status-platform/internal/auth"
	"github.com/shafraz007/server-status-platform/internal/server"
	"github.com/shafraz007/server-status-platform/internal/transport"
)

// requireAdmin gates admin endpoints behind a bearer JWT. When no
// secret is configured the admin API is open; meant for single-host
// deployments where the port is firewalled.
func (a *app) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.AdminJWTSecret != "" {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "missing bearer token")
				return
			}
			if _, err := auth.ValidateAdminSession(token, a.cfg.AdminJWTSecret); err != nil {
				writeError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "invalid session")
				return
			}
		}
		next(w, r)
	}
}

func (a *app) loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.cfg.AdminJWTSecret == "" {
		writeError(w, http.StatusInternalServerError, "", "admin auth not configured")
		return
	}

	var body transport.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, transport.CodeBadPayload, "invalid request body")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	user, err := a.authenticate(ctx, body.Username, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.NewAdminSession(user.Username, a.cfg.AdminJWTSecret, a.cfg.AdminJWTTTL)
	if err != nil {
		a.logger.Error().Err(err).Msg("token generation failed")
		writeError(w, http.StatusInternalServerError, "", "failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, transport.LoginResponse{Token: token})
}

// serversHandler lists registrations. The approval queue is also
// reachable as /api/admin/servers/pending or ?status=pending.
func (a *app) serversHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Query().Get("status") == "pending" {
		a.listPending(w, r)
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	list, err := a.registry.List(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list servers")
		writeError(w, http.StatusInternalServerError, "", "listing failed")
		return
	}
	if list == nil {
		list = []server.Registration{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *app) listPending(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	list, err := a.registry.ListPending(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list pending servers")
		writeError(w, http.StatusInternalServerError, "", "listing failed")
		return
	}
	if list == nil {
		list = []server.Registration{}
	}
	writeJSON(w, http.StatusOK, list)
}

// serverDetailHandler routes /api/admin/servers/{id} and its
// sub-resources: accept, reject, events, metrics/latest.
func (a *app) serverDetailHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/admin/servers/")
	idPart, action, _ := strings.Cut(rest, "/")
	if idPart == "pending" && action == "" {
		a.listPending(w, r)
		return
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		a.getServer(w, r, id)
	case "accept":
		a.acceptServer(w, r, id)
	case "reject":
		a.rejectServer(w, r, id)
	case "events":
		a.listServerEvents(w, r, id)
	case "metrics/latest":
		a.latestServerMetrics(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (a *app) getServer(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	reg, err := a.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, server.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, http.StatusInternalServerError, "", "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (a *app) acceptServer(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	reg, err := a.registry.Accept(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, server.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, server.ErrConflict):
			writeError(w, http.StatusConflict, transport.CodeConflict, "registration already decided")
		default:
			a.logger.Error().Err(err).Int64("server_id", id).Msg("accept failed")
			writeError(w, http.StatusInternalServerError, "", "accept failed")
		}
		return
	}

	a.events.Record(ctx, id, server.EventAccepted, "registration accepted", nil)
	writeJSON(w, http.StatusOK, reg)
}

func (a *app) rejectServer(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body transport.RejectRequest
	if r.Body != nil {
		// Reason is optional; an empty body rejects without one.
		json.NewDecoder(r.Body).Decode(&body)
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	reg, err := a.registry.Reject(ctx, id, body.Reason)
	if err != nil {
		switch {
		case errors.Is(err, server.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, server.ErrConflict):
			writeError(w, http.StatusConflict, transport.CodeConflict, "registration already decided")
		default:
			a.logger.Error().Err(err).Int64("server_id", id).Msg("reject failed")
			writeError(w, http.StatusInternalServerError, "", "reject failed")
		}
		return
	}

	a.events.Record(ctx, id, server.EventRejected, "registration rejected", map[string]string{"reason": body.Reason})
	writeJSON(w, http.StatusOK, reg)
}

func (a *app) listServerEvents(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := a.events.ListByServer(ctx, id, limit)
	if err != nil {
		a.logger.Error().Err(err).Int64("server_id", id).Msg("failed to list events")
		writeError(w, http.StatusInternalServerError, "", "listing failed")
		return
	}
	if events == nil {
		events = []server.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *app) latestServerMetrics(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	snap, err := a.metrics.LatestSnapshot(ctx, id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
