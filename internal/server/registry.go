package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/shafraz007/server-status-platform/internal/auth"
)

// Registration statuses as stored in the servers table.
const (
	RegisterPending  = "PENDING"
	RegisterAccepted = "ACCEPTED"
	RegisterRejected = "REJECTED"
)

// Liveness statuses derived from heartbeats and reports.
const (
	LivenessOnline  = "online"
	LivenessStale   = "stale"
	LivenessOffline = "offline"
)

var (
	// ErrNotFound means no registration matches the given id or token.
	ErrNotFound = errors.New("registration not found")
	// ErrConflict means the registration already left the PENDING
	// state, so the requested decision cannot be applied.
	ErrConflict = errors.New("registration already decided")
)

// Registration is one row of the servers table.
type Registration struct {
	ID              int64      `json:"id"`
	ClientID        string     `json:"client_id"`
	Hostname        string     `json:"hostname"`
	OS              string     `json:"os,omitempty"`
	IPAddress       string     `json:"ip_address,omitempty"`
	RegisterStatus  string     `json:"register_status"`
	AuthToken       string     `json:"-"`
	ReportURL       string     `json:"report_url,omitempty"`
	ReportInterval  int        `json:"report_interval"`
	MonitorCPU      bool       `json:"monitor_cpu"`
	MonitorMemory   bool       `json:"monitor_memory"`
	MonitorDisks    []string   `json:"monitor_disks,omitempty"`
	MonitorGPU      bool       `json:"monitor_gpu"`
	IsActive        bool       `json:"is_active"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	Liveness        string     `json:"liveness"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Registry is the admission-control store. The HTTP layer only talks
// to this interface; PgRegistry is the production implementation.
type Registry interface {
	// Register records a new agent as PENDING, or refreshes and
	// returns the existing row for a known client_id. It never
	// reverses an operator decision.
	Register(ctx context.Context, clientID, hostname, osInfo, ip string) (*Registration, error)
	// ListPending returns registrations awaiting a decision.
	ListPending(ctx context.Context) ([]Registration, error)
	// List returns all registrations.
	List(ctx context.Context) ([]Registration, error)
	// Get returns one registration by id.
	Get(ctx context.Context, id int64) (*Registration, error)
	// GetByClientID returns one registration by its agent identity.
	GetByClientID(ctx context.Context, clientID string) (*Registration, error)
	// Accept moves a PENDING registration to ACCEPTED and issues its
	// auth token. Exactly one token is ever generated per
	// registration; a decided row yields ErrConflict.
	Accept(ctx context.Context, id int64) (*Registration, error)
	// Reject moves a PENDING registration to REJECTED with a reason.
	Reject(ctx context.Context, id int64, reason string) (*Registration, error)
	// ResolveToken returns the accepted registration owning the
	// token, or ErrNotFound.
	ResolveToken(ctx context.Context, token string) (*Registration, error)
	// TouchSeen updates last_seen and marks the agent online. Rejected
	// registrations are skipped; a rejected host stays offline.
	TouchSeen(ctx context.Context, clientID, ip string) error
}

// RegistrationDefaults seed the reporting config of newly accepted
// agents. Operators can adjust individual rows afterwards; the agent
// picks changes up on its next registration.
type RegistrationDefaults struct {
	ReportURL      string
	ReportInterval int
}

// PgRegistry implements Registry on PostgreSQL.
type PgRegistry struct {
	pool     *pgxpool.Pool
	defaults RegistrationDefaults
	logger   zerolog.Logger
}

func NewPgRegistry(pool *pgxpool.Pool, defaults RegistrationDefaults, logger zerolog.Logger) *PgRegistry {
	return &PgRegistry{pool: pool, defaults: defaults, logger: logger}
}

const registrationColumns = `
	id, client_id, hostname, os, ip_address, register_status,
	COALESCE(auth_token, ''), report_url, report_interval,
	monitor_cpu, monitor_memory, monitor_disks, monitor_gpu, is_active,
	COALESCE(rejection_reason, ''), liveness, last_seen, created_at, updated_at`

func scanRegistration(row pgx.Row) (*Registration, error) {
	var r Registration
	err := row.Scan(
		&r.ID,
		&r.ClientID,
		&r.Hostname,
		&r.OS,
		&r.IPAddress,
		&r.RegisterStatus,
		&r.AuthToken,
		&r.ReportURL,
		&r.ReportInterval,
		&r.MonitorCPU,
		&r.MonitorMemory,
		&r.MonitorDisks,
		&r.MonitorGPU,
		&r.IsActive,
		&r.RejectionReason,
		&r.Liveness,
		&r.LastSeen,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PgRegistry) Register(ctx context.Context, clientID, hostname, osInfo, ip string) (*Registration, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client_id cannot be empty")
	}
	if hostname == "" {
		return nil, fmt.Errorf("hostname cannot be empty")
	}

	// The upsert refreshes host details on every call but never
	// touches register_status or auth_token, so repeating the call
	// cannot undo a decision or mint a second token.
	query := `
	INSERT INTO servers (client_id, hostname, os, ip_address, register_status, report_url, report_interval, last_seen)
	VALUES ($1, $2, $3, $4, 'PENDING', $5, $6, CURRENT_TIMESTAMP)
	ON CONFLICT (client_id)
	DO UPDATE SET
		hostname = EXCLUDED.hostname,
		os = EXCLUDED.os,
		ip_address = EXCLUDED.ip_address,
		last_seen = CURRENT_TIMESTAMP,
		updated_at = CURRENT_TIMESTAMP
	RETURNING ` + registrationColumns

	reg, err := scanRegistration(p.pool.QueryRow(ctx, query, clientID, hostname, osInfo, ip, p.defaults.ReportURL, p.defaults.ReportInterval))
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return reg, nil
}

func (p *PgRegistry) ListPending(ctx context.Context) ([]Registration, error) {
	return p.list(ctx, `SELECT `+registrationColumns+` FROM servers WHERE register_status = 'PENDING' ORDER BY created_at ASC`)
}

func (p *PgRegistry) List(ctx context.Context) ([]Registration, error) {
	return p.list(ctx, `SELECT `+registrationColumns+` FROM servers ORDER BY id ASC`)
}

func (p *PgRegistry) list(ctx context.Context, query string) ([]Registration, error) {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}

func (p *PgRegistry) Get(ctx context.Context, id int64) (*Registration, error) {
	reg, err := scanRegistration(p.pool.QueryRow(ctx, `SELECT `+registrationColumns+` FROM servers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return reg, nil
}

func (p *PgRegistry) GetByClientID(ctx context.Context, clientID string) (*Registration, error) {
	reg, err := scanRegistration(p.pool.QueryRow(ctx, `SELECT `+registrationColumns+` FROM servers WHERE client_id = $1`, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return reg, nil
}

func (p *PgRegistry) Accept(ctx context.Context, id int64) (*Registration, error) {
	token, err := auth.NewAgentToken()
	if err != nil {
		return nil, fmt.Errorf("unable to generate auth token: %w", err)
	}

	// Compare-and-set on register_status: only a PENDING row takes
	// the token, so concurrent decisions cannot both win.
	query := `
	UPDATE servers
	SET register_status = 'ACCEPTED',
		auth_token = $2,
		updated_at = CURRENT_TIMESTAMP
	WHERE id = $1 AND register_status = 'PENDING'
	RETURNING ` + registrationColumns

	reg, err := scanRegistration(p.pool.QueryRow(ctx, query, id, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.decisionConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	p.logger.Info().Int64("server_id", id).Str("client_id", reg.ClientID).Msg("registration accepted")
	return reg, nil
}

func (p *PgRegistry) Reject(ctx context.Context, id int64, reason string) (*Registration, error) {
	query := `
	UPDATE servers
	SET register_status = 'REJECTED',
		rejection_reason = $2,
		updated_at = CURRENT_TIMESTAMP
	WHERE id = $1 AND register_status = 'PENDING'
	RETURNING ` + registrationColumns

	reg, err := scanRegistration(p.pool.QueryRow(ctx, query, id, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.decisionConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	p.logger.Info().Int64("server_id", id).Str("client_id", reg.ClientID).Str("reason", reason).Msg("registration rejected")
	return reg, nil
}

// decisionConflict distinguishes a missing row from one already decided.
func (p *PgRegistry) decisionConflict(ctx context.Context, id int64) error {
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (p *PgRegistry) ResolveToken(ctx context.Context, token string) (*Registration, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + registrationColumns + ` FROM servers WHERE auth_token = $1 AND register_status = 'ACCEPTED'`
	reg, err := scanRegistration(p.pool.QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return reg, nil
}

func (p *PgRegistry) TouchSeen(ctx context.Context, clientID, ip string) error {
	query := `
	UPDATE servers
	SET last_seen = CURRENT_TIMESTAMP,
		liveness = 'online',
		ip_address = CASE WHEN $2 <> '' THEN $2 ELSE ip_address END,
		updated_at = CURRENT_TIMESTAMP
	WHERE client_id = $1 AND register_status <> 'REJECTED'`

	tag, err := p.pool.Exec(ctx, query, clientID, ip)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
