package transport

// Register statuses returned by the collector.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Error codes returned alongside non-2xx responses so clients can tell an
// authorization failure (re-register) from a payload failure (drop and move on).
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotAccepted  = "REGISTRATION_NOT_ACCEPTED"
	CodeBadPayload   = "BAD_PAYLOAD"
	CodeConflict     = "CONFLICT"
)

// AuthTokenHeader carries the agent's issued token on report and heartbeat calls.
const AuthTokenHeader = "X-Auth-Token"

// RegisterRequest is sent by an agent to enter (or re-enter) the admission queue.
type RegisterRequest struct {
	ClientID string `json:"client_id"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
}

// RegisterResponse carries the admission decision. The configuration fields are
// populated only when Status is "accepted"; Reason only when "rejected".
type RegisterResponse struct {
	Status         string   `json:"status"`
	Reason         string   `json:"reason,omitempty"`
	ServerID       int64    `json:"server_id,omitempty"`
	AuthToken      string   `json:"auth_token,omitempty"`
	ReportURL      string   `json:"report_url,omitempty"`
	ReportInterval int      `json:"report_interval,omitempty"`
	MonitorCPU     bool     `json:"monitor_cpu,omitempty"`
	MonitorMemory  bool     `json:"monitor_memory,omitempty"`
	MonitorDisks   []string `json:"monitor_disks,omitempty"`
	MonitorGPU     bool     `json:"monitor_gpu,omitempty"`
	IsActive       bool     `json:"is_active,omitempty"`
}

// CPUMetrics is one CPU reading. Temperature and power are best-effort and
// absent on platforms where the sensors cannot be read.
type CPUMetrics struct {
	Name         string   `json:"name,omitempty"`
	Cores        int      `json:"cores,omitempty"`
	Threads      int      `json:"threads,omitempty"`
	UsagePercent float64  `json:"usage_percent"`
	FrequencyMHz float64  `json:"frequency_mhz,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	PowerW       *float64 `json:"power_w,omitempty"`
}

type MemoryMetrics struct {
	TotalBytes     uint64  `json:"total"`
	UsedBytes      uint64  `json:"used"`
	AvailableBytes uint64  `json:"available"`
	UsedPercent    float64 `json:"percent"`
}

type DiskMetrics struct {
	Device      string  `json:"device,omitempty"`
	Mountpoint  string  `json:"mountpoint"`
	Model       string  `json:"model,omitempty"`
	TotalBytes  uint64  `json:"total"`
	UsedBytes   uint64  `json:"used"`
	UsedPercent float64 `json:"percent"`
}

type GPUMetrics struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	UtilPercent       float64 `json:"util_percent"`
	MemoryTotalBytes  uint64  `json:"memory_total"`
	MemoryUsedBytes   uint64  `json:"memory_used"`
	MemoryUtilPercent float64 `json:"memory_util_percent"`
	PowerW            float64 `json:"power_w,omitempty"`
}

// MetricsSnapshot is one timestamped measurement. Any sub-object may be absent
// when its monitor flag is off or its sampler failed; partial snapshots are
// valid and must be stored as-is.
type MetricsSnapshot struct {
	ClientID  string         `json:"client_id"`
	Hostname  string         `json:"hostname,omitempty"`
	Timestamp int64          `json:"timestamp"`
	CPU       *CPUMetrics    `json:"cpu,omitempty"`
	Memory    *MemoryMetrics `json:"memory,omitempty"`
	Disks     []DiskMetrics  `json:"disk,omitempty"`
	GPUs      []GPUMetrics   `json:"gpus,omitempty"`
}

// ReportResponse acknowledges an ingested batch. Received is the count of
// snapshots actually stored so the agent can clear its cache.
type ReportResponse struct {
	Status   string `json:"status"`
	Received int    `json:"received"`
}

// HeartbeatRequest is the minimal liveness signal, sent on its own cadence
// independently of metric delivery.
type HeartbeatRequest struct {
	ClientID  string `json:"client_id"`
	Hostname  string `json:"hostname"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// RejectRequest is the admin's rejection body.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// LoginRequest authenticates an admin session.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error"`
}
