package agent

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/babybirdprd/zombieclaw/internal/logger"
)

// Defaults applied by Spec.Normalize.
const (
	DefaultCallTimeout  = 60 * time.Second
	DefaultGracePeriod  = 3 * time.Second
	DefaultBackoffBase  = 1 * time.Second
	DefaultBackoffMax   = 30 * time.Second
	DefaultScannerBufKB = 1024
	defaultAgentName    = "agent"
)

// Spec describes the agent runtime process to supervise: a long-lived
// binary speaking newline-delimited JSON on its standard streams.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"` // argv0; not interpreted by a shell
	Args    []string `json:"args"`
	Env     []string `json:"env"`      // optional extra env, KEY=VALUE
	WorkDir string   `json:"work_dir"` // optional working dir, absolute when set

	CallTimeout time.Duration `json:"call_timeout"` // default per-call deadline
	GracePeriod time.Duration `json:"grace_period"` // SIGTERM to SIGKILL escalation window
	BackoffBase time.Duration `json:"backoff_base"` // restart backoff unit
	BackoffMax  time.Duration `json:"backoff_max"`  // restart backoff cap

	ScannerBufferKB int `json:"scanner_buffer_kb"` // stdout line buffer limit

	// Log configures rotating capture of the raw agent streams. Protocol
	// handling always reads the streams first; capture is best-effort.
	Log logger.Config `json:"log"`
}

// Validate checks the fields a supervisor cannot proceed without.
func (s *Spec) Validate() error {
	if s.Command == "" {
		return errors.New("agent spec: command required")
	}
	if s.WorkDir != "" && !filepath.IsAbs(s.WorkDir) {
		return errors.New("agent spec: work_dir must be absolute")
	}
	return nil
}

// Normalize fills zero-valued tunables with defaults.
func (s *Spec) Normalize() {
	if s.Name == "" {
		s.Name = defaultAgentName
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = DefaultCallTimeout
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = DefaultBackoffBase
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = DefaultBackoffMax
	}
	if s.ScannerBufferKB <= 0 {
		s.ScannerBufferKB = DefaultScannerBufKB
	}
}

// State is the supervisor lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateErrored  State = "errored"
)

// Status is a point-in-time health snapshot. Zero timestamps mean
// "never observed".
type Status struct {
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	RestartCount int       `json:"restart_count"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastEventAt  time.Time `json:"last_event_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}
