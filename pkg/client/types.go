package client

import "time"

// AgentStatus is the supervisor snapshot returned by /health.
type AgentStatus struct {
	State        string    `json:"state"`
	PID          int       `json:"pid,omitempty"`
	RestartCount int       `json:"restart_count"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastEventAt  time.Time `json:"last_event_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// PairingStatus mirrors /pairing/status.
type PairingStatus struct {
	PairingRequired bool   `json:"pairing_required"`
	Paired          bool   `json:"paired"`
	PairingCode     string `json:"pairing_code,omitempty"`
}

// Notification is one frame of the /events stream.
type Notification struct {
	Kind      string         `json:"kind"`
	Type      string         `json:"type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
