package events

import "time"

const TopicDevnetEvents = "devnet.events"

const (
	TypePhaseChanged  = "phase.changed"
	TypeServiceStatus = "service.status"
)

type PhaseChanged struct {
	RunID string    `json:"run_id"`
	Phase string    `json:"phase"`
	At    time.Time `json:"at"`
}

type ServiceStatus struct {
	RunID   string    `json:"run_id"`
	Service string    `json:"service"`
	Status  string    `json:"status"`
	PID     int       `json:"pid,omitempty"`
	LogPath string    `json:"log_path,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
