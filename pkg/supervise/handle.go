package supervise

import (
	"os/exec"
	"sync"
	"time"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/go-go-golems/devnet/pkg/logmux"
	"github.com/go-go-golems/devnet/pkg/state"
)

type Phase string

const (
	PhaseInit              Phase = "Init"
	PhaseCheckingPreflight Phase = "CheckingPreflight"
	PhaseBuilding          Phase = "Building"
	PhaseLaunching         Phase = "Launching"
	PhaseProbingReadiness  Phase = "ProbingReadiness"
	PhaseAllReady          Phase = "AllReady"
	PhaseMonitoring        Phase = "Monitoring"
	PhaseShuttingDown      Phase = "ShuttingDown"
	PhaseTerminated        Phase = "Terminated"
)

// Phases lists every phase in lifecycle order.
var Phases = []string{
	string(PhaseInit), string(PhaseCheckingPreflight), string(PhaseBuilding),
	string(PhaseLaunching), string(PhaseProbingReadiness), string(PhaseAllReady),
	string(PhaseMonitoring), string(PhaseShuttingDown), string(PhaseTerminated),
}

type Status string

const (
	StatusLaunched Status = "Launched"
	StatusProbing  Status = "Probing"
	StatusReady    Status = "Ready"
	StatusExited   Status = "Exited"
	StatusFailed   Status = "Failed"
)

// Handle is a launched service. The supervisor owns it; the wait goroutine is
// the only writer of the exit fields and publishes them by closing exited.
type Handle struct {
	Spec      engine.ServiceSpec
	PID       int
	LogPath   string
	ExitPath  string
	StartedAt time.Time

	cmd *exec.Cmd
	mux *logmux.Multiplexer

	mu     sync.Mutex
	status Status

	exited     chan struct{}
	exit       state.ExitInfo
	terminated bool
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// setStatus moves the handle to s. Exited and Failed are final; a late
// transition out of them is dropped.
func (h *Handle) setStatus(s Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusExited || h.status == StatusFailed {
		return h.status == s
	}
	h.status = s
	return true
}

// Exited is closed once the process has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// ExitInfo returns the exit record; ok is false while the process runs.
func (h *Handle) ExitInfo() (state.ExitInfo, bool) {
	select {
	case <-h.exited:
		return h.exit, true
	default:
		return state.ExitInfo{}, false
	}
}

func (h *Handle) markTerminated() {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
}

func (h *Handle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// Record converts the handle into its state.json entry.
func (h *Handle) Record() state.ServiceRecord {
	env := map[string]string{}
	for k, v := range h.Spec.Env {
		env[k] = v
	}
	rec := state.ServiceRecord{
		Name:       h.Spec.Name,
		PID:        h.PID,
		Command:    h.Spec.Command,
		Cwd:        h.Spec.Cwd,
		Env:        state.SanitizeEnv(env),
		LogPath:    h.LogPath,
		ExitInfo:   h.ExitPath,
		StartedAt:  h.StartedAt,
		Address:    h.Spec.Address(),
		PingMethod: h.Spec.PingMethod,
	}
	if h.Spec.HealthPath != "" {
		rec.HealthURL = h.Spec.HealthURL()
	}
	return rec
}
