package events

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJournal_RecordsEmittedEvents(t *testing.T) {
	bus, err := NewInMemoryBus()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	j.Register(bus)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- bus.Run(ctx) }()

	select {
	case <-bus.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("bus did not start")
	}

	em := &Emitter{Pub: bus.Publisher, RunID: "run-1"}
	em.Phase("Launching")
	em.Service(ServiceStatus{Service: "node", Status: "Ready", PID: 42})
	em.Phase("ShuttingDown")

	cancel()
	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("bus did not stop")
	}
	require.NoError(t, j.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &env))
	require.Equal(t, TypeServiceStatus, env.Type)
	var st ServiceStatus
	require.NoError(t, json.Unmarshal(env.Payload, &st))
	require.Equal(t, "run-1", st.RunID)
	require.Equal(t, "node", st.Service)
	require.Equal(t, 42, st.PID)

	require.NoError(t, json.Unmarshal([]byte(lines[2]), &env))
	var ph PhaseChanged
	require.NoError(t, json.Unmarshal(env.Payload, &ph))
	require.Equal(t, "ShuttingDown", ph.Phase)
}

func TestEmitter_NilIsSafe(t *testing.T) {
	var em *Emitter
	em.Phase("Init")
	em.Service(ServiceStatus{Service: "x"})

	(&Emitter{}).Phase("Init")
}
