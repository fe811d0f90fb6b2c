// Package state holds what outlives a single devnet command: the run file
// under .devnet/, per-service exit records and log helpers used by status,
// logs and down.
package state

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	StateDirName  = ".devnet"
	StateFilename = "state.json"
	LogsDirName   = "logs"
)

// State describes a live run. It is written once every service is ready and
// removed during teardown, so its presence means a supervisor is (or was) up.
type State struct {
	RunID         string          `json:"run_id"`
	RepoRoot      string          `json:"repo_root"`
	SupervisorPID int             `json:"supervisor_pid"`
	CreatedAt     time.Time       `json:"created_at"`
	Services      []ServiceRecord `json:"services"`
}

type ServiceRecord struct {
	Name      string            `json:"name"`
	PID       int               `json:"pid"`
	Command   []string          `json:"command"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	LogPath   string            `json:"log_path"`
	ExitInfo  string            `json:"exit_info,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`

	Address    string `json:"address"`
	HealthURL  string `json:"health_url,omitempty"`
	PingMethod string `json:"ping_method,omitempty"`
}

// StatePath is <repoRoot>/.devnet/state.json.
func StatePath(repoRoot string) string {
	return filepath.Join(repoRoot, StateDirName, StateFilename)
}

// LogsDir is the default per-run log directory, <repoRoot>/.devnet/logs.
func LogsDir(repoRoot string) string {
	return filepath.Join(repoRoot, StateDirName, LogsDirName)
}

// Load reads the run file of repoRoot. A missing file is returned as an
// error wrapping fs.ErrNotExist.
func Load(repoRoot string) (*State, error) {
	raw, err := os.ReadFile(StatePath(repoRoot))
	if err != nil {
		return nil, errors.Wrap(err, "read run state")
	}
	st := &State{}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, errors.Wrapf(err, "decode %s", StatePath(repoRoot))
	}
	return st, nil
}

// Save replaces the run file in one rename so readers never see a partial
// document.
func Save(repoRoot string, st *State) error {
	if st == nil {
		return errors.New("save run state: nil state")
	}
	target := StatePath(repoRoot)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode run state")
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), StateFilename+".*")
	if err != nil {
		return errors.Wrap(err, "create temp state")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp state")
	}
	return errors.Wrap(os.Rename(tmp.Name(), target), "install run state")
}

// Remove deletes the run file; an already missing file is fine.
func Remove(repoRoot string) error {
	err := os.Remove(StatePath(repoRoot))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "remove run state")
}

// ProcessAlive reports whether pid names a running process. A reaped pid or
// an unreaped zombie counts as dead; EPERM means it exists under another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 || processState(pid) == 'Z' {
		return false
	}
	switch err := syscall.Kill(pid, 0); {
	case err == nil:
		return true
	default:
		return stderrors.Is(err, syscall.EPERM)
	}
}

// processState returns the one-letter state field of /proc/<pid>/stat, or 0
// when it cannot be read. comm may contain spaces or parens, so the field is
// located after the last ')'.
func processState(pid int) byte {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	end := bytes.LastIndexByte(raw, ')')
	if end < 0 {
		return 0
	}
	rest := bytes.TrimLeft(raw[end+1:], " ")
	if len(rest) == 0 {
		return 0
	}
	return rest[0]
}
