package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ExitInfo is the post-mortem record for one service, written next to its log.
type ExitInfo struct {
	Service   string    `json:"service"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`

	// Terminated is true when the supervisor stopped the process itself.
	Terminated bool `json:"terminated,omitempty"`

	LogPath string   `json:"log_path,omitempty"`
	LogTail []string `json:"log_tail,omitempty"`
}

// Describe renders the exit as "exit code N", "signal S" or the wait error.
func (e ExitInfo) Describe() string {
	switch {
	case e.Signal != "":
		return "signal " + e.Signal
	case e.ExitCode != nil:
		return "exit code " + strconv.Itoa(*e.ExitCode)
	case e.Error != "":
		return e.Error
	default:
		return "exited"
	}
}

// Clean reports a zero exit code with no signal.
func (e ExitInfo) Clean() bool {
	return e.Signal == "" && e.ExitCode != nil && *e.ExitCode == 0
}

// ExitFromWait converts the error returned by cmd.Wait into exit code or signal.
func ExitFromWait(waitErr error, ps *os.ProcessState) (code *int, sig string, msg string) {
	if ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return nil, ws.Signal().String(), ""
			}
			c := ws.ExitStatus()
			return &c, "", ""
		}
	}
	if waitErr != nil {
		return nil, "", waitErr.Error()
	}
	c := 0
	return &c, "", ""
}

func WriteExitInfo(path string, info ExitInfo) error {
	if path == "" {
		return errors.New("missing path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir exit info dir")
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal exit info")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrap(err, "write exit info")
	}
	return nil
}

func ReadExitInfo(path string) (*ExitInfo, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read exit info")
	}
	var info ExitInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, errors.Wrap(err, "unmarshal exit info")
	}
	return &info, nil
}
