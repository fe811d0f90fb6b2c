package cmds

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-go-golems/devnet/pkg/proc"
	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type serviceStatus struct {
	Name      string            `json:"name"`
	PID       int               `json:"pid"`
	Alive     bool              `json:"alive"`
	Address   string            `json:"address"`
	LogPath   string            `json:"log_path"`
	Env       map[string]string `json:"env,omitempty"`
	Group     []int             `json:"group,omitempty"`
	Stats     *proc.Stats       `json:"stats,omitempty"`
	Exit      *state.ExitInfo   `json:"exit,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

func newStatusCmd() *cobra.Command {
	var tailLines int
	var sample time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the services of the running devnet",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			st, err := state.Load(opts.RepoRoot)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return errors.New("devnet is not running (no state file)")
				}
				return err
			}

			tracker := proc.NewCPUTracker()
			if sample > 0 {
				for _, s := range st.Services {
					_, _ = proc.ReadStats(s.PID, tracker)
				}
				time.Sleep(sample)
			}

			services := make([]serviceStatus, 0, len(st.Services))
			for _, s := range st.Services {
				ss := serviceStatus{
					Name:      s.Name,
					PID:       s.PID,
					Alive:     state.ProcessAlive(s.PID),
					Address:   s.Address,
					LogPath:   s.LogPath,
					Env:       state.FilterEnvForDisplay(s.Env, 20),
					StartedAt: s.StartedAt,
				}
				if ss.Alive {
					if stats, err := proc.ReadStats(s.PID, tracker); err == nil {
						ss.Stats = stats
					}
					if pids, err := proc.GroupPIDs(s.PID); err == nil {
						ss.Group = pids
					}
				} else {
					ss.Exit = deadServiceInfo(s, tailLines)
				}
				services = append(services, ss)
			}

			b, err := json.MarshalIndent(map[string]any{
				"run_id":         st.RunID,
				"supervisor_pid": st.SupervisorPID,
				"supervisor_up":  state.ProcessAlive(st.SupervisorPID),
				"services":       services,
			}, "", "  ")
			if err != nil {
				return errors.Wrap(err, "marshal status")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.Flags().IntVar(&tailLines, "tail-lines", 25, "How many log lines to include for dead services")
	cmd.Flags().DurationVar(&sample, "sample", 200*time.Millisecond, "CPU sampling window (0 disables cpu_percent)")
	return cmd
}

// deadServiceInfo prefers the exit record written at teardown and falls back
// to the log tail read now.
func deadServiceInfo(s state.ServiceRecord, tailLines int) *state.ExitInfo {
	if s.ExitInfo != "" {
		if ei, err := state.ReadExitInfo(s.ExitInfo); err == nil {
			if tailLines > 0 && len(ei.LogTail) > tailLines {
				ei.LogTail = append([]string{}, ei.LogTail[len(ei.LogTail)-tailLines:]...)
			}
			return ei
		}
	}
	info := &state.ExitInfo{
		Service: s.Name,
		PID:     s.PID,
		Error:   "exit info not written yet; log tail captured at status time",
		LogPath: s.LogPath,
	}
	if tailLines > 0 {
		if lines, err := state.TailLines(s.LogPath, tailLines, 2<<20); err == nil {
			info.LogTail = lines
		}
	}
	return info
}
