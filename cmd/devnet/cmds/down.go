package cmds

import (
	"fmt"
	"syscall"
	"time"

	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDownCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Ask the running devnet supervisor to tear everything down",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			st, err := state.Load(opts.RepoRoot)
			if err != nil {
				return errors.Wrap(err, "devnet is not running")
			}
			pid := st.SupervisorPID
			if !state.ProcessAlive(pid) {
				log.Warn().Int("pid", pid).Msg("supervisor is gone; removing stale state")
				return state.Remove(opts.RepoRoot)
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return errors.Wrapf(err, "signal supervisor %d", pid)
			}
			deadline := time.Now().Add(wait)
			for state.ProcessAlive(pid) {
				if time.Now().After(deadline) {
					return errors.Errorf("supervisor %d still running after %s", pid, wait)
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(100 * time.Millisecond):
				}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for teardown")
	return cmd
}
