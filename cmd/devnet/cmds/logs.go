package cmds

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var follow bool
	var tailLines int

	cmd := &cobra.Command{
		Use:   "logs SERVICE",
		Short: "Print (and optionally follow) a service's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			st, err := state.Load(opts.RepoRoot)
			if err != nil {
				return errors.Wrap(err, "devnet is not running")
			}
			var path string
			for _, s := range st.Services {
				if s.Name == args[0] {
					path = s.LogPath
				}
			}
			if path == "" {
				return errors.Errorf("unknown service %q", args[0])
			}

			lines, err := state.TailLines(path, tailLines, 2<<20)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range lines {
				_, _ = fmt.Fprintln(out, l)
			}
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return state.Follow(ctx, path, out)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new lines until interrupted")
	cmd.Flags().IntVar(&tailLines, "tail-lines", 50, "How many existing lines to print first")
	return cmd
}
