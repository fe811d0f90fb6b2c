package cmds

import (
	"fmt"

	"github.com/go-go-golems/devnet/pkg/preflight"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the preflight checks (tools, genesis file, free ports) only",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			_, plan, err := loadPlan(opts)
			if err != nil {
				return err
			}
			if err := preflight.FromPlan(plan).Run(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
