package smoketest

import (
	"github.com/spf13/cobra"
)

func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smoketest",
		Short: "Run devnet smoke/integration tests against the testapps (dev-only)",
	}

	cmd.AddCommand(
		newE2ECmd(),
		newFailuresCmd(),
		newLogsCmd(),
	)
	return cmd
}
