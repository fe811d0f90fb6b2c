package cmds

import (
	"github.com/go-go-golems/devnet/cmd/devnet/cmds/dev"
	"github.com/spf13/cobra"
)

func AddCommands(root *cobra.Command) error {
	root.AddCommand(dev.NewCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newCheckCmd())

	root.AddCommand(newUpCmd())
	root.AddCommand(newDownCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newLogsCmd())
	return nil
}
