package main

import (
	"fmt"
	"os"

	"github.com/go-go-golems/devnet/cmd/devnet/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "devnet",
	Short:         "devnet boots a local full node and sequencer and keeps them supervised",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	cobra.CheckErr(logging.AddLoggingLayerToRootCommand(rootCmd, "devnet"))
	cmds.AddRootFlags(rootCmd)
	cobra.CheckErr(cmds.AddCommands(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		if !cmds.IsReported(err) {
			_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cmds.ExitCode(err))
	}
}
