// Command voxline runs the call session orchestrator and its dialogue agents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "voxline",
		Short: "Voxline call session orchestrator",
		Long: `voxline supervises one dialogue agent per room and drives turn-based
conversations between callers and a language model.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newAgentCmd(),
		newChatCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voxline %s\n", version)
		},
	}
}
