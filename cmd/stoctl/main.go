// Command stoctl is the operator CLI for the sponsored transaction
// orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stoctl",
		Short:         "Operator tooling for the Confío sponsored transaction orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the orchestrator configuration file")

	root.AddCommand(sponsorCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(mbrCmd())
	root.AddCommand(tokenCmd())
	return root
}
