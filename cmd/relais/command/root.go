package command

import (
	"fmt"

	"github.com/relais-dev/relais/cmd/relais/command/token"
	"github.com/relais-dev/relais/cmd/relais/command/tunnel"
	"github.com/relais-dev/relais/pkg/version"
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "relais",
	Short: "Expose a local TCP service through the relais relay",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relais %s\n", version.Version)
	},
}

func init() {
	RootCmd.AddCommand(tunnel.TunnelCmd, token.SetTokenCmd, versionCmd)
}
