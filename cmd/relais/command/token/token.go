package token

import (
	"github.com/relais-dev/relais/pkg/token"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// SetTokenCmd persists the auth token with owner-only permissions. The
// tunnel command reads it back at startup.
var SetTokenCmd = &cobra.Command{
	Use:   "set-token <token>",
	Short: "Store the auth token for this user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := token.Save(args[0]); err != nil {
			return err
		}

		path, _ := token.Path()
		log.Info().Msgf("Token saved to %s.", path)
		return nil
	},
}
