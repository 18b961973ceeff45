package cmd

import (
	"os"
	"time"

	"github.com/argus-labs/lockstep/pkg/lockstep/netsync"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

const envJWTSecret = "LOCKSTEP_JWT_SECRET"

func newTokenCmd() *cobra.Command {
	var (
		issuer string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <player-id>",
		Short: "issue a player token for a server started with " + envJWTSecret,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv(envJWTSecret)
			if secret == "" {
				return eris.Errorf("%s is not set", envJWTSecret)
			}
			token, err := netsync.NewJWTAuthenticator([]byte(secret), issuer).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "lockstepd", "token issuer")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
