package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/perppool/pool-engine/internal/auth"
)

var (
	tokenSubject string
	tokenAddress string
	tokenRoles   []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := getConfig()
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not configured")
		}
		svc, err := auth.NewTokenService(c.Auth.JWTSecret, c.Auth.Issuer, c.Auth.TokenTTL)
		if err != nil {
			return err
		}

		p := auth.Principal{Subject: tokenSubject}
		if tokenAddress != "" {
			if !common.IsHexAddress(tokenAddress) {
				return fmt.Errorf("--address %q is not a hex address", tokenAddress)
			}
			p.Address = common.HexToAddress(tokenAddress)
		}
		for _, name := range tokenRoles {
			role, err := auth.ParseRole(name)
			if err != nil {
				return err
			}
			p.Roles = append(p.Roles, role)
		}

		signed, exp, err := svc.Issue(p)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		logger.Debug().Str("subject", p.Subject).Time("expires", exp.UTC().Truncate(time.Second)).Msg("token issued")
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject")
	tokenCmd.Flags().StringVar(&tokenAddress, "address", "", "Account address the bearer acts as")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{string(auth.RoleUser)}, "Roles to grant (repeatable)")
	_ = tokenCmd.MarkFlagRequired("subject")
}
