package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/garyjia/devportal-approvals/internal/infrastructure/identity"
)

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		ownership []string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-ref>",
		Short: "Mint a bearer token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			resolver, err := identity.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
			if err != nil {
				return err
			}
			principal, err := identity.PrincipalFor(args[0], ownership)
			if err != nil {
				return err
			}
			token, err := resolver.Issue(principal.UserRef, principal.OwnershipRefs[1:], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ownership, "owns", nil, "ownership refs, e.g. group:default/admins")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
