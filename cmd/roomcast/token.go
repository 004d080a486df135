package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"roomcast/internal/auth"
	"roomcast/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		userID  int64
		email   string
		name    string
		picture string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user-id must be positive")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := auth.NewIssuer(cfg.Auth.JWTSecret, ttl).Issue(userID, email, name, picture)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "user id (required)")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&picture, "picture", "", "avatar url")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to AUTH_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
