package main

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/domain"
	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a client token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := resolve()
		if err != nil {
			return err
		}
		svc, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		ttl := cfg.Auth.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		tok, err := svc.MintWithTTL(domain.UserID(args[0]), ttl)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(map[string]any{"user_id": args[0], "token": tok, "expires_in": ttl.String()})
			return nil
		}
		fmt.Println(tok)
		return nil
	},
}
