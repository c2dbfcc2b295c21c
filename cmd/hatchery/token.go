package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/config"
	srv "github.com/steveclawdbot-ship-it/hatchery-sub000/internal/server"
)

func tokenCMD(cfgPath *string) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			tok, err := srv.SignToken(subject, []byte(cfg.Server.JWTSecret), ttl, scopes...)
			if err != nil {
				return err
			}
			cmd.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{srv.ScopeWrite}, "scopes (ops:read, ops:write)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
