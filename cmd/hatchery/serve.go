package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/heartbeat"
	srv "github.com/steveclawdbot-ship-it/hatchery-sub000/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var (
		addr          string
		noScheduler   bool
		noInitiatives bool
	)
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ops API, the heartbeat scheduler and the initiative generator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "serve")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			hb, err := a.heartbeat()
			if err != nil {
				return err
			}
			convo, err := a.conversations()
			if err != nil {
				return err
			}
			api, err := srv.New(srv.Options{
				Secret:        []byte(a.cfg.Server.JWTSecret),
				Proposals:     a.proposals,
				Missions:      a.store,
				Events:        a.store,
				Heartbeat:     hb,
				Conversations: convo,
				Metrics:       a.tel.Handler(),
				Logger:        newLogger("HTTP"),
			})
			if err != nil {
				return err
			}

			if !noScheduler {
				sched, err := heartbeat.NewScheduler(a.cfg.Heartbeat.Schedule, hb, newLogger("HEARTBEAT"))
				if err != nil {
					return err
				}
				go sched.Start(ctx)
			}
			if !noInitiatives {
				gen, err := a.initiatives()
				if err != nil {
					return err
				}
				go func() {
					if err := gen.Run(ctx, a.cfg.Initiatives.PollInterval, a.cfg.Initiatives.BatchSize); err != nil && !errors.Is(err, context.Canceled) {
						newLogger("INITIATIVE").Printf("generator stopped: %v", err)
					}
				}()
			}

			if addr == "" {
				addr = a.cfg.Server.Address
			}
			errCh := make(chan error, 1)
			go func() { errCh <- api.Start(addr) }()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return api.Shutdown(shutdownCtx)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	serve.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the cron heartbeat in this process")
	serve.Flags().BoolVar(&noInitiatives, "no-initiatives", false, "do not run the initiative generator in this process")
	return serve
}
