package main

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/config"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/events"
)

func eventsCMD(cfgPath *string) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the event stream published to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.LoadConfig(*cfgPath)
			if !cfg.Storage.Redis.Enabled() {
				return fmt.Errorf("redis not configured (storage.redis.host)")
			}
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr(),
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			defer func() { _ = rdb.Close() }()

			last := from
			for ctx.Err() == nil {
				envs, next, err := events.Tail(ctx, rdb, cfg.Storage.Redis.Stream, last, 100, 5*time.Second)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				last = next
				for _, env := range envs {
					ev, err := env.Event()
					if err != nil {
						continue
					}
					cmd.Printf("%s %-8s %-24s %-10s %s\n", ev.CreatedAt.Format(time.RFC3339), ev.Visibility, ev.Kind, ev.AgentID, ev.Title)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "$", "stream id to start after ($ for new events, 0 for all)")
	return cmd
}
