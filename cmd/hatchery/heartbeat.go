package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func heartbeatCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Run one heartbeat tick and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "heartbeat")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			hb, err := a.heartbeat()
			if err != nil {
				return err
			}
			res, err := hb.Tick(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func initiativesCMD(cfgPath *string) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "initiatives",
		Short: "Turn pending initiatives into proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "initiatives")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			gen, err := a.initiatives()
			if err != nil {
				return err
			}
			if once {
				n, err := gen.ProcessPending(ctx, a.cfg.Initiatives.BatchSize)
				if err != nil {
					return err
				}
				cmd.Printf("proposed %d initiative(s)\n", n)
				return nil
			}
			return gen.Run(ctx, a.cfg.Initiatives.PollInterval, a.cfg.Initiatives.BatchSize)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch and exit")
	return cmd
}
