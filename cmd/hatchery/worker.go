package main

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cobra"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/policy"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/worker"
)

func workerCMD(cfgPath *string) *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run step execution loops, one per --kind (default: every configured kind)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "worker")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if len(kinds) == 0 {
				kinds = a.workerKinds()
				sort.Strings(kinds)
			}
			if len(kinds) == 0 {
				return fmt.Errorf("no worker kinds configured (worker.kinds) and none given with --kind")
			}
			client, err := a.llmClient()
			if err != nil {
				return err
			}
			registry := worker.NewRegistry()
			for _, kind := range kinds {
				kc, ok := a.cfg.Worker.Kinds[kind]
				if !ok {
					return fmt.Errorf("worker kind %q not configured", kind)
				}
				h, err := worker.NewPromptHandler(kc.Prompt, kc.Tier, kc.System)
				if err != nil {
					return fmt.Errorf("worker kind %q: %w", kind, err)
				}
				h.MaxTokens = kc.MaxTokens
				if err := registry.Register(kind, h); err != nil {
					return err
				}
			}

			// the alert threshold policy document overrides the config value
			maxFailures := a.cfg.Worker.MaxFailures
			if snap, err := policy.Load(ctx, a.store); err == nil && snap.WorkerAlerts.MaxFailures > 0 {
				maxFailures = snap.WorkerAlerts.MaxFailures
			}

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				errs []error
			)
			for _, kind := range kinds {
				w, err := worker.New(worker.Options{
					Kind:         kind,
					Store:        a.store,
					Handlers:     registry,
					Emitter:      a.events,
					LLM:          client,
					Memory:       a.memory,
					Logger:       newLogger("WORKER"),
					Meter:        a.tel.Meter,
					Tracer:       a.tel.Tracer,
					PollInterval: a.cfg.Worker.PollInterval,
					MaxFailures:  maxFailures,
				})
				if err != nil {
					return err
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := w.Run(ctx); err != nil {
						mu.Lock()
						errs = append(errs, fmt.Errorf("worker %s: %w", w.ID(), err))
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "step kind to execute (repeatable)")
	return cmd
}
