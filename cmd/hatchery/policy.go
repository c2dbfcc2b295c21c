package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/policy"
)

func policyCMD(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and seed policy documents",
	}
	cmd.AddCommand(policySyncCMD(cfgPath), policyShowCMD(cfgPath))
	return cmd
}

// seedDocuments turns the policies config section into raw documents and
// checks that they decode into a valid snapshot.
func seedDocuments(seed map[string]interface{}) (map[string]json.RawMessage, error) {
	docs := make(map[string]json.RawMessage, len(seed))
	for key, v := range seed {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode policy %s: %w", key, err)
		}
		docs[key] = b
	}
	if _, err := policy.FromDocuments(docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func policySyncCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upsert the documents from the policies config section into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "policy")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			docs, err := seedDocuments(a.cfg.Policies)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(docs))
			for k := range docs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if err := a.store.UpsertPolicy(ctx, k, docs[k]); err != nil {
					return fmt.Errorf("upsert policy %s: %w", k, err)
				}
				cmd.Printf("synced %s\n", k)
			}
			return nil
		},
	}
}

func policyShowCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, "policy")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			snap, err := policy.Load(ctx, a.store)
			if err != nil {
				return err
			}
			docs, err := snap.Documents()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(docs)
		},
	}
}
