package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/qualitrace/internal/config"
)

func newSnapshotCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect persisted workflow snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <batchId>",
		Short: "Print the persisted snapshot of a batch as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := buildSnapshotStore(cmd.Context(), cfg.Store, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.close()

			snap, found, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no snapshot stored for batch %q", args[0])
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	})
	return cmd
}
