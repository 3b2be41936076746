package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/qualitrace/internal/config"
)

func newBatchesCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "batches",
		Short: "List the batches eligible for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			directory, _, err := buildDirectory(cfg.Batches, zap.NewNop(), nil)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPRODUCT\tORIGIN")
			for _, b := range directory.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", b.ID, b.Product, b.Origin)
			}
			return tw.Flush()
		},
	}
}
