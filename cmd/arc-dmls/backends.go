package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
)

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List storage backends and their default options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, d := range physical.Backends() {
				kind := "durable"
				if !d.Durable {
					kind = "ephemeral"
				}
				fmt.Fprintf(out, "%-8s %-9s %s\n", d.Name, kind, d.Summary)
				for _, k := range slices.Sorted(maps.Keys(d.Defaults)) {
					fmt.Fprintf(out, "    %s = %s\n", k, d.Defaults[k])
				}
			}
			return nil
		},
	}
}
