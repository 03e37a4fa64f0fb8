package main

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gezibash/arc-dmls/internal/epochstore"
	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

func newEpochsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epochs",
		Short: "Inspect stored epochs",
	}
	cmd.PersistentFlags().String("prefix", "", "namespace prefix of the member to inspect")

	cmd.AddCommand(
		newEpochsListCmd(a),
		newEpochsShowCmd(a),
		newEpochsDropCmd(a),
	)
	return cmd
}

func (a *app) openPrefixed(cmd *cobra.Command) (*epochstore.Factory, error) {
	prefix, _ := cmd.Flags().GetString("prefix")
	return a.openFactory(cmd.Context(), epochstore.WithNamespacePrefix(prefix))
}

func newEpochsListCmd(a *app) *cobra.Command {
	var groupHex string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List epoch namespaces",
		Long: `List every non-empty epoch namespace, or with --group only the epochs
holding state for that group.

Examples:
  arc-dmls epochs list
  arc-dmls epochs list --group 9f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := a.openPrefixed(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			out := cmd.OutOrStdout()

			if groupHex == "" {
				namespaces, err := f.Namespaces(ctx)
				if err != nil {
					return fmt.Errorf("list namespaces: %w", err)
				}
				for _, ns := range namespaces {
					fmt.Fprintln(out, ns)
				}
				return nil
			}

			gid, err := hex.DecodeString(groupHex)
			if err != nil {
				return fmt.Errorf("invalid group id: %w", err)
			}
			ids, err := f.Epochs(ctx, gid)
			if err != nil {
				return fmt.Errorf("list epochs: %w", err)
			}
			for _, id := range ids {
				state, err := f.StoreFor(id).GroupState(ctx, gid)
				if err != nil {
					return fmt.Errorf("read %s: %w", id.Short(), err)
				}
				status := "active"
				if state.Inactive {
					status = "inactive"
				}
				fmt.Fprintf(out, "%s  epoch=%d  members=%d  %s\n", id, state.Context.Epoch, countMembers(state), status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&groupHex, "group", "", "group id (hex)")
	return cmd
}

func countMembers(state *mls.GroupStateRecord) int {
	n := 0
	for _, m := range state.Members {
		if m != nil {
			n++
		}
	}
	return n
}

func newEpochsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show EPOCH",
		Short: "List the records held by one epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := epoch.Parse(args[0])
			if err != nil {
				return err
			}
			f, err := a.openPrefixed(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			keys, err := f.Keys(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("list records: %w", err)
			}
			if len(keys) == 0 {
				return fmt.Errorf("epoch %s holds no records", id.Short())
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func newEpochsDropCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "drop EPOCH",
		Short: "Delete every record of one epoch",
		Long: `Delete every record of one epoch.

Use this to remove a scratch or half-migrated namespace reported by an
inconsistent-state error. Dropping a live epoch loses it for good.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := epoch.Parse(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return errors.New("refusing to drop without --yes")
			}
			f, err := a.openPrefixed(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			if err := f.StoreFor(id).Delete(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}
