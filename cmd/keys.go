package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/grokipedia-api/internal/apikey"
	"github.com/JakeFAU/grokipedia-api/internal/app"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(
		newKeysInitCmd(),
		newKeysCreateCmd(),
		newKeysListCmd(),
		newKeysInfoCmd(),
		newKeysRevokeCmd(),
		newKeysDeleteCmd(),
	)
	return cmd
}

// withKeys opens the configured key store for the duration of fn.
func withKeys(cmd *cobra.Command, fn func(ctx context.Context, store app.KeyStore, mgr *apikey.Manager) error) error {
	rt, err := envFrom(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := app.OpenKeyStore(ctx, rt.cfg.KeyStore)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // read-mostly handle
	return fn(ctx, store, app.NewKeyManager(store))
}

func newKeysInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the key table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeys(cmd, func(ctx context.Context, store app.KeyStore, _ *apikey.Manager) error {
				if err := store.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("ensure schema: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "key store initialized")
				return nil
			})
		},
	}
}

func newKeysCreateCmd() *cobra.Command {
	var (
		owner, email, notes string
		quota               int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeys(cmd, func(ctx context.Context, store app.KeyStore, mgr *apikey.Manager) error {
				if err := store.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("ensure schema: %w", err)
				}
				issued, err := mgr.Create(ctx, owner, email, quota, notes)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "API key created. Store the token now; it cannot be shown again.")
				fmt.Fprintln(out)
				w := newTable(out)
				fmt.Fprintf(w, "ID\t%s\n", issued.Key.ID)
				fmt.Fprintf(w, "Token\t%s\n", issued.Token)
				fmt.Fprintf(w, "Owner\t%s <%s>\n", issued.Key.Owner, issued.Key.Email)
				fmt.Fprintf(w, "Quota\t%d req/min\n", issued.Key.Quota)
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "name of the key holder")
	cmd.Flags().StringVar(&email, "email", "", "contact email of the key holder")
	cmd.Flags().IntVar(&quota, "quota", apikey.DefaultQuota, fmt.Sprintf("requests per minute (%d-%d)", apikey.MinQuota, apikey.MaxQuota))
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newKeysListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeys(cmd, func(ctx context.Context, _ app.KeyStore, mgr *apikey.Manager) error {
				keys, err := mgr.List(ctx, !all)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(keys) == 0 {
					fmt.Fprintln(out, "no keys")
					return nil
				}
				w := newTable(out)
				fmt.Fprintln(w, "ID\tTOKEN\tOWNER\tEMAIL\tQUOTA\tSTATE\tCREATED\tLAST USED")
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						k.ID, apikey.Mask(k.TokenPrefix), k.Owner, k.Email, k.Quota, k.State,
						k.CreatedAt.UTC().Format(time.DateTime), lastUsed(k))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include revoked keys")
	return cmd
}

func newKeysInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show one API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, func(ctx context.Context, _ app.KeyStore, mgr *apikey.Manager) error {
				k, err := mgr.Info(ctx, args[0])
				if err != nil {
					return err
				}
				w := newTable(cmd.OutOrStdout())
				fmt.Fprintf(w, "ID\t%s\n", k.ID)
				fmt.Fprintf(w, "Token\t%s\n", apikey.Mask(k.TokenPrefix))
				fmt.Fprintf(w, "Owner\t%s <%s>\n", k.Owner, k.Email)
				fmt.Fprintf(w, "Quota\t%d req/min\n", k.Quota)
				fmt.Fprintf(w, "State\t%s\n", k.State)
				fmt.Fprintf(w, "Created\t%s\n", k.CreatedAt.UTC().Format(time.RFC3339))
				fmt.Fprintf(w, "Last used\t%s\n", lastUsed(k))
				if k.Notes != "" {
					fmt.Fprintf(w, "Notes\t%s\n", k.Notes)
				}
				return w.Flush()
			})
		},
	}
}

func newKeysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Permanently disable an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, func(ctx context.Context, _ app.KeyStore, mgr *apikey.Manager) error {
				if err := mgr.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func newKeysDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove an API key record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", args[0])
			}
			return withKeys(cmd, func(ctx context.Context, _ app.KeyStore, mgr *apikey.Manager) error {
				if err := mgr.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func lastUsed(k apikey.Key) string {
	if k.LastUsed == nil {
		return "-"
	}
	return k.LastUsed.UTC().Format(time.DateTime)
}
