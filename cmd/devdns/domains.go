package main

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/devdns/devdns/mapping"
)

// withDB runs f against the SQLite database named by --db. The mapping
// subcommands only make sense on persistent storage.
func withDB(f func(ctx context.Context, db *mapping.DB) error) error {
	if dbPath == "" {
		return fmt.Errorf("--db is required for this command")
	}

	db, err := mapping.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("can't open mapping database: %w", err)
	}
	defer db.Close()

	return f(context.Background(), db)
}

var addCmd = &cobra.Command{
	Use:   "add <domain> <ipv4>",
	Short: "Add or overwrite a domain mapping",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := netip.ParseAddr(args[1])
		if err != nil || !addr.Is4() {
			return fmt.Errorf("%q is not an IPv4 address", args[1])
		}
		return withDB(func(ctx context.Context, db *mapping.DB) error {
			return db.Set(ctx, args[0], addr)
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <domain>",
	Short: "Remove a domain mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(ctx context.Context, db *mapping.DB) error {
			return db.Remove(ctx, args[0])
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all domain mappings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(ctx context.Context, db *mapping.DB) error {
			entries, err := db.List(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\t%s\n", e.Domain, e.Addr)
			}
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all domain mappings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(ctx context.Context, db *mapping.DB) error {
			n, err := db.Count(ctx)
			if err != nil {
				return err
			}
			if err := db.Clear(ctx); err != nil {
				return err
			}
			fmt.Printf("removed %d mappings\n", n)
			return nil
		})
	},
}
