package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/okian/presence/internal/config"
	"github.com/okian/presence/internal/domain/model"
)

var errNoTenant = errors.New("tenant is required: pass --tenant or set tenant_id")

func newRosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Inspect and seed identities",
	}
	cmd.AddCommand(newRosterImportCmd(), newRosterListCmd())
	return cmd
}

func newRosterImportCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Load identities from a JSON array of {id, display_name, embeddings}",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if cfg.StoreDriver == "memory" {
				return fmt.Errorf("%w: roster import needs a persistent store_driver", config.ErrInvalidConfig)
			}
			if tenant == "" {
				tenant = cfg.TenantID
			}
			if tenant == "" {
				return errNoTenant
			}

			ids, err := readRoster(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range ids {
				if err := store.SaveIdentity(ctx, tenant, id); err != nil {
					return fmt.Errorf("save identity %q: %w", id.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d identities into tenant %s.\n", len(ids), tenant)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to import into (defaults to tenant_id)")
	return cmd
}

func newRosterListCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities of a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.TenantID
			}
			if tenant == "" {
				return errNoTenant
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.Roster(ctx, tenant)
			if err != nil {
				return fmt.Errorf("load roster: %w", err)
			}
			if len(ids) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s has no identities.\n", tenant)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRoster(ids))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to list (defaults to tenant_id)")
	return cmd
}

func readRoster(path string) ([]model.Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster file: %w", err)
	}
	var ids []model.Identity
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("parse roster file %s: %w", path, err)
	}
	for i, id := range ids {
		if id.ID == "" {
			return nil, fmt.Errorf("roster file %s: entry %d has no id", path, i)
		}
	}
	return ids, nil
}

func renderRoster(ids []model.Identity) string {
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		dim := 0
		if len(id.Embeddings) > 0 {
			dim = len(id.Embeddings[0])
		}
		rows = append(rows, []string{id.ID, id.DisplayName, strconv.Itoa(len(id.Embeddings)), strconv.Itoa(dim)})
	}
	return renderTable(
		[]string{"ID", "Name", "Embeddings", "Dim"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
	)
}
