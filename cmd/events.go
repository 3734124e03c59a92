package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/presence/internal/adapters/repository"
	"github.com/okian/presence/internal/domain/model"
)

func newEventsCmd() *cobra.Command {
	var (
		identity string
		tenant   string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded presence events, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.TenantID
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.List(ctx, repository.Filter{TenantID: tenant, IdentityID: identity, Limit: limit})
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEvents(events))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "only events for this identity")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to read (defaults to tenant_id)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func renderEvents(events []model.PresenceEvent) string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			e.Timestamp.Local().Format(time.DateTime),
			e.IdentityID,
			e.TenantID,
			strconv.FormatFloat(e.Distance, 'f', 3, 64),
			e.ID,
		})
	}
	return renderTable(
		[]string{"Time", "Identity", "Tenant", "Distance", "Event"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
