package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
	"github.com/spf13/cobra"
)

func recheckTaxCmd() *cobra.Command {
	var timeout time.Duration
	var queued bool

	cmd := &cobra.Command{
		Use:   "recheck-tax [invoice-id]",
		Short: "Re-fetch an invoice and record its tax if it is now available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if queued {
				if a.manager == nil {
					return fmt.Errorf("--queue needs redis")
				}
				job, err := jobqueue.EnqueueTaxRecheck(ctx, a.manager.GetQueue(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued job %s for %s\n", job.ID, args[0])
				return nil
			}

			res, err := a.service.TaxEngine().Recheck(ctx, args[0])
			if err != nil {
				return err
			}
			switch {
			case res.Recorded:
				fmt.Fprintf(cmd.OutOrStdout(), "recorded %d tax for %s (%s)\n", res.TaxCents, res.InvoiceID, res.Source)
			case res.AlreadyRecorded:
				fmt.Fprintf(cmd.OutOrStdout(), "tax for %s already recorded\n", res.InvoiceID)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "no tax on %s yet\n", res.InvoiceID)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall timeout")
	cmd.Flags().BoolVar(&queued, "queue", false, "hand the re-check to a running worker instead of running it here")
	return cmd
}

func pruneCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune-ledger",
		Short: "Delete settled webhook ledger entries older than the retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			retention := a.cfg.LedgerRetention
			if days > 0 {
				retention = time.Duration(days) * 24 * time.Hour
			}
			if retention <= 0 {
				return fmt.Errorf("ledger retention is disabled")
			}
			n, err := a.repo.PruneWebhookEvents(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d webhook events\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "override WEBHOOK_LEDGER_RETENTION_DAYS")
	return cmd
}
