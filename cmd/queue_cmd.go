package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/jobrunner/internal/queue"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and seed work queues",
	}
	cmd.AddCommand(queueListCmd())
	cmd.AddCommand(queueItemsCmd())
	cmd.AddCommand(queueDefineCmd())
	return cmd
}

func queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queue definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			defs, err := queue.NewEngine(s).ListDefinitions()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDEDUP EXPR\tSCOPE\tMAX ATTEMPTS\tRETENTION")
			for _, d := range defs {
				expr := d.DedupExpr
				if expr == "" {
					expr = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%dd\n",
					d.ID, d.Name, expr, d.DedupScope, d.MaxAttempts, d.RetentionDays)
			}
			return w.Flush()
		},
	}
}

func queueItemsCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "items [queueId]",
		Short: "List items in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := queue.NewEngine(s).ListItems(args[0], status, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tATTEMPTS\tPAYLOAD")
			for _, it := range items {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d/%d\t%s\n",
					it.ID, it.Status, it.Priority, it.Attempts, it.MaxAttempts, truncate(string(it.Payload), 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, done, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items to show")
	return cmd
}

func queueDefineCmd() *cobra.Command {
	var (
		name          string
		dedupExpr     string
		dedupScope    string
		maxAttempts   int
		retentionDays int
	)
	cmd := &cobra.Command{
		Use:   "define [id]",
		Short: "Create or update a queue definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			err = queue.NewEngine(s).Define(queue.Definition{
				ID:            args[0],
				Name:          name,
				DedupExpr:     dedupExpr,
				DedupScope:    dedupScope,
				MaxAttempts:   maxAttempts,
				RetentionDays: retentionDays,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Defined queue %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to id)")
	cmd.Flags().StringVar(&dedupExpr, "dedup-expr", "", "JSONPath dedup expression (e.g. $.threadId)")
	cmd.Flags().StringVar(&dedupScope, "dedup-scope", queue.ScopePending, "dedup scope: pending or all")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", queue.DefaultMaxAttempts, "attempts before dead-letter")
	cmd.Flags().IntVar(&retentionDays, "retention-days", queue.DefaultRetentionDays, "days to keep finished items")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
