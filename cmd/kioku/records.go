package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/models"
)

func newRecordsCmd(opts *globalOptions) *cobra.Command {
	var (
		status string
		offset int
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List index records in a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.IndexStatus(strings.ToUpper(status))
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q: use pending, indexing, ready or failed", status)
			}
			c, err := setup(opts, true)
			if err != nil {
				return err
			}
			defer c.Close()
			recs, err := c.store.ListRecords(cmd.Context(), opts.scope, st, offset, limit)
			if err != nil {
				return err
			}
			return cli.WriteRecords(cmd.OutOrStdout(), recs, opts.format())
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only records in this status")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many records")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to list")
	return cmd
}

func newReindexCmd(opts *globalOptions) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "reindex <record-id>",
		Short: "Run a new indexing pass over a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(opts, true)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := cmd.Context()
			if _, err := c.indexer.Reindex(ctx, opts.scope, args[0]); err != nil {
				return err
			}
			if !noWait {
				if _, err := c.indexer.Drain(ctx); err != nil {
					return err
				}
			}
			rec, err := c.store.GetRecord(ctx, opts.scope, args[0])
			if err != nil {
				return err
			}
			return cli.WriteRecords(cmd.OutOrStdout(), []*models.IndexRecord{rec}, opts.format())
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "queue only; leave indexing to a running server")
	return cmd
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "delete [record-id]",
		Short: "Delete a record, or with --all the whole scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) || len(args) > 1 {
				return errors.New("pass exactly one record ID, or --all")
			}
			c, err := setup(opts, true)
			if err != nil {
				return err
			}
			defer c.Close()
			if all {
				if err := c.indexer.DeleteScope(cmd.Context(), opts.scope); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted scope %q\n", opts.scope)
				return nil
			}
			if err := c.indexer.DeleteRecord(cmd.Context(), opts.scope, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted record %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every record in the scope")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record, chunk and job counts and disk usage",
		Long:  "Status covers every scope unless --scope is given explicitly.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(opts, true)
			if err != nil {
				return err
			}
			defer c.Close()
			scope := ""
			if cmd.Flags().Changed("scope") {
				scope = opts.scope
			}
			stats, err := c.store.Stats(cmd.Context(), scope)
			if err != nil {
				return err
			}
			st := &cli.Status{
				Stats:          stats,
				DiskUsageBytes: c.diskUsage(),
				Provider:       c.cfg.Embedding.Provider,
				Dimensions:     c.embedder.Dimensions(),
			}
			if scope != "" {
				n, err := c.keyword.DocCount(scope)
				if err != nil {
					return err
				}
				st.KeywordEntries = &n
			}
			return cli.WriteStatus(cmd.OutOrStdout(), st, opts.format())
		},
	}
}
