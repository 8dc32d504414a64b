package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/search"
)

func newRetrieveCmd(opts *globalOptions) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Show the top chunks for a query",
		Long: `Retrieve ranks chunks of READY records in the scope by combined keyword and vector
relevance. The query is all remaining arguments joined by spaces.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := retrieve(cmd, opts, args, k)
			if err != nil {
				return err
			}
			return cli.WriteRetrieveResults(cmd.OutOrStdout(), resp, opts.format())
		},
	}
	cmd.Flags().IntVar(&k, "k", 0, "number of chunks (default retrieval.default_k)")
	return cmd
}

func newContextCmd(opts *globalOptions) *cobra.Command {
	var (
		k         int
		budget    int
		isComplex bool
	)
	cmd := &cobra.Command{
		Use:   "context <query>",
		Short: "Assemble a cited context block for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(opts, true)
			if err != nil {
				return err
			}
			defer c.Close()
			query := cli.BuildQuery(args)
			resp, err := c.engine.Retrieve(cmd.Context(), &models.RetrieveQuery{
				ScopeID: opts.scope,
				Query:   query,
				K:       k,
			})
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("complex") {
				isComplex = search.IsComplex(query)
			}
			if budget <= 0 {
				budget = c.cfg.Assembly.DefaultBudget
				if isComplex {
					budget = c.cfg.Assembly.ComplexBudget
				}
			}
			return cli.WriteContext(cmd.OutOrStdout(), assembler.Assemble(resp.Chunks, budget), opts.format())
		},
	}
	cmd.Flags().IntVar(&k, "k", 0, "number of chunks to consider (default retrieval.default_k)")
	cmd.Flags().IntVar(&budget, "budget", 0, "character budget (default assembly.default_budget)")
	cmd.Flags().BoolVar(&isComplex, "complex", false, "use assembly.complex_budget (default: detected from the query)")
	return cmd
}

func retrieve(cmd *cobra.Command, opts *globalOptions, args []string, k int) (*models.RetrieveResponse, error) {
	query := cli.BuildQuery(args)
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}
	c, err := setup(opts, true)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.engine.Retrieve(cmd.Context(), &models.RetrieveQuery{ScopeID: opts.scope, Query: query, K: k})
}
