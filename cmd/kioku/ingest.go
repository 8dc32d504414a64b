package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/models"
)

type ingestOptions struct {
	text   string
	kind   string
	turn   bool
	noWait bool
}

func newIngestCmd(opts *globalOptions) *cobra.Command {
	ingestOpts := &ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest [file|directory...]",
		Short: "Ingest files, directories or text into a scope",
		Long: `Ingest files, directories or a piece of text into the scope given by --scope.

Files are re-ingested only when their size or modification time changed. Directories are
walked recursively and filtered by watch.extensions from the config. Unless --no-wait is
given, the command indexes everything it queued before exiting.

Examples:
  kioku ingest --scope alice report.pdf notes/
  kioku ingest --scope alice --text "Remember to renew the passport"
  kioku ingest --scope alice --turn --text "assistant: your flight is at 9"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts, ingestOpts, args)
		},
	}
	cmd.Flags().StringVar(&ingestOpts.text, "text", "", "ingest this text instead of files")
	cmd.Flags().StringVar(&ingestOpts.kind, "kind", "memory", "source kind for --text: memory or document")
	cmd.Flags().BoolVar(&ingestOpts.turn, "turn", false, "store --text as a conversation turn timestamped now")
	cmd.Flags().BoolVar(&ingestOpts.noWait, "no-wait", false, "queue only; leave indexing to a running server")
	return cmd
}

func runIngest(cmd *cobra.Command, opts *globalOptions, in *ingestOptions, args []string) error {
	if in.text == "" && len(args) == 0 {
		return errors.New("nothing to ingest: pass files, directories or --text")
	}
	c, err := setup(opts, true)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	queued := 0
	if in.text != "" {
		if in.turn {
			_, err = c.ingestor.IngestTurn(ctx, opts.scope, in.text, time.Now())
		} else {
			var kind models.SourceKind
			if kind, err = models.ParseSourceKind(in.kind); err == nil {
				_, err = c.ingestor.Ingest(ctx, opts.scope, kind, in.text, nil)
			}
		}
		if err != nil {
			return err
		}
		queued++
	}

	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			n, err := c.ingestor.IngestDirectory(ctx, opts.scope, path, c.cfg.Watch.Extensions)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			queued += n
			continue
		}
		_, skipped, err := c.ingestor.IngestFile(ctx, opts.scope, path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		if !skipped {
			queued++
		} else if !opts.asJSON {
			fmt.Fprintf(out, "unchanged: %s\n", path)
		}
	}

	processed := 0
	if !in.noWait {
		if processed, err = c.indexer.Drain(ctx); err != nil {
			return err
		}
	}
	if opts.asJSON {
		return cli.WriteJSON(out, map[string]interface{}{"queued": queued, "indexed": processed, "scope_id": opts.scope})
	}
	fmt.Fprintf(out, "Queued %d item(s) in scope %q, indexed %d\n", queued, opts.scope, processed)
	return nil
}
