package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/pkg/utils"
)

const defaultScope = "default"

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	scope      string
	asJSON     bool
	debug      bool
}

func (o *globalOptions) format() cli.OutputFormat {
	return cli.FormatFor(o.asJSON)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "kioku",
		Short: "Local hybrid retrieval for conversation memory and documents",
		Long: `kioku stores conversation turns and documents per scope, indexes them for
keyword and vector search, and assembles cited context blocks for prompts.

Examples:
  kioku ingest --scope alice notes.pdf
  kioku ingest --scope alice --turn --text "user: I moved to Lisbon in May"
  kioku retrieve --scope alice where do I live
  kioku context --scope alice --budget 2000 travel plans
  kioku serve`,
		SilenceUsage: true,
		Version:      version,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (default $HOME/"+config.DefaultConfigPath+")")
	cmd.PersistentFlags().StringVar(&opts.scope, "scope", defaultScope, "scope (user or collection) to operate on")
	cmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of text")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newIngestCmd(opts),
		newRetrieveCmd(opts),
		newContextCmd(opts),
		newRecordsCmd(opts),
		newReindexCmd(opts),
		newDeleteCmd(opts),
		newStatusCmd(opts),
	)
	return cmd
}

// resolveConfigPath returns path, or config.yaml in the working directory when it exists, or the
// per-user default.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, "config.yaml")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, config.DefaultConfigPath)
	}
	return config.DefaultConfigPath
}

// loadConfig loads .env (for provider keys) and the config file. A missing config file yields
// the defaults. It returns the config and the path it resolved.
func loadConfig(opts *globalOptions) (*config.Config, string, error) {
	_ = godotenv.Load()
	path := resolveConfigPath(opts.configPath)
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// setup loads config, builds a logger and opens every component. One-shot commands pass quiet
// so that only debug mode logs.
func setup(opts *globalOptions, quiet bool) (*components, error) {
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	debug := cfg.Debug || opts.debug
	logger := zap.NewNop()
	if debug || !quiet {
		logger, err = utils.NewLogger(debug)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	logger.Debug("config loaded", zap.String("config_path", path))
	c, err := newComponents(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	c.configPath = path
	return c, nil
}
