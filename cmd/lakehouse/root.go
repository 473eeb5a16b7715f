package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fmcg/lakehouse/internal/app"
	"github.com/fmcg/lakehouse/internal/config"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	dataDir    string
	logFormat  string
	logLevel   string

	stderr io.Writer
}

// NewRootCommand builds the lakehouse command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stderr: stderr}
	rc := &cobra.Command{
		Use:   "lakehouse",
		Short: "Layered bronze, silver and gold transform-and-merge pipeline.",
		Long: `lakehouse ingests landing files into versioned bronze tables, cleans and
keys them into silver, and merges conformed dimensions and facts into gold.

Configuration is read from the file given with --config, then from
LAKEHOUSE_* environment variables, then from flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file to read from (yaml or json).")
	rc.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Base directory for local state.")
	rc.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json.")
	rc.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error.")

	rc.AddCommand(newRunCommand(opts, stdout))
	rc.AddCommand(newRunAllCommand(opts, stdout))
	rc.AddCommand(newChangesCommand(opts, stdout))
	rc.AddCommand(newHistoryCommand(opts, stdout))
	rc.AddCommand(newSchemaCommand(opts, stdout))
	rc.AddCommand(newTablesCommand(opts, stdout))
	rc.AddCommand(newVacuumCommand(opts, stdout))
	rc.AddCommand(newReconcileCommand(opts, stdout))
	rc.AddCommand(newCheckpointCommand(opts, stdout))
	rc.AddCommand(newConfigCommand(opts, stdout))
	rc.AddCommand(newScheduleCommand(opts))
	rc.AddCommand(newVersionCommand(stdout))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func (o *globalOptions) newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", o.logLevel)
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(o.logFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(o.stderr, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(o.stderr, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", o.logFormat)
	}
}

// loadConfig applies the config file, then the environment, then flags.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(o.configPath)
		if err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	return cfg, nil
}

// openApp loads the configuration and opens every store it names.
func (o *globalOptions) openApp(ctx context.Context) (*app.App, *slog.Logger, error) {
	logger, err := o.newLogger()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
