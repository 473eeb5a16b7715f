package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fmcg/lakehouse/internal/checkpoint"
	"github.com/fmcg/lakehouse/pkg/types"
)

func parseMode(s string) (types.RunMode, error) {
	switch m := types.RunMode(s); m {
	case types.RunFull, types.RunIncremental:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mode %q: want full or incremental", s)
	}
}

func newRunCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var mode string
	ccmd := &cobra.Command{
		Use:   "run <entity>",
		Short: "Run the pipeline for one entity.",
		Long: `Run reads new landing files for the entity, appends them to bronze and
carries the changes through silver into gold. A full run rebuilds bronze and
silver from every landing file. The report is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, runErr := a.Run(ctx, args[0], m)
			if rep != nil {
				if err := writeJSON(stdout, rep); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	ccmd.Flags().StringVarP(&mode, "mode", "m", string(types.RunIncremental), "Run mode: full or incremental.")
	return ccmd
}

func newRunAllCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var mode string
	ccmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run the pipeline for every configured entity.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			reports, runErr := a.RunAll(ctx, m)
			if err := writeJSON(stdout, reports); err != nil {
				return err
			}
			return runErr
		},
	}
	ccmd.Flags().StringVarP(&mode, "mode", "m", string(types.RunIncremental), "Run mode: full or incremental.")
	return ccmd
}

func newChangesCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var since, until int64
	ccmd := &cobra.Command{
		Use:   "changes <table>",
		Short: "Print the row changes of a table between two versions.",
		Long: `Changes prints every insert, update and delete committed to the table
after version --since and up to version --until (latest when zero).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			feed, err := a.Changes(ctx, args[0], since, until)
			if err != nil {
				return err
			}
			return writeJSON(stdout, feed)
		},
	}
	ccmd.Flags().Int64Var(&since, "since", 0, "Exclusive lower version bound.")
	ccmd.Flags().Int64Var(&until, "until", 0, "Inclusive upper version bound. Zero means latest.")
	return ccmd
}

func newHistoryCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "history <table>",
		Short: "List the committed versions of a table.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			history, err := a.History(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(stdout, history)
		},
	}
}

func newSchemaCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <table>",
		Short: "List the schema versions of a table.",
		Long: `Schema prints every registered schema of the table, oldest first. A
version in the history output names the schema it was written with.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			schemas, err := a.Schemas(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(stdout, schemas)
		},
	}
}

func newTablesCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List every table in the store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			tables, err := a.Tables(ctx)
			if err != nil {
				return err
			}
			for _, t := range tables {
				fmt.Fprintln(stdout, t)
			}
			return nil
		},
	}
}

func newVacuumCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var retention time.Duration
	ccmd := &cobra.Command{
		Use:   "vacuum [tables...]",
		Short: "Expire table history older than the retention.",
		Long: `Vacuum removes versions older than --retention from the named tables, or
from every table when none is named. The latest version is always kept.
Incremental runs whose checkpoint predates the retained history fall back
to a full reload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			tables := args
			if len(tables) == 0 {
				if tables, err = a.Tables(ctx); err != nil {
					return err
				}
			}
			results, vacErr := a.Vacuum(ctx, tables, retention)
			if err := writeJSON(stdout, results); err != nil {
				return err
			}
			return vacErr
		},
	}
	ccmd.Flags().DurationVar(&retention, "retention", 0, "History to keep. Zero uses the configured retention.")
	return ccmd
}

func newReconcileCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var removeOrphans bool
	ccmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the manifest with the stored table objects.",
		Long: `Reconcile reports manifest entries whose object is missing and objects no
version references. Orphans are left behind by commits that lost a version
conflict and can be removed with --remove-orphans.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Reconcile(ctx, removeOrphans)
			if err != nil {
				return err
			}
			return writeJSON(stdout, report)
		},
	}
	ccmd.Flags().BoolVar(&removeOrphans, "remove-orphans", false, "Delete objects no version references.")
	return ccmd
}

func newCheckpointCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	ccmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset entity checkpoints.",
	}

	ccmd.AddCommand(&cobra.Command{
		Use:   "get <entity>",
		Short: "Print the stored checkpoint of an entity.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cp, err := a.Checkpoint(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(stdout, cp)
		},
	})

	var version int64
	var cursor string
	set := &cobra.Command{
		Use:   "set <entity>",
		Short: "Overwrite the checkpoint of an entity.",
		Long: `Set replaces the stored checkpoint so the next incremental run replays
bronze changes after --version and reads landing files after --cursor.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if version < 0 {
				return fmt.Errorf("version must not be negative")
			}
			ctx := commandContext(cmd)
			a, _, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cp := &checkpoint.Checkpoint{Entity: args[0], Version: version, SourceCursor: cursor}
			if err := a.SetCheckpoint(ctx, cp); err != nil {
				return err
			}
			return writeJSON(stdout, cp)
		},
	}
	set.Flags().Int64Var(&version, "version", 0, "Last bronze version already processed.")
	set.Flags().StringVar(&cursor, "cursor", "", "Last landing object already ingested.")
	ccmd.AddCommand(set)
	return ccmd
}

func newConfigCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	ccmd := &cobra.Command{
		Use:   "config",
		Short: "Work with the configuration.",
	}
	ccmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print it resolved.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cfg.Resolve()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return writeJSON(stdout, cfg)
		},
	})
	return ccmd
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "lakehouse %s (commit %s)\n", version, commit)
		},
	}
}
