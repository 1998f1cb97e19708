package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cdmparser/cdm/internal/config"
	"github.com/cdmparser/cdm/internal/dataset"
	"github.com/cdmparser/cdm/internal/domain/cohort"
	"github.com/cdmparser/cdm/internal/domain/fact"
	"github.com/cdmparser/cdm/internal/domain/person"
	"github.com/cdmparser/cdm/internal/domain/visit"
	"github.com/cdmparser/cdm/internal/mapping"
	"github.com/cdmparser/cdm/internal/platform/db"
	"github.com/cdmparser/cdm/internal/platform/status"
	"github.com/cdmparser/cdm/internal/transform"
	"github.com/cdmparser/cdm/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cdm-parser",
		Short:         "Load research cohort datasets into the OMOP common data model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", config.DefaultFile, "Path to the configuration file")

	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(transformCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
}

// newMigrator reads migrations from dir, or the embedded set when dir is empty.
func newMigrator(pool *pgxpool.Pool, dir string) *db.Migrator {
	if dir == "" {
		return db.NewMigratorFS(pool, migrations.FS)
	}
	return db.NewMigrator(pool, dir)
}

func setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write the configuration file",
		Long: "Write every configuration key to the configuration file. Values already in the " +
			"file are kept unless overridden with --set KEY=VALUE.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			overrides, _ := cmd.Flags().GetStringToString("set")
			if err := writeSetup(path, overrides); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringToString("set", nil, "Configuration values as KEY=VALUE pairs")
	return cmd
}

// writeSetup merges the defaults, the existing file and overrides, and writes
// the result to path.
func writeSetup(path string, overrides map[string]string) error {
	values := config.Defaults().Values()
	existing, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for k, v := range existing {
		values[k] = v
	}
	known := make(map[string]bool, len(config.Keys))
	for _, k := range config.Keys {
		known[k.Name] = true
	}
	for k, v := range overrides {
		k = strings.ToUpper(strings.TrimSpace(k))
		if !known[k] {
			return fmt.Errorf("unknown configuration key %s", k)
		}
		values[k] = v
	}
	if err := godotenv.Write(values, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the CDM tables",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			schema, dir := migrationTarget(cmd, cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.CreateSchema(ctx, pool, schema, newMigrator(pool, dir))
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			schema, dir := migrationTarget(cmd, cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := newMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
		c.Flags().String("dir", "", "Path to a migrations directory (default embedded migrations)")
	}
	return cmd
}

func migrationTarget(cmd *cobra.Command, cfg *config.Config) (string, string) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")
	if schema == "" {
		schema = cfg.DBSchema
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	return schema, dir
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		state := "pending"
		appliedAt := ""
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, state, appliedAt)
	}
}

// transformFlags are the per-run settings given on the command line.
type transformFlags struct {
	cohortName      string
	cohortLocation  string
	dataset         string
	start           int
	limit           int
	bulk            bool
	bulkSize        int
	statusAddr      string
	clearIdentities bool
	categoricals    bool
}

func transformCmd() *cobra.Command {
	var f transformFlags
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Transform a cohort dataset into CDM persons, visits and facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyTransformFlags(cmd, cfg, &f)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := newLogger(cfg, os.Stdout)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sum, err := runTransform(ctx, cfg, f, logger)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.cohortName, "cohort-name", "", "Cohort (care site) the persons belong to")
	cmd.Flags().StringVar(&f.cohortLocation, "cohort-location", "", "Cohort location (default the cohort name)")
	cmd.Flags().StringVar(&f.dataset, "dataset", "", "Dataset file (default DATASET_PATH)")
	cmd.Flags().IntVar(&f.start, "start", 0, "Rows to skip before transforming")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Maximum rows to transform, 0 for all")
	cmd.Flags().BoolVar(&f.bulk, "bulk", false, "Insert facts in batches (default BULK_INSERT)")
	cmd.Flags().IntVar(&f.bulkSize, "bulk-size", 0, "Facts per batch (default BULK_SIZE)")
	cmd.Flags().StringVar(&f.statusAddr, "status-addr", "", "Serve /healthz and /progress on this address during the run")
	cmd.Flags().BoolVar(&f.clearIdentities, "clear-identities", false, "Clear the natural id table after the run, for the last file of a cohort")
	cmd.Flags().BoolVar(&f.categoricals, "convert-categoricals", false, "Read SPSS and Stata value labels instead of codes (default CONVERT_CATEGORICALS)")
	return cmd
}

// applyTransformFlags lets explicit flags override the configuration.
func applyTransformFlags(cmd *cobra.Command, cfg *config.Config, f *transformFlags) {
	if cmd.Flags().Changed("bulk") {
		cfg.BulkInsert = f.bulk
	}
	if cmd.Flags().Changed("bulk-size") {
		cfg.BulkSize = f.bulkSize
	}
	if cmd.Flags().Changed("convert-categoricals") {
		cfg.ConvertCategoricals = f.categoricals
	}
	if f.dataset != "" {
		cfg.DatasetPath = f.dataset
	}
}

func runTransform(ctx context.Context, cfg *config.Config, f transformFlags, logger zerolog.Logger) (transform.Summary, error) {
	if f.start < 0 || f.limit < 0 {
		return transform.Summary{}, fmt.Errorf("--start and --limit must not be negative")
	}
	if cfg.DatasetPath == "" {
		return transform.Summary{}, fmt.Errorf("no dataset: set DATASET_PATH or --dataset")
	}

	model, err := mapping.LoadFiles(cfg.SourceMappingPath, cfg.DestinationMappingPath)
	if err != nil {
		return transform.Summary{}, err
	}
	rows, err := dataset.Open(cfg.DatasetPath, dataset.Options{
		Delimiter:            cfg.Delimiter(),
		Encoding:             cfg.Encoding,
		IgnoreEncodingErrors: cfg.IgnoreEncodingErrors,
		Start:                f.start,
		Limit:                f.limit,
		ConvertCategoricals:  cfg.ConvertCategoricals,
	})
	if err != nil {
		return transform.Summary{}, fmt.Errorf("open dataset: %w", err)
	}
	defer rows.Close()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return transform.Summary{}, err
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	if n, err := db.CreateSchema(ctx, pool, cfg.DBSchema, newMigrator(pool, cfg.MigrationsDir)); err != nil {
		return transform.Summary{}, err
	} else if n > 0 {
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	opts := transform.Options{
		FollowUpPrefixes:     cfg.FollowUpPrefixes(),
		FollowUpSuffixes:     cfg.FollowUpSuffixes(),
		MissingValues:        cfg.MissingValueKeywords(),
		SourceValueMaxLength: cfg.SourceValueMaxLength,
	}
	if f.cohortName != "" {
		c, err := cohort.NewService(cohort.NewCohortRepoPG(pool)).GetOrCreate(ctx, f.cohortName, f.cohortLocation)
		if err != nil {
			return transform.Summary{}, err
		}
		opts.CohortID = &c.ID
		logger.Info().Str("cohort", c.Name).Int64("care_site_id", c.ID).Msg("cohort resolved")
	}

	personRepo := person.NewPersonRepoPG(pool)
	factRepo := fact.NewFactRepoPG(pool)
	sink := newSink(cfg, factRepo, logger)

	t := transform.NewTransformer(model,
		person.NewResolver(personRepo, cfg.Policy(), logger),
		visit.NewResolver(visit.NewVisitRepoPG(pool)),
		sink, opts, logger,
	).WithTx(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.InTx(ctx, pool, fn)
	})
	runner := transform.NewRunner(t, logger)

	if f.statusAddr != "" {
		srv := status.New(db.HealthHandler(pool), runner.Progress(), logger)
		if _, err := srv.Start(f.statusAddr); err != nil {
			return transform.Summary{}, fmt.Errorf("start status server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("status server shutdown failed")
			}
		}()
	}

	sum, err := runner.Run(ctx, rows, f.start, f.limit)
	if err != nil {
		return sum, err
	}
	if f.clearIdentities {
		if err := personRepo.ClearIdentities(ctx); err != nil {
			return sum, fmt.Errorf("clear identities: %w", err)
		}
		logger.Info().Msg("natural id table cleared")
	}
	return sum, nil
}

// newSink picks immediate or batched inserts and adds duplicate suppression
// when configured.
func newSink(cfg *config.Config, repo fact.Repository, logger zerolog.Logger) fact.Sink {
	var sink fact.Sink = fact.NewImmediateSink(repo)
	if cfg.BulkInsert {
		sink = fact.NewBufferedSink(repo, cfg.BulkSize, logger)
	}
	if cfg.IgnoreDuplicates {
		sink = fact.NewDedupSink(sink, repo)
	}
	return sink
}

func printSummary(w io.Writer, sum transform.Summary) {
	fmt.Fprintf(w, "Run %s finished in %s\n", sum.RunID, sum.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  rows processed:   %d\n", sum.Processed)
	fmt.Fprintf(w, "  rows skipped:     %d\n", sum.Skipped)
	fmt.Fprintf(w, "  facts written:    %d\n", sum.Facts-sum.Suppressed)
	if sum.Suppressed > 0 {
		fmt.Fprintf(w, "  duplicate facts:  %d\n", sum.Suppressed)
	}
	if sum.VariableErrors > 0 {
		fmt.Fprintf(w, "  variable errors:  %d\n", sum.VariableErrors)
	}
	if len(sum.Warnings) > 0 {
		fmt.Fprintf(w, "  warned variables: %s\n", strings.Join(sum.Warnings, ", "))
	}
}
