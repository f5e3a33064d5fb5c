package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-warehouse/internal/app"
	"github.com/dvloznov/finance-warehouse/internal/config"
	"github.com/dvloznov/finance-warehouse/internal/logger"
	"github.com/dvloznov/finance-warehouse/internal/pipeline"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runLoad(log)
	case "preview":
		runPreview(log)
	case "runs":
		runListRuns(log)
	case "prune-runs":
		runPruneRuns(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Finance Warehouse CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  run         Rebuild the star schema and reload the warehouse")
	fmt.Println("  preview     Transform the raw files and print the resulting tables")
	fmt.Println("  runs        List recent load runs")
	fmt.Println("  prune-runs  Delete finished load runs older than a retention period")
	fmt.Println("  help        Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

type commonFlags struct {
	configFile *string
	envFile    *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configFile: fs.String("config", "", "Path to the config file (default: finwh.yaml in . or /etc/finwh)"),
		envFile:    fs.String("env", ".env", "Path to an optional .env file"),
	}
}

// setup loads the configuration and replaces log with the configured logger.
func setup(log zerolog.Logger, flags commonFlags) (*config.Config, zerolog.Logger) {
	cfg, err := config.Load(config.Options{ConfigFile: *flags.configFile, EnvFile: *flags.envFile})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	configured, err := logger.NewWithOptions(cfg.LoggerOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid logger configuration")
	}
	return cfg, configured
}

func signalContext(log zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return logger.WithContext(ctx, log), cancel
}

func runLoad(log zerolog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	flags := addCommonFlags(fs)
	timeout := fs.Duration("timeout", time.Hour, "Maximum duration of the run")
	fs.Parse(os.Args[2:])

	cfg, log := setup(log, flags)
	ctx, cancel := signalContext(log)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	a, err := app.New(ctx, cfg, app.ModeLoad)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	log.Info().
		Str("raw_uri", cfg.Raw.URI).
		Str("staging_uri", cfg.Warehouse.StagingURI).
		Str("dataset", cfg.Warehouse.Dataset).
		Msg("Starting load")

	summary, err := a.Runner.Run(ctx, pipeline.TriggerManual)
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Str("run_id", summary.RunID).Msg("Load failed")
	}

	fmt.Printf("Run %s completed in %s.\n\n", summary.RunID, summary.Duration.Round(time.Millisecond))
	printReport(os.Stdout, summary.Report)
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tROWS\tSTAGED AS")
	for _, t := range summary.Tables {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", t.Table, t.Rows, t.URI)
	}
	tw.Flush()
}

func runPreview(log zerolog.Logger) {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	flags := addCommonFlags(fs)
	rows := fs.Int("rows", 5, "Number of rows to print per table")
	fs.Parse(os.Args[2:])

	cfg, log := setup(log, flags)
	ctx, cancel := signalContext(log)
	defer cancel()

	a, err := app.New(ctx, cfg, app.ModePreview)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	res, err := a.Runner.Preview(ctx)
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("Preview failed")
	}

	printReport(os.Stdout, res.Report)
	printPreview(os.Stdout, res, *rows)
}

func runListRuns(log zerolog.Logger) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	flags := addCommonFlags(fs)
	limit := fs.Int("limit", 10, "Number of runs to list")
	fs.Parse(os.Args[2:])

	cfg, log := setup(log, flags)
	if cfg.GCP.Project == "" {
		log.Fatal().Msg("gcp.project is required")
	}
	ctx, cancel := signalContext(log)
	defer cancel()

	a, err := app.New(ctx, cfg, app.ModePreview)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	runs, err := a.Warehouse.ListRecentRuns(ctx, *limit)
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("Failed to list runs")
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tTRIGGER\tSTARTED\tSTATUS\tFACT ROWS\tREJECTED\tERROR")
	for _, r := range runs {
		factRows, rejected := "-", "-"
		if r.FactRows.Valid {
			factRows = fmt.Sprint(r.FactRows.Int64)
		}
		if r.RejectedRecords.Valid {
			rejected = fmt.Sprint(r.RejectedRecords.Int64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Trigger, r.StartedTS.Format(time.RFC3339), r.Status, factRows, rejected, r.ErrorMessage.StringVal)
	}
	tw.Flush()
}

func runPruneRuns(log zerolog.Logger) {
	fs := flag.NewFlagSet("prune-runs", flag.ExitOnError)
	flags := addCommonFlags(fs)
	retention := fs.Duration("older-than", 90*24*time.Hour, "Delete finished runs that started longer ago than this")
	fs.Parse(os.Args[2:])

	if *retention <= 0 {
		log.Fatal().Msg("-older-than must be positive")
	}

	cfg, log := setup(log, flags)
	if cfg.GCP.Project == "" {
		log.Fatal().Msg("gcp.project is required")
	}
	ctx, cancel := signalContext(log)
	defer cancel()

	a, err := app.New(ctx, cfg, app.ModePreview)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	deleted, err := a.Warehouse.PruneRuns(ctx, time.Now().Add(-*retention))
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("Failed to prune runs")
	}
	fmt.Printf("Deleted %d load run(s) older than %s.\n", deleted, *retention)
}

func printReport(w io.Writer, r *starschema.Report) {
	fmt.Fprintf(w, "Records read:          %d transactions, %d budget lines\n", r.TransactionsRead, r.BudgetLinesRead)
	fmt.Fprintf(w, "Rejected records:      %d\n", r.Rejected)
	for _, rej := range r.RejectedSamples {
		fmt.Fprintf(w, "  - %v\n", rej)
	}
	fmt.Fprintf(w, "Unresolved keys:       %d\n", r.Unresolved)
	for _, u := range r.UnresolvedSamples {
		fmt.Fprintf(w, "  - %v\n", u)
	}
	fmt.Fprintf(w, "Uncovered budget:      %d\n", r.UncoveredBudgetLines)
	fmt.Fprintf(w, "Duplicate budget rows: %d\n", r.DuplicateBudgetRows)
	fmt.Fprintf(w, "Amount overflows:      %d\n", r.AmountOverflows)
	for _, c := range r.AmountOverflowSamples {
		fmt.Fprintf(w, "  - %s\n", c)
	}
	fmt.Fprintf(w, "Fact rows:             %d actual, %d budget\n", r.ActualFactRows, r.BudgetFactRows)
}
