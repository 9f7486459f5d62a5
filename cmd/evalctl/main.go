package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/loqalabs/audioeval/internal/config"
	"github.com/loqalabs/audioeval/internal/runtime"
)

var version = "0.1.0-dev"

const usage = "usage: evalctl <run|single|history|validate|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "single":
		err = cmdSingle(ctx, os.Args[2:])
	case "history":
		err = cmdHistory(ctx, os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdRun(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := flags.String("config", "evalctl.yaml", "Path to configuration file")
	batch := flags.String("batch", "", "Run only this batch")
	limit := flags.Int("limit", 0, "Dispatch at most this many new items per batch (0 = all)")
	flags.Parse(args)

	if *limit < 0 {
		fmt.Fprintln(os.Stderr, "-limit must not be negative")
		os.Exit(2)
	}
	cfg, logger, err := load(*configPath)
	if err != nil {
		return err
	}
	rt := runtime.New(cfg, logger, os.Stdout)
	rt.Limit = *limit
	_, err = rt.Run(ctx, *batch)
	return err
}

func cmdSingle(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("single", flag.ExitOnError)
	configPath := flags.String("config", "evalctl.yaml", "Path to configuration file")
	batch := flags.String("batch", "", "Batch whose prompt and task to use")
	audio := flags.String("audio", "", "Audio file to evaluate")
	label := flags.String("label", "", "Optional true label")
	flags.Parse(args)

	if *batch == "" || *audio == "" {
		fmt.Fprintln(os.Stderr, "single requires -batch and -audio")
		os.Exit(2)
	}
	cfg, logger, err := load(*configPath)
	if err != nil {
		return err
	}
	rec, err := runtime.New(cfg, logger, os.Stdout).Single(ctx, *batch, *audio, *label)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(rec)
}

func cmdHistory(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := flags.String("config", "evalctl.yaml", "Path to configuration file")
	batch := flags.String("batch", "", "Only show runs of this batch")
	limit := flags.Int("limit", 20, "Maximum number of runs")
	flags.Parse(args)

	cfg, logger, err := load(*configPath)
	if err != nil {
		return err
	}
	runs, err := runtime.New(cfg, logger, os.Stdout).History(ctx, *batch, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBATCH\tTASK\tBACKEND\tFINISHED\tTOTAL\tNEW\tVALUE\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%.4f\t%s\n",
			r.ID, r.Batch, r.Task, r.Backend, r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			r.Total, r.New, r.Value, r.Error)
	}
	return w.Flush()
}

func cmdValidate(args []string) error {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := flags.String("config", "evalctl.yaml", "Path to configuration file")
	flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fmt.Printf("config valid: %d batches\n", len(cfg.Batches))
	return nil
}

func load(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	logger = logger.With(slog.String("runtime", cfg.RuntimeName))
	return cfg, logger, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
