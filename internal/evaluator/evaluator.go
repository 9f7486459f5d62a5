// Package evaluator drives one batch: it resumes from the ledger, runs every
// pending item in source order and reports the aggregate over all records.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/audioeval/internal/ledger"
	"github.com/loqalabs/audioeval/internal/source"
	"github.com/loqalabs/audioeval/internal/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Summary aggregates the ledger of one batch.
type Summary struct {
	Kind task.Kind
	// Total is the number of classification records, or the number of
	// usable scores for score batches.
	Total    int
	Correct  int
	Accuracy float64
	Mean     float64
	// Resumed counts records found in the ledger before the run, New those
	// written by it.
	Resumed int
	New     int
}

// Value is the headline statistic: accuracy or mean score.
func (s Summary) Value() float64 {
	if s.Kind == task.Score {
		return s.Mean
	}
	return s.Accuracy
}

func (s Summary) String() string {
	if s.Kind == task.Score {
		return fmt.Sprintf("Total files: %d, Mean score: %.2f", s.Total, s.Mean)
	}
	return fmt.Sprintf("Total: %d, Correct: %d, Accuracy: %.2f%%", s.Total, s.Correct, s.Accuracy*100)
}

// Aggregate computes the summary over records of the given kind. Empty
// input yields zero rather than NaN. Scores <= 0 do not count.
func Aggregate(records map[string]ledger.Record, kind task.Kind) Summary {
	s := Summary{Kind: kind}
	want := kind.LedgerKind()
	sum := 0
	for _, rec := range records {
		if rec.Kind != want {
			continue
		}
		if kind == task.Score {
			if rec.ValidScore() {
				s.Total++
				sum += rec.Score
			}
			continue
		}
		s.Total++
		if rec.Correct() {
			s.Correct++
		}
	}
	if s.Total > 0 {
		if kind == task.Score {
			s.Mean = float64(sum) / float64(s.Total)
		} else {
			s.Accuracy = float64(s.Correct) / float64(s.Total)
		}
	}
	return s
}

// Options tune an Evaluator.
type Options struct {
	// Batch names the run in logs and metrics.
	Batch string
	// Out receives the summary line; nil means os.Stdout.
	Out io.Writer
	// Pace is slept between consecutive items.
	Pace time.Duration
	// Limit caps the items dispatched by one call; zero means no cap.
	Limit int
}

// Evaluator runs batches through a task.Runner.
type Evaluator struct {
	runner *task.Runner
	opts   Options
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	itemCounter metric.Int64Counter
	valueGauge  metric.Float64Gauge
}

func New(runner *task.Runner, logger *slog.Logger, opts Options) *Evaluator {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	e := &Evaluator{
		runner: runner,
		opts:   opts,
		logger: logger.With(slog.String("component", "evaluator"), slog.String("batch", opts.Batch)),
		sleep:  sleepContext,
	}
	meter := otel.Meter("github.com/loqalabs/audioeval/evaluator")
	var err error
	e.itemCounter, err = meter.Int64Counter(
		"audioeval.items",
		metric.WithDescription("Items recorded to a ledger"),
	)
	if err != nil {
		e.logger.Warn("failed to initialize metrics", slogError(err))
	}
	e.valueGauge, err = meter.Float64Gauge(
		"audioeval.batch.value",
		metric.WithDescription("Accuracy or mean score of the last finished batch"),
	)
	if err != nil {
		e.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return e
}

// Evaluate resumes the batch from the runner's ledger and processes every
// item of src whose key is not recorded yet, one at a time. Keys repeated
// within src run once. When ctx is cancelled the loop stops between items
// and the context error is returned without a summary line. Reaching
// Options.Limit ends enumeration early; the summary still covers every
// record in the ledger.
func (e *Evaluator) Evaluate(ctx context.Context, src source.Source, prompt string, kind task.Kind) (Summary, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/audioeval/evaluator").Start(ctx, "evaluator.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch", e.opts.Batch),
		attribute.String("task.kind", string(kind)),
	)

	path := e.runner.LedgerPath()
	if path == "" {
		return Summary{Kind: kind}, errors.New("evaluator needs a ledger path")
	}
	records, stats, err := ledger.Load(path)
	if err != nil {
		return Summary{Kind: kind}, err
	}
	if stats.Skipped > 0 {
		e.logger.Warn("skipped unreadable ledger lines", slog.String("ledger", path), slog.Int("skipped", stats.Skipped))
	}
	resumed := len(records)
	e.logger.Info("batch started", slog.String("ledger", path), slog.Int("resumed", resumed))

	newCount := 0
	err = src.Each(ctx, func(item task.Item) error {
		if _, done := records[item.Key]; done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.opts.Limit > 0 && newCount >= e.opts.Limit {
			return source.ErrStop
		}
		if newCount > 0 && e.opts.Pace > 0 {
			if err := e.sleep(ctx, e.opts.Pace); err != nil {
				return err
			}
		}
		rec, err := e.runner.Run(ctx, item, prompt, kind)
		if err != nil {
			return err
		}
		records[rec.Key] = rec
		newCount++
		e.count(ctx, kind, rec)
		return nil
	})
	if errors.Is(err, source.ErrStop) {
		e.logger.Info("item limit reached", slog.Int("limit", e.opts.Limit))
		err = nil
	}
	summary := Aggregate(records, kind)
	summary.Resumed = resumed
	summary.New = newCount
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch interrupted")
		e.logger.Warn("batch interrupted", slog.Int("new", newCount), slogError(err))
		return summary, err
	}

	if _, err := fmt.Fprintln(e.opts.Out, summary.String()); err != nil {
		return summary, fmt.Errorf("write summary: %w", err)
	}
	if e.valueGauge != nil {
		e.valueGauge.Record(ctx, summary.Value(), metric.WithAttributes(
			attribute.String("batch", e.opts.Batch),
			attribute.String("task.kind", string(kind)),
		))
	}
	span.SetAttributes(attribute.Float64("batch.value", summary.Value()), attribute.Int("batch.new", newCount))
	e.logger.Info("batch finished",
		slog.Int("total", summary.Total),
		slog.Int("new", newCount),
		slog.Float64("value", summary.Value()))
	return summary, nil
}

func (e *Evaluator) count(ctx context.Context, kind task.Kind, rec ledger.Record) {
	if e.itemCounter == nil {
		return
	}
	e.itemCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("batch", e.opts.Batch),
		attribute.String("task.kind", string(kind)),
		attribute.Bool("failed", rec.Failed()),
	))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
