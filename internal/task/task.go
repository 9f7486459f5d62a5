// Package task runs a single evaluation item end to end: audio in, one
// gateway call, interpretation by task kind, one ledger line out.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loqalabs/audioeval/internal/audiofile"
	"github.com/loqalabs/audioeval/internal/gateway"
	"github.com/loqalabs/audioeval/internal/ledger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Kind selects how model output is interpreted.
type Kind string

const (
	Classification Kind = "classification"
	Score          Kind = "score"
)

// ParseKind validates a kind read from configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Classification, Score:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown task kind %q", s)
	}
}

// LedgerKind maps the task kind onto the ledger record shape.
func (k Kind) LedgerKind() ledger.Kind {
	if k == Score {
		return ledger.KindScore
	}
	return ledger.KindClassification
}

// Item is one unit of work.
type Item struct {
	Key       string
	AudioPath string
	TrueLabel string
	HasTrue   bool
}

// NewItem builds an item keyed by the stem of audioPath. An empty label
// means the item has no ground truth.
func NewItem(audioPath, label string) Item {
	return Item{
		Key:       audiofile.Key(audioPath),
		AudioPath: audioPath,
		TrueLabel: label,
		HasTrue:   label != "",
	}
}

// Observer is told about every record after it has been made durable.
type Observer interface {
	RecordAppended(ctx context.Context, rec ledger.Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rec ledger.Record)

func (f ObserverFunc) RecordAppended(ctx context.Context, rec ledger.Record) { f(ctx, rec) }

// Runner executes items against one gateway and one ledger file.
type Runner struct {
	gw         gateway.Gateway
	ledgerPath string
	observers  []Observer
	logger     *slog.Logger
	load       func(path string) (audiofile.Payload, error)
}

// NewRunner creates a runner. An empty ledgerPath disables persistence,
// which is only meant for one-off single item runs.
func NewRunner(gw gateway.Gateway, ledgerPath string, logger *slog.Logger, observers ...Observer) *Runner {
	return &Runner{
		gw:         gw,
		ledgerPath: ledgerPath,
		observers:  observers,
		logger:     logger.With(slog.String("component", "task")),
		load:       audiofile.Load,
	}
}

// LedgerPath returns the file records are appended to.
func (r *Runner) LedgerPath() string { return r.ledgerPath }

// Run submits the item once and records the outcome. Hard gateway failures
// become a sentinel record rather than an error; the only error returned is
// a failed append, or the context error when the run was cancelled before
// an outcome existed (in which case nothing is written and the item stays
// pending for the next run).
func (r *Runner) Run(ctx context.Context, item Item, prompt string, kind Kind) (ledger.Record, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/audioeval/task").Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("item.key", item.Key),
			attribute.String("task.kind", string(kind)),
		))
	defer span.End()

	logger := r.logger.With(slog.String("key", item.Key))
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With(slog.String("trace_id", sc.TraceID().String()))
	}
	start := time.Now()

	text, err := r.submit(ctx, item, prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ledger.Record{}, ctxErr
		}
		logger.Error("item failed, recording sentinel", slog.String("audio", item.AudioPath), slogError(err))
		span.RecordError(err)
		text = gateway.SentinelText
	}

	rec := Interpret(item, text, kind)
	if r.ledgerPath != "" {
		if err := ledger.Append(r.ledgerPath, rec); err != nil {
			return rec, fmt.Errorf("append %s: %w", item.Key, err)
		}
	}

	attrs := []any{slog.Duration("elapsed", time.Since(start))}
	if kind == Score {
		attrs = append(attrs, slog.Int("score", rec.Score))
	} else {
		attrs = append(attrs, slog.String("pred", rec.Predicted), slog.String("true", rec.TrueLabel))
	}
	logger.Info("item recorded", attrs...)

	for _, obs := range r.observers {
		obs.RecordAppended(ctx, rec)
	}
	return rec, nil
}

func (r *Runner) submit(ctx context.Context, item Item, prompt string) (string, error) {
	payload, err := r.load(item.AudioPath)
	if err != nil {
		return "", err
	}
	if payload.Duration > 0 {
		r.logger.Debug("audio loaded",
			slog.String("key", item.Key),
			slog.String("format", payload.Format),
			slog.Duration("duration", payload.Duration))
	}
	return r.gw.Submit(ctx, prompt, payload)
}

// Interpret turns normalized model output into a record. Score output that
// is not an integer becomes ledger.InvalidScore.
func Interpret(item Item, text string, kind Kind) ledger.Record {
	rec := ledger.Record{
		Key:       item.Key,
		Kind:      kind.LedgerKind(),
		TrueLabel: item.TrueLabel,
		HasTrue:   item.HasTrue,
	}
	if kind == Score {
		score, err := strconv.Atoi(text)
		if err != nil {
			score = ledger.InvalidScore
		}
		rec.Score = score
		return rec
	}
	rec.Predicted = text
	return rec
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
