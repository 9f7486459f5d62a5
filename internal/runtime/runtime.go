// Package runtime wires configuration, telemetry, the bus, run history and
// the gateway together and drives the configured batches.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/audioeval/internal/bus"
	"github.com/loqalabs/audioeval/internal/config"
	"github.com/loqalabs/audioeval/internal/evaluator"
	"github.com/loqalabs/audioeval/internal/gateway"
	"github.com/loqalabs/audioeval/internal/history"
	"github.com/loqalabs/audioeval/internal/ledger"
	"github.com/loqalabs/audioeval/internal/natsserver"
	"github.com/loqalabs/audioeval/internal/prompt"
	"github.com/loqalabs/audioeval/internal/protocol"
	"github.com/loqalabs/audioeval/internal/source"
	"github.com/loqalabs/audioeval/internal/task"
)

// BatchResult is the outcome of one batch within a run.
type BatchResult struct {
	Batch   string
	Summary evaluator.Summary
	Err     error
}

type Runtime struct {
	// Limit caps the items dispatched per batch; zero means no cap.
	Limit int

	cfg        config.Config
	logger     *slog.Logger
	out        io.Writer
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
	clock      func() time.Time
}

// New creates a runtime. Summary lines go to out.
func New(cfg config.Config, logger *slog.Logger, out io.Writer) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		out:    out,
		clock:  time.Now,
	}
}

// Run executes the named batch, or every configured batch in order when
// name is empty. A failing batch does not stop the ones after it; a
// cancelled context does.
func (r *Runtime) Run(ctx context.Context, name string) ([]BatchResult, error) {
	batches, err := r.selectBatches(name)
	if err != nil {
		return nil, err
	}

	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.Telemetry.PrometheusBind != "" {
		r.serveMetrics(metrics)
		defer r.stopMetrics()
	}

	client, stopBus, err := r.startBus(ctx)
	if err != nil {
		return nil, err
	}
	defer stopBus()

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	gw, err := gateway.New(ctx, r.cfg.Gateway, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Close()

	r.ready.Store(true)
	defer r.ready.Store(false)
	r.logger.Info("runtime started",
		slog.String("backend", gw.Name()),
		slog.Int("batches", len(batches)))

	var (
		results []BatchResult
		errs    []error
	)
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res := r.runBatch(ctx, b, gw, client, store)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", b.Name, res.Err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return results, errors.Join(errs...)
}

func (r *Runtime) runBatch(ctx context.Context, b config.BatchConfig, gw gateway.Gateway, client *bus.Client, store *history.Store) BatchResult {
	logger := r.logger.With(slog.String("batch", b.Name))
	res := BatchResult{Batch: b.Name}
	started := r.clock()

	kind, promptText, src, err := r.prepare(b)
	if err != nil {
		res.Err = err
		logger.Error("batch setup failed", slog.String("error", err.Error()))
		return res
	}

	failed := 0
	observers := []task.Observer{task.ObserverFunc(func(_ context.Context, rec ledger.Record) {
		if rec.Failed() {
			failed++
		}
	})}
	var pub *bus.Publisher
	if client != nil {
		pub = bus.NewPublisher(client, r.cfg.Bus.SubjectPrefix, b.Name, string(kind))
		observers = append(observers, pub)
	}
	runner := task.NewRunner(gw, b.Ledger, logger, observers...)
	ev := evaluator.New(runner, r.logger, evaluator.Options{
		Batch: b.Name,
		Out:   r.out,
		Pace:  time.Duration(r.cfg.Gateway.PaceMS) * time.Millisecond,
		Limit: r.Limit,
	})

	res.Summary, res.Err = ev.Evaluate(ctx, src, promptText, kind)

	run := history.Run{
		Batch:      b.Name,
		Task:       string(kind),
		Backend:    gw.Name(),
		Model:      r.cfg.Gateway.ModelName,
		Ledger:     b.Ledger,
		StartedAt:  started,
		FinishedAt: r.clock(),
		Total:      res.Summary.Total,
		New:        res.Summary.New,
		Value:      res.Summary.Value(),
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	// The run is recorded even when ctx was cancelled mid-batch.
	if _, err := store.Record(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("failed to record run history", slog.String("error", err.Error()))
	}

	if failed > 0 {
		logger.Warn("batch recorded failures", slog.Int("failed", failed), slog.Int("new", res.Summary.New))
	}
	if res.Err == nil {
		pub.PublishSummary(ctx, protocol.SummaryEvent{
			Backend: gw.Name(),
			Total:   res.Summary.Total,
			Correct: res.Summary.Correct,
			Resumed: res.Summary.Resumed,
			New:     res.Summary.New,
			Failed:  failed,
			Value:   res.Summary.Value(),
			Line:    res.Summary.String(),
		})
	}
	return res
}

func (r *Runtime) prepare(b config.BatchConfig) (task.Kind, string, source.Source, error) {
	kind, err := task.ParseKind(b.Task)
	if err != nil {
		return "", "", nil, err
	}
	promptText, err := prompt.Build(b.Prompt)
	if err != nil {
		return "", "", nil, fmt.Errorf("build prompt: %w", err)
	}
	src, err := source.New(b.Source, r.logger)
	if err != nil {
		return "", "", nil, err
	}
	return kind, promptText, src, nil
}

// Single runs one clip with the prompt and task of the named batch without
// touching its ledger.
func (r *Runtime) Single(ctx context.Context, name, audioPath, label string) (ledger.Record, error) {
	b, ok := r.cfg.Batch(name)
	if !ok {
		return ledger.Record{}, fmt.Errorf("unknown batch %q", name)
	}
	kind, err := task.ParseKind(b.Task)
	if err != nil {
		return ledger.Record{}, err
	}
	promptText, err := prompt.Build(b.Prompt)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("build prompt: %w", err)
	}
	gw, err := gateway.New(ctx, r.cfg.Gateway, r.logger)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Close()

	runner := task.NewRunner(gw, "", r.logger)
	return runner.Run(ctx, task.NewItem(audioPath, label), promptText, kind)
}

// History lists recorded runs, newest first.
func (r *Runtime) History(ctx context.Context, batch string, limit int) ([]history.Run, error) {
	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer store.Close()
	if !store.Enabled() {
		return nil, errors.New("history is disabled")
	}
	return store.List(ctx, batch, limit)
}

func (r *Runtime) selectBatches(name string) ([]config.BatchConfig, error) {
	if name != "" {
		b, ok := r.cfg.Batch(name)
		if !ok {
			return nil, fmt.Errorf("unknown batch %q", name)
		}
		return []config.BatchConfig{b}, nil
	}
	if len(r.cfg.Batches) == 0 {
		return nil, errors.New("no batches configured")
	}
	return r.cfg.Batches, nil
}

func (r *Runtime) startBus(ctx context.Context) (*bus.Client, func(), error) {
	if !r.cfg.Bus.Enabled {
		return nil, func() {}, nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, nil, err
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, err
	}
	return client, func() {
		client.Close()
		embedded.Shutdown()
	}, nil
}

func (r *Runtime) serveMetrics(metrics http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	r.httpServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics server listening", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
}

func (r *Runtime) stopMetrics() {
	if r.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
