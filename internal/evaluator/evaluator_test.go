package evaluator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/audioeval/internal/audiofile"
	"github.com/loqalabs/audioeval/internal/ledger"
	"github.com/loqalabs/audioeval/internal/task"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedGateway answers by item key.
type scriptedGateway struct {
	answers  map[string]string
	submits  map[string]int
	cancelOn string
	cancel   context.CancelFunc
}

func newScripted(answers map[string]string) *scriptedGateway {
	return &scriptedGateway{answers: answers, submits: make(map[string]int)}
}

func (g *scriptedGateway) Name() string { return "scripted" }
func (g *scriptedGateway) Close() error { return nil }

func (g *scriptedGateway) Submit(ctx context.Context, _ string, audio audiofile.Payload) (string, error) {
	key := audiofile.Key(audio.Path)
	g.submits[key]++
	if key == g.cancelOn && g.cancel != nil {
		g.cancel()
		return "", ctx.Err()
	}
	return g.answers[key], nil
}

type sliceSource []task.Item

func (s sliceSource) Each(ctx context.Context, fn func(task.Item) error) error {
	for _, item := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	dir    string
	ledger string
	out    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{dir: dir, ledger: filepath.Join(dir, "results.jsonl"), out: &bytes.Buffer{}}
}

func (f *fixture) item(t *testing.T, key, label string) task.Item {
	t.Helper()
	path := filepath.Join(f.dir, key+".wav")
	if err := os.WriteFile(path, []byte("clip"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	return task.NewItem(path, label)
}

func (f *fixture) evaluator(gw *scriptedGateway, opts Options) *Evaluator {
	opts.Out = f.out
	return New(task.NewRunner(gw, f.ledger, newLogger()), newLogger(), opts)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestEvaluateRockJazzExample(t *testing.T) {
	f := newFixture(t)
	gw := newScripted(map[string]string{"a": "rock", "b": "metal"})
	src := sliceSource{f.item(t, "a", "rock"), f.item(t, "b", "jazz")}

	summary, err := f.evaluator(gw, Options{}).Evaluate(context.Background(), src, "classify", task.Classification)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if summary.Value() != 0.5 || summary.Total != 2 || summary.Correct != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	want := []string{
		`{"key":"a","true":"rock","pred":"rock"}`,
		`{"key":"b","true":"jazz","pred":"metal"}`,
	}
	got := readLines(t, f.ledger)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("ledger =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
	if line := strings.TrimSpace(f.out.String()); line != "Total: 2, Correct: 1, Accuracy: 50.00%" {
		t.Fatalf("unexpected summary line %q", line)
	}
}

func TestEvaluateEmptySet(t *testing.T) {
	f := newFixture(t)
	summary, err := f.evaluator(newScripted(nil), Options{}).Evaluate(context.Background(), sliceSource{}, "p", task.Classification)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if summary.Value() != 0.0 || summary.Total != 0 {
		t.Fatalf("expected zero aggregate, got %+v", summary)
	}
	if _, err := os.Stat(f.ledger); !os.IsNotExist(err) {
		t.Fatalf("empty run must not touch the ledger, stat err %v", err)
	}
	if line := strings.TrimSpace(f.out.String()); line != "Total: 0, Correct: 0, Accuracy: 0.00%" {
		t.Fatalf("unexpected summary line %q", line)
	}
}

func TestEvaluateScoreMeanExcludesInvalid(t *testing.T) {
	f := newFixture(t)
	gw := newScripted(map[string]string{"s1": "4", "s2": "not a number", "s3": "5"})
	src := sliceSource{f.item(t, "s1", ""), f.item(t, "s2", ""), f.item(t, "s3", "")}

	summary, err := f.evaluator(gw, Options{}).Evaluate(context.Background(), src, "rate", task.Score)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if summary.Value() != 4.5 || summary.Total != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	records, _, err := ledger.Load(f.ledger)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if records["s2"].Score != ledger.InvalidScore || len(records) != 3 {
		t.Fatalf("every item must be recorded, got %+v", records)
	}
	if line := strings.TrimSpace(f.out.String()); line != "Total files: 2, Mean score: 4.50" {
		t.Fatalf("unexpected summary line %q", line)
	}
}

func TestEvaluateResumeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	src := sliceSource{f.item(t, "a", "rock"), f.item(t, "b", "jazz"), f.item(t, "c", "pop")}
	answers := map[string]string{"a": "rock", "b": "jazz", "c": "rock"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := newScripted(answers)
	first.cancelOn, first.cancel = "b", cancel
	if _, err := f.evaluator(first, Options{}).Evaluate(ctx, src, "p", task.Classification); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupted run, got %v", err)
	}
	if n := len(readLines(t, f.ledger)); n != 1 {
		t.Fatalf("expected only the finished item on disk, got %d lines", n)
	}
	if f.out.Len() != 0 {
		t.Fatalf("interrupted run must not print a summary, got %q", f.out.String())
	}

	second := newScripted(answers)
	summary, err := f.evaluator(second, Options{}).Evaluate(context.Background(), src, "p", task.Classification)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if second.submits["a"] != 0 || second.submits["b"] != 1 || second.submits["c"] != 1 {
		t.Fatalf("resume resubmitted recorded keys: %v", second.submits)
	}
	if summary.Resumed != 1 || summary.New != 2 || summary.Total != 3 || summary.Correct != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	third := newScripted(answers)
	if _, err := f.evaluator(third, Options{}).Evaluate(context.Background(), src, "p", task.Classification); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if len(third.submits) != 0 {
		t.Fatalf("complete ledger must not dispatch anything, got %v", third.submits)
	}
	if n := len(readLines(t, f.ledger)); n != 3 {
		t.Fatalf("expected one line per key, got %d", n)
	}
}

func TestEvaluateTruncatedLedgerTail(t *testing.T) {
	f := newFixture(t)
	seed := `{"key":"a","true":"rock","pred":"rock"}` + "\n" + `{"key":"b","tr`
	if err := os.WriteFile(f.ledger, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	gw := newScripted(map[string]string{"b": "jazz"})
	src := sliceSource{f.item(t, "a", "rock"), f.item(t, "b", "jazz")}

	summary, err := f.evaluator(gw, Options{}).Evaluate(context.Background(), src, "p", task.Classification)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gw.submits["a"] != 0 || gw.submits["b"] != 1 {
		t.Fatalf("only the truncated item should rerun, got %v", gw.submits)
	}
	if summary.Total != 2 || summary.Accuracy != 1.0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	records, stats, err := ledger.Load(f.ledger)
	if err != nil || len(records) != 2 || stats.Skipped != 1 {
		t.Fatalf("unexpected reload: %d records, %+v (%v)", len(records), stats, err)
	}
}

func TestEvaluateSentinelRecordsAreNotRetried(t *testing.T) {
	f := newFixture(t)
	if err := ledger.Append(f.ledger, ledger.Record{Key: "a", TrueLabel: "rock", HasTrue: true, Predicted: ledger.SentinelLabel}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gw := newScripted(map[string]string{"a": "rock"})

	summary, err := f.evaluator(gw, Options{}).Evaluate(context.Background(), sliceSource{f.item(t, "a", "rock")}, "p", task.Classification)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gw.submits["a"] != 0 {
		t.Fatal("a recorded failure is final")
	}
	if summary.Total != 1 || summary.Correct != 0 {
		t.Fatalf("sentinel counts as an incorrect prediction, got %+v", summary)
	}
}

func TestEvaluateDuplicateKeysRunOnce(t *testing.T) {
	f := newFixture(t)
	gw := newScripted(map[string]string{"a": "rock"})
	item := f.item(t, "a", "rock")

	summary, err := f.evaluator(gw, Options{}).Evaluate(context.Background(), sliceSource{item, item}, "p", task.Classification)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gw.submits["a"] != 1 || summary.New != 1 {
		t.Fatalf("expected one dispatch, got %v", gw.submits)
	}
}

func TestEvaluatePacesBetweenItems(t *testing.T) {
	f := newFixture(t)
	gw := newScripted(map[string]string{"a": "rock", "b": "rock", "c": "rock"})
	e := f.evaluator(gw, Options{Pace: 5 * time.Second})
	var sleeps []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	src := sliceSource{f.item(t, "a", ""), f.item(t, "b", ""), f.item(t, "c", "")}
	if _, err := e.Evaluate(context.Background(), src, "p", task.Classification); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(sleeps) != 2 || sleeps[0] != 5*time.Second {
		t.Fatalf("expected a pause between each pair of items, got %v", sleeps)
	}
}

func TestEvaluateStopsAtLimit(t *testing.T) {
	f := newFixture(t)
	gw := newScripted(map[string]string{"a": "rock", "b": "jazz", "c": "rock"})
	src := sliceSource{f.item(t, "a", "rock"), f.item(t, "b", "rock"), f.item(t, "c", "rock")}

	summary, err := f.evaluator(gw, Options{Limit: 2}).Evaluate(context.Background(), src, "p", task.Classification)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if summary.New != 2 || gw.submits["c"] != 0 {
		t.Fatalf("expected two dispatches, got %+v %v", summary, gw.submits)
	}
	if f.out.String() != "Total: 2, Correct: 1, Accuracy: 50.00%\n" {
		t.Fatalf("unexpected summary line %q", f.out.String())
	}

	// The next call picks up where the limit stopped.
	f.out.Reset()
	summary, err = f.evaluator(gw, Options{Limit: 2}).Evaluate(context.Background(), src, "p", task.Classification)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if summary.New != 1 || summary.Resumed != 2 || gw.submits["c"] != 1 || summary.Total != 3 {
		t.Fatalf("unexpected second pass %+v %v", summary, gw.submits)
	}
}

func TestEvaluateRequiresLedger(t *testing.T) {
	e := New(task.NewRunner(newScripted(nil), "", newLogger()), newLogger(), Options{Out: io.Discard})
	if _, err := e.Evaluate(context.Background(), sliceSource{}, "p", task.Classification); err == nil {
		t.Fatal("expected error without a ledger")
	}
}

func TestAggregate(t *testing.T) {
	records := map[string]ledger.Record{
		"a": {Key: "a", Kind: ledger.KindClassification, TrueLabel: "rock", HasTrue: true, Predicted: "rock"},
		"b": {Key: "b", Kind: ledger.KindClassification, TrueLabel: "jazz", HasTrue: true, Predicted: "error"},
		"c": {Key: "c", Kind: ledger.KindClassification, Predicted: "pop"},
		"d": {Key: "d", Kind: ledger.KindScore, Score: 3},
	}
	s := Aggregate(records, task.Classification)
	if s.Total != 3 || s.Correct != 1 || s.Accuracy != 1.0/3.0 {
		t.Fatalf("unexpected classification summary %+v", s)
	}

	nonPositive := map[string]ledger.Record{
		"x": {Key: "x", Kind: ledger.KindScore, Score: -1},
		"y": {Key: "y", Kind: ledger.KindScore, Score: 0},
	}
	if s := Aggregate(nonPositive, task.Score); s.Value() != 0.0 || s.Total != 0 {
		t.Fatalf("non-positive scores must aggregate to zero, got %+v", s)
	}
}
