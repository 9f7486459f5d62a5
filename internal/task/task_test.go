package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/audioeval/internal/audiofile"
	"github.com/loqalabs/audioeval/internal/gateway"
	"github.com/loqalabs/audioeval/internal/ledger"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeGateway struct {
	text    string
	err     error
	calls   int
	prompts []string
	cancel  context.CancelFunc
}

func (f *fakeGateway) Name() string { return "fake" }
func (f *fakeGateway) Close() error { return nil }

func (f *fakeGateway) Submit(_ context.Context, prompt string, _ audiofile.Payload) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.cancel != nil {
		f.cancel()
	}
	return f.text, f.err
}

func writeClip(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("not really audio"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	return path
}

func TestRunClassificationAppendsRecord(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "out.jsonl")
	gw := &fakeGateway{text: "rock"}
	runner := NewRunner(gw, ledgerPath, newLogger())

	item := NewItem(writeClip(t, dir, "rock_001.wav"), "rock")
	rec, err := runner.Run(context.Background(), item, "which genre?", Classification)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Key != "rock_001" || rec.Predicted != "rock" || !rec.Correct() {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if gw.calls != 1 || gw.prompts[0] != "which genre?" {
		t.Fatalf("expected one call with the prompt, got %d %v", gw.calls, gw.prompts)
	}

	records, _, err := ledger.Load(ledgerPath)
	if err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if got, ok := records["rock_001"]; !ok || got != rec {
		t.Fatalf("expected appended record, got %+v", records)
	}
}

func TestRunScoreParsesInteger(t *testing.T) {
	dir := t.TempDir()
	runner := NewRunner(&fakeGateway{text: "4"}, filepath.Join(dir, "out.jsonl"), newLogger())

	rec, err := runner.Run(context.Background(), NewItem(writeClip(t, dir, "a.mp3"), ""), "rate", Score)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Kind != ledger.KindScore || rec.Score != 4 || rec.HasTrue {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRunScoreUnparseableIsInvalid(t *testing.T) {
	dir := t.TempDir()
	runner := NewRunner(&fakeGateway{text: "four out of five"}, filepath.Join(dir, "out.jsonl"), newLogger())

	rec, err := runner.Run(context.Background(), NewItem(writeClip(t, dir, "a.wav"), ""), "rate", Score)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Score != ledger.InvalidScore || rec.ValidScore() {
		t.Fatalf("expected invalid score, got %+v", rec)
	}
}

func TestRunHardGatewayErrorRecordsSentinel(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "out.jsonl")
	gw := &fakeGateway{err: gateway.ErrUpload}
	runner := NewRunner(gw, ledgerPath, newLogger())

	rec, err := runner.Run(context.Background(), NewItem(writeClip(t, dir, "jazz_1.wav"), "jazz"), "p", Classification)
	if err != nil {
		t.Fatalf("hard gateway errors must not surface: %v", err)
	}
	if rec.Predicted != ledger.SentinelLabel {
		t.Fatalf("expected sentinel pred, got %q", rec.Predicted)
	}

	scoreRec, err := runner.Run(context.Background(), NewItem(writeClip(t, dir, "jazz_2.wav"), ""), "p", Score)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if scoreRec.Score != ledger.InvalidScore {
		t.Fatalf("expected -1, got %d", scoreRec.Score)
	}

	records, _, err := ledger.Load(ledgerPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected both failures recorded, got %d", len(records))
	}
}

func TestRunMissingAudioRecordsSentinel(t *testing.T) {
	dir := t.TempDir()
	gw := &fakeGateway{text: "rock"}
	runner := NewRunner(gw, filepath.Join(dir, "out.jsonl"), newLogger())

	rec, err := runner.Run(context.Background(), NewItem(filepath.Join(dir, "gone.wav"), "rock"), "p", Classification)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Predicted != ledger.SentinelLabel || gw.calls != 0 {
		t.Fatalf("expected sentinel without a gateway call, got %+v (%d calls)", rec, gw.calls)
	}
}

func TestRunCancelledLeavesItemPending(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "out.jsonl")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &fakeGateway{err: context.Canceled, cancel: cancel}
	runner := NewRunner(gw, ledgerPath, newLogger())

	_, err := runner.Run(ctx, NewItem(writeClip(t, dir, "a.wav"), "rock"), "p", Classification)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, statErr := os.Stat(ledgerPath); !os.IsNotExist(statErr) {
		t.Fatalf("cancelled item must not be written, stat err %v", statErr)
	}
}

func TestRunNotifiesObserversAfterAppend(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "out.jsonl")
	var seen []ledger.Record
	obs := ObserverFunc(func(_ context.Context, rec ledger.Record) {
		records, _, err := ledger.Load(ledgerPath)
		if err != nil {
			t.Errorf("load in observer: %v", err)
		}
		if _, ok := records[rec.Key]; !ok {
			t.Errorf("observer ran before %s was durable", rec.Key)
		}
		seen = append(seen, rec)
	})
	runner := NewRunner(&fakeGateway{text: "pop"}, ledgerPath, newLogger(), obs)

	if _, err := runner.Run(context.Background(), NewItem(writeClip(t, dir, "a.wav"), "pop"), "p", Classification); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 1 || seen[0].Key != "a" {
		t.Fatalf("expected one notification, got %+v", seen)
	}
}

func TestRunAppendFailureIsReturned(t *testing.T) {
	dir := t.TempDir()
	// A directory cannot be opened for appending.
	ledgerPath := filepath.Join(dir, "ledger.jsonl")
	if err := os.Mkdir(ledgerPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	called := false
	runner := NewRunner(&fakeGateway{text: "pop"}, ledgerPath, newLogger(), ObserverFunc(func(context.Context, ledger.Record) {
		called = true
	}))

	if _, err := runner.Run(context.Background(), NewItem(writeClip(t, dir, "a.wav"), "pop"), "p", Classification); err == nil {
		t.Fatal("expected append error")
	}
	if called {
		t.Fatal("observers must not see records that failed to persist")
	}
}

func TestRunWithoutLedger(t *testing.T) {
	dir := t.TempDir()
	runner := NewRunner(&fakeGateway{text: "5"}, "", newLogger())

	rec, err := runner.Run(context.Background(), NewItem(writeClip(t, dir, "a.wav"), ""), "p", Score)
	if err != nil || rec.Score != 5 {
		t.Fatalf("expected score 5, got %+v (%v)", rec, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected no ledger file, got %d entries", len(entries))
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("score"); err != nil || k != Score {
		t.Fatalf("expected score, got %q (%v)", k, err)
	}
	if _, err := ParseKind("regression"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestInterpretKeepsMissingTruth(t *testing.T) {
	rec := Interpret(Item{Key: "x"}, "error", Classification)
	if rec.HasTrue || rec.Correct() {
		t.Fatalf("record without truth cannot be correct: %+v", rec)
	}
}
