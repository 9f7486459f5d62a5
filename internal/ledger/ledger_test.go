package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	records, stats, err := Load(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 || stats.Lines != 0 {
		t.Fatalf("expected empty ledger, got %d records", len(records))
	}
}

func TestAppendWireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "results.jsonl")
	if err := Append(path, Record{Key: "a", Kind: KindClassification, TrueLabel: "rock", HasTrue: true, Predicted: "rock"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := Append(path, Record{Key: "b", Kind: KindScore, Score: 4}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := Append(path, Record{Key: "c", Kind: KindScore, Score: -1, TrueLabel: "rock", HasTrue: true}); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := `{"key":"a","true":"rock","pred":"rock"}
{"key":"b","score":4}
{"key":"c","score":-1,"true":"rock"}
`
	if string(data) != want {
		t.Fatalf("unexpected ledger contents:\n%s", data)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	if err := Append(path, Record{Key: "a", Kind: KindClassification, TrueLabel: "jazz", HasTrue: true, Predicted: "metal"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := Append(path, Record{Key: "b", Kind: KindScore, Score: 5}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, stats, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stats.Lines != 2 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	a := records["a"]
	if a.Kind != KindClassification || a.Predicted != "metal" || a.TrueLabel != "jazz" || a.Correct() {
		t.Fatalf("unexpected record a: %+v", a)
	}
	b := records["b"]
	if b.Kind != KindScore || b.Score != 5 || b.HasTrue || !b.ValidScore() {
		t.Fatalf("unexpected record b: %+v", b)
	}
}

func TestLoadSkipsTruncatedLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	contents := `{"key":"a","true":"rock","pred":"rock"}
{"key":"b","true":"jazz","pred":"metal"}
{"key":"c","tru`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	records, stats, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if _, ok := records["c"]; ok {
		t.Fatal("truncated record must not load")
	}
	if stats.Skipped != 1 {
		t.Fatalf("expected 1 skipped line, got %d", stats.Skipped)
	}
}

func TestLoadSkipsLinesWithoutKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	contents := `{"music":"x.wav","true":"1","pred":"1"}
not json at all

{"key":"d","score":3}
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	records, stats, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 1 || records["d"].Score != 3 {
		t.Fatalf("unexpected records: %+v", records)
	}
	if stats.Lines != 3 || stats.Skipped != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAppendAfterTruncatedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	if err := os.WriteFile(path, []byte(`{"key":"a","score":4}`+"\n"+`{"key":"b","sc`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Append(path, Record{Key: "c", Kind: KindScore, Score: 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	records, stats, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 || records["c"].Score != 2 {
		t.Fatalf("expected records a and c, got %+v", records)
	}
	if stats.Skipped != 1 {
		t.Fatalf("expected the partial line to be skipped, got %+v", stats)
	}
	data, _ := os.ReadFile(path)
	if !strings.HasSuffix(string(data), `{"key":"c","score":2}`+"\n") {
		t.Fatalf("new record must sit on its own line:\n%s", data)
	}
}

func TestClassificationWithoutTrueLabel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	if err := Append(path, Record{Key: "x", Kind: KindClassification, Predicted: SentinelLabel}); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{"key":"x","true":null,"pred":"error"}`+"\n" {
		t.Fatalf("unexpected line: %s", data)
	}
	records, _, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if records["x"].HasTrue || records["x"].Correct() {
		t.Fatalf("unexpected record: %+v", records["x"])
	}
}

func TestLoadAcceptsIntegralFloatScore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	contents := `{"key":"a","score":4.0}
{"key":"b","score":-1.0,"true":"rock"}
{"key":"c","score":2.5}
{"key":"d","score":3}
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	records, stats, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if records["a"].Kind != KindScore || records["a"].Score != 4 {
		t.Fatalf("expected a to load with score 4, got %+v", records["a"])
	}
	if records["b"].Score != InvalidScore || records["b"].ValidScore() {
		t.Fatalf("expected b to be an invalid score, got %+v", records["b"])
	}
	if _, ok := records["c"]; ok {
		t.Fatal("fractional score must not load")
	}
	if records["d"].Score != 3 {
		t.Fatalf("unexpected d: %+v", records["d"])
	}
	if stats.Lines != 4 || stats.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestFailed(t *testing.T) {
	cases := []struct {
		rec  Record
		want bool
	}{
		{Record{Kind: KindClassification, Predicted: SentinelLabel}, true},
		{Record{Kind: KindClassification, Predicted: "rock"}, false},
		{Record{Kind: KindScore, Score: InvalidScore}, true},
		{Record{Kind: KindScore, Score: 0}, true},
		{Record{Kind: KindScore, Score: 3}, false},
	}
	for _, c := range cases {
		if got := c.rec.Failed(); got != c.want {
			t.Fatalf("Failed(%+v) = %v, want %v", c.rec, got, c.want)
		}
	}
}
