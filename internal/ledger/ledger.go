// Package ledger persists evaluation results as an append-only JSON lines file.
//
// One line holds one Record. The file is only ever appended to; nothing here
// rewrites or removes a line. Whether a key may appear twice is the caller's
// concern, resume logic relies on callers never re-submitting a loaded key.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// SentinelLabel is the predicted label recorded when inference failed terminally.
const SentinelLabel = "error"

// InvalidScore marks a score that could not be obtained or parsed.
const InvalidScore = -1

// Kind distinguishes the two record shapes.
type Kind int

const (
	KindClassification Kind = iota
	KindScore
)

// Record is the outcome of one item.
type Record struct {
	Key       string
	Kind      Kind
	TrueLabel string
	HasTrue   bool
	Predicted string
	Score     int
}

// Correct reports whether a classification record predicted its true label.
func (r Record) Correct() bool {
	return r.Kind == KindClassification && r.HasTrue && r.Predicted == r.TrueLabel
}

// Failed reports whether the record holds a sentinel rather than a model answer.
func (r Record) Failed() bool {
	if r.Kind == KindScore {
		return !r.ValidScore()
	}
	return r.Predicted == SentinelLabel
}

// ValidScore reports whether a score record carries a usable score.
func (r Record) ValidScore() bool {
	return r.Kind == KindScore && r.Score > 0
}

type wireRecord struct {
	Key   string  `json:"key"`
	True  *string `json:"true,omitempty"`
	Pred  *string `json:"pred,omitempty"`
	Score *json.Number `json:"score,omitempty"`
}

type classificationLine struct {
	Key  string  `json:"key"`
	True *string `json:"true"`
	Pred string  `json:"pred"`
}

type scoreLine struct {
	Key   string  `json:"key"`
	Score int     `json:"score"`
	True  *string `json:"true,omitempty"`
}

// MarshalJSON renders {"key","true","pred"} for classification and
// {"key","score","true"?} for score records.
func (r Record) MarshalJSON() ([]byte, error) {
	var truth *string
	if r.HasTrue {
		t := r.TrueLabel
		truth = &t
	}
	if r.Kind == KindScore {
		return json.Marshal(scoreLine{Key: r.Key, Score: r.Score, True: truth})
	}
	return json.Marshal(classificationLine{Key: r.Key, True: truth, Pred: r.Predicted})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Key == "" {
		return errors.New("ledger: record without key")
	}
	out := Record{Key: w.Key}
	if w.True != nil {
		out.TrueLabel = *w.True
		out.HasTrue = true
	}
	switch {
	case w.Score != nil:
		score, err := parseScore(*w.Score)
		if err != nil {
			return fmt.Errorf("ledger: record %q: %w", w.Key, err)
		}
		out.Kind = KindScore
		out.Score = score
	case w.Pred != nil:
		out.Kind = KindClassification
		out.Predicted = *w.Pred
	default:
		return fmt.Errorf("ledger: record %q has neither pred nor score", w.Key)
	}
	*r = out
	return nil
}

// parseScore accepts integers and integral floats such as 4.0, which
// hand-merged ledgers may contain.
func parseScore(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("score %q is not a number", n)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("score %s is not integral", n)
	}
	return int(f), nil
}

// LoadStats describes what Load saw.
type LoadStats struct {
	Lines   int
	Skipped int
}

// Load reads every record at path into a map keyed by record key.
//
// A missing file yields an empty map. Lines that do not parse as a record,
// typically the truncated tail left by a crash mid-append, are skipped and
// only counted in the returned stats. When a key repeats, the last line wins.
func Load(path string) (map[string]Record, LoadStats, error) {
	records := make(map[string]Record)
	var stats LoadStats

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, stats, nil
		}
		return nil, stats, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			stats.Lines++
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				stats.Skipped++
			} else {
				records[rec.Key] = rec
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, stats, fmt.Errorf("read ledger: %w", readErr)
		}
	}
	return records, stats, nil
}

// Append writes rec as a single line at the end of path and syncs the file
// before returning. The file and its parent directory are created if needed.
func Append(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	// A crash can leave a partial last line; start on a fresh line so the
	// new record stays parseable.
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			data = append([]byte{'\n'}, data...)
		}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return f.Close()
}
