package protocol

import (
	"strings"
	"time"
)

// RecordEvent is published after a record has been appended to a ledger.
type RecordEvent struct {
	Batch     string    `json:"batch"`
	Key       string    `json:"key"`
	Task      string    `json:"task"`
	True      *string   `json:"true,omitempty"`
	Pred      string    `json:"pred,omitempty"`
	Score     *int      `json:"score,omitempty"`
	Failed    bool      `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

// SummaryEvent is published when a batch finishes.
type SummaryEvent struct {
	Batch     string    `json:"batch"`
	Task      string    `json:"task"`
	Backend   string    `json:"backend"`
	Total     int       `json:"total"`
	Correct   int       `json:"correct,omitempty"`
	Resumed   int       `json:"resumed"`
	New       int       `json:"new"`
	Failed    int       `json:"failed"`
	Value     float64   `json:"value"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRecordToken  = "record"
	SubjectSummaryToken = "summary"
)

// SubjectRecord is <prefix>.record.<batch>.
func SubjectRecord(prefix, batch string) string {
	return prefix + "." + SubjectRecordToken + "." + Token(batch)
}

// SubjectSummary is <prefix>.summary.<batch>.
func SubjectSummary(prefix, batch string) string {
	return prefix + "." + SubjectSummaryToken + "." + Token(batch)
}

// Token makes s usable as a single NATS subject token.
func Token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
