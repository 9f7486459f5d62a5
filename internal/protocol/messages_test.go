package protocol

import "testing"

func TestSubjects(t *testing.T) {
	if got := SubjectRecord("audioeval", "suno v2.rock"); got != "audioeval.record.suno_v2_rock" {
		t.Fatalf("unexpected record subject %q", got)
	}
	if got := SubjectSummary("lab", "pop>*"); got != "lab.summary.pop__" {
		t.Fatalf("unexpected summary subject %q", got)
	}
	if got := Token("  "); got != "_" {
		t.Fatalf("blank token should be _, got %q", got)
	}
}
