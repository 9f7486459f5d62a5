package gateway

import (
	"context"

	"github.com/loqalabs/audioeval/internal/audiofile"
)

// mockBackend answers from a fixed table keyed by item key. The "*" entry
// is the fallback; without one the answer is "mock".
type mockBackend struct {
	answers map[string]string
}

func newMockBackend(answers map[string]string) *mockBackend {
	return &mockBackend{answers: answers}
}

func (m *mockBackend) name() string { return "mock" }

func (m *mockBackend) close() error { return nil }

func (m *mockBackend) stage(_ context.Context, audio audiofile.Payload) (any, error) {
	return audiofile.Key(audio.Path), nil
}

func (m *mockBackend) generate(ctx context.Context, _ string, staged any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, _ := staged.(string)
	if answer, ok := m.answers[key]; ok {
		return answer, nil
	}
	if answer, ok := m.answers["*"]; ok {
		return answer, nil
	}
	return "mock", nil
}
