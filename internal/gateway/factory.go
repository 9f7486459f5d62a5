package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/audioeval/internal/config"
)

// New builds the gateway selected by cfg.Backend.
func New(ctx context.Context, cfg config.GatewayConfig, logger *slog.Logger) (Gateway, error) {
	var (
		b   backend
		err error
	)
	switch cfg.Backend {
	case "gemini":
		b, err = newGeminiBackend(ctx, cfg.APIKeyEnv, cfg.ModelName)
	case "openai":
		b, err = newOpenAIBackend(cfg.Endpoint, cfg.APIKeyEnv, cfg.ModelName, time.Duration(cfg.TimeoutSeconds)*time.Second)
	case "exec":
		b, err = newExecBackend(cfg.Command, cfg.ModelName)
	case "mock":
		b = newMockBackend(cfg.MockAnswers)
	default:
		return nil, fmt.Errorf("unknown gateway backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return newClient(b, PolicyFromConfig(cfg), logger), nil
}
