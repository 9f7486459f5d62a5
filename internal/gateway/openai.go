package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/audioeval/internal/audiofile"
)

// openAIBackend talks to an OpenAI-compatible chat completions endpoint,
// sending the clip inline as base64 input_audio.
type openAIBackend struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	InputAudio *inputAudio `json:"input_audio,omitempty"`
}

type inputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func newOpenAIBackend(endpoint, apiKeyEnv, model string, timeout time.Duration) (*openAIBackend, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OPENAI_BASE_URL")
	}
	if endpoint == "" {
		return nil, errors.New("OPENAI_BASE_URL is not set")
	}
	var apiKey string
	if apiKeyEnv != "" {
		apiKey = os.Getenv(apiKeyEnv)
	} else {
		apiKey = os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
	}
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY / GOOGLE_API_KEY is not set")
	}
	return &openAIBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

func (o *openAIBackend) name() string { return "openai:" + o.model }

func (o *openAIBackend) close() error {
	o.http.CloseIdleConnections()
	return nil
}

func (o *openAIBackend) stage(_ context.Context, audio audiofile.Payload) (any, error) {
	return &inputAudio{Data: audio.Base64(), Format: audio.Format}, nil
}

func (o *openAIBackend) generate(ctx context.Context, prompt string, staged any) (string, error) {
	audio, ok := staged.(*inputAudio)
	if !ok {
		return "", fmt.Errorf("openai: unexpected staged payload %T", staged)
	}
	payload := chatRequest{
		Model: o.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "input_audio", InputAudio: audio},
			},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", transport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transport(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("openai returned status %s: %s", resp.Status, truncate(string(data), 200))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return "", overload(statusErr)
		}
		return "", permanent(statusErr)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", permanent(fmt.Errorf("decode openai response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", permanent(errors.New("openai response has no choices"))
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
