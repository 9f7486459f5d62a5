package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/audioeval/internal/audiofile"
	genai "google.golang.org/genai"
)

// geminiAPI is the slice of the genai client the backend needs.
type geminiAPI interface {
	upload(ctx context.Context, audio audiofile.Payload) (*genai.File, error)
	generate(ctx context.Context, model string, contents []*genai.Content) (*genai.GenerateContentResponse, error)
}

type genaiAPI struct {
	cli *genai.Client
}

func (g genaiAPI) upload(ctx context.Context, audio audiofile.Payload) (*genai.File, error) {
	return g.cli.Files.Upload(ctx, bytes.NewReader(audio.Data), &genai.UploadFileConfig{
		MIMEType:    audio.MIMEType,
		DisplayName: audiofile.Key(audio.Path),
	})
}

func (g genaiAPI) generate(ctx context.Context, model string, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	return g.cli.Models.GenerateContent(ctx, model, contents, nil)
}

type geminiBackend struct {
	api   geminiAPI
	model string
}

func newGeminiBackend(ctx context.Context, apiKeyEnv, model string) (*geminiBackend, error) {
	if apiKeyEnv == "" {
		apiKeyEnv = "GEMINI_API_KEY"
	}
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s is not set", apiKeyEnv)
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiBackend{api: genaiAPI{cli: cli}, model: model}, nil
}

func (g *geminiBackend) name() string { return "gemini:" + g.model }

func (g *geminiBackend) close() error { return nil }

func (g *geminiBackend) stage(ctx context.Context, audio audiofile.Payload) (any, error) {
	file, err := g.api.upload(ctx, audio)
	if err != nil {
		return nil, err
	}
	if file == nil || file.URI == "" {
		return nil, errors.New("upload returned no file uri")
	}
	return file, nil
}

func (g *geminiBackend) generate(ctx context.Context, prompt string, staged any) (string, error) {
	file, ok := staged.(*genai.File)
	if !ok {
		return "", fmt.Errorf("gemini: unexpected staged payload %T", staged)
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: prompt},
			{FileData: &genai.FileData{FileURI: file.URI, MIMEType: file.MIMEType}},
		},
	}}
	resp, err := g.api.generate(ctx, g.model, contents)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	return responseText(resp)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", permanent(errors.New("gemini: response has no candidates"))
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return "", permanent(errors.New("gemini: candidate has no content"))
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}

// classifyGeminiError maps 5xx and 429 to overload, other API errors to
// permanent and everything else (network, TLS) to transport.
func classifyGeminiError(err error) error {
	code, ok := apiErrorCode(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return transport(err)
	}
	if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
		return overload(err)
	}
	return permanent(err)
}

func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
