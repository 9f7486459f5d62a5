package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/loqalabs/audioeval/internal/audiofile"
	"github.com/mattn/go-shellwords"
)

// Exit codes from sysexits.h that the exec backend maps to retry classes.
const (
	exitIOErr    = 74
	exitTempFail = 75
)

// execBackend runs a local command per clip. The command reads a JSON
// request on stdin and prints {"text": "..."} on stdout. Exit 75 means the
// remote side was overloaded, exit 74 a transport failure.
type execBackend struct {
	cmd   []string
	model string
}

type execRequest struct {
	Prompt    string `json:"prompt"`
	AudioPath string `json:"audio_path"`
	Format    string `json:"format"`
	Model     string `json:"model,omitempty"`
}

type execResponse struct {
	Text string `json:"text"`
}

func newExecBackend(command, model string) (*execBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse gateway command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("gateway command empty")
	}
	return &execBackend{cmd: args, model: model}, nil
}

func (e *execBackend) name() string { return "exec:" + e.cmd[0] }

func (e *execBackend) close() error { return nil }

func (e *execBackend) stage(_ context.Context, audio audiofile.Payload) (any, error) {
	return audio, nil
}

func (e *execBackend) generate(ctx context.Context, prompt string, staged any) (string, error) {
	audio, ok := staged.(audiofile.Payload)
	if !ok {
		return "", fmt.Errorf("exec: unexpected staged payload %T", staged)
	}
	input, err := json.Marshal(execRequest{
		Prompt:    prompt,
		AudioPath: audio.Path,
		Format:    audio.Format,
		Model:     e.model,
	})
	if err != nil {
		return "", err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		runErr := fmt.Errorf("gateway command failed: %w: %s", err, truncate(stderr.String(), 200))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case exitTempFail:
				return "", overload(runErr)
			case exitIOErr:
				return "", transport(runErr)
			}
		}
		return "", permanent(runErr)
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", permanent(fmt.Errorf("decode gateway command response: %w", err))
	}
	return resp.Text, nil
}
