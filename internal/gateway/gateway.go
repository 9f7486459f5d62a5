package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/audioeval/internal/audiofile"
	"github.com/loqalabs/audioeval/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SentinelText is returned in place of model output once every attempt hit
// a transient overload. It travels downstream as ordinary data.
const SentinelText = "error"

var (
	// ErrUpload reports that staging or sending the payload kept failing.
	ErrUpload = errors.New("gateway: upload failed after retries")
	// ErrPermanent marks remote rejections that retrying cannot fix.
	ErrPermanent = errors.New("gateway: permanent failure")

	errOverload  = errors.New("gateway: remote overloaded")
	errTransport = errors.New("gateway: transport failure")
)

// Gateway submits one audio clip with a prompt and returns normalized text.
type Gateway interface {
	Name() string
	Submit(ctx context.Context, prompt string, audio audiofile.Payload) (string, error)
	Close() error
}

// backend is one remote API. stage prepares the payload (an upload for
// Gemini, encoding for JSON APIs); any stage error is treated as transport.
// generate must wrap its errors with overload or transport when they are
// worth retrying; anything else is returned to the caller unchanged.
type backend interface {
	name() string
	stage(ctx context.Context, audio audiofile.Payload) (any, error)
	generate(ctx context.Context, prompt string, staged any) (string, error)
	close() error
}

// Policy bounds retries. Retries applies to overload, UploadRetries to
// transport failures inside one attempt.
type Policy struct {
	Retries       int
	Backoff       time.Duration
	UploadRetries int
	UploadDelay   time.Duration
}

// PolicyFromConfig converts the config knobs into durations.
func PolicyFromConfig(cfg config.GatewayConfig) Policy {
	return Policy{
		Retries:       cfg.Retries,
		Backoff:       time.Duration(cfg.BackoffSeconds) * time.Second,
		UploadRetries: cfg.UploadRetries,
		UploadDelay:   time.Duration(cfg.UploadDelaySeconds) * time.Second,
	}
}

type client struct {
	b       backend
	policy  Policy
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	retries metric.Int64Counter
}

func newClient(b backend, policy Policy, logger *slog.Logger) *client {
	if policy.Retries < 1 {
		policy.Retries = 1
	}
	if policy.UploadRetries < 1 {
		policy.UploadRetries = 1
	}
	c := &client{
		b:      b,
		policy: policy,
		logger: logger.With(slog.String("component", "gateway"), slog.String("backend", b.name())),
		sleep:  sleepContext,
	}
	counter, err := otel.Meter("github.com/loqalabs/audioeval/gateway").Int64Counter(
		"audioeval.gateway.retries",
		metric.WithDescription("Gateway attempts that failed and were retried"),
	)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		c.retries = counter
	}
	return c
}

func (c *client) Name() string { return c.b.name() }

func (c *client) Close() error { return c.b.close() }

// Submit runs up to Retries attempts. Each attempt stages the payload and
// asks for a completion; transport failures are retried inside the attempt
// and surface as ErrUpload once exhausted. Overload ends the attempt and,
// after the last one, yields SentinelText with a nil error.
func (c *client) Submit(ctx context.Context, prompt string, audio audiofile.Payload) (string, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/audioeval/gateway").Start(ctx, "gateway.submit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.backend", c.b.name()),
		attribute.String("audio.path", audio.Path),
	)

	for attempt := 1; attempt <= c.policy.Retries; attempt++ {
		staged, err := withTransportRetry(ctx, c, "upload", func() (any, error) {
			staged, err := c.b.stage(ctx, audio)
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: %w", errTransport, err)
			}
			return staged, err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upload failed")
			return "", err
		}

		text, err := withTransportRetry(ctx, c, "request", func() (string, error) {
			return c.b.generate(ctx, prompt, staged)
		})
		if err == nil {
			span.SetAttributes(attribute.Int("gateway.attempts", attempt))
			return normalize(text), nil
		}
		if !errors.Is(err, errOverload) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
			return "", err
		}

		c.countRetry(ctx, "overload")
		c.logger.Warn("remote overloaded",
			slog.Int("attempt", attempt),
			slog.Int("retries", c.policy.Retries),
			slog.Duration("backoff", c.policy.Backoff),
			slogError(err))
		if attempt == c.policy.Retries {
			break
		}
		if err := c.sleep(ctx, c.policy.Backoff); err != nil {
			return "", err
		}
	}

	span.SetAttributes(attribute.Bool("gateway.sentinel", true))
	return SentinelText, nil
}

// withTransportRetry calls fn up to UploadRetries times while it fails with
// a transport error, sleeping UploadDelay in between.
func withTransportRetry[T any](ctx context.Context, c *client, step string, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 1; i <= c.policy.UploadRetries; i++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if !errors.Is(err, errTransport) {
			return zero, err
		}
		last = err
		c.countRetry(ctx, "transport")
		c.logger.Warn("transport failure",
			slog.String("step", step),
			slog.Int("attempt", i),
			slog.Int("retries", c.policy.UploadRetries),
			slogError(err))
		if i == c.policy.UploadRetries {
			break
		}
		if err := c.sleep(ctx, c.policy.UploadDelay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%w (%s, %d attempts): %w", ErrUpload, step, c.policy.UploadRetries, last)
}

func (c *client) countRetry(ctx context.Context, reason string) {
	if c.retries == nil {
		return
	}
	c.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", c.b.name()),
		attribute.String("reason", reason),
	))
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func overload(err error) error {
	return fmt.Errorf("%w: %w", errOverload, err)
}

func transport(err error) error {
	return fmt.Errorf("%w: %w", errTransport, err)
}

func permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
