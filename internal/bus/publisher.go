package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/audioeval/internal/ledger"
	"github.com/loqalabs/audioeval/internal/protocol"
)

// Publisher turns batch progress into bus events. It satisfies
// task.Observer. Publish failures are logged and never stop a batch.
type Publisher struct {
	client *Client
	prefix string
	batch  string
	task   string
	clock  func() time.Time
}

func NewPublisher(client *Client, prefix, batch, task string) *Publisher {
	return &Publisher{client: client, prefix: prefix, batch: batch, task: task, clock: time.Now}
}

// RecordAppended publishes the record on <prefix>.record.<batch>.
func (p *Publisher) RecordAppended(_ context.Context, rec ledger.Record) {
	if p == nil || p.client == nil {
		return
	}
	evt := protocol.RecordEvent{
		Batch:     p.batch,
		Key:       rec.Key,
		Task:      p.task,
		Timestamp: p.clock().UTC(),
	}
	if rec.HasTrue {
		truth := rec.TrueLabel
		evt.True = &truth
	}
	if rec.Kind == ledger.KindScore {
		score := rec.Score
		evt.Score = &score
	} else {
		evt.Pred = rec.Predicted
	}
	evt.Failed = rec.Failed()
	subject := protocol.SubjectRecord(p.prefix, p.batch)
	if err := p.client.PublishJSON(subject, evt); err != nil {
		p.client.Logger().Warn("failed to publish record", slog.String("key", rec.Key), slogError(err))
	}
}

// PublishSummary publishes the batch summary and flushes the connection.
func (p *Publisher) PublishSummary(ctx context.Context, evt protocol.SummaryEvent) {
	if p == nil || p.client == nil {
		return
	}
	evt.Batch = p.batch
	evt.Task = p.task
	if evt.Timestamp.IsZero() {
		evt.Timestamp = p.clock().UTC()
	}
	subject := protocol.SubjectSummary(p.prefix, p.batch)
	if err := p.client.PublishJSON(subject, evt); err != nil {
		p.client.Logger().Warn("failed to publish summary", slogError(err))
		return
	}
	if err := p.client.Flush(ctx); err != nil {
		p.client.Logger().Warn("failed to flush bus", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
