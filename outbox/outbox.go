// Package outbox appends integration events inside the caller's transaction.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	TopicOrderCreated        = "order.created"
	TopicOrderFulfilled      = "order.fulfilled"
	TopicOrderCancelled      = "order.cancelled"
	TopicCommissionApproved  = "commission.approved"
	TopicCommissionPaid      = "commission.paid"
	TopicVisitCompleted      = "visit.completed"
	TopicVisitOverrideReview = "visit.override_reviewed"
)

// Execer is the write surface of pgx.Tx used by the writer.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueuer is implemented by *Writer and by test doubles.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx Execer, topic string, payload map[string]any) error
}

type Writer struct {
	now func() time.Time
}

func NewWriter() *Writer {
	return &Writer{now: time.Now}
}

// Enqueue inserts one pending message. The payload gains an emitted_at stamp.
func (w *Writer) Enqueue(ctx context.Context, tx Execer, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["emitted_at"] = w.now().UTC()

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2::jsonb);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, string(payloadBytes)); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}

// Recorder keeps enqueued messages in memory.
type Recorder struct {
	Messages []Message
}

type Message struct {
	Topic   string
	Payload map[string]any
}

func (r *Recorder) Enqueue(_ context.Context, _ Execer, topic string, payload map[string]any) error {
	r.Messages = append(r.Messages, Message{Topic: topic, Payload: payload})
	return nil
}

// Topics lists the recorded topics in order.
func (r *Recorder) Topics() []string {
	out := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, m.Topic)
	}
	return out
}
