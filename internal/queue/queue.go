// Package queue is the at-least-once transport between the producer and the
// consumer. A delivered message stays invisible until it is acked, retried
// or its visibility timeout lapses, after which it is redelivered with an
// incremented attempt counter.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrUnknownMessage = errors.New("queue: unknown message")

// Message is submitted by the producer. ID doubles as the dedup key:
// submitting an ID that is still pending is a no-op.
type Message struct {
	ID   string
	Body []byte
}

// Delivery is a received message. Attempt starts at 1.
type Delivery struct {
	ID      string
	Body    []byte
	Attempt int
}

type Transport interface {
	SendBatch(ctx context.Context, msgs []Message) error
	Receive(ctx context.Context, max int) ([]Delivery, error)
	// Ack removes the message for good.
	Ack(ctx context.Context, id string) error
	// Retry makes the message visible again after delay.
	Retry(ctx context.Context, id string, delay time.Duration) error
}

const DefaultVisibilityTimeout = 10 * time.Minute
