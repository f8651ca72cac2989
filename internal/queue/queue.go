package queue

import (
	"context"
	"time"
)

// Queue is an at-least-once delivery channel with leased (visibility-timeout)
// consumption. A delivery stays invisible until completed, abandoned, or its
// lease expires and the reaper returns it to the pending list.
type Queue interface {
	Send(ctx context.Context, body []byte) error
	SendBatch(ctx context.Context, bodies [][]byte) error
	// Receive returns the next delivery, or nil when the queue is empty.
	Receive(ctx context.Context) (*Delivery, error)
	Complete(ctx context.Context, d *Delivery) error
	// Abandon returns the delivery to the pending list for redelivery.
	Abandon(ctx context.Context, d *Delivery) error
	// DeadLetter removes the delivery from circulation, retaining the
	// original body plus failure metadata for post-mortem.
	DeadLetter(ctx context.Context, d *Delivery, errorKind, lastError string) error
	// Renew pushes the lease deadline out by the visibility timeout.
	Renew(ctx context.Context, d *Delivery) error
	Name() string
}

// Delivery is one leased message. Token identifies the lease, not the
// message: redeliveries of the same body carry fresh tokens.
type Delivery struct {
	Token     string
	Body      []byte
	ExpiresAt time.Time
}

// DeadLetterEntry is what the admin inspection surface returns.
type DeadLetterEntry struct {
	Body         string    `json:"body"`
	ErrorKind    string    `json:"error_kind"`
	LastError    string    `json:"last_error"`
	SourceQueue  string    `json:"source_queue"`
	DeadLettered time.Time `json:"dead_lettered_at"`
}

// DeadLetterView is the read-only inspection of the dead-letter holding
// area. Re-queueing stays an administrative action outside this interface.
type DeadLetterView interface {
	Peek(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	Len(ctx context.Context) (int64, error)
}
