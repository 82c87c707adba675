package events

import (
	"context"
	"log/slog"

	"remit/internal/ledger/models"
)

const defaultBuffer = 1024

// Publisher hands appended entries to the Worker through a bounded channel.
// Emit never blocks; when the buffer is full the event is dropped and counted.
type Publisher struct {
	inbox   chan Event
	logger  *slog.Logger
	metrics *Metrics
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithBuffer sets the channel capacity.
func WithBuffer(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.inbox = make(chan Event, n)
		}
	}
}

func NewPublisher(opts ...PublisherOption) *Publisher {
	p := &Publisher{
		inbox:  make(chan Event, defaultBuffer),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit queues the event for tx.
func (p *Publisher) Emit(ctx context.Context, tx *models.Transaction) {
	if tx == nil {
		return
	}
	select {
	case p.inbox <- FromTransaction(tx):
	default:
		p.metrics.incDropped("buffer_full")
		p.logger.WarnContext(ctx, "ledger event dropped: buffer full",
			"transaction_id", tx.ID.String(),
		)
	}
}

// Inbox is the channel the Worker drains.
func (p *Publisher) Inbox() <-chan Event {
	return p.inbox
}
