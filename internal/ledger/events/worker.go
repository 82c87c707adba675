package events

import (
	"context"
	"log/slog"
	"time"

	"remit/pkg/platform/circuit"
)

// Sink delivers one event downstream.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

const drainTimeout = 5 * time.Second

// Worker consumes events from the publisher's channel and writes them to the
// sink. A breaker sheds load while the sink is failing. Sink errors never stop
// the worker.
type Worker struct {
	sink    Sink
	inbox   <-chan Event
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *Metrics
}

func NewWorker(sink Sink, inbox <-chan Event, breaker *circuit.Breaker, logger *slog.Logger, metrics *Metrics) *Worker {
	if breaker == nil {
		breaker = circuit.New("ledger-events")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{sink: sink, inbox: inbox, breaker: breaker, logger: logger, metrics: metrics}
}

// Run delivers events until ctx is cancelled, then drains what is already
// queued within a bounded grace period.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case event := <-w.inbox:
			w.deliver(ctx, event)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for {
		select {
		case event := <-w.inbox:
			w.deliver(ctx, event)
		default:
			return
		}
	}
}

func (w *Worker) deliver(ctx context.Context, event Event) {
	if !w.breaker.Allow() {
		w.metrics.incDropped("circuit_open")
		return
	}
	if err := w.sink.Publish(ctx, event); err != nil {
		w.metrics.incFailures()
		_, change := w.breaker.RecordFailure()
		if change.Opened {
			w.logger.WarnContext(ctx, "ledger event sink circuit opened",
				"breaker", w.breaker.Name(),
				"error", err,
			)
		}
		w.logger.ErrorContext(ctx, "failed to publish ledger event",
			"transaction_id", event.TransactionID,
			"type", event.Type,
			"error", err,
		)
		return
	}
	if _, change := w.breaker.RecordSuccess(); change.Closed {
		w.logger.InfoContext(ctx, "ledger event sink circuit closed", "breaker", w.breaker.Name())
	}
	w.metrics.incPublished()
}
