package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Producer writes a keyed record. The platform Kafka client satisfies it.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
}

// KafkaSink encodes events as JSON keyed by transaction id, so all events for
// one transaction land on one partition.
type KafkaSink struct {
	producer Producer
}

func NewKafkaSink(producer Producer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode ledger event: %w", err)
	}
	return s.producer.Produce(ctx, []byte(event.TransactionID), value)
}

// LogSink stands in when no broker is configured and records each event at debug level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, event Event) error {
	s.logger.DebugContext(ctx, "ledger event not forwarded: no broker configured",
		"transaction_id", event.TransactionID,
		"type", event.Type,
	)
	return nil
}
