//go:build integration

package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"remit/internal/ledger/events"
	"remit/internal/ledger/models"
	"remit/internal/platform/config"
	"remit/internal/platform/kafka"
	id "remit/pkg/domain"
	"remit/pkg/testutil/containers"
)

func TestKafkaSinkRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	broker := containers.GetManager().GetRedpanda(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	topic := "ledger.transactions.test"
	client, err := kafka.New(config.KafkaConfig{Brokers: []string{broker.SeedBroker}, Topic: topic})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.EnsureTopic(ctx))

	tx := &models.Transaction{
		ID:             id.NewTransactionID(),
		IdempotencyKey: "int-1",
		SenderID:       id.NewAccountID(),
		RecipientID:    id.NewAccountID(),
		Amount:         1200,
		Type:           models.TypeTransfer,
		Status:         models.StatusCompleted,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, events.NewKafkaSink(client).Publish(ctx, events.FromTransaction(tx)))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.SeedBroker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.NoError(t, fetches.Err())
	records := fetches.Records()
	require.NotEmpty(t, records)

	var got events.Event
	require.NoError(t, json.Unmarshal(records[0].Value, &got))
	require.Equal(t, tx.ID.String(), got.TransactionID)
	require.Equal(t, events.TypeTransferCompleted, got.Type)
}
