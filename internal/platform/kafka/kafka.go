package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"remit/internal/platform/config"
)

// Client wraps a franz-go client bound to one topic.
type Client struct {
	*kgo.Client
	topic string
}

// New creates a producer client from the provided configuration.
// Returns nil if no brokers are configured (Kafka disabled).
func New(cfg config.KafkaConfig) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Client{Client: client, topic: cfg.Topic}, nil
}

// Topic is the topic records are produced to.
func (c *Client) Topic() string {
	return c.topic
}

// EnsureTopic creates the topic with one partition when it does not exist yet.
func (c *Client) EnsureTopic(ctx context.Context) error {
	admin := kadm.NewClient(c.Client)
	resp, err := admin.CreateTopics(ctx, 1, 1, nil, c.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", c.topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Produce writes one record synchronously.
func (c *Client) Produce(ctx context.Context, key, value []byte) error {
	record := &kgo.Record{Topic: c.topic, Key: key, Value: value}
	if err := c.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", c.topic, err)
	}
	return nil
}

// Health pings the seed brokers.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx)
}
