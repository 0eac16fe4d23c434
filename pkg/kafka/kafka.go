// Package kafka is a thin wrapper over segmentio/kafka-go. Brokers come in as
// a CSV string; an empty string disables publishing, which keeps local runs
// and tests broker-free.
package kafka

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type Client struct {
	Brokers []string
}

func NewClient(brokersCSV string) *Client {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return &Client{Brokers: brokers}
}

func (c *Client) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c *Client) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// Publish writes one pre-encoded message. The key picks the partition, so
// everything published under one saga id stays ordered.
func Publish(ctx context.Context, w *kafka.Writer, key string, payload []byte, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload, Time: at})
}
