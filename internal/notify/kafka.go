package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/playok/fitalert/internal/config"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel publishes every alert event once to a topic, keyed by alert
// id so events of one alert stay ordered within a partition.
type KafkaChannel struct {
	topic  string
	writer messageWriter
}

// NewKafkaChannel creates a producer for cfg.Topic.
func NewKafkaChannel(cfg config.KafkaConfig) *KafkaChannel {
	return &KafkaChannel{
		topic: cfg.Topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			Compression:            kafka.Gzip,
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            3,
			WriteBackoffMin:        100 * time.Millisecond,
			WriteBackoffMax:        time.Second,
			BatchTimeout:           50 * time.Millisecond,
		},
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }
func (c *KafkaChannel) Kind() Kind   { return KindStream }

// Send writes msg to the topic.
func (c *KafkaChannel) Send(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	return c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(msg.AlertID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(msg.Event)},
		},
		Time: msg.Timestamp,
	})
}

// Close flushes and closes the producer.
func (c *KafkaChannel) Close() error {
	return c.writer.Close()
}
