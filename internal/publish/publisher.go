// Package publish emits a Kafka event for every finished execution so
// downstream tooling can audit debug activity.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/stevevillardi/lmda-composer-sub000/internal/history"
	"github.com/stevevillardi/lmda-composer-sub000/internal/lg"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer messageWriter
	topic  string
	lg     lg.Logger
}

func New(brokers []string, topic string, logger lg.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
		lg:    logger,
	}
}

// Publish sends one execution record, keyed by execution id.
func (p *Publisher) Publish(ctx context.Context, rec history.Record) error {
	message, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.ID),
		Value: message,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			p.lg.Error("Kafka topic does not exist",
				lg.String("topic", p.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
