package kafka

import (
	"context"
	"time"

	"github.com/BearBump/GeoSync/internal/broker/messages"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	w      messageWriter
	topic  string
	origin string
	now    func() time.Time
}

func NewProducer(brokers []string, topic string) *Producer {
	return newProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}, topic)
}

func newProducerWithWriter(w messageWriter, topic string) *Producer {
	if topic == "" {
		topic = messages.ChangesTopic
	}
	return &Producer{w: w, topic: topic, now: time.Now}
}

// WithOrigin tags published batches with the writer's id.
func (p *Producer) WithOrigin(origin string) *Producer {
	p.origin = origin
	return p
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}); err != nil {
		return errors.Wrap(err, "kafka publish")
	}
	return nil
}

// PublishChanges sends b keyed by collection, so one collection's batches
// stay ordered within a partition.
func (p *Producer) PublishChanges(ctx context.Context, b models.ChangeBatch) error {
	raw, err := messages.EncodeChangeBatch(b, p.origin, p.now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, p.topic, []byte(b.Collection), raw)
}

func (p *Producer) Close() error {
	if c, ok := p.w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
