package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	BatchTimeout time.Duration // default 10ms
	WriteTimeout time.Duration // default 5s
}

// Producer wraps a kafka-go Writer with acks=all so a returned nil means the
// broker has durably accepted the message. Topic is chosen per message; key
// is the job ID, keeping redeliveries of one job on one partition.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(c ProducerConfig) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: bt,
		WriteTimeout: wt,
	}

	return &Producer{w: w}
}

// Publish sends one job ID per message and returns only after broker acks.
func (p *Producer) Publish(ctx context.Context, topic string, jobIDs ...string) error {
	msgs := make([]kafka.Message, 0, len(jobIDs))
	for _, id := range jobIDs {
		msgs = append(msgs, kafka.Message{
			Topic: topic,
			Key:   []byte(id),
			Value: []byte(id),
		})
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error { return p.w.Close() }
