package notify

import (
	"time"

	"github.com/Shopify/sarama"
)

// Producer abstracts the broker so tests can capture published events.
type Producer interface {
	Send(topic string, key, value []byte) error
	Close() error
}

// KafkaProducer publishes synchronously with full-ISR acks. Notifications
// are low volume next to chat traffic, so the sync round trip is fine.
type KafkaProducer struct {
	sp sarama.SyncProducer
}

func NewKafkaProducer(brokers []string) (*KafkaProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Timeout = 5 * time.Second
	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaProducer{sp: sp}, nil
}

func (p *KafkaProducer) Send(topic string, key, value []byte) error {
	_, _, err := p.sp.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (p *KafkaProducer) Close() error {
	return p.sp.Close()
}
