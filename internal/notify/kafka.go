package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
)

// KafkaChannel publishes events to a Kafka topic keyed by repository URL.
// The producer is connected on first use.
type KafkaChannel struct {
	cfg config.KafkaNotifyConfig

	mu       sync.Mutex
	producer sarama.SyncProducer
	connect  func() (sarama.SyncProducer, error)
}

// NewKafka creates a KafkaChannel from cfg.
func NewKafka(cfg config.KafkaNotifyConfig) *KafkaChannel {
	k := &KafkaChannel{cfg: cfg}
	k.connect = k.newProducer
	return k
}

func (k *KafkaChannel) Name() string       { return "kafka" }
func (k *KafkaChannel) IsConfigured() bool { return len(k.cfg.Brokers) > 0 && k.cfg.Topic != "" }

func (k *KafkaChannel) Send(ctx context.Context, evt Event) error {
	p, err := k.ensureProducer(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.cfg.Topic,
		Key:   sarama.StringEncoder(evt.Repository.URL),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(evt.Event)},
		},
	}
	partition, offset, err := p.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", k.cfg.Topic, err)
	}
	slog.Debug("Published scan event", "topic", k.cfg.Topic, "partition", partition, "offset", offset, "event", evt.Event)
	return nil
}

// ensureProducer connects with exponential backoff, bounded by ctx.
func (k *KafkaChannel) ensureProducer(ctx context.Context) (sarama.SyncProducer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.producer != nil {
		return k.producer, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		p, err := k.connect()
		if err != nil {
			slog.Debug("Kafka connect failed, will retry", "brokers", k.cfg.Brokers, "error", err)
			return err
		}
		k.producer = p
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("connecting to kafka: %w", err)
	}
	return k.producer, nil
}

func (k *KafkaChannel) newProducer() (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.ClientID = k.cfg.ClientID
	if cfg.ClientID == "" {
		cfg.ClientID = "ctrlscan-cache"
	}
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(k.cfg.Brokers, cfg)
}

// Close shuts the producer down if it was ever connected.
func (k *KafkaChannel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.producer == nil {
		return nil
	}
	err := k.producer.Close()
	k.producer = nil
	return err
}
