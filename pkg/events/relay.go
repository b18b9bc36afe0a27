// Package events drains the document event outbox to a Kafka-compatible
// bus (Redpanda in production). Outbox rows are written in the same
// transaction as the document upsert, so delivery is at-least-once and
// consumers dedup on the idempotent key header.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"
	"gorm.io/gorm"

	"github.com/dydact/omni/pkg/models"
)

// DocumentEvent is the message body published to the bus.
type DocumentEvent struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	ExternalID string                 `json:"external_id"`
	EventType  string                 `json:"event_type"`
	Payload    map[string]interface{} `json:"payload"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Publisher sends one event to the bus. The kgo client satisfies this
// through kafkaPublisher; tests substitute a fake.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
	Close()
}

// Config holds configuration for the relay.
type Config struct {
	DB *gorm.DB

	Brokers []string
	Topic   string

	// PollInterval is how often the outbox is drained (default 1s).
	PollInterval time.Duration
	// BatchSize caps entries per drain (default 100).
	BatchSize int

	Logger hclog.Logger
}

// Relay polls the outbox table and publishes pending entries.
type Relay struct {
	db           *gorm.DB
	publisher    Publisher
	topic        string
	logger       hclog.Logger
	pollInterval time.Duration
	batchSize    int
}

// New creates a relay with a real Kafka client.
func New(cfg Config) (*Relay, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
		kgo.RetryBackoffFn(func(tries int) time.Duration {
			backoff := time.Duration(tries) * 100 * time.Millisecond
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
			return backoff
		}),
		kgo.RequestRetries(10),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return NewWithPublisher(cfg, &kafkaPublisher{client: client, topic: cfg.Topic})
}

// NewWithPublisher creates a relay over an existing publisher.
func NewWithPublisher(cfg Config, pub Publisher) (*Relay, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Relay{
		db:           cfg.DB,
		publisher:    pub,
		topic:        cfg.Topic,
		logger:       cfg.Logger.Named("event-relay"),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
	}, nil
}

// Run drains the outbox on a ticker until the context is cancelled.
// Drain errors are logged and polling continues.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("event relay started",
		"poll_interval", r.pollInterval,
		"batch_size", r.batchSize,
		"topic", r.topic,
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("event relay stopped")
			r.publisher.Close()
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil {
				r.logger.Error("failed to drain outbox", "error", err)
			}
		}
	}
}

// Drain publishes up to batchSize pending entries and returns how many
// were published. Per-entry failures are recorded on the row and do not
// stop the batch.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	entries, err := models.FindPendingOutboxEntries(r.db, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find pending outbox entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	published := 0
	for i := range entries {
		entry := &entries[i]
		if err := r.publishEntry(ctx, entry); err != nil {
			r.logger.Error("failed to publish outbox entry",
				"outbox_id", entry.ID,
				"document_id", entry.DocumentID,
				"error", err,
			)
			if markErr := entry.MarkFailed(r.db, err); markErr != nil {
				r.logger.Error("failed to mark outbox entry failed",
					"outbox_id", entry.ID, "error", markErr)
			}
			continue
		}
		if err := entry.MarkPublished(r.db); err != nil {
			r.logger.Error("failed to mark outbox entry published",
				"outbox_id", entry.ID, "error", err)
			continue
		}
		published++
	}

	r.logger.Debug("drained outbox",
		"total", len(entries),
		"published", published,
		"failed", len(entries)-published,
	)
	return published, nil
}

func (r *Relay) publishEntry(ctx context.Context, entry *models.DocumentEventOutbox) error {
	payload, err := entry.Payload.AsMap()
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	event := DocumentEvent{
		ID:         entry.ID.String(),
		DocumentID: entry.DocumentID.String(),
		ExternalID: entry.ExternalID,
		EventType:  entry.EventType,
		Payload:    payload,
		Timestamp:  entry.CreatedAt,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Keyed on the document ID so events for one document stay ordered
	// within a partition.
	return r.publisher.Publish(ctx, entry.DocumentID.String(), data, map[string]string{
		"event_type":     entry.EventType,
		"idempotent_key": entry.IdempotentKey,
	})
}

type kafkaPublisher struct {
	client *kgo.Client
	topic  string
}

func (p *kafkaPublisher) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to kafka: %w", err)
	}
	return nil
}

func (p *kafkaPublisher) Close() {
	p.client.Close()
}
