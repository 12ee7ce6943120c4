package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles Kafka event emission
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer, cfg.Topic, logger)
}

// NewProducerWithWriter builds a producer over an existing writer.
func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishJSON writes payload as JSON keyed by key. Events for one entity share
// a key, so the hash balancer keeps them ordered on one partition.
func (p *Producer) PublishJSON(ctx context.Context, key string, headers map[string]string, payload any) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishJSON")
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(key),
		Value:   data,
		Headers: toHeaders(headers),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		tracing.RecordError(span, err)
		p.logger.WithContext(ctx).WithError(err).WithField("key", key).Error("Failed to publish message")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": p.topic,
		"key":   key,
	}).Debug("Published message")
	return nil
}

// PublishRecords writes sync records in one batch, followed by an
// end-of-pass marker when endOfPass is set. Used to replay a listing into
// a source topic.
func (p *Producer) PublishRecords(ctx context.Context, source string, records []RecordMessage, endOfPass bool) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishRecords")
	defer span.End()

	messages := make([]kafka.Message, 0, len(records)+1)
	for _, rec := range records {
		rec.Source = source
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		messages = append(messages, kafka.Message{
			Topic: p.topic,
			Key:   []byte(rec.ExternalID),
			Value: data,
			Headers: toHeaders(map[string]string{
				HeaderSource: source,
			}),
		})
	}
	if endOfPass {
		messages = append(messages, kafka.Message{
			Topic: p.topic,
			Key:   []byte(source),
			Value: []byte("{}"),
			Headers: toHeaders(map[string]string{
				HeaderSource:    source,
				HeaderEndOfPass: "true",
			}),
		})
	}
	if len(messages) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		tracing.RecordError(span, err)
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source":     source,
			"batch_size": len(messages),
		}).Error("Failed to publish sync records")
		return err
	}
	return nil
}

func toHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}
