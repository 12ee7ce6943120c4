package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/sourcesync"
)

const (
	// HeaderSource names the external source a record belongs to.
	HeaderSource = "fern-source"
	// HeaderEndOfPass marks the end of a full listing on a source topic.
	HeaderEndOfPass = "fern-end-of-pass"
)

// RecordMessage is the JSON value of one ingested record.
type RecordMessage struct {
	Source     string         `json:"source,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	Fields     map[string]any `json:"fields"`
	ModifiedAt *time.Time     `json:"modified_at,omitempty"`
	EndOfPass  bool           `json:"end_of_pass,omitempty"`
}

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

func newIncoming(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Topic:     msg.Topic,
	}
}

// IsEndOfPass reports whether the message closes a listing, by header or body.
func (m *IncomingMessage) IsEndOfPass() bool {
	if m.Headers[HeaderEndOfPass] == "true" {
		return true
	}
	var body struct {
		EndOfPass bool `json:"end_of_pass"`
	}
	return json.Unmarshal(m.Value, &body) == nil && body.EndOfPass
}

// Source returns the source slug from the header, falling back to the body.
func (m *IncomingMessage) Source() string {
	if s := m.Headers[HeaderSource]; s != "" {
		return s
	}
	var body struct {
		Source string `json:"source"`
	}
	_ = json.Unmarshal(m.Value, &body)
	return body.Source
}

// Record decodes the value into a raw record. Values without a "fields"
// key are taken as the field map itself; the message key is the external
// id when the body has none.
func (m *IncomingMessage) Record() (*sourcesync.RawRecord, error) {
	raw, err := sourcesync.DecodeRecord(m.Value)
	if err != nil {
		return nil, fmt.Errorf("message %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	if raw.SourceSlug == "" {
		raw.SourceSlug = m.Source()
	}
	if raw.ExternalID == "" {
		raw.ExternalID = m.Key
	}
	return raw, nil
}
