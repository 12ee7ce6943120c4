package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/sourcesync"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// StreamConfig bounds one listing read from a source topic.
type StreamConfig struct {
	Source string
	// IdleTimeout is how long to wait for the next message.
	IdleTimeout time.Duration
	// EndOnIdle treats an idle topic as the end of the listing. Without it
	// only an end-of-pass marker completes the pass and idling aborts it,
	// so a stalled producer never causes records to be marked missing.
	EndOnIdle bool
}

// SourceTopic is the topic a source's listing is replayed into.
func SourceTopic(slug string) string {
	return "fern.sync." + slug
}

// ErrIdle is returned when the topic went quiet before the end-of-pass marker.
var ErrIdle = errors.New("source topic idle before end of pass")

// RecordStream reads one full listing from a Kafka topic as a
// sourcesync.RecordStream. A message is committed once the caller asks for
// the next one, after the previous record was persisted. An undecodable
// message is committed and reported as a *sourcesync.UnreadableRecordError.
type RecordStream struct {
	reader  MessageReader
	cfg     StreamConfig
	logger  ectologger.Logger
	pending *kafka.Message
	done    bool
	skipped int
}

func NewRecordStream(reader MessageReader, cfg StreamConfig, logger ectologger.Logger) *RecordStream {
	return &RecordStream{reader: reader, cfg: cfg, logger: logger}
}

func (s *RecordStream) Next(ctx context.Context) (*sourcesync.RawRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "kafka.RecordStream.Next")
	defer span.End()

	if s.done {
		return nil, io.EOF
	}
	if err := s.commitPending(ctx); err != nil {
		return nil, err
	}

	log := s.logger.WithContext(ctx).WithField("source", s.cfg.Source)
	for {
		msg, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				if s.cfg.EndOnIdle {
					log.Info("Source topic idle, ending pass")
					s.done = true
					return nil, io.EOF
				}
				return nil, ErrIdle
			}
			tracing.RecordError(span, err)
			return nil, err
		}

		in := newIncoming(msg)
		if src := in.Source(); src != "" && src != s.cfg.Source {
			log.WithField("message_source", src).Warn("Skipping record of another source")
			if err := s.commit(ctx, msg); err != nil {
				return nil, err
			}
			continue
		}
		if in.IsEndOfPass() {
			if err := s.commit(ctx, msg); err != nil {
				return nil, err
			}
			s.done = true
			return nil, io.EOF
		}

		raw, err := in.Record()
		if err != nil {
			s.skipped++
			log.WithError(err).WithField("offset", msg.Offset).Warn("Skipping undecodable record")
			if err := s.commit(ctx, msg); err != nil {
				return nil, err
			}
			return nil, &sourcesync.UnreadableRecordError{Position: fmt.Sprintf("offset %d", msg.Offset), Err: err}
		}
		s.pending = &msg
		return raw, nil
	}
}

// Skipped is the number of messages that could not be decoded.
func (s *RecordStream) Skipped() int {
	return s.skipped
}

func (s *RecordStream) fetch(ctx context.Context) (kafka.Message, error) {
	if s.cfg.IdleTimeout <= 0 {
		return s.reader.FetchMessage(ctx)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
	defer cancel()
	return s.reader.FetchMessage(fetchCtx)
}

func (s *RecordStream) commitPending(ctx context.Context) error {
	if s.pending == nil {
		return nil
	}
	msg := *s.pending
	s.pending = nil
	return s.commit(ctx, msg)
}

func (s *RecordStream) commit(ctx context.Context, msg kafka.Message) error {
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
	}
	return nil
}
