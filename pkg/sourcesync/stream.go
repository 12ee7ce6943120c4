package sourcesync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// RawRecord is one row of an external listing.
type RawRecord struct {
	SourceSlug string         `json:"source,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	Fields     map[string]any `json:"fields"`
	ModifiedAt *time.Time     `json:"modified_at,omitempty"`
}

// RecordStream yields the records of one full listing. Next returns io.EOF
// once the listing is complete. An *UnreadableRecordError skips one entry and
// the stream stays usable; any other error aborts the pass.
type RecordStream interface {
	Next(ctx context.Context) (*RawRecord, error)
}

// UnreadableRecordError reports a listing entry that could not be decoded.
// Position locates it in the listing, e.g. "line 2" or "offset 17".
type UnreadableRecordError struct {
	Position string
	Err      error
}

func (e *UnreadableRecordError) Error() string {
	return fmt.Sprintf("unreadable record at %s: %v", e.Position, e.Err)
}

func (e *UnreadableRecordError) Unwrap() error {
	return e.Err
}

// IsUnreadable reports whether err only skipped a single listing entry.
func IsUnreadable(err error) bool {
	var unreadable *UnreadableRecordError
	return errors.As(err, &unreadable)
}

// SliceStream streams records held in memory.
type SliceStream struct {
	records []*RawRecord
	pos     int
}

func NewSliceStream(records ...*RawRecord) *SliceStream {
	return &SliceStream{records: records}
}

func (s *SliceStream) Next(ctx context.Context) (*RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

// JSONLinesStream reads one JSON object per line. A line is either a
// RawRecord envelope (an object with a "fields" key) or a bare field map.
type JSONLinesStream struct {
	scanner *bufio.Scanner
	line    int
}

func NewJSONLinesStream(r io.Reader) *JSONLinesStream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &JSONLinesStream{scanner: scanner}
}

func (s *JSONLinesStream) Next(ctx context.Context) (*RawRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read line %d: %w", s.line+1, err)
			}
			return nil, io.EOF
		}
		s.line++

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			return nil, &UnreadableRecordError{Position: fmt.Sprintf("line %d", s.line), Err: err}
		}
		return rec, nil
	}
}

// DecodeRecord parses a RawRecord envelope or a bare field map.
func DecodeRecord(data []byte) (*RawRecord, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	if _, ok := envelope["fields"]; ok {
		var rec RawRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		return &rec, nil
	}

	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &RawRecord{Fields: fields}, nil
}
