// Package events publishes entity lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Publisher writes a keyed JSON payload to the event bus.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, headers map[string]string, payload any) error
}

// Emitter turns entity changes into events. A nil *Emitter is valid and
// drops everything, so callers never need to check.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
	now       func() time.Time
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *Emitter) EntityCreated(ctx context.Context, entity *models.Entity) {
	e.emit(ctx, EventTypeEntityCreated, entity, nil)
}

func (e *Emitter) EntityUpdated(ctx context.Context, entity *models.Entity) {
	e.emit(ctx, EventTypeEntityUpdated, entity, nil)
}

func (e *Emitter) EntityArchived(ctx context.Context, entity *models.Entity) {
	e.emit(ctx, EventTypeEntityArchived, entity, nil)
}

func (e *Emitter) EntityReactivated(ctx context.Context, entity *models.Entity) {
	e.emit(ctx, EventTypeEntityReactivated, entity, nil)
}

// EntityMerged reports the surviving entity and the ids merged into it.
func (e *Emitter) EntityMerged(ctx context.Context, canonical *models.Entity, mergedIDs []string) {
	e.emit(ctx, EventTypeEntityMerged, canonical, mergedIDs)
}

// emit builds the event now and publishes it once the surrounding
// transaction commits, so a rolled back change never reaches subscribers.
func (e *Emitter) emit(ctx context.Context, eventType EventType, entity *models.Entity, mergedIDs []string) {
	if e == nil || e.publisher == nil || entity == nil {
		return
	}

	data, err := json.Marshal(entity.Attributes)
	if err != nil {
		data = nil
	}

	event := &EntityEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		EntityID:      entity.ID,
		EntityTypeID:  entity.EntityTypeID,
		Name:          entity.Name,
		ExternalID:    entity.ExternalID,
		Source:        appctx.GetSource(ctx),
		MergedIDs:     mergedIDs,
		Data:          data,
		CorrelationID: appctx.GetRequestID(ctx),
		Timestamp:     e.now().UTC(),
	}

	database.AfterCommit(ctx, func() {
		e.publish(ctx, event)
	})
}

func (e *Emitter) publish(ctx context.Context, event *EntityEvent) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.publish")
	defer span.End()

	if err := e.publisher.PublishJSON(ctx, event.EntityID, event.Headers(), event); err != nil {
		tracing.RecordError(span, err)
		metrics.RecordEvent(string(event.EventType), "failed")
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": event.EventType,
			"entity_id":  event.EntityID,
		}).Error("Failed to emit entity event")
		return
	}
	metrics.RecordEvent(string(event.EventType), "published")
}

// Fanout publishes to every publisher in order. All are attempted; the
// first error is returned.
type Fanout []Publisher

func (f Fanout) PublishJSON(ctx context.Context, key string, headers map[string]string, payload any) error {
	var first error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.PublishJSON(ctx, key, headers, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MemoryPublisher keeps published events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*EntityEvent
}

func (m *MemoryPublisher) PublishJSON(_ context.Context, _ string, _ map[string]string, payload any) error {
	event, ok := payload.(*EntityEvent)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns the published events of the given types, or all when none are given.
func (m *MemoryPublisher) Events(types ...EventType) []*EntityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(types) == 0 {
		return append([]*EntityEvent(nil), m.events...)
	}
	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []*EntityEvent
	for _, ev := range m.events {
		if want[ev.EventType] {
			out = append(out, ev)
		}
	}
	return out
}
