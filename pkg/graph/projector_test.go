package graph

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
)

type recordingWriter struct {
	batches [][]Statement
	err     error
}

func (w *recordingWriter) Write(_ context.Context, statements ...Statement) error {
	w.batches = append(w.batches, statements)
	return w.err
}

func newTestProjector(w Writer) *Projector {
	return NewProjector(w, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestProjector_ProjectEvent(t *testing.T) {
	ext := "05315000"
	ts := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		event      *events.EntityEvent
		statements int
		active     bool
	}{
		{
			name:       "created",
			event:      &events.EntityEvent{EventType: events.EventTypeEntityCreated, EntityID: "e1", Name: "Köln", ExternalID: &ext, Timestamp: ts},
			statements: 1,
			active:     true,
		},
		{
			name:       "archived",
			event:      &events.EntityEvent{EventType: events.EventTypeEntityArchived, EntityID: "e1", Timestamp: ts},
			statements: 1,
			active:     false,
		},
		{
			name:       "merged",
			event:      &events.EntityEvent{EventType: events.EventTypeEntityMerged, EntityID: "e1", MergedIDs: []string{"e2"}, Timestamp: ts},
			statements: 4,
			active:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordingWriter{}
			require.NoError(t, newTestProjector(w).ProjectEvent(context.Background(), tt.event))
			require.Len(t, w.batches, 1)
			batch := w.batches[0]
			require.Len(t, batch, tt.statements)
			assert.Equal(t, tt.event.EntityID, batch[0].Params["id"])
			assert.Equal(t, tt.active, batch[0].Params["is_active"])
			assert.Equal(t, "2024-03-01T06:00:00Z", batch[0].Params["updated_at"])
			for _, st := range batch[1:] {
				assert.Equal(t, []string{"e2"}, st.Params["merged_ids"])
			}
		})
	}
}

func TestProjector_PublishJSONIgnoresOtherPayloads(t *testing.T) {
	w := &recordingWriter{}
	p := newTestProjector(w)

	require.NoError(t, p.PublishJSON(context.Background(), "k", nil, map[string]string{"not": "an event"}))
	assert.Empty(t, w.batches)
}

func TestProjector_ProjectRelation(t *testing.T) {
	w := &recordingWriter{}
	url := "https://example.org/vertrag.pdf"
	rel := &models.EntityRelation{ID: "r1", SourceEntityID: "a", TargetEntityID: "b", Confidence: 0.8, SourceURL: &url}

	require.NoError(t, newTestProjector(w).ProjectRelation(context.Background(), rel, "partner_of"))
	require.Len(t, w.batches, 1)
	params := w.batches[0][0].Params
	assert.Equal(t, "partner_of", params["relation_type"])
	assert.Equal(t, url, params["source_url"])
	assert.Equal(t, 0.8, params["confidence"])

	w.err = errors.New("bolt unavailable")
	assert.Error(t, newTestProjector(w).ProjectRelation(context.Background(), rel, "partner_of"))
}

func TestScalarProps(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"population": 1084831,
		"website":    "https://www.stadt-koeln.de",
		"capital":    false,
		"districts":  []string{"Innenstadt", "Ehrenfeld"},
		"address":    map[string]any{"street": "Rathausplatz 2"},
		"mixed":      []any{"a", map[string]any{}},
	})
	require.NoError(t, err)

	props := scalarProps(data)
	assert.Equal(t, float64(1084831), props["attr_population"])
	assert.Equal(t, "https://www.stadt-koeln.de", props["attr_website"])
	assert.Equal(t, false, props["attr_capital"])
	assert.Equal(t, []any{"Innenstadt", "Ehrenfeld"}, props["attr_districts"])
	assert.NotContains(t, props, "attr_address")
	assert.NotContains(t, props, "attr_mixed")

	assert.Empty(t, scalarProps(nil))
	assert.Empty(t, scalarProps(json.RawMessage("not json")))
}
