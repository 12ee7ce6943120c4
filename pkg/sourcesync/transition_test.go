package sourcesync

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestTransition(t *testing.T) {
	day0 := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	rec := &models.SyncRecord{}
	assert.Equal(t, ChangeCreated, Transition(rec, Observation{Present: true, ContentHash: "a"}, day0, 2))
	assert.Equal(t, models.SyncStatusActive, rec.SyncStatus)
	assert.Equal(t, day0, rec.FirstSeenAt)

	steps := []struct {
		name        string
		at          time.Duration
		obs         Observation
		change      Change
		status      models.SyncStatus
		missingFrom *time.Duration
	}{
		{name: "seen unchanged", at: 0, obs: Observation{Present: true, ContentHash: "a"}, change: ChangeUnchanged, status: models.SyncStatusActive},
		{name: "seen changed", at: day, obs: Observation{Present: true, ContentHash: "b"}, change: ChangeUpdated, status: models.SyncStatusUpdated},
		{name: "first absence", at: 2 * day, change: ChangeMissing, status: models.SyncStatusMissing, missingFrom: ptr(2 * day)},
		{name: "second absence", at: 3 * day, change: ChangeStillMissing, status: models.SyncStatusMissing, missingFrom: ptr(2 * day)},
		{name: "absent past threshold", at: 4 * day, change: ChangeArchived, status: models.SyncStatusArchived, missingFrom: ptr(2 * day)},
		{name: "absent while archived", at: 5 * day, change: ChangeStillArchived, status: models.SyncStatusArchived, missingFrom: ptr(2 * day)},
		{name: "reappears changed", at: 6 * day, obs: Observation{Present: true, ContentHash: "c"}, change: ChangeReactivated, status: models.SyncStatusUpdated},
		{name: "absent again", at: 7 * day, change: ChangeMissing, status: models.SyncStatusMissing, missingFrom: ptr(7 * day)},
		{name: "reappears unchanged", at: 8 * day, obs: Observation{Present: true, ContentHash: "c"}, change: ChangeReactivated, status: models.SyncStatusActive},
	}

	// steps share one record, so they run in order
	for _, step := range steps {
		now := day0.Add(step.at)
		change := Transition(rec, step.obs, now, 2)
		assert.Equal(t, step.change, change, step.name)
		assert.Equal(t, step.status, rec.SyncStatus, step.name)
		if step.missingFrom == nil {
			assert.Nil(t, rec.MissingSince, step.name)
		} else {
			require.NotNil(t, rec.MissingSince, step.name)
			assert.Equal(t, day0.Add(*step.missingFrom), *rec.MissingSince, step.name)
		}
		if step.obs.Present {
			assert.Equal(t, now, rec.LastSeenAt, step.name)
		}
	}
}

func TestTransition_ModifiedAt(t *testing.T) {
	now := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	reported := now.Add(-48 * time.Hour)

	rec := &models.SyncRecord{SyncStatus: models.SyncStatusActive, ContentHash: "a"}
	Transition(rec, Observation{Present: true, ContentHash: "b", ModifiedAt: &reported}, now, 2)
	require.NotNil(t, rec.LastModifiedAt)
	assert.Equal(t, reported, *rec.LastModifiedAt)

	Transition(rec, Observation{Present: true, ContentHash: "c"}, now, 2)
	assert.Equal(t, now, *rec.LastModifiedAt)
}

func TestTransition_ZeroInactivityArchivesOnSecondMiss(t *testing.T) {
	now := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	rec := &models.SyncRecord{SyncStatus: models.SyncStatusActive}

	assert.Equal(t, ChangeMissing, Transition(rec, Observation{}, now, 0))
	assert.Equal(t, ChangeArchived, Transition(rec, Observation{}, now.Add(time.Minute), 0))
}

func TestJSONLinesStream(t *testing.T) {
	input := strings.Join([]string{
		`{"fields": {"ags": "05315000", "name": "Köln"}, "modified_at": "2024-02-28T00:00:00Z"}`,
		``,
		`{"ags": "05111000", "name": "Düsseldorf", "population": 629047}`,
	}, "\n")

	stream := NewJSONLinesStream(strings.NewReader(input))
	ctx := context.Background()

	first, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Köln", first.Fields["name"])
	require.NotNil(t, first.ModifiedAt)

	second, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "05111000", second.Fields["ags"])
	assert.Equal(t, float64(629047), second.Fields["population"])

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestJSONLinesStream_InvalidLine(t *testing.T) {
	stream := NewJSONLinesStream(strings.NewReader("{\"name\": \"ok\"}\nnot json\n"))

	_, err := stream.Next(context.Background())
	require.NoError(t, err)
	_, err = stream.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func ptr[T any](v T) *T { return &v }
