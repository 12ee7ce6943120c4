package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/sourcesync"
)

type batchRecorder struct {
	batches [][]kafka.RecordMessage
	ends    []bool
	failOn  int
}

func (b *batchRecorder) PublishRecords(_ context.Context, source string, records []kafka.RecordMessage, endOfPass bool) error {
	if b.failOn > 0 && len(b.batches)+1 == b.failOn {
		return errors.New("broker unavailable")
	}
	b.batches = append(b.batches, append([]kafka.RecordMessage(nil), records...))
	b.ends = append(b.ends, endOfPass)
	return nil
}

func TestPublishListing(t *testing.T) {
	src := models.ExternalSource{Slug: "gemeinden", ExternalIDField: "ags"}
	listing := strings.Join([]string{
		`{"ags": "05314000", "name": "Bonn"}`,
		`{"ags": "05111000", "name": "Düsseldorf"}`,
		`{"external_id": "x-1", "fields": {"name": "Köln"}}`,
	}, "\n")

	tests := []struct {
		name        string
		batch       int
		wantBatches []int
		wantIDs     []string
	}{
		{name: "single batch", batch: 10, wantBatches: []int{3}, wantIDs: []string{"05314000", "05111000", "x-1"}},
		{name: "exact multiple", batch: 3, wantBatches: []int{3, 0}, wantIDs: []string{"05314000", "05111000", "x-1"}},
		{name: "split", batch: 2, wantBatches: []int{2, 1}, wantIDs: []string{"05314000", "05111000", "x-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &batchRecorder{}
			n, err := publishListing(context.Background(), rec, src, sourcesync.NewJSONLinesStream(strings.NewReader(listing)), tt.batch)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			var sizes []int
			var ids []string
			for _, b := range rec.batches {
				sizes = append(sizes, len(b))
				for _, m := range b {
					ids = append(ids, m.ExternalID)
				}
			}
			assert.Equal(t, tt.wantBatches, sizes)
			assert.Equal(t, tt.wantIDs, ids)
			assert.True(t, rec.ends[len(rec.ends)-1], "last batch carries the end-of-pass marker")
			for _, end := range rec.ends[:len(rec.ends)-1] {
				assert.False(t, end)
			}
		})
	}

	t.Run("publish failure stops the replay", func(t *testing.T) {
		rec := &batchRecorder{failOn: 1}
		_, err := publishListing(context.Background(), rec, src, sourcesync.NewJSONLinesStream(strings.NewReader(listing)), 2)
		assert.Error(t, err)
		assert.Empty(t, rec.batches)
	})

	t.Run("nested external id field", func(t *testing.T) {
		rec := &batchRecorder{}
		geo := models.ExternalSource{Slug: "vg250", ExternalIDField: "properties.AGS"}
		line := `{"type": "Feature", "properties": {"AGS": "05314000", "GEN": "Bonn"}}`
		n, err := publishListing(context.Background(), rec, geo, sourcesync.NewJSONLinesStream(strings.NewReader(line)), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.Len(t, rec.batches, 1)
		assert.Equal(t, "05314000", rec.batches[0][0].ExternalID)
	})

	t.Run("malformed line", func(t *testing.T) {
		rec := &batchRecorder{}
		_, err := publishListing(context.Background(), rec, src, sourcesync.NewJSONLinesStream(strings.NewReader("not json")), 2)
		assert.True(t, sourcesync.IsUnreadable(err))
		assert.Empty(t, rec.ends, "no end-of-pass marker after a failed replay")
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		pretty  bool
		wantErr bool
	}{
		{level: "info"},
		{level: "DEBUG", pretty: true},
		{level: "chatty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := newLogger(&config.Config{AppName: "fern", LogLevel: tt.level, PrettyLogs: tt.pretty})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestRootCommand(t *testing.T) {
	root := New("1.2.3").rootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "sync", "publish", "dedupe", "resolve"})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "1.2.3")
}
