package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finscan/internal/model"
)

func TestComputeRecordStats(t *testing.T) {
	recs := []model.Record{
		{VideoID: "a.mp4", Status: model.StatusEnriched, Timestamps: []string{"00:00:01.000", "00:00:02.000"}, Taxonomy: &model.Taxonomy{Kingdom: "Animalia"}},
		{VideoID: "a.mp4", Status: model.StatusError, Timestamps: []string{"00:00:03.000"}},
		{VideoID: "b.mp4", Status: model.StatusPending, Timestamps: []string{"00:00:00.500"}},
		{VideoID: "b.mp4", Status: model.StatusEnriched, Timestamps: []string{"00:00:04.000"}, Taxonomy: &model.Taxonomy{Kingdom: model.Unknown}},
	}

	s := computeRecordStats(recs)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Videos)
	assert.Equal(t, 5, s.Sightings)
	assert.Equal(t, 1, s.Resolved)
	assert.Equal(t, 2, s.ByStatus[model.StatusEnriched])
	assert.Equal(t, 1, s.ByStatus[model.StatusPending])
	assert.Equal(t, 1, s.ByStatus[model.StatusError])
}

func TestComputeRecordStats_Empty(t *testing.T) {
	s := computeRecordStats(nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.Videos)
}

func TestFormatRecordStats(t *testing.T) {
	var buf bytes.Buffer
	formatRecordStats(&buf, recordStats{Total: 3, Videos: 1, ByStatus: map[model.Status]int{model.StatusEnriched: 3}})

	out := buf.String()
	assert.Contains(t, out, "Records")
	assert.Contains(t, out, "enriched")
	assert.Contains(t, out, "With taxonomy")
}

func TestParseRecordID(t *testing.T) {
	id, err := parseRecordID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "abc", "0", "-3"} {
		_, err := parseRecordID(bad)
		assert.Error(t, err, bad)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		assert.Equal(t, tt.want, confirm(strings.NewReader(tt.input), &out, "Proceed?"), tt.input)
		assert.Equal(t, "Proceed? [y/N]: ", out.String())
	}
}

func TestRecordsTable(t *testing.T) {
	recs := []model.Record{
		{ID: 1, VideoID: "reef.mp4", Status: model.StatusEnriched, Timestamps: []string{"00:00:01.000", "00:00:05.000"}, Taxonomy: &model.Taxonomy{Species: "Amphiprion ocellaris"}},
		{ID: 2, VideoID: "reef.mp4", Status: model.StatusPending, Timestamps: []string{"00:00:02.000"}},
	}

	out := recordsTable(recs)
	assert.Contains(t, out, "SPECIES")
	assert.Contains(t, out, "Amphiprion ocellaris")
	assert.Contains(t, out, "00:00:01.000 (+1)")
	assert.Contains(t, out, model.Unknown)
}

func TestRenderTable_PadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"only"}})
	assert.Contains(t, out, "only")
	assert.Empty(t, renderTable(nil, nil))
}

func TestFirstAndCount(t *testing.T) {
	assert.Equal(t, "", firstAndCount(nil))
	assert.Equal(t, "00:00:01.000", firstAndCount([]string{"00:00:01.000"}))
	assert.Equal(t, "00:00:01.000 (+2)", firstAndCount([]string{"00:00:01.000", "b", "c"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
