package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSummary(t *testing.T) {
	doc := map[string]interface{}{
		"jobExecutionId": "job-1",
		"totalErrors":    float64(2),
		"sourceRecordSummary": map[string]interface{}{
			"totalCreatedEntities":   float64(10),
			"totalUpdatedEntities":   float64(3),
			"totalDiscardedEntities": float64(1),
			"totalErrors":            float64(2),
		},
		"instanceSummary": map[string]interface{}{
			"totalCreatedEntities": float64(10),
			"totalErrors":          float64(0),
		},
	}

	s := ParseSummary(doc)
	require.NotNil(t, s)
	assert.Equal(t, "job-1", s.JobID)
	assert.Equal(t, 2, s.TotalErrors)

	// Column keys sorted, metric suffix dropped.
	assert.Equal(t, []string{"instance", "source record"}, s.Columns)

	require.Len(t, s.Rows, 4)
	assert.Equal(t, "created", s.Rows[0].Outcome)
	assert.Equal(t, "updated", s.Rows[1].Outcome)
	assert.Equal(t, "discarded", s.Rows[2].Outcome)
	assert.Equal(t, "errors", s.Rows[3].Outcome)

	assert.Equal(t, []string{"10", "10"}, s.Rows[0].Counts)
	// Metrics absent for a column render as N/A.
	assert.Equal(t, []string{"N/A", "3"}, s.Rows[1].Counts)
	assert.Equal(t, []string{"N/A", "1"}, s.Rows[2].Counts)
	assert.Equal(t, []string{"0", "2"}, s.Rows[3].Counts)
}

func TestParseSummaryEmpty(t *testing.T) {
	assert.Nil(t, ParseSummary(nil))
	assert.Nil(t, ParseSummary(map[string]interface{}{}))
}

func TestSummaryRender(t *testing.T) {
	s := &Summary{
		Columns: []string{"instance", "source record"},
		Rows: []SummaryRow{
			{Outcome: "created", Counts: []string{"10", "10"}},
			{Outcome: "errors", Counts: []string{"0", "2"}},
		},
	}

	out := s.Render()
	assert.Contains(t, out, "Summary")
	assert.Contains(t, out, "instance")
	assert.Contains(t, out, "source record")
	assert.Contains(t, out, "created")

	lines := len(splitLines(out))
	assert.Equal(t, 3, lines)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}

func TestSplitMetric(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"totalCreatedEntities", "created"},
		{"totalUpdatedEntities", "updated"},
		{"totalDiscardedEntities", "discarded"},
		{"totalErrors", "errors"},
		{"weird", "weird"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, splitMetric(tt.in), tt.in)
	}
}
