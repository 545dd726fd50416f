package report

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode"

	"github.com/samber/lo"
)

// Canonical display order for outcome categories. Anything unknown sorts
// after these.
var summaryOrdering = map[string]int{
	"created":   0,
	"updated":   1,
	"discarded": 2,
	"errors":    3,
}

// Summary is the reconciled per-category outcome report of one job.
type Summary struct {
	JobID       string
	TotalErrors int

	// Columns are entity kinds ("source record", "instance", ...); rows are
	// outcomes in canonical order.
	Columns []string
	Rows    []SummaryRow
}

type SummaryRow struct {
	Outcome string
	Counts  []string
}

// ParseSummary shapes the raw job-summary document into ordered rows. An
// empty document yields a nil summary.
func ParseSummary(doc map[string]interface{}) *Summary {
	if len(doc) == 0 {
		return nil
	}

	s := &Summary{}
	if id, ok := doc["jobExecutionId"].(string); ok {
		s.JobID = id
	}
	if n, ok := doc["totalErrors"].(float64); ok {
		s.TotalErrors = int(n)
	}

	colKeys := make([]string, 0, len(doc))
	for k, v := range doc {
		if _, ok := v.(map[string]interface{}); ok {
			colKeys = append(colKeys, k)
		}
	}
	sort.Strings(colKeys)
	s.Columns = lo.Map(colKeys, func(k string, _ int) string {
		words := splitCamel(k)
		return strings.Join(words[:len(words)-1], " ")
	})

	outcomes := make(map[string]struct{})
	for _, k := range colKeys {
		for metric := range doc[k].(map[string]interface{}) {
			outcomes[splitMetric(metric)] = struct{}{}
		}
	}

	ordered := lo.Keys(outcomes)
	sort.Slice(ordered, func(i, j int) bool {
		return rank(ordered[i]) < rank(ordered[j]) ||
			(rank(ordered[i]) == rank(ordered[j]) && ordered[i] < ordered[j])
	})

	for _, outcome := range ordered {
		row := SummaryRow{Outcome: outcome}
		for _, k := range colKeys {
			counts := doc[k].(map[string]interface{})
			val := "N/A"
			for metric, n := range counts {
				if splitMetric(metric) == outcome {
					if f, ok := n.(float64); ok {
						val = strconv.Itoa(int(f))
					}
					break
				}
			}
			row.Counts = append(row.Counts, val)
		}
		s.Rows = append(s.Rows, row)
	}

	return s
}

// Render formats the summary as an aligned table for the run log.
func (s *Summary) Render() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 2, 2, 2, ' ', 0)

	header := append([]string{"Summary"}, s.Columns...)
	_, _ = w.Write([]byte(strings.Join(header, "\t") + "\n"))
	for _, row := range s.Rows {
		_, _ = w.Write([]byte(strings.Join(append([]string{row.Outcome}, row.Counts...), "\t") + "\n"))
	}
	_ = w.Flush()

	return strings.TrimRight(buf.String(), "\n")
}

func rank(outcome string) int {
	if r, ok := summaryOrdering[outcome]; ok {
		return r
	}
	return 99
}

// splitMetric extracts the outcome from a metric name: the second word of
// its decamelized form ("totalCreatedEntities" -> "created").
func splitMetric(metric string) string {
	words := splitCamel(metric)
	if len(words) < 2 {
		return metric
	}
	return words[1]
}

func splitCamel(s string) []string {
	var words []string
	var cur []rune
	for _, r := range s {
		if unicode.IsUpper(r) && len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
		cur = append(cur, unicode.ToLower(r))
	}
	if len(cur) > 0 {
		words = append(words, string(cur))
	}
	return words
}

