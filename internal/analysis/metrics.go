package analysis

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Bucket string

const (
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

type Params struct {
	Bucket                Bucket
	MinCorrelationSamples int
	Hints                 map[string]Kind
}

func DefaultParams() Params {
	return Params{Bucket: BucketMonth, MinCorrelationSamples: 5}
}

func (p Params) withDefaults() Params {
	if p.Bucket == "" {
		p.Bucket = BucketMonth
	}
	if p.MinCorrelationSamples <= 0 {
		p.MinCorrelationSamples = 5
	}
	return p
}

// Canonical returns the parameters as a flat map for cache keys and for
// embedding in Metrics. Unset fields are filled with their defaults first.
func (p Params) Canonical() map[string]string {
	p = p.withDefaults()
	m := map[string]string{
		"bucket":                  string(p.Bucket),
		"min_correlation_samples": strconv.Itoa(p.MinCorrelationSamples),
	}
	if h := hintString(p.Hints); h != "" {
		m["hints"] = h
	}
	return m
}

type SeriesPoint struct {
	Period string  `json:"period"`
	Total  float64 `json:"total"`
	Count  int     `json:"count"`
}

type Series struct {
	Column string        `json:"column"`
	Bucket Bucket        `json:"bucket"`
	Points []SeriesPoint `json:"points"`
}

type CategoryGroup struct {
	Value   string  `json:"value"`
	Count   int     `json:"count"`
	Total   float64 `json:"total"`
	Average float64 `json:"average"`
}

type CategoryBreakdown struct {
	Column  string          `json:"column"`
	Measure string          `json:"measure"`
	Groups  []CategoryGroup `json:"groups"`
}

type Correlation struct {
	X string  `json:"x"`
	Y string  `json:"y"`
	R float64 `json:"r"`
	N int     `json:"n"`
}

type Financial struct {
	TypeColumn   string  `json:"type_column"`
	AmountColumn string  `json:"amount_column"`
	TotalRevenue float64 `json:"total_revenue"`
	TotalExpense float64 `json:"total_expense"`
	Net          float64 `json:"net"`
}

// Issue aggregates the ComputationErrors of one column.
type Issue struct {
	Column   string   `json:"column"`
	Count    int      `json:"count"`
	Examples []string `json:"examples"`
}

// Metrics is the full, deterministic result of one computation over a dataset.
type Metrics struct {
	Fingerprint  string              `json:"fingerprint"`
	Params       map[string]string   `json:"params"`
	RowCount     int                 `json:"row_count"`
	DateColumn   string              `json:"date_column"`
	Values       map[string]float64  `json:"values"`
	Series       []Series            `json:"series"`
	Categories   []CategoryBreakdown `json:"categories"`
	Correlations []Correlation       `json:"correlations"`
	Financial    *Financial          `json:"financial,omitempty"`
	Issues       []Issue             `json:"issues"`
}

// Encode returns canonical JSON. Map keys are sorted by encoding/json and
// every slice is built in a fixed order, so equal inputs give equal bytes.
func (m *Metrics) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metrics: %w", err)
	}
	return data, nil
}

func DecodeMetrics(data []byte) (*Metrics, error) {
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}
	return &m, nil
}

// SummaryText renders the headline figures as plain text for prompts.
func (m *Metrics) SummaryText(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %q (%s): %d rows.", name, shortFingerprint(m.Fingerprint), m.RowCount)
	if m.DateColumn != "" {
		fmt.Fprintf(&b, " Date column: %s.", m.DateColumn)
	}
	if f := m.Financial; f != nil {
		fmt.Fprintf(&b, " Total revenue: %s. Total expense: %s. Net: %s.",
			formatNumber(f.TotalRevenue), formatNumber(f.TotalExpense), formatNumber(f.Net))
	}

	keys := make([]string, 0, len(m.Values))
	for k := range m.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\nMetrics:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, formatNumber(m.Values[k]))
		}
	}
	for _, is := range m.Issues {
		fmt.Fprintf(&b, "\nNote: %d unparseable values in column %s were excluded.", is.Count, is.Column)
	}
	return b.String()
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
