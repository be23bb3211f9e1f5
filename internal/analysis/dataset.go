package analysis

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

type ColumnStats struct {
	Count     int        `json:"count"`
	NullCount int        `json:"null_count"`
	Unique    int        `json:"unique,omitempty"`
	Min       *float64   `json:"min,omitempty"`
	Max       *float64   `json:"max,omitempty"`
	Mean      *float64   `json:"mean,omitempty"`
	MinDate   *time.Time `json:"min_date,omitempty"`
	MaxDate   *time.Time `json:"max_date,omitempty"`
}

type Column struct {
	Name     string      `json:"name"`
	Kind     Kind        `json:"kind"`
	Nullable bool        `json:"nullable"`
	Stats    ColumnStats `json:"stats"`
}

// Dataset is a parsed CSV upload. It is never mutated after Parse returns.
type Dataset struct {
	Fingerprint string          `json:"fingerprint"`
	Name        string          `json:"name"`
	Columns     []Column        `json:"columns"`
	RowCount    int             `json:"row_count"`
	DateColumn  string          `json:"date_column,omitempty"`
	Hints       map[string]Kind `json:"hints,omitempty"`
	Rows        [][]string      `json:"-"`
}

func (d *Dataset) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (d *Dataset) ColumnsOfKind(kind Kind) []int {
	var idx []int
	for i, c := range d.Columns {
		if c.Kind == kind {
			idx = append(idx, i)
		}
	}
	return idx
}

// Normalize strips a UTF-8 BOM, converts CRLF and CR line endings to LF and
// trims trailing newlines, so that the same table saved by different editors
// fingerprints identically.
func Normalize(raw []byte) []byte {
	b := bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
	return bytes.TrimRight(b, "\n")
}

func Fingerprint(raw []byte) string {
	return hexSHA256(Normalize(raw))
}

func Parse(name string, raw []byte, hints map[string]Kind) (*Dataset, error) {
	return ParseWithOptions(DefaultInferenceOptions(), name, raw, hints)
}

func ParseWithOptions(opts InferenceOptions, name string, raw []byte, hints map[string]Kind) (*Dataset, error) {
	content := Normalize(raw)
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, &ValidationError{Dataset: name, Missing: []Requirement{RequireHeader}}
	}

	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, &ValidationError{Dataset: name, Reason: fmt.Sprintf("failed to read header: %v", err)}
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if err := validateHeader(header, opts.MaxColumns); err != nil {
		err.Dataset = name
		return nil, err
	}

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ValidationError{Dataset: name, Reason: fmt.Sprintf("malformed csv: %v", err)}
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" && len(header) > 1 {
			continue
		}
		if len(rec) > len(header) {
			return nil, &ValidationError{
				Dataset: name,
				Reason:  fmt.Sprintf("row %d has %d fields, header has %d", len(rows)+1, len(rec), len(header)),
			}
		}
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		rows = append(rows, rec)
	}
	if len(rows) == 0 {
		return nil, &ValidationError{Dataset: name, Missing: []Requirement{RequireRows}}
	}

	ds := &Dataset{
		Fingerprint: hexSHA256(content),
		Name:        name,
		RowCount:    len(rows),
		Rows:        rows,
		Hints:       copyHints(hints),
	}

	ds.Columns = make([]Column, len(header))
	for i, h := range header {
		values := make([]string, 0, len(rows))
		nulls := 0
		for _, row := range rows {
			if IsNull(row[i]) {
				nulls++
				continue
			}
			values = append(values, strings.TrimSpace(row[i]))
		}

		kind, hinted := hints[h]
		if !hinted {
			kind = inferKind(values, opts)
		}
		ds.Columns[i] = Column{
			Name:     h,
			Kind:     kind,
			Nullable: nulls > 0,
			Stats:    columnStats(kind, values, nulls),
		}
		if kind == KindDate && ds.DateColumn == "" {
			ds.DateColumn = h
		}
	}

	return ds, nil
}

func validateHeader(header []string, maxColumns int) *ValidationError {
	if maxColumns > 0 && len(header) > maxColumns {
		return &ValidationError{Reason: fmt.Sprintf("too many columns: %d (max %d)", len(header), maxColumns)}
	}
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		if h == "" {
			return &ValidationError{Reason: fmt.Sprintf("column %d has an empty name", i+1)}
		}
		if _, dup := seen[h]; dup {
			return &ValidationError{Reason: fmt.Sprintf("duplicate column name %q", h)}
		}
		seen[h] = struct{}{}
	}
	return nil
}

func columnStats(kind Kind, values []string, nulls int) ColumnStats {
	st := ColumnStats{Count: len(values), NullCount: nulls}
	switch kind {
	case KindNumeric:
		var sum float64
		n := 0
		for _, v := range values {
			f, ok := ParseNumber(v)
			if !ok {
				continue
			}
			if n == 0 || f < *st.Min {
				st.Min = floatPtr(f)
			}
			if n == 0 || f > *st.Max {
				st.Max = floatPtr(f)
			}
			sum += f
			n++
		}
		if n > 0 {
			st.Mean = floatPtr(sum / float64(n))
		}
	case KindDate:
		for _, v := range values {
			t, ok := ParseDate(v)
			if !ok {
				continue
			}
			if st.MinDate == nil || t.Before(*st.MinDate) {
				st.MinDate = timePtr(t)
			}
			if st.MaxDate == nil || t.After(*st.MaxDate) {
				st.MaxDate = timePtr(t)
			}
		}
	default:
		unique := make(map[string]struct{}, len(values))
		for _, v := range values {
			unique[v] = struct{}{}
		}
		st.Unique = len(unique)
	}
	return st
}

func copyHints(hints map[string]Kind) map[string]Kind {
	if len(hints) == 0 {
		return nil
	}
	out := make(map[string]Kind, len(hints))
	for k, v := range hints {
		out[k] = v
	}
	return out
}

// ParseHints reads "col:kind,col:kind" as accepted on the upload endpoint.
func ParseHints(s string) (map[string]Kind, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	hints := make(map[string]Kind)
	for _, part := range strings.Split(s, ",") {
		col, kind, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid hint %q, expected column:kind", part)
		}
		k, ok := ParseKind(kind)
		if !ok {
			return nil, fmt.Errorf("invalid kind %q for column %q", kind, col)
		}
		hints[strings.TrimSpace(col)] = k
	}
	return hints, nil
}

// hintString renders hints in sorted order for cache keys.
func hintString(hints map[string]Kind) string {
	if len(hints) == 0 {
		return ""
	}
	keys := make([]string, 0, len(hints))
	for k := range hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + string(hints[k])
	}
	return strings.Join(parts, ",")
}

func hexSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func floatPtr(f float64) *float64 { return &f }

func timePtr(t time.Time) *time.Time { return &t }
