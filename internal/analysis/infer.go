package analysis

import (
	"math"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindDate        Kind = "date"
	KindNumeric     Kind = "numeric"
	KindCategorical Kind = "categorical"
	KindText        Kind = "text"
)

func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindDate, KindNumeric, KindCategorical, KindText:
		return k, true
	}
	return "", false
}

// DateLayouts are tried in order; the first successful parse wins.
var DateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"Jan 2, 2006",
	"02-Jan-2006",
}

var nullTokens = map[string]struct{}{
	"":     {},
	"NA":   {},
	"N/A":  {},
	"null": {},
	"NULL": {},
	"None": {},
	"NaN":  {},
	"nan":  {},
	"-":    {},
}

func IsNull(v string) bool {
	_, ok := nullTokens[strings.TrimSpace(v)]
	return ok
}

// ParseNumber accepts plain numbers plus currency symbols, thousands
// separators and a trailing percent sign.
func ParseNumber(v string) (float64, bool) {
	s := strings.TrimSpace(v)
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func ParseDate(v string) (time.Time, bool) {
	s := strings.TrimSpace(v)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range DateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

type InferenceOptions struct {
	NumericThreshold     float64
	DateThreshold        float64
	CategoricalMaxUnique int
	MaxColumns           int
}

func DefaultInferenceOptions() InferenceOptions {
	return InferenceOptions{
		NumericThreshold:     0.95,
		DateThreshold:        0.95,
		CategoricalMaxUnique: 50,
		MaxColumns:           100,
	}
}

// inferKind classifies the non-null values of a column. Dates are checked
// before numbers so that compact dates are not mistaken for integers.
func inferKind(values []string, opts InferenceOptions) Kind {
	if len(values) == 0 {
		return KindText
	}

	dates, numbers := 0, 0
	unique := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := ParseDate(v); ok {
			dates++
		}
		if _, ok := ParseNumber(v); ok {
			numbers++
		}
		unique[v] = struct{}{}
	}

	n := float64(len(values))
	switch {
	case float64(dates)/n >= opts.DateThreshold:
		return KindDate
	case float64(numbers)/n >= opts.NumericThreshold:
		return KindNumeric
	case len(unique) <= opts.CategoricalMaxUnique || float64(len(unique))/n <= 0.5:
		return KindCategorical
	default:
		return KindText
	}
}

// SanitizeName turns a column header into a metric-name fragment:
// lower case, runs of non-alphanumerics collapsed to a single underscore.
func SanitizeName(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "column"
	}
	return out
}

var monetaryTerms = []string{"amount", "budget", "cost", "price", "revenue"}

func isMonetary(name string) bool {
	n := strings.ToLower(name)
	for _, t := range monetaryTerms {
		if strings.Contains(n, t) {
			return true
		}
	}
	return false
}
