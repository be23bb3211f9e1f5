package analysis

import (
	"fmt"
	"strings"
)

// Requirement names a structural property a dataset must satisfy before metrics can be computed.
type Requirement string

const (
	RequireDateColumn    Requirement = "date column"
	RequireNumericColumn Requirement = "numeric column"
	RequireHeader        Requirement = "header row"
	RequireRows          Requirement = "at least one data row"
)

// ValidationError reports every unmet requirement of a dataset, plus a free-form
// reason for malformed input.
type ValidationError struct {
	Dataset string
	Missing []Requirement
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("dataset validation failed")
	if e.Dataset != "" {
		fmt.Fprintf(&b, " for %q", e.Dataset)
	}
	if len(e.Missing) > 0 {
		parts := make([]string, len(e.Missing))
		for i, m := range e.Missing {
			parts[i] = string(m)
		}
		b.WriteString(": missing ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// ComputationError is a single cell that could not be used in a computation.
// It is recorded in Metrics.Issues rather than failing the whole computation.
type ComputationError struct {
	Column string
	Row    int
	Value  string
	Reason string
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("row %d column %q: %s (%q)", e.Row, e.Column, e.Reason, e.Value)
}
