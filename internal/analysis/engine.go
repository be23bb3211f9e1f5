package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const MissingCategory = "(missing)"

var (
	revenueTerms = []string{"revenue", "income", "sales", "credit"}
	expenseTerms = []string{"expense", "cost", "debit"}
)

type Engine struct {
	opts   InferenceOptions
	logger *zap.Logger
}

func NewEngine(opts InferenceOptions, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{opts: opts, logger: logger}
}

func (e *Engine) Parse(name string, raw []byte, hints map[string]Kind) (*Dataset, error) {
	return ParseWithOptions(e.opts, name, raw, hints)
}

// numericColumn holds the parsed cells of one numeric column; ok[i] is false
// for nulls and unparseable cells.
type numericColumn struct {
	idx    int
	name   string
	values []float64
	ok     []bool
}

// Compute derives all metrics for ds. It reads nothing but its arguments.
func (e *Engine) Compute(ds *Dataset, p Params) (*Metrics, error) {
	p = p.withDefaults()
	if p.Hints == nil {
		p.Hints = ds.Hints
	}
	switch p.Bucket {
	case BucketDay, BucketWeek, BucketMonth:
	default:
		return nil, fmt.Errorf("unsupported time bucket %q", p.Bucket)
	}

	numericIdx := ds.ColumnsOfKind(KindNumeric)
	var missing []Requirement
	if ds.DateColumn == "" {
		missing = append(missing, RequireDateColumn)
	}
	if len(numericIdx) == 0 {
		missing = append(missing, RequireNumericColumn)
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Dataset: ds.Name, Missing: missing}
	}

	m := &Metrics{
		Fingerprint:  ds.Fingerprint,
		Params:       p.Canonical(),
		RowCount:     ds.RowCount,
		DateColumn:   ds.DateColumn,
		Values:       map[string]float64{"row_count": float64(ds.RowCount)},
		Series:       []Series{},
		Categories:   []CategoryBreakdown{},
		Correlations: []Correlation{},
		Issues:       []Issue{},
	}

	numeric := make([]numericColumn, 0, len(numericIdx))
	for _, idx := range numericIdx {
		col, issue := parseNumericColumn(ds, idx)
		numeric = append(numeric, col)
		if issue != nil {
			m.Issues = append(m.Issues, *issue)
		}
	}

	e.scalars(ds, numeric, m)
	e.categories(ds, numeric, m)
	e.series(ds, numeric, p.Bucket, m)
	correlations(numeric, p.MinCorrelationSamples, m)
	financial(ds, numeric, m)

	e.logger.Debug("Metrics computed",
		zap.String("fingerprint", ds.Fingerprint),
		zap.Int("values", len(m.Values)),
		zap.Int("issues", len(m.Issues)),
	)
	return m, nil
}

func parseNumericColumn(ds *Dataset, idx int) (numericColumn, *Issue) {
	col := numericColumn{
		idx:    idx,
		name:   ds.Columns[idx].Name,
		values: make([]float64, len(ds.Rows)),
		ok:     make([]bool, len(ds.Rows)),
	}
	var issue *Issue
	for r, row := range ds.Rows {
		cell := row[idx]
		if IsNull(cell) {
			continue
		}
		f, ok := ParseNumber(cell)
		if !ok {
			cerr := &ComputationError{Column: col.name, Row: r + 1, Value: cell, Reason: "not a number"}
			if issue == nil {
				issue = &Issue{Column: cerr.Column, Examples: []string{}}
			}
			issue.Count++
			if len(issue.Examples) < 3 {
				issue.Examples = append(issue.Examples, cerr.Error())
			}
			continue
		}
		col.values[r] = f
		col.ok[r] = true
	}
	return col, issue
}

func (e *Engine) scalars(ds *Dataset, numeric []numericColumn, m *Metrics) {
	projectIdx := -1
	for i, c := range ds.Columns {
		if SanitizeName(c.Name) == "project_id" {
			projectIdx = i
			break
		}
	}

	for _, col := range numeric {
		var samples []float64
		if projectIdx >= 0 && projectIdx != col.idx && isMonetary(col.name) {
			samples = perProjectSums(ds, col, projectIdx)
		} else {
			for r, ok := range col.ok {
				if ok {
					samples = append(samples, col.values[r])
				}
			}
		}

		key := SanitizeName(col.name)
		m.Values["count_"+key] = float64(len(samples))
		if len(samples) == 0 {
			m.Values["total_"+key] = 0
			continue
		}
		total, lo, hi := 0.0, samples[0], samples[0]
		for _, v := range samples {
			total += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		m.Values["total_"+key] = total
		m.Values["average_"+key] = total / float64(len(samples))
		m.Values["min_"+key] = lo
		m.Values["max_"+key] = hi
	}
}

// perProjectSums sums a monetary column per project so that a project spread
// over several rows counts once in averages and extremes.
func perProjectSums(ds *Dataset, col numericColumn, projectIdx int) []float64 {
	sums := make(map[string]float64)
	for r, row := range ds.Rows {
		if !col.ok[r] {
			continue
		}
		key := strings.TrimSpace(row[projectIdx])
		if IsNull(key) {
			key = MissingCategory
		}
		sums[key] += col.values[r]
	}
	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]float64, len(keys))
	for i, k := range keys {
		out[i] = sums[k]
	}
	return out
}

func (e *Engine) categories(ds *Dataset, numeric []numericColumn, m *Metrics) {
	for _, cidx := range ds.ColumnsOfKind(KindCategorical) {
		for _, col := range numeric {
			type acc struct {
				rows  int
				valid int
				total float64
			}
			groups := make(map[string]*acc)
			for r, row := range ds.Rows {
				key := strings.TrimSpace(row[cidx])
				if IsNull(key) {
					key = MissingCategory
				}
				a, ok := groups[key]
				if !ok {
					a = &acc{}
					groups[key] = a
				}
				a.rows++
				if col.ok[r] {
					a.valid++
					a.total += col.values[r]
				}
			}

			keys := make([]string, 0, len(groups))
			for k := range groups {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			b := CategoryBreakdown{Column: ds.Columns[cidx].Name, Measure: col.name}
			for _, k := range keys {
				a := groups[k]
				g := CategoryGroup{Value: k, Count: a.rows, Total: a.total}
				if a.valid > 0 {
					g.Average = a.total / float64(a.valid)
				}
				b.Groups = append(b.Groups, g)
			}
			m.Categories = append(m.Categories, b)
		}
	}
}

func periodKey(t time.Time, bucket Bucket) string {
	switch bucket {
	case BucketDay:
		return t.Format("2006-01-02")
	case BucketWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return t.Format("2006-01")
	}
}

func (e *Engine) series(ds *Dataset, numeric []numericColumn, bucket Bucket, m *Metrics) {
	dateIdx := ds.ColumnIndex(ds.DateColumn)
	periods := make([]string, len(ds.Rows))
	excluded := 0
	for r, row := range ds.Rows {
		t, ok := ParseDate(row[dateIdx])
		if !ok {
			excluded++
			continue
		}
		periods[r] = periodKey(t, bucket)
	}
	m.Values["rows_excluded_from_series"] = float64(excluded)

	for _, col := range numeric {
		totals := make(map[string]*SeriesPoint)
		for r, period := range periods {
			if period == "" || !col.ok[r] {
				continue
			}
			pt, ok := totals[period]
			if !ok {
				pt = &SeriesPoint{Period: period}
				totals[period] = pt
			}
			pt.Total += col.values[r]
			pt.Count++
		}
		keys := make([]string, 0, len(totals))
		for k := range totals {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		s := Series{Column: col.name, Bucket: bucket, Points: make([]SeriesPoint, 0, len(keys))}
		for _, k := range keys {
			s.Points = append(s.Points, *totals[k])
		}
		m.Series = append(m.Series, s)
	}
}

func correlations(numeric []numericColumn, minSamples int, m *Metrics) {
	for i := 0; i < len(numeric); i++ {
		for j := i + 1; j < len(numeric); j++ {
			x, y := numeric[i], numeric[j]
			var n int
			var sx, sy, sxx, syy, sxy float64
			for r := range x.ok {
				if !x.ok[r] || !y.ok[r] {
					continue
				}
				a, b := x.values[r], y.values[r]
				n++
				sx += a
				sy += b
				sxx += a * a
				syy += b * b
				sxy += a * b
			}
			if n < minSamples {
				continue
			}
			fn := float64(n)
			cov := sxy - sx*sy/fn
			vx := sxx - sx*sx/fn
			vy := syy - sy*sy/fn
			if vx <= 0 || vy <= 0 {
				continue
			}
			r := cov / math.Sqrt(vx*vy)
			if math.IsNaN(r) {
				continue
			}
			m.Correlations = append(m.Correlations, Correlation{X: x.name, Y: y.name, R: r, N: n})
		}
	}
}

func matchesAny(value string, terms []string) bool {
	words := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	for _, w := range words {
		for _, t := range terms {
			if strings.HasPrefix(w, t) {
				return true
			}
		}
	}
	return false
}

// financial looks for the categorical column that best separates revenue from
// expense rows. A column holding both kinds of label beats one holding only one.
func financial(ds *Dataset, numeric []numericColumn, m *Metrics) {
	typeIdx, bestScore := -1, 0
	for _, cidx := range ds.ColumnsOfKind(KindCategorical) {
		seen := make(map[string]struct{})
		hasRev, hasExp, matched := false, false, 0
		for _, row := range ds.Rows {
			v := strings.TrimSpace(row[cidx])
			if _, dup := seen[v]; dup || IsNull(v) {
				continue
			}
			seen[v] = struct{}{}
			rev, exp := matchesAny(v, revenueTerms), matchesAny(v, expenseTerms)
			if rev {
				hasRev = true
			}
			if exp {
				hasExp = true
			}
			if rev || exp {
				matched++
			}
		}
		score := matched
		if hasRev && hasExp {
			score += 1000
		}
		if score > bestScore {
			typeIdx, bestScore = cidx, score
		}
	}
	if typeIdx < 0 {
		return
	}

	amount := numeric[0]
	for _, col := range numeric {
		if isMonetary(col.name) {
			amount = col
			break
		}
	}

	f := &Financial{TypeColumn: ds.Columns[typeIdx].Name, AmountColumn: amount.name}
	for r, row := range ds.Rows {
		if !amount.ok[r] {
			continue
		}
		label := row[typeIdx]
		switch {
		case matchesAny(label, revenueTerms):
			f.TotalRevenue += amount.values[r]
		case matchesAny(label, expenseTerms):
			// expenses are often recorded as negative amounts
			f.TotalExpense += math.Abs(amount.values[r])
		}
	}
	f.Net = f.TotalRevenue - f.TotalExpense

	m.Financial = f
	// prefixed so a column named "revenue" keeps its own total_revenue
	m.Values["financial_total_revenue"] = f.TotalRevenue
	m.Values["financial_total_expense"] = f.TotalExpense
	m.Values["financial_net"] = f.Net
}
