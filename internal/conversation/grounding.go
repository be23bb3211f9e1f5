package conversation

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// GroundingNotice is attached to answers quoting figures larger than anything
// in the retrieved context.
const GroundingNotice = "Some figures in this answer do not appear in the data and may be miscalculated."

// groundingMargin is the tolerance above the largest context figure.
const groundingMargin = 0.10

var figurePattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

func parseFigure(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ungroundedFigures returns the figures quoted in answer that exceed the
// largest figure in context by more than groundingMargin. With no figures in
// the context there is nothing to check against.
func ungroundedFigures(answer, context string) []string {
	largest := -1.0
	for _, m := range figurePattern.FindAllString(context, -1) {
		if v, ok := parseFigure(m); ok && v > largest {
			largest = v
		}
	}
	if largest < 0 {
		return nil
	}

	limit := largest * (1 + groundingMargin)
	var out []string
	for _, m := range figurePattern.FindAllString(answer, -1) {
		if v, ok := parseFigure(m); ok && v > limit {
			out = append(out, m)
		}
	}
	return out
}

func joinNotices(notices ...string) string {
	var parts []string
	for _, n := range notices {
		if n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, " ")
}
