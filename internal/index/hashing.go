package index

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var tokenPattern = regexp.MustCompile(`\p{L}+|\p{N}+(?:[.,]\p{N}+)*`)

// HashingEmbedder maps text to a fixed-size vector by hashing unigrams and
// bigrams into buckets. It needs no corpus preparation and no network, and
// equal text always yields equal vectors.
type HashingEmbedder struct {
	dim int
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 512
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Model() string {
	return fmt.Sprintf("hashing-%d", e.dim)
}

func (e *HashingEmbedder) Dimension() int {
	return e.dim
}

func (e *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(t)
	}
	return out, nil
}

func (e *HashingEmbedder) embedOne(text string) []float32 {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)

	tf := make(map[string]int, len(tokens)*2)
	for i, tok := range tokens {
		tf[tok]++
		if i > 0 {
			tf[tokens[i-1]+" "+tok]++
		}
	}

	terms := make([]string, 0, len(tf))
	for term := range tf {
		terms = append(terms, term)
	}
	// float addition order must not depend on map iteration
	sort.Strings(terms)

	v := make([]float32, e.dim)
	for _, term := range terms {
		n := tf[term]
		h := xxhash.Sum64String(term)
		bucket := int(h % uint64(e.dim))
		w := float32(1 + math.Log(float64(n)))
		// the top bit picks a sign so that collisions tend to cancel
		if h>>63 == 1 {
			w = -w
		}
		v[bucket] += w
	}
	return Normalize(v)
}
