package milvus

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/csv-insight/backend/internal/index"
)

func TestCollectionExpr(t *testing.T) {
	assert.Equal(t, `collection_id in ["abc"]`, collectionExpr([]string{"abc"}))
	assert.Equal(t, `collection_id in ["a", "b"]`, collectionExpr([]string{"a", "b"}))
}

func TestMilvusIDScopesByCollection(t *testing.T) {
	id := milvusID(index.Chunk{ID: "0123456789abcdef-rows-1", Collection: "0123456789abcdef99"})
	assert.Equal(t, "0123456789abcdef99:0123456789abcdef-rows-1", id)
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	s := strings.Repeat("é", 10)
	out := truncate(s, 5)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, 4, len(out))
	assert.Equal(t, "short", truncate("short", 10))
}
