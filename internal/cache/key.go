package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// Key derives a cache key from an operation name, its parameters and the
// fingerprint of its input. Parameter order at the call site does not matter.
// Every component is length-prefixed so that no two distinct inputs share an
// encoding.
func Key(operation string, params map[string]string, fingerprint string) string {
	h := sha256.New()
	writeField(h, operation)

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(names)))
	h.Write(n[:])
	for _, k := range names {
		writeField(h, k)
		writeField(h, params[k])
	}

	writeField(h, fingerprint)
	return hex.EncodeToString(h.Sum(nil))
}

// HashText is the fingerprint of a free-form string.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
