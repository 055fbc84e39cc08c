package cuid2

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormat(t *testing.T) {
	id := New("run")

	require.True(t, strings.HasPrefix(id, "run_"))
	// prefix + "_" + 6 timestamp chars + 18 random chars
	assert.Len(t, id, len("run")+1+6+18)

	for _, c := range id[len("run_"):] {
		assert.Contains(t, base62Alphabet, string(c))
	}
}

func TestNewOpaqueFormat(t *testing.T) {
	id := NewOpaque("tok")

	require.True(t, strings.HasPrefix(id, "tok_"))
	assert.Len(t, id, len("tok")+1+24)
}

func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := New("job")
		require.False(t, seen[id], "duplicate id generated: %s", id)
		seen[id] = true
	}
}

func TestTimestampOrdering(t *testing.T) {
	earlier := encodeTimestampBase62(1600000000)
	later := encodeTimestampBase62(1700000000)
	assert.Less(t, earlier, later)
}

func TestRandomBase62Length(t *testing.T) {
	for _, n := range []int{1, 6, 18, 24, 64} {
		assert.Len(t, randomBase62(n), n)
	}
}
