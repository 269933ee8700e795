package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestJCSNestedDeterminism(t *testing.T) {
	v := map[string]any{
		"state": map[string]any{"turn_count": 3, "last_actor": "peer-a"},
		"seq":   7,
	}
	first, err := JCS(v)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := JCS(v)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"y": "z", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestJCSRejectsUnmarshalable(t *testing.T) {
	_, err := JCS(make(chan int))
	assert.Error(t, err)
}
