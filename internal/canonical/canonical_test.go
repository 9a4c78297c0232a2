package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDeterministicAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]Value{"a": int64(1), "b": int64(2)})
	require.NoError(t, err)
	h2, err := Hash(map[string]Value{"b": int64(2), "a": int64(1)})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashRejectsNonFiniteFloat(t *testing.T) {
	_, err := Hash(map[string]Value{"x": float64(nan())})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-finite float")
}

func TestMarshalNFKCNormalizesStrings(t *testing.T) {
	// "ﬁ" (U+FB01 LATIN SMALL LIGATURE FI) NFKC-normalizes to "fi".
	withLigature, err := Marshal(map[string]Value{"k": "ﬁle"})
	require.NoError(t, err)
	plain, err := Marshal(map[string]Value{"k": "file"})
	require.NoError(t, err)

	assert.Equal(t, plain, withLigature)
}

func TestMarshalDeterministicBytes(t *testing.T) {
	b1, err := Marshal(map[string]Value{"z": "last", "a": "first"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"first","z":"last"}`, string(b1))
}

func nan() float64 {
	var zero float64
	return zero / zero
}
