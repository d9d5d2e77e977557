package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigest_KnownVector(t *testing.T) {
	// SHA-256("") from FIPS 180-4.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Digest(""),
	)
}

func TestDigest_Deterministic(t *testing.T) {
	assert.Equal(t, Digest("some-opaque-token"), Digest("some-opaque-token"))
	assert.NotEqual(t, Digest("some-opaque-token"), Digest("some-opaque-token2"))
}

func TestDigest_FixedLengthHex(t *testing.T) {
	d := Digest("anything")
	assert.Len(t, d, 64)
	for _, c := range d {
		assert.Contains(t, "0123456789abcdef", string(c))
	}
}
