package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParams keep key derivation cheap enough for the test suite.
func testParams() Argon2Params {
	return Argon2Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestArgon2Hasher_RoundTrip(t *testing.T) {
	h := NewArgon2Hasher(testParams())

	encoded, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$"))

	ok, err := h.Verify(encoded, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(encoded, "wrong password")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArgon2Hasher_SaltsDiffer(t *testing.T) {
	h := NewArgon2Hasher(testParams())

	a, err := h.Hash("same password")
	require.NoError(t, err)
	b, err := h.Hash("same password")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestArgon2Hasher_VerifyAcrossParameterChange(t *testing.T) {
	old := NewArgon2Hasher(testParams())
	encoded, err := old.Hash("secret")
	require.NoError(t, err)

	// A hasher with different parameters still verifies old hashes because
	// the parameters travel inside the encoded form.
	next := NewArgon2Hasher(Argon2Params{
		Memory:      16 * 1024,
		Iterations:  2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	})
	ok, err := next.Verify(encoded, "secret")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestArgon2Hasher_MalformedHashes(t *testing.T) {
	h := NewArgon2Hasher(testParams())

	cases := []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=8192,t=1,p=1$AAAA$BBBB",
		"$argon2id$v=18$m=8192,t=1,p=1$AAAA$BBBB",
		"$argon2id$v=19$garbage$AAAA$BBBB",
		"$argon2id$v=19$m=8192,t=1,p=1$!notbase64!$BBBB",
	}
	for _, c := range cases {
		_, err := h.Verify(c, "whatever")
		assert.ErrorIs(t, err, ErrMalformedHash, "input %q", c)
	}
}
