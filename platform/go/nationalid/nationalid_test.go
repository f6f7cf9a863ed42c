package nationalid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLooksValid(t *testing.T) {
	t.Parallel()

	require.True(t, LooksValid("010118A9988"))
	require.True(t, LooksValid(" 131052-308t "))
	require.False(t, LooksValid("1.2.246.562.24.1"))
	require.False(t, LooksValid("Virtanen"))
}

func TestHashIsDeterministicAndNormalised(t *testing.T) {
	t.Parallel()

	h, err := NewHasher("secret")
	require.NoError(t, err)
	require.Equal(t, h.Hash("131052-308T"), h.Hash(" 131052-308t"))
	require.Len(t, h.Hash("x"), 64)

	other, err := NewHasher("other")
	require.NoError(t, err)
	require.NotEqual(t, h.Hash("131052-308T"), other.Hash("131052-308T"))

	_, err = NewHasher("")
	require.Error(t, err)
}

func TestCipherRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)

	a, err := c.Encrypt("131052-308T")
	require.NoError(t, err)
	b, err := c.Encrypt("131052-308T")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	plain, err := c.Decrypt(a)
	require.NoError(t, err)
	require.Equal(t, "131052-308T", plain)

	otherKey, err := GenerateKey()
	require.NoError(t, err)
	other, err := NewCipher(otherKey)
	require.NoError(t, err)
	_, err = other.Decrypt(a)
	require.Error(t, err)

	_, err = NewCipher("c2hvcnQ=")
	require.Error(t, err)
}
