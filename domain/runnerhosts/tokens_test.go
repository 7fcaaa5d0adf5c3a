package runnerhosts

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrollTokenRoundTrip(t *testing.T) {
	id := uuid.NewString()
	secret := newSecret("")

	token := FormatEnrollToken(id, secret)
	require.NotEmpty(t, token)
	assert.GreaterOrEqual(t, len(token), 30)
	assert.True(t, strings.HasPrefix(token, "enr_"))

	gotID, gotSecret, err := ParseEnrollToken(token)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, secret, gotSecret)
}

func TestParseEnrollTokenRejectsMalformedInput(t *testing.T) {
	for _, token := range []string{
		"",
		"enr_",
		"enr_nothex.secret",
		"enr_deadbeef.secret", // id half too short
		"rs_" + strings.Repeat("a", 32) + ".secret",
		FormatEnrollToken(uuid.NewString(), ""),
	} {
		_, _, err := ParseEnrollToken(token)
		assert.Error(t, err, "token %q should not parse", token)
	}
}

func TestHashSecretVerifies(t *testing.T) {
	secret := NewRunnerSecret()
	assert.True(t, strings.HasPrefix(secret, "rs_"))

	hash, err := HashSecret(secret)
	require.NoError(t, err)
	assert.NotContains(t, hash, secret)

	assert.True(t, VerifySecret(hash, secret))
	assert.False(t, VerifySecret(hash, secret+"x"))
	assert.False(t, VerifySecret(hash, NewRunnerSecret()))
}

func TestRotatedSecretsDiffer(t *testing.T) {
	s1 := NewRunnerSecret()
	s2 := NewRunnerSecret()
	assert.NotEqual(t, s1, s2)

	h2, err := HashSecret(s2)
	require.NoError(t, err)
	assert.True(t, VerifySecret(h2, s2))
	assert.False(t, VerifySecret(h2, s1))
}
