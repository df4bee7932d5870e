package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKeyDeterministic(t *testing.T) {
	h1 := HashKey("opai_test123")
	h2 := HashKey("opai_test123")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, HashKey("opai_test124"))
}

func TestParseAuthHeader(t *testing.T) {
	key, err := ParseAuthHeader("Bearer opai_abc123")
	require.NoError(t, err)
	assert.Equal(t, "opai_abc123", key)

	key, err = ParseAuthHeader("opai_abc123")
	require.NoError(t, err)
	assert.Equal(t, "opai_abc123", key)

	_, err = ParseAuthHeader("")
	assert.Error(t, err)

	_, err = ParseAuthHeader("Bearer   ")
	assert.Error(t, err)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "***", MaskKey("short"))
	masked := MaskKey("opai_abcdefghijklmnop")
	assert.Equal(t, "opai_abc...mnop", masked)
	assert.NotContains(t, masked, "defghijkl")
}

func TestAllowsModel(t *testing.T) {
	acct := &AccountContext{AllowedModels: []string{"gpt-4o", "claude-sonnet"}}
	assert.True(t, acct.AllowsModel("gpt-4o"))
	assert.False(t, acct.AllowsModel("gemini-pro"))

	empty := &AccountContext{}
	assert.False(t, empty.AllowsModel("gpt-4o"))
}
