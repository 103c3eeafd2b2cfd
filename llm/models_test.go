package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"system":    RoleSystem,
		"user":      RoleUser,
		"human":     RoleUser,
		"assistant": RoleAssistant,
		"ai":        RoleAssistant,
		"  User  ":  RoleUser,
		"ASSISTANT": RoleAssistant,
	}
	for raw, want := range cases {
		got, err := ParseRole(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseRole("narrator")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message role")

	_, err = ParseRole("")
	assert.Error(t, err)
}

func TestRoleWireValue(t *testing.T) {
	assert.Equal(t, "system", RoleSystem.wireValue())
	assert.Equal(t, "user", RoleUser.wireValue())
	assert.Equal(t, "assistant", RoleAssistant.wireValue())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens("", ""))
	assert.Equal(t, int64(2), EstimateTokens("ab", "cdefgh"))
	question := "What does the quarterly report say?"
	answer := "The quarterly report covers revenue growth across all regions."
	assert.Equal(t, int64(len(question)+len(answer))/4, EstimateTokens(question, answer))
}

func TestTotalTokensUsed(t *testing.T) {
	assert.Equal(t, int64(0), TotalTokensUsed(nil))
	assert.Equal(t, int64(30), TotalTokensUsed(&ChatUsage{PromptTokens: 10, CompletionTokens: 20}))
}
