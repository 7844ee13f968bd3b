package toolprovider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveByName_PrefersExactNameOverSubstring(t *testing.T) {
	tools := []ToolSpec{{Name: "jupiter_quote"}, {Name: "some_quote_like_tool"}}

	name, ok := ResolveByName(tools, []string{"get_quote", "quote", "jupiter_quote"}, "quote")
	assert.True(t, ok)
	assert.Equal(t, "jupiter_quote", name, "an exact preferred-name match must win over substring fallback")
}

func TestResolveByName_FallsBackToSubstring(t *testing.T) {
	tools := []ToolSpec{{Name: "acme_execute_trade_v2"}}

	name, ok := ResolveByName(tools, []string{"swap", "execute_swap"}, "trade", "swap")
	assert.True(t, ok)
	assert.Equal(t, "acme_execute_trade_v2", name)
}

func TestResolveByName_NoMatch(t *testing.T) {
	tools := []ToolSpec{{Name: "unrelated_tool"}}

	_, ok := ResolveByName(tools, []string{"buy_token"}, "buy")
	assert.False(t, ok)
}
