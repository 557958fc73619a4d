package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpoppe/libglue/internal/target"
)

func fleet() []target.Target {
	return []target.Target{
		{Host: "web1.example.com", Tags: []string{"web", "prod"}, Properties: map[string]string{"env": "production"}},
		{Host: "web2.example.com", Tags: []string{"web", "canary"}, Properties: map[string]string{"env": "staging"}},
		{Host: "db1.internal", Tags: []string{"db", "prod"}, Properties: map[string]string{"env": "production"}},
	}
}

func TestTagFilter(t *testing.T) {
	kept := Apply(fleet(), &TagFilter{Required: []string{"web"}})
	require.Len(t, kept, 2)

	kept = Apply(fleet(), &TagFilter{Required: []string{"web"}, Excluded: []string{"canary"}})
	require.Len(t, kept, 1)
	assert.Equal(t, "web1.example.com", kept[0].Host)
}

func TestPropertyFilter(t *testing.T) {
	kept := Apply(fleet(), &PropertyFilter{Property: "env", Value: "production"})
	require.Len(t, kept, 2)
}

func TestHostFilter(t *testing.T) {
	kept := Apply(fleet(), &HostFilter{Pattern: "*.example.com"})
	require.Len(t, kept, 2)

	kept = Apply(fleet(), &HostFilter{Pattern: "db1.internal"})
	require.Len(t, kept, 1)
}

func TestParseExpression(t *testing.T) {
	filters, err := ParseExpression("tag:web !tag:canary property:env=production host:*.example.com")
	require.NoError(t, err)
	require.Len(t, filters, 4)

	kept := Apply(fleet(), filters...)
	require.Len(t, kept, 1)
	assert.Equal(t, "web1.example.com", kept[0].Host)
}

func TestParseExpressionErrors(t *testing.T) {
	_, err := ParseExpression("property:env")
	assert.Error(t, err)

	_, err = ParseExpression("bogus:x")
	assert.Error(t, err)
}

func TestEmptyExpression(t *testing.T) {
	filters, err := ParseExpression("   ")
	require.NoError(t, err)
	assert.Nil(t, filters)
	assert.Len(t, Apply(fleet(), filters...), 3)
}
