package target

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	glueerr "github.com/jpoppe/libglue/internal/errors"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    Target
		wantErr bool
	}{
		{
			name: "full spec",
			spec: "deploy@web1.example.com:2222?key=/home/d/.ssh/id_ed25519",
			want: Target{User: "deploy", Host: "web1.example.com", Port: 2222, IdentityFile: "/home/d/.ssh/id_ed25519"},
		},
		{
			name: "host only",
			spec: "web1",
			want: Target{Host: "web1", Port: 22},
		},
		{
			name: "user and host",
			spec: "root@db1",
			want: Target{User: "root", Host: "db1", Port: 22},
		},
		{
			name: "ipv6 with port",
			spec: "admin@[::1]:2200",
			want: Target{User: "admin", Host: "::1", Port: 2200},
		},
		{name: "empty", spec: "   ", wantErr: true},
		{name: "bad port", spec: "web1:abc", wantErr: true},
		{name: "port out of range", spec: "web1:70000", wantErr: true},
		{name: "unclosed ipv6 bracket", spec: "[::1:22", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.User, got.User)
			assert.Equal(t, tt.want.Host, got.Host)
			assert.Equal(t, tt.want.Port, got.Port)
			assert.Equal(t, tt.want.IdentityFile, got.IdentityFile)
		})
	}
}

func TestParseList(t *testing.T) {
	targets, err := ParseList("a@h1, b@h2:23 ,, c@h3")
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, "h1", targets[0].Host)
	assert.Equal(t, 23, targets[1].Port)
	assert.Equal(t, "c", targets[2].User)
}

func TestParseReader(t *testing.T) {
	input := "# fleet\nroot@h1\n\nroot@h2:2222\n# trailing comment\n"
	targets, err := ParseReader(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "h1", targets[0].Host)
	assert.Equal(t, 2222, targets[1].Port)
}

type fakeGroups struct {
	groups map[string][]Target
}

func (f *fakeGroups) TargetsByGroup(name string) ([]Target, error) {
	ts, ok := f.groups[name]
	if !ok {
		return nil, assert.AnError
	}
	return ts, nil
}

func TestResolve(t *testing.T) {
	groups := &fakeGroups{groups: map[string][]Target{
		"web": {
			{User: "root", Host: "w1", Port: 22},
			{User: "root", Host: "w2", Port: 22},
		},
	}}
	r := NewResolver(groups)

	t.Run("mixed spec with dedup", func(t *testing.T) {
		targets, err := r.Resolve("@web,root@w1,root@db1", nil)
		require.NoError(t, err)
		require.Len(t, targets, 3)
		assert.Equal(t, []string{"w1", "w2", "db1"}, hosts(targets))
	})

	t.Run("exclusion", func(t *testing.T) {
		targets, err := r.Resolve("@web,root@db1", []string{"w2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"w1", "db1"}, hosts(targets))
	})

	t.Run("group exclusion", func(t *testing.T) {
		targets, err := r.Resolve("@web,root@db1", []string{"@web"})
		require.NoError(t, err)
		assert.Equal(t, []string{"db1"}, hosts(targets))
	})

	t.Run("undefined group", func(t *testing.T) {
		_, err := r.Resolve("@nope", nil)
		var re *glueerr.ResolutionError
		require.ErrorAs(t, err, &re)
	})

	t.Run("empty spec", func(t *testing.T) {
		_, err := r.Resolve("  ", nil)
		var re *glueerr.ResolutionError
		require.ErrorAs(t, err, &re)
	})

	t.Run("all excluded", func(t *testing.T) {
		_, err := r.Resolve("root@w1", []string{"w1"})
		var re *glueerr.ResolutionError
		require.ErrorAs(t, err, &re)
	})

	t.Run("idempotent", func(t *testing.T) {
		a, err := r.Resolve("@web,root@db1", nil)
		require.NoError(t, err)
		b, err := r.Resolve("@web,root@db1", nil)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestResolveGroupWithoutInventory(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve("@web", nil)
	var re *glueerr.ResolutionError
	require.ErrorAs(t, err, &re)
}

func hosts(targets []Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.Host
	}
	return out
}
