package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notify struct {
	URL     string
	Headers map[string]string
}

type cfg struct {
	Limit   int64
	Window  time.Duration
	Message string
	Tags    []string
	Notify  notify
	Hook    func() string
}

func TestResolve_PrefixWildcard(t *testing.T) {
	global := cfg{Limit: 100}
	routes := []Route[cfg]{{Pattern: "/api/admin/*", Config: cfg{Limit: 20}}}

	got, err := Resolve(global, routes, "/api/admin/users")
	require.NoError(t, err)
	assert.EqualValues(t, 20, got.Limit)

	got, err = Resolve(global, routes, "/api/public")
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.Limit)
}

func TestResolve_ExactBeatsWildcard(t *testing.T) {
	routes := []Route[cfg]{
		{Pattern: "*", Config: cfg{Limit: 5}},
		{Pattern: "/x", Config: cfg{Limit: 9}},
	}

	got, err := Resolve(cfg{Limit: 100}, routes, "/x")
	require.NoError(t, err)
	assert.EqualValues(t, 9, got.Limit)

	got, err = Resolve(cfg{Limit: 100}, routes, "/y")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.Limit)
}

func TestMatchRoute_FirstWildcardInOrderWins(t *testing.T) {
	routes := []Route[cfg]{
		{Pattern: "/api/*", Config: cfg{Limit: 50}},
		{Pattern: "/api/admin/*", Config: cfg{Limit: 20}},
	}

	i, ok := MatchRoute(routes, "/api/admin/users")
	require.True(t, ok)
	assert.Equal(t, 0, i, "position beats specificity")

	routes = []Route[cfg]{
		{Pattern: "/api/admin/*", Config: cfg{Limit: 20}},
		{Pattern: "*", Config: cfg{Limit: 1}},
	}
	i, ok = MatchRoute(routes, "/api/admin/users")
	require.True(t, ok)
	assert.Equal(t, 0, i)

	i, ok = MatchRoute(routes, "/other")
	require.True(t, ok)
	assert.Equal(t, 1, i)
}

func TestMatchRoute_NoMatch(t *testing.T) {
	routes := []Route[cfg]{
		{Pattern: "/api/*", Config: cfg{Limit: 50}},
		{Pattern: "/api", Config: cfg{Limit: 50}},
		{Pattern: "/apix*", Config: cfg{Limit: 50}},
	}
	_, ok := MatchRoute(routes, "/apix/y")
	assert.False(t, ok)

	_, ok = MatchRoute[cfg](nil, "/")
	assert.False(t, ok)
}

func TestMerge_Rules(t *testing.T) {
	base := cfg{
		Limit:   100,
		Window:  time.Minute,
		Message: "base",
		Tags:    []string{"a", "b"},
		Notify:  notify{URL: "http://base", Headers: map[string]string{"X-A": "1", "X-B": "2"}},
		Hook:    func() string { return "base" },
	}
	override := cfg{
		Limit:  7,
		Tags:   []string{"c"},
		Notify: notify{Headers: map[string]string{"X-B": "override", "X-C": "3"}},
		Hook:   func() string { return "override" },
	}

	got, err := Merge(base, override)
	require.NoError(t, err)

	assert.EqualValues(t, 7, got.Limit)
	assert.Equal(t, time.Minute, got.Window)
	assert.Equal(t, "base", got.Message)
	assert.Equal(t, []string{"c"}, got.Tags, "lists are replaced, never concatenated")
	assert.Equal(t, "http://base", got.Notify.URL)
	assert.Equal(t, map[string]string{"X-A": "1", "X-B": "override", "X-C": "3"}, got.Notify.Headers)
	require.NotNil(t, got.Hook)
	assert.Equal(t, "override", got.Hook())
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	base := cfg{Notify: notify{Headers: map[string]string{"X-A": "1"}}}
	override := cfg{Notify: notify{Headers: map[string]string{"X-B": "2"}}}

	_, err := Merge(base, override)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"X-A": "1"}, base.Notify.Headers)
	assert.Equal(t, map[string]string{"X-B": "2"}, override.Notify.Headers)
}

func TestMerge_KeepsBaseFuncWhenOverrideHasNone(t *testing.T) {
	base := cfg{Hook: func() string { return "base" }}
	got, err := Merge(base, cfg{Limit: 1})
	require.NoError(t, err)
	require.NotNil(t, got.Hook)
	assert.Equal(t, "base", got.Hook())
}
