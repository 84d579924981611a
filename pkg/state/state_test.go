package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name        string
		delta       map[string]any
		wantApp     map[string]any
		wantUser    map[string]any
		wantSession map[string]any
	}{
		{
			name:        "empty delta",
			delta:       map[string]any{},
			wantApp:     map[string]any{},
			wantUser:    map[string]any{},
			wantSession: map[string]any{},
		},
		{
			name: "all three scopes",
			delta: map[string]any{
				"app:theme": "dark",
				"user:lang": "en",
				"greeting":  "hi",
			},
			wantApp:     map[string]any{"theme": "dark"},
			wantUser:    map[string]any{"lang": "en"},
			wantSession: map[string]any{"greeting": "hi"},
		},
		{
			name:        "bare prefix keys keep empty remainder",
			delta:       map[string]any{"app:": 1, "user:": 2},
			wantApp:     map[string]any{"": 1},
			wantUser:    map[string]any{"": 2},
			wantSession: map[string]any{},
		},
		{
			name:        "prefix only matches at key start",
			delta:       map[string]any{"my-app:setting": "x"},
			wantApp:     map[string]any{},
			wantUser:    map[string]any{},
			wantSession: map[string]any{"my-app:setting": "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, user, session := Route(tt.delta)
			assert.Equal(t, tt.wantApp, app)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantSession, session)
		})
	}
}

func TestRouteDoesNotMutateInput(t *testing.T) {
	delta := map[string]any{"app:a": 1, "b": 2}
	Route(delta)
	assert.Equal(t, map[string]any{"app:a": 1, "b": 2}, delta)
}

func TestRouteMergeRoundTrip(t *testing.T) {
	deltas := []map[string]any{
		{},
		{"k": "v"},
		{"app:theme": "dark", "user:lang": "en", "greeting": "hi"},
		{"app:": "bare", "user:": "bare", "": "empty session key"},
		{"app:nested": map[string]any{"x": 1}, "count": 3},
	}

	for _, delta := range deltas {
		app, user, session := Route(delta)
		require.Equal(t, delta, Merge(app, user, session))
	}
}

func TestMergeKeepsFragmentsDistinct(t *testing.T) {
	merged := Merge(
		map[string]any{"theme": "dark"},
		map[string]any{"theme": "light"},
		map[string]any{"theme": "local"},
	)

	assert.Equal(t, map[string]any{
		"app:theme":  "dark",
		"user:theme": "light",
		"theme":      "local",
	}, merged)
}

func TestWithoutTemp(t *testing.T) {
	delta := map[string]any{
		"temp:scratch": "gone",
		"temp:":        "gone too",
		"app:kept":     1,
		"kept":         2,
	}

	got := WithoutTemp(delta)
	assert.Equal(t, map[string]any{"app:kept": 1, "kept": 2}, got)
	// input untouched
	assert.Contains(t, delta, "temp:scratch")
}
