package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeysAreDeterministic(t *testing.T) {
	assert.Equal(t, SessionKey("app", "user", "sess"), SessionKey("app", "user", "sess"))
	assert.Equal(t, EventKey("ev", "app", "user", "sess"), EventKey("ev", "app", "user", "sess"))
	assert.Equal(t, UserStateKey("app", "user"), UserStateKey("app", "user"))
	assert.Equal(t, "app", AppStateKey("app"))
	assert.Equal(t, "k", MetadataKey("k"))
}

func TestKeysAreInjective(t *testing.T) {
	// Naive separator joins collide on these; length prefixing must not.
	pairs := [][2][3]string{
		{{"a", "b", "c"}, {"a", "b:c", ""}},
		{{"a:b", "c", "d"}, {"a", "b:c", "d"}},
		{{"", "ab", "c"}, {"a", "b", "c"}},
		{{"a", "", "bc"}, {"a", "b", "c"}},
		{{"1:a", "b", "c"}, {"a", "1:b", "c"}},
	}
	for _, p := range pairs {
		left := SessionKey(p[0][0], p[0][1], p[0][2])
		right := SessionKey(p[1][0], p[1][1], p[1][2])
		assert.NotEqual(t, left, right, "tuples %v and %v must not collide", p[0], p[1])
	}
}

func TestKeyComponentsMayContainAnything(t *testing.T) {
	got := SessionKey("my app", "u:1", "s/2")
	want := "6:my app3:u:13:s/2"
	assert.Equal(t, want, got)
}
