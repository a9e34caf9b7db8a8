package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name     string
		expected Type
	}{
		{"notifications", Public},
		{"private-orders", Private},
		{"presence-room", Presence},
		{"private-encrypted-secrets", PrivateEncrypted},
		{"privateers", Public},
		{"presence", Public},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, TypeOf(tt.name), tt.name)
	}
}

func TestTypeRules(t *testing.T) {
	assert.False(t, Public.RequiresAuth())
	assert.True(t, Private.RequiresAuth())
	assert.True(t, Presence.RequiresAuth())
	assert.True(t, PrivateEncrypted.RequiresAuth())

	assert.False(t, Public.AllowsClientEvents())
	assert.True(t, Private.AllowsClientEvents())
	assert.True(t, Presence.AllowsClientEvents())
	assert.True(t, PrivateEncrypted.AllowsClientEvents())
}

func TestIsCacheChannel(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"cache-news", true},
		{"private-cache-news", true},
		{"presence-cache-room", true},
		{"private-encrypted-cache-secrets", true},
		{"news", false},
		{"private-news", false},
		{"precache-news", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsCacheChannel(tt.name), tt.name)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("presence-room_1,x;y=z@host.tld", 200))
	assert.NoError(t, Validate("a", 0))

	assert.Error(t, Validate("", 200))
	assert.Error(t, Validate("has space", 200))
	assert.Error(t, Validate("emoji-\xf0\x9f\x98\x80", 200))
	assert.Error(t, Validate("slash/name", 200))
	assert.Error(t, Validate("abcdef", 5))
}
