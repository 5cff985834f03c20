package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc.def.ghi", BearerToken("Bearer abc.def.ghi"))
	assert.Equal(t, "abc", BearerToken("bearer abc"), "scheme comparison is case-insensitive")
	assert.Empty(t, BearerToken(""))
	assert.Empty(t, BearerToken("Bearer "))
	assert.Empty(t, BearerToken("Basic dXNlcjpwYXNz"))
	assert.Empty(t, BearerToken("abc.def.ghi"))
}

func TestSubprotocolToken(t *testing.T) {
	assert.Equal(t, "abc.def", SubprotocolToken("jwt.abc.def"))
	assert.Equal(t, "abc.def", SubprotocolToken("realtime.v1, jwt.abc.def"))
	assert.Equal(t, "abc", SubprotocolToken(" jwt.abc , realtime.v1"))
	assert.Empty(t, SubprotocolToken("realtime.v1"))
	assert.Empty(t, SubprotocolToken("jwt."))
	assert.Empty(t, SubprotocolToken(""))
}
