package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntToString(t *testing.T) {
	assert.Equal(t, "42", IntToString(42))
	assert.Equal(t, "-7", IntToString(-7))
}

func TestToJsonString(t *testing.T) {
	assert.Equal(t, `{"method":"ping"}`, ToJsonString(map[string]string{"method": "ping"}))
	assert.Equal(t, "", ToJsonString(make(chan int)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))
}

func TestContains(t *testing.T) {
	assert.True(t, Contains([]int{10, 25, 100}, 25))
	assert.False(t, Contains([]string{"book"}, "trade"))
}
