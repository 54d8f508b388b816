package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunes(t *testing.T) {
	assert.Equal(t, 0, Runes{}.Count(""))
	assert.Equal(t, 5, Runes{}.Count("fever"))
	assert.Equal(t, 4, Runes{}.Count("héhé"))
}

func TestNewEmptyEncodingUsesRunes(t *testing.T) {
	c, err := New("")
	assert.NoError(t, err)
	assert.IsType(t, Runes{}, c)
}

func TestNewUnknownEncodingFallsBack(t *testing.T) {
	c, err := New("no_such_encoding")
	assert.Error(t, err)
	assert.IsType(t, Runes{}, c)
	assert.Equal(t, 3, c.Count("abc"))
}
