package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAbbrev(t *testing.T) {
	assert.Equal(t, `"short"`, Abbrev("short", 80))

	long := ""
	for i := 0; i < 10; i++ {
		long += "0123456789"
	}
	abbreviated := Abbrev(long, 20)
	assert.Len(t, abbreviated, 21)
	assert.Contains(t, abbreviated, " ... ")
}

func TestAbbrevQuery(t *testing.T) {
	assert.Equal(t, `"/?query=SELECT * WHERE"`, AbbrevQuery("/%3Fquery%3DSELECT%20*%0AWHERE", 80))
}

func TestCompactWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", CompactWhitespace("a \n\t b   c"))
}
