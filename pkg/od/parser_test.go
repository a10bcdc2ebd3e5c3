package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultDictionaryParses(t *testing.T) {
	assert.NotNil(t, Default())
}

func BenchmarkParsers(b *testing.B) {
	b.Run("v1", func(b *testing.B) {
		for n := 0; n < b.N; n++ {
			_, err := Parse(rawDefaultOd, 0x10)
			assert.Nil(b, err)
		}
	})
	b.Run("v2", func(b *testing.B) {
		for n := 0; n < b.N; n++ {
			_, err := ParseV2(rawDefaultOd, 0x10)
			assert.Nil(b, err)
		}
	})
}
