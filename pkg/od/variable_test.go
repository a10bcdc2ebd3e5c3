package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeFixedWidthTypes(t *testing.T) {
	cases := []struct {
		name     string
		value    string
		datatype uint8
		want     []byte
	}{
		{"u8", "0x10", UNSIGNED8, []byte{0x10}},
		{"u16", "0x10", UNSIGNED16, []byte{0x10, 0x00}},
		{"u32", "0x10", UNSIGNED32, []byte{0x10, 0x00, 0x00, 0x00}},
		{"i8", "0x20", INTEGER8, []byte{0x20}},
		{"i16", "0x20", INTEGER16, []byte{0x20, 0x00}},
		{"i32", "0x20", INTEGER32, []byte{0x20, 0x00, 0x00, 0x00}},
		{"bool", "0x1", BOOLEAN, []byte{0x1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded, err := Encode(c.value, c.datatype, 0)
			assert.Nil(t, err)
			assert.EqualValues(t, c.want, encoded)
		})
	}
}

func TestEncodeOutOfRangeFails(t *testing.T) {
	_, err := Encode("90000", UNSIGNED8, 0)
	assert.NotNil(t, err)
}
