package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := CRC16(0)
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestBlockMatchesRepeatedSingle(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0xFF, 0x00, 0xAB}

	viaBlock := CRC16(0)
	viaBlock.Block(data)

	viaSingle := CRC16(0)
	for _, b := range data {
		viaSingle.Single(b)
	}

	assert.Equal(t, viaSingle, viaBlock)
}

func TestBlockEmpty(t *testing.T) {
	crc := CRC16(0x1234)
	crc.Block(nil)
	assert.EqualValues(t, 0x1234, crc)
}

func TestBlockSplitAcrossCalls(t *testing.T) {
	data := []byte("CANopen block transfer")

	whole := CRC16(0)
	whole.Block(data)

	split := CRC16(0)
	split.Block(data[:10])
	split.Block(data[10:])

	assert.Equal(t, whole, split)
}
