package od

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamerSubIndexBounds(t *testing.T) {
	dict := buildSampleOD(t)

	variableEntry := dict.Index(0x3018)
	assert.NotNil(t, variableEntry)
	_, err := NewStreamer(variableEntry, 1, true)
	assert.Equal(t, ErrSubNotExist, err)
	_, err = NewStreamer(variableEntry, 0, true)
	assert.Nil(t, err)

	recordEntry := dict.Index(0x3030)
	_, err = NewStreamer(recordEntry, 0, true)
	assert.Nil(t, err)
	_, err = NewStreamer(recordEntry, 10, true)
	assert.Equal(t, ErrSubNotExist, err)
}

func TestStreamerImplementsReader(t *testing.T) {
	dict := Default()
	entry := dict.Index(0x1021)
	assert.NotNil(t, entry)

	streamer, err := NewStreamer(entry, 0, true)
	assert.Nil(t, err)

	dst := bytes.NewBuffer(make([]byte, 1000))
	n, err := io.CopyN(dst, streamer, 1)
	assert.Nil(t, err)
	assert.EqualValues(t, 1, n)
}
