package od

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

// buildSampleOD returns a small dictionary with one entry per data width
// plus a one-member RECORD, enough to exercise lookup-by-index and
// sub-object access without pulling in the full default EDS.
func buildSampleOD(t *testing.T) *ObjectDictionary {
	t.Helper()
	dict := NewOD()
	_, err := dict.AddVariableType(0x3016, "entry3016", UNSIGNED8, AttributeSdoRw, "0x10")
	assert.Nil(t, err)
	_, err = dict.AddVariableType(0x3017, "entry3017", UNSIGNED16, AttributeSdoRw, "0x20")
	assert.Nil(t, err)
	_, err = dict.AddVariableType(0x3018, "entry3018", UNSIGNED32, AttributeSdoRw, "0x30")
	assert.Nil(t, err)

	record := NewRecord()
	_, err = record.AddSubObject(0, "sub0", UNSIGNED8, AttributeSdoRw, "0x11")
	assert.Nil(t, err)
	dict.AddVariableList(0x3030, "entry3030", record)
	return dict
}

func TestIndexLookup(t *testing.T) {
	dict := buildSampleOD(t)

	assert.Nil(t, dict.Index(0x1118))

	entry := dict.Index(0x3016)
	if assert.NotNil(t, entry) {
		variable, err := entry.SubIndex(0)
		assert.Nil(t, err)
		assert.NotNil(t, variable)
	}
}

func TestEntryTypedAccessors(t *testing.T) {
	dict := Default()

	entry := dict.Index(0x2003)
	if !assert.NotNil(t, entry) {
		return
	}
	value, err := entry.Uint16(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x4444, value)

	_, err = entry.Uint8(0)
	assert.Equal(t, ErrTypeMismatch, err)
}

func TestSDOClientParameterEntry(t *testing.T) {
	dict := Default()
	entry := dict.Index(0x1280)
	assert.NotNil(t, entry)
	_, err := NewStreamer(entry, 0, true)
	assert.Nil(t, err)
}

func TestDisabledExtensionRejectsAccess(t *testing.T) {
	dict := Default()
	entry := dict.Index(0x2001)
	assert.NotNil(t, entry)

	entry.extension = &extension{read: ReadEntryDisabled, write: WriteEntryDisabled}
	streamer, err := NewStreamer(entry, 0, false)
	assert.Nil(t, err)

	_, err = streamer.Read([]byte{0})
	assert.Equal(t, ErrUnsuppAccess, err)

	var countWrite uint16
	err = streamer.reader(&streamer.Stream, []byte{0}, &countWrite)
	assert.Equal(t, ErrUnsuppAccess, err)
}

func TestAddRPDOCreatesCommAndMapEntries(t *testing.T) {
	dict := NewOD()
	assert.Nil(t, dict.AddRPDO(1))
	assert.NotNil(t, dict.Index(EntryRPDOCommunicationStart))
	assert.NotNil(t, dict.Index(EntryRPDOMappingStart))
}

func TestAddReaderInstallsExtension(t *testing.T) {
	dict := NewOD()
	dict.AddReader(0x1, "hello", bytes.NewReader(make([]byte, 10)))
	entry := dict.Index(0x1)
	assert.NotNil(t, entry)
	assert.NotNil(t, entry.Extension())
}
