package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExportRoundTrip writes the default dictionary out as an EDS and
// re-parses it, checking that every entry's name and stored value survive
// the round trip.
func TestExportRoundTrip(t *testing.T) {
	original := Default()
	path := t.TempDir() + "/roundtrip.eds"

	assert.Nil(t, ExportEDS(original, false, path))

	reloaded, err := Parse(path, 0x10)
	assert.Nil(t, err)

	for index, entry := range original.byIndex {
		other, ok := reloaded.byIndex[index]
		if !assert.True(t, ok, "missing index %x after round trip", index) {
			continue
		}
		assert.Equal(t, entry.Name, other.Name)

		variable, ok := entry.object.(*Variable)
		if !ok {
			continue
		}
		reloadedVariable, ok := other.object.(*Variable)
		if assert.True(t, ok) {
			assert.Equal(t, variable.value, reloadedVariable.value)
		}
	}
}
