package od

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/ini.v1"
)

// ExportEDS serializes odict back to an EDS/INI file at filename. With
// defaultValues set, each object's power-on default is written instead of
// its current value (useful for shipping a template EDS after configuring a
// node interactively). The result isn't a fully CiA-306-compliant EDS, but
// is exactly what [Parse] can read back.
func ExportEDS(odict *ObjectDictionary, defaultValues bool, filename string) error {
	eds := ini.Empty()
	for _, index := range sortedIndexes(odict) {
		entry := odict.byIndex[index]
		if err := writeEntrySections(eds, index, entry, defaultValues); err != nil {
			return err
		}
	}
	return eds.SaveTo(filename)
}

func sortedIndexes(odict *ObjectDictionary) []uint16 {
	indexes := make([]uint16, 0, len(odict.byIndex))
	for index := range odict.byIndex {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes
}

// writeEntrySections writes one EDS section for a VAR/DOMAIN entry, or a
// header section plus one "<index>sub<n>" section per member for an
// ARRAY/RECORD entry.
func writeEntrySections(eds *ini.File, index uint16, entry *Entry, defaultValues bool) error {
	header := strconv.FormatUint(uint64(index), 16)

	if entry.SubCount() == 1 {
		variable, ok := entry.object.(*Variable)
		if !ok {
			return fmt.Errorf("[OD] expecting a variable type at %x", index)
		}
		section, err := eds.NewSection(header)
		if err != nil {
			return err
		}
		if err := populateSection(section, index, variable, entry.ObjectType, defaultValues); err != nil {
			return fmt.Errorf("[OD] error populating section index at %x : %v", index, err)
		}
		return nil
	}

	list, ok := entry.object.(*VariableList)
	if !ok {
		return fmt.Errorf("[OD] expecting a variable list type at %x", index)
	}
	headerSection, err := eds.NewSection(header)
	if err != nil {
		return err
	}
	if err := populateHeaderSection(headerSection, entry.Name, list.objectType, uint8(entry.SubCount())); err != nil {
		return err
	}
	for sub, variable := range list.Variables {
		section, err := eds.NewSection(header + "sub" + strconv.FormatUint(uint64(sub), 16))
		if err != nil {
			return err
		}
		if err := populateSection(section, index, variable, entry.ObjectType, defaultValues); err != nil {
			return fmt.Errorf("[OD] error populating section index at %x|%x : %v", index, sub, err)
		}
	}
	return nil
}

// populateSection fills ParameterName/ObjectType/DataType/AccessType/
// DefaultValue for a single variable, encoding the value as hex for
// indexes in the communication profile range (0x1000-0x1FFF) and decimal
// elsewhere, matching how most EDS files in the wild are written.
func populateSection(section *ini.Section, index uint16, variable *Variable, objectType uint8, defaultValues bool) error {
	keys := [][2]string{
		{"ParameterName", variable.Name},
		{"ObjectType", "0x" + strconv.FormatUint(uint64(objectType), 16)},
		{"DataType", "0x" + strconv.FormatUint(uint64(variable.DataType), 16)},
		{"AccessType", DecodeAttribute(variable.Attribute)},
	}
	for _, kv := range keys {
		if _, err := section.NewKey(kv[0], kv[1]); err != nil {
			return err
		}
	}

	raw := variable.value
	if defaultValues {
		raw = variable.valueDefault
	}
	base := 10
	prefix := ""
	if index >= 0x1000 && index <= 0x1FFF {
		base = 16
		prefix = "0x"
	}
	decoded, err := DecodeToString(raw, variable.DataType, base)
	if err != nil {
		return err
	}
	_, err = section.NewKey("DefaultValue", prefix+decoded)
	return err
}

// populateHeaderSection writes the header of a multi-member RECORD/ARRAY
// section, e.g.:
//
//	[1A03]
//	ParameterName=TPDO mapping parameter
//	ObjectType=0x9
//	SubNumber=0x9
func populateHeaderSection(section *ini.Section, name string, objectType uint8, count uint8) error {
	keys := [][2]string{
		{"ParameterName", name},
		{"ObjectType", "0x" + strconv.FormatUint(uint64(objectType), 16)},
		{"SubNumber", "0x" + strconv.FormatUint(uint64(count), 16)},
	}
	for _, kv := range keys {
		if _, err := section.NewKey(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}
