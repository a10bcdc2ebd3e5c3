package od

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"strings"

	"gopkg.in/ini.v1"
)

// Entry is one addressable object inside an [ObjectDictionary]: everything
// reachable at a given index. Per CiA 301 its underlying object is one of:
//   - VAR or DOMAIN, backed by a single [Variable]
//   - ARRAY or RECORD, backed by a [VariableList] of sub-objects, each a
//     [Variable] in its own right
type Entry struct {
	logger *slog.Logger

	Index      uint16
	Name       string
	ObjectType uint8

	object    any // *Variable or *VariableList
	extension *extension

	// maps an EDS sub-object name to its numeric subindex, populated while
	// parsing ARRAY/RECORD sections so SubIndex("name") can resolve them.
	subNameToIndex map[string]uint8
}

func NewEntry(logger *slog.Logger, index uint16, name string, object any, objectType uint8) *Entry {
	return &Entry{
		logger:         logger.With("index", fmt.Sprintf("x%x", index), "name", name),
		Index:          index,
		Name:           name,
		object:         object,
		ObjectType:     objectType,
		subNameToIndex: map[string]uint8{},
	}
}

// SubIndex resolves subIndex (a string, int or uint8) against this entry and
// returns the matching [Variable]. A VAR/DOMAIN entry only accepts subindex 0
// (or the empty string); ARRAY/RECORD entries look the subindex up in their
// [VariableList].
func (entry *Entry) SubIndex(subIndex any) (*Variable, error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	switch object := entry.object.(type) {
	case *Variable:
		if subIndex != "" {
			if sub, err := entry.resolveSubIndex(subIndex); err != nil || sub != 0 {
				return nil, ErrSubNotExist
			}
		}
		return object, nil
	case *VariableList:
		sub, err := entry.resolveSubIndex(subIndex)
		if err != nil {
			return nil, err
		}
		return object.GetSubObject(sub)
	default:
		return nil, ErrDevIncompat
	}
}

// resolveSubIndex normalizes the accepted subIndex argument kinds down to a
// single uint8, looking names up against subNameToIndex.
func (entry *Entry) resolveSubIndex(subIndex any) (uint8, error) {
	switch sub := subIndex.(type) {
	case string:
		index, ok := entry.subNameToIndex[sub]
		if !ok {
			return 0, ErrSubNotExist
		}
		return index, nil
	case int:
		if sub < 0 || sub >= 256 {
			return 0, ErrDevIncompat
		}
		return uint8(sub), nil
	case uint8:
		return sub, nil
	default:
		return 0, ErrDevIncompat
	}
}

// addSectionMember appends one EDS "<index>sub<n>" section as a named member
// of an ARRAY/RECORD entry. ARRAY members are placed at their fixed
// subindex slot; RECORD members are appended in parse order.
func (entry *Entry) addSectionMember(section *ini.Section, name string, nodeId uint8, subIndex uint8) error {
	list, ok := entry.object.(*VariableList)
	if !ok {
		return fmt.Errorf("cannot add member to type : %T", entry.object)
	}
	variable, err := NewVariableFromSection(section, name, nodeId, entry.Index, subIndex)
	if err != nil {
		return err
	}
	switch entry.ObjectType {
	case ObjectTypeARRAY:
		list.Variables[subIndex] = variable
	case ObjectTypeRECORD:
		list.Variables = append(list.Variables, variable)
	default:
		return fmt.Errorf("add member not supported for ObjectType : %v", entry.ObjectType)
	}
	entry.subNameToIndex[name] = subIndex
	return nil
}

// AddExtension installs custom read/write behaviour for this entry, used
// throughout the protocol packages to hook OD writes (SDO server params,
// heartbeat period, PDO mapping, ...) instead of polling for changes. The
// stock behaviour lives in [ReadEntryDefault] and [WriteEntryDefault].
func (entry *Entry) AddExtension(object any, read StreamReader, write StreamWriter) {
	entry.logger.Debug("added extension",
		"read", funcName(read),
		"write", funcName(write),
	)
	entry.extension = &extension{object: object, read: read, write: write}
}

// SubCount reports how many sub-objects this entry has. VAR/DOMAIN entries
// always report 1.
func (entry *Entry) SubCount() int {
	switch object := entry.object.(type) {
	case *Variable:
		return 1
	case *VariableList:
		return len(object.Variables)
	default:
		entry.logger.Error("invalid entry", "type", fmt.Sprintf("%T", entry.object))
		return 1
	}
}

func (entry *Entry) Extension() *extension {
	return entry.extension
}

func (entry *Entry) FlagPDOByte(subIndex byte) *uint8 {
	return &entry.extension.flagsPDO[subIndex>>3]
}

// readTyped resolves subIndex and hands the underlying [Variable] to extract,
// collapsing the Uint8/Uint16/Uint32/Uint64 accessors below into one path.
func readTyped[T any](entry *Entry, subIndex uint8, extract func(*Variable) (T, error)) (T, error) {
	var zero T
	sub, err := entry.SubIndex(subIndex)
	if err != nil {
		return zero, err
	}
	return extract(sub)
}

func (entry *Entry) Uint8(subIndex uint8) (uint8, error) {
	return readTyped(entry, subIndex, (*Variable).Uint8)
}

func (entry *Entry) Uint16(subIndex uint8) (uint16, error) {
	return readTyped(entry, subIndex, (*Variable).Uint16)
}

func (entry *Entry) Uint32(subIndex uint8) (uint32, error) {
	return readTyped(entry, subIndex, (*Variable).Uint32)
}

func (entry *Entry) Uint64(subIndex uint8) (uint64, error) {
	return readTyped(entry, subIndex, (*Variable).Uint64)
}

// putFixed writes a fixed-width little-endian encoded value, used by the
// PutUint* family below.
func (entry *Entry) putFixed(subIndex uint8, b []byte, origin bool) error {
	return entry.WriteExactly(subIndex, b, origin)
}

func (entry *Entry) PutUint8(subIndex uint8, value uint8, origin bool) error {
	return entry.putFixed(subIndex, []byte{value}, origin)
}

func (entry *Entry) PutUint16(subIndex uint8, value uint16, origin bool) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return entry.putFixed(subIndex, b, origin)
}

func (entry *Entry) PutUint32(subIndex uint8, value uint32, origin bool) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return entry.putFixed(subIndex, b, origin)
}

func (entry *Entry) PutUint64(subIndex uint8, value uint64, origin bool) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, value)
	return entry.putFixed(subIndex, b, origin)
}

// ReadExactly reads exactly len(b) bytes at subIndex, erroring out on any
// length mismatch rather than short-reading. origin bypasses any installed
// extension, reading the raw stored bytes.
func (entry *Entry) ReadExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Read(b)
	return err
}

// WriteExactly writes exactly len(b) bytes at subIndex. origin bypasses any
// installed extension.
func (entry *Entry) WriteExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Write(b)
	return err
}

// funcName returns the unqualified name of a function value, used only for
// logging which extension hooks got installed on an entry.
func funcName(f any) string {
	full := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
	parts := strings.Split(full, ".")
	return parts[len(parts)-1]
}
