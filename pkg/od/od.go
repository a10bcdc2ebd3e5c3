package od

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
)

var _logger = slog.Default()

// ObjectDictionary is the in-memory form of a node's CiA 301 object
// dictionary: every [Entry] reachable by index or by EDS name, plus the raw
// EDS bytes it was built from (if any), kept around so a client can request
// the file itself over SDO block transfer.
type ObjectDictionary struct {
	logger   *slog.Logger
	rawOd    []byte
	byIndex  map[uint16]*Entry
	byName   map[string]*Entry
}

// NewReaderSeeker exposes the raw EDS this dictionary was parsed from, so it
// can be served back over SDO (e.g. object 0x1021, the "store EDS" entry).
func (od *ObjectDictionary) NewReaderSeeker() io.ReadSeeker {
	return bytes.NewReader(od.rawOd)
}

func (od *ObjectDictionary) addEntry(entry *Entry) {
	if _, exists := od.byIndex[entry.Index]; exists {
		entry.logger.Warn("overwritting entry")
	}
	od.byIndex[entry.Index] = entry
	od.byName[entry.Name] = entry
	entry.logger.Debug("adding entry", "objectType", OBJ_NAME_MAP[entry.ObjectType])
}

func (od *ObjectDictionary) addVariable(index uint16, variable *Variable) *Entry {
	entry := NewEntry(od.logger, index, variable.Name, variable, ObjectTypeVAR)
	od.addEntry(entry)
	return entry
}

// AddVariableType adds a VAR entry, with value given as a hex-literal string
// (e.g. "0x22" or "0x55555"). An existing entry at index is replaced.
func (od *ObjectDictionary) AddVariableType(
	index uint16,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Entry, error) {
	variable, err := NewVariable(0, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	return od.addVariable(index, variable), nil
}

// AddVariableList adds an ARRAY or RECORD entry, the object type taken from
// varList itself.
func (od *ObjectDictionary) AddVariableList(index uint16, name string, varList *VariableList) *Entry {
	entry := NewEntry(od.logger, index, name, varList, varList.objectType)
	od.addEntry(entry)
	return entry
}

// AddFile adds a DOMAIN entry backed by a file on disk; readMode/writeMode
// are the os.O_* flags allowed for that file (e.g. os.O_RDONLY to disallow
// writes).
func (od *ObjectDictionary) AddFile(index uint16, indexName string, filePath string, readMode int, writeMode int) {
	f := NewFileObject(filePath, od.logger, writeMode, readMode)
	entry, _ := od.AddVariableType(index, indexName, DOMAIN, AttributeSdoRw, "") // value is empty: cannot error
	entry.logger.Info("adding extension file i/o", "path", filePath)
	entry.AddExtension(f, ReadEntryFileObject, WriteEntryFileObject)
}

// AddReader adds a read-only DOMAIN entry backed by an arbitrary io.Reader,
// e.g. a pre-serialized EDS blob.
func (od *ObjectDictionary) AddReader(index uint16, indexName string, reader io.Reader) {
	entry, _ := od.AddVariableType(index, indexName, DOMAIN, AttributeSdoR, "") // value is empty: cannot error
	entry.logger.Info("adding extension reader")
	entry.AddExtension(reader, ReadEntryReader, WriteEntryDisabled)
}

// pdoCommParams builds the communication-parameter RECORD shared by RPDO and
// TPDO entries: highest sub-index, COB-ID, transmission type, inhibit time,
// a reserved byte, and event timer.
func pdoCommParams(kind string) *VariableList {
	rec := NewRecord()
	rec.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x5")
	rec.AddSubObject(1, fmt.Sprintf("COB-ID used by %s", kind), UNSIGNED32, AttributeSdoRw, "0x0")
	rec.AddSubObject(2, "Transmission type", UNSIGNED8, AttributeSdoRw, "0x0")
	rec.AddSubObject(3, "Inhibit time", UNSIGNED16, AttributeSdoRw, "0x0")
	rec.AddSubObject(4, "Reserved", UNSIGNED8, AttributeSdoRw, "0x0")
	rec.AddSubObject(5, "Event timer", UNSIGNED16, AttributeSdoRw, "0x0")
	return rec
}

// pdoMapParams builds the mapping-parameter RECORD: a mapped-object count
// followed by up to MaxMappedEntriesPdo mapping slots.
func pdoMapParams() *VariableList {
	rec := NewRecord()
	rec.AddSubObject(0, "Number of mapped application objects in PDO", UNSIGNED8, AttributeSdoRw, "0x0")
	for i := range MaxMappedEntriesPdo {
		rec.AddSubObject(i+1, fmt.Sprintf("Application object %d", i+1), UNSIGNED32, AttributeSdoRw, "0x0")
	}
	return rec
}

func (od *ObjectDictionary) addPDO(pdoNb uint16, isRPDO bool) error {
	offset := pdoNb - 1
	kind := "RPDO"
	if !isRPDO {
		offset += 0x400
		kind = "TPDO"
	}
	od.AddVariableList(EntryRPDOCommunicationStart+offset, fmt.Sprintf("%s communication parameter", kind), pdoCommParams(kind))
	od.AddVariableList(EntryRPDOMappingStart+offset, fmt.Sprintf("%s mapping parameter", kind), pdoMapParams())
	od.logger.Info("added new PDO oject to OD", "type", kind, "nb", pdoNb)
	return nil
}

// AddRPDO creates the communication and mapping parameter entries for RPDO
// number rpdoNb (1-512). It does not instantiate the running RPDO handler.
func (od *ObjectDictionary) AddRPDO(rpdoNb uint16) error {
	if rpdoNb < 1 || rpdoNb > 512 {
		return ErrDevIncompat
	}
	return od.addPDO(rpdoNb, true)
}

// AddTPDO creates the communication and mapping parameter entries for TPDO
// number tpdoNb (1-512). It does not instantiate the running TPDO handler.
func (od *ObjectDictionary) AddTPDO(tpdoNb uint16) error {
	if tpdoNb < 1 || tpdoNb > 512 {
		return ErrDevIncompat
	}
	return od.addPDO(tpdoNb, false)
}

// AddSYNC populates 0x1005, 0x1006, 0x1007 and 0x1019, with the producer
// disabled and the standard SYNC COB-ID (0x80) by default.
func (od *ObjectDictionary) AddSYNC() {
	od.AddVariableType(0x1005, "COB-ID SYNC message", UNSIGNED32, AttributeSdoRw, "0x80000080")
	od.AddVariableType(0x1006, "Communication cycle period", UNSIGNED32, AttributeSdoRw, "0x0")
	od.AddVariableType(0x1007, "Synchronous window length", UNSIGNED32, AttributeSdoRw, "0x0")
	od.AddVariableType(0x1019, "Synchronous counter overflow value", UNSIGNED8, AttributeSdoRw, "0x0")
	od.logger.Info("added new SYNC object to OD")
}

// Index looks an entry up by string name, int, uint or uint16. Unlike most
// lookups in this package it does not return an error, so it can be chained
// directly into SubIndex(); a miss returns nil.
func (od *ObjectDictionary) Index(index any) *Entry {
	switch ind := index.(type) {
	case string:
		return od.byName[ind]
	case int:
		return od.byIndex[uint16(ind)]
	case uint:
		return od.byIndex[uint16(ind)]
	case uint16:
		return od.byIndex[ind]
	default:
		return nil
	}
}

// Streamer builds a [Streamer] over the entry at (index, subindex); origin
// controls whether any installed extension is bypassed.
func (od *ObjectDictionary) Streamer(index uint16, subindex uint8, origin bool) (*Streamer, error) {
	entry := od.Index(index)
	streamer, err := NewStreamer(entry, subindex, origin)
	return streamer, err
}

// Entries exposes the full index -> entry map, e.g. for iterating every
// object when exporting an EDS.
func (od *ObjectDictionary) Entries() map[uint16]*Entry {
	return od.byIndex
}
