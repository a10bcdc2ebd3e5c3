package od

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	matchIdxRegExp    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})sub([0-9A-Fa-f]+)$`)
	nodeIdPlaceholder = regexp.MustCompile(`\+?\$NODEID\+?`)
)

// pendingSection accumulates the key=value pairs of whichever EDS section
// the scanner is currently inside, so they can all be applied at once once
// the closing "]" of the *next* section is seen.
type pendingSection struct {
	parameterName string
	defaultValue  string
	objectType    string
	pdoMapping    string
	lowLimit      string
	highLimit     string
	subNumber     string
	accessType    string
	dataType      string
}

func (p *pendingSection) reset() { *p = pendingSection{} }

func (p *pendingSection) setField(key, value string) {
	switch key {
	case "ParameterName":
		p.parameterName = value
	case "ObjectType":
		p.objectType = value
	case "SubNumber":
		p.subNumber = value
	case "AccessType":
		p.accessType = value
	case "DataType":
		p.dataType = value
	case "LowLimit":
		p.lowLimit = value
	case "HighLimit":
		p.highLimit = value
	case "DefaultValue":
		p.defaultValue = value
	case "PDOMapping":
		p.pdoMapping = value
	}
}

// ParseV2 is a streaming alternative to [Parse], about 10x faster, with one
// caveat: it requires EDS sections to appear in increasing, non-interleaved
// order, e.g.:
//
//	[1000]
//	[1000sub0]
//	[1001]
//	[1001sub0]
//
// and NOT sections from two different indexes interleaved (e.g. 1000,
// 1000sub0, 1001sub0, 1000sub1, 1001) — a section is only committed to the
// dictionary once the next section header is reached, so out-of-order input
// silently attaches values to the wrong entry.
//
// Remaining bottlenecks: regexp matching per line, and the string
// conversions needed because values are scanned as text even though they
// end up re-encoded to bytes.
func ParseV2(file any, nodeId uint8) (*ObjectDictionary, error) {
	buf, err := readAllBytes(file)
	if err != nil {
		return nil, err
	}

	od := NewOD()
	od.rawOd = buf
	scanner := bufio.NewScanner(bytes.NewReader(buf))

	var (
		pending    pendingSection
		entry      = &Entry{}
		list       = &VariableList{}
		inEntry    = false
		inSubEntry = false
		subindex   uint8
	)

	for scanner.Scan() {
		line := trimSpaces(scanner.Bytes())
		if len(line) == 0 || line[0] == ';' || line[0] == '#' {
			continue
		}

		if line[0] == '[' && line[len(line)-1] == ']' {
			if len(line) < 4 {
				continue
			}

			newList, err := commitPending(od, entry, list, &pending, inEntry, inSubEntry, nodeId, subindex)
			if err != nil {
				return nil, err
			}
			if newList != nil {
				list = newList
			}

			inEntry, inSubEntry = false, false
			sectionBytes := line[1 : len(line)-1]
			subSection := sectionBytes[4:]

			switch {
			case len(subSection) < 4 && matchIdxRegExp.Match(sectionBytes):
				idx, err := strconv.ParseUint(string(sectionBytes), 16, 16)
				if err != nil {
					return nil, err
				}
				inEntry = true
				entry = &Entry{
					Index:          uint16(idx),
					logger:         od.logger,
					subNameToIndex: map[string]uint8{},
				}
				od.byIndex[uint16(idx)] = entry

			case matchSubidxRegExp.Match(sectionBytes):
				// TODO we could get entry to double check if ever something is out of order
				inSubEntry = true
				section := string(sectionBytes)
				sidx, err := strconv.ParseUint(section[7:], 16, 8)
				if err != nil {
					return nil, err
				}
				subindex = uint8(sidx)
			}

			pending.reset()
			continue
		}

		if eq := bytes.IndexByte(line, '='); eq != -1 {
			key := string(trimSpaces(line[:eq]))
			value := string(trimSpaces(line[eq+1:]))
			pending.setField(key, value)
		}
	}
	if _, err := commitPending(od, entry, list, &pending, inEntry, inSubEntry, nodeId, subindex); err != nil {
		return nil, err
	}
	return od, nil
}

// commitPending applies the fields gathered for the section that just
// closed, either building a fresh entry (and caching it by name) or adding a
// member to the entry currently in progress. When it builds a fresh
// ARRAY/RECORD entry it returns the new [VariableList] so the caller can
// start addressing sub-entries into it; otherwise it returns nil.
func commitPending(od *ObjectDictionary, entry *Entry, list *VariableList, pending *pendingSection, inEntry, inSubEntry bool, nodeId uint8, subindex uint8) (*VariableList, error) {
	if pending.parameterName == "" {
		return nil, nil
	}
	switch {
	case inEntry:
		entry.Name = pending.parameterName
		od.byName[pending.parameterName] = entry
		newList, err := populateEntry(entry, nodeId, pending)
		if err != nil {
			return nil, fmt.Errorf("failed to create new entry %v", err)
		}
		return newList, nil
	case inSubEntry:
		if err := populateSubEntry(entry, list, nodeId, pending, subindex); err != nil {
			return nil, fmt.Errorf("failed to create sub entry %v", err)
		}
	}
	return nil, nil
}

func readAllBytes(file any) ([]byte, error) {
	switch f := file.(type) {
	case string:
		handle, err := os.Open(f)
		if err != nil {
			return nil, err
		}
		defer handle.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, handle); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case []byte:
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported type")
	}
}

// applyNodeIdPlaceholder strips a "$NODEID" marker from a default value,
// returning the node ID offset to apply during encoding (0 if the marker
// wasn't present, per CiA 306).
func applyNodeIdPlaceholder(defaultValue string, nodeId uint8) (string, uint8) {
	if strings.Contains(defaultValue, "$NODEID") {
		return nodeIdPlaceholder.ReplaceAllString(defaultValue, ""), nodeId
	}
	return defaultValue, 0
}

func populateEntry(entry *Entry, nodeId uint8, pending *pendingSection) (*VariableList, error) {
	objectType := uint8(7) // default per CiA 301 when ObjectType is absent
	if pending.objectType != "" {
		parsed, err := strconv.ParseUint(pending.objectType, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("failed to parse object type %v", err)
		}
		objectType = uint8(parsed)
	}
	entry.ObjectType = objectType

	switch objectType {
	case ObjectTypeVAR, ObjectTypeDOMAIN:
		variable, err := newVariableFromPending(pending, nodeId, 0)
		if err != nil {
			return nil, err
		}
		entry.object = variable
		return nil, nil

	case ObjectTypeARRAY:
		sub, err := strconv.ParseUint(pending.subNumber, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("failed to parse subnumber %v", err)
		}
		list := NewArray(uint8(sub))
		entry.object = list
		return list, nil

	case ObjectTypeRECORD:
		list := NewRecord()
		entry.object = list
		return list, nil

	default:
		return nil, fmt.Errorf("unknown object type %v", objectType)
	}
}

func populateSubEntry(entry *Entry, list *VariableList, nodeId uint8, pending *pendingSection, subindex uint8) error {
	variable, err := newVariableFromPending(pending, nodeId, subindex)
	if err != nil {
		return err
	}

	switch entry.ObjectType {
	case ObjectTypeARRAY:
		list.Variables[subindex] = variable
	case ObjectTypeRECORD:
		list.Variables = append(list.Variables, variable)
	default:
		return fmt.Errorf("add member not supported for ObjectType : %v", entry.ObjectType)
	}
	entry.subNameToIndex[pending.parameterName] = subindex
	return nil
}

// newVariableFromPending builds a [Variable] from the scanned text fields,
// shared by both the single-object and sub-object paths.
func newVariableFromPending(pending *pendingSection, nodeId uint8, subindex uint8) (*Variable, error) {
	if pending.dataType == "" {
		return nil, fmt.Errorf("need data type")
	}
	parsedType, err := strconv.ParseUint(pending.dataType, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to parse object type %v", err)
	}
	dataType := uint8(parsedType)
	attribute := EncodeAttribute(pending.accessType, pending.pdoMapping == "1", dataType)

	variable := &Variable{
		Name:      pending.parameterName,
		DataType:  dataType,
		Attribute: attribute,
		SubIndex:  subindex,
	}

	defaultValue, nodeIdOffset := applyNodeIdPlaceholder(pending.defaultValue, nodeId)
	variable.valueDefault, err = EncodeFromString(defaultValue, variable.DataType, nodeIdOffset)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 'DefaultValue' %v %v %v", err, defaultValue, variable.DataType)
	}
	variable.value = make([]byte, len(variable.valueDefault))
	copy(variable.value, variable.valueDefault)
	return variable, nil
}

// trimSpaces strips leading/trailing ' ' and '\t' without allocating.
func trimSpaces(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\t') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
