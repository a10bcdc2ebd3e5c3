package od

// VariableList backs an ARRAY or a RECORD entry: an ordered collection of
// sub-object [Variable]s, each individually addressable by subindex or by
// EDS name.
type VariableList struct {
	Variables  []*Variable
	objectType uint8 // ObjectTypeARRAY or ObjectTypeRECORD
	byName     map[string]uint8
}

func newVariableList(length int, objectType uint8) *VariableList {
	return &VariableList{
		objectType: objectType,
		Variables:  make([]*Variable, length),
		byName:     make(map[string]uint8),
	}
}

func NewRecord() *VariableList {
	return newVariableList(0, ObjectTypeRECORD)
}

func NewArray(length uint8) *VariableList {
	return newVariableList(int(length), ObjectTypeARRAY)
}

// GetSubObject returns the member at subindex. ARRAY members sit at their
// fixed slice slot; RECORD members are searched by their own SubIndex field
// since append order need not match numeric order.
func (list *VariableList) GetSubObject(subindex uint8) (*Variable, error) {
	if list.objectType == ObjectTypeARRAY {
		if int(subindex) >= len(list.Variables) {
			return nil, ErrSubNotExist
		}
		return list.Variables[subindex], nil
	}
	for _, variable := range list.Variables {
		if variable.SubIndex == subindex {
			return variable, nil
		}
	}
	return nil, ErrSubNotExist
}

// GetSubObjectByName resolves a member through its EDS ParameterName.
func (list *VariableList) GetSubObjectByName(name string) (*Variable, error) {
	subindex, ok := list.byName[name]
	if !ok {
		return nil, ErrSubNotExist
	}
	return list.GetSubObject(subindex)
}

// AddSubObject adds a member at subindex. For an ARRAY, subindex must
// already be a valid slot (the slice was pre-sized by [NewArray]); for a
// RECORD the member is appended and the list grows to fit.
func (list *VariableList) AddSubObject(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	variable, err := NewVariable(subindex, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}

	if list.objectType == ObjectTypeARRAY {
		if int(subindex) >= len(list.Variables) {
			_logger.Error("trying to add a sub-object to array but ouf of bounds",
				"subindex", subindex,
				"length", len(list.Variables),
			)
			return nil, ErrSubNotExist
		}
		list.Variables[subindex] = variable
	} else {
		list.Variables = append(list.Variables, variable)
	}
	list.byName[name] = subindex
	return variable, nil
}
