package sdo

import (
	"encoding/binary"

	canopen "github.com/canopen-go/canopen"
	"github.com/canopen-go/canopen/pkg/od"
)

// validateCobId checks a COB-ID being written to a 0x12xx/0x1280-0x12FF
// parameter sub-entry: reserved bits must be clear, a currently-valid
// channel can't silently change its CAN-ID, and restricted IDs are rejected outright.
func validateCobId(data []byte, currentCobId uint32, currentlyValid bool) (uint32, error) {
	cobId := binary.LittleEndian.Uint32(data)
	canId := uint16(cobId & 0x7FF)
	canIdCurrent := uint16(currentCobId & 0x7FF)
	valid := (cobId & 0x80000000) == 0
	if (cobId&0x3FFFF800) != 0 ||
		(valid && currentlyValid && canId != canIdCurrent) ||
		(valid && canopen.IsIDRestricted(canId)) {
		return 0, od.ErrInvalidValue
	}
	return cobId, nil
}

// writeEntry1201 backs the SDO server's COB-ID/node-id parameter record
// (0x1200-0x127F): writes here re-point the server at a different pair of
// CAN-IDs or change which node it answers as.
func writeEntry1201(stream *od.Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil {
		return 0, od.ErrDevIncompat
	}
	server, ok := stream.Object.(*SDOServer)
	if !ok {
		return 0, od.ErrDevIncompat
	}
	switch stream.Subindex {
	case 0:
		return 0, od.ErrReadonly
	case 1: // COB-ID client -> server
		cobId, err := validateCobId(data, server.cobIdClientToServer, server.valid)
		if err != nil {
			return 0, err
		}
		if err := server.initRxTx(cobId, server.cobIdServerToClient); err != nil {
			return 0, od.ErrDevIncompat
		}
	case 2: // COB-ID server -> client
		cobId, err := validateCobId(data, server.cobIdServerToClient, server.valid)
		if err != nil {
			return 0, err
		}
		if err := server.initRxTx(server.cobIdClientToServer, cobId); err != nil {
			return 0, od.ErrDevIncompat
		}
	case 3: // node id served
		if len(data) != 1 {
			return 0, od.ErrTypeMismatch
		}
		nodeId := data[0]
		if nodeId < 1 || nodeId > 127 {
			return 0, od.ErrInvalidValue
		}
		server.nodeId = nodeId
	default:
		return 0, od.ErrSubNotExist
	}
	return od.WriteEntryDefault(stream, data)
}

// writeEntry1280 backs the SDO client's COB-ID/node-id parameter record
// (0x1280-0x12FF): writes here re-target the client at a different server.
func writeEntry1280(stream *od.Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil {
		return 0, od.ErrDevIncompat
	}
	client, ok := stream.Object.(*SDOClient)
	if !ok {
		return 0, od.ErrDevIncompat
	}
	switch stream.Subindex {
	case 0:
		return 0, od.ErrReadonly
	case 1: // COB-ID client -> server
		cobId, err := validateCobId(data, client.cobIdClientToServer, client.valid)
		if err != nil {
			return 0, err
		}
		if err := client.setupServer(cobId, client.cobIdServerToClient, client.nodeIdServer); err != nil {
			return 0, od.ErrDevIncompat
		}
	case 2: // COB-ID server -> client
		cobId, err := validateCobId(data, client.cobIdServerToClient, client.valid)
		if err != nil {
			return 0, err
		}
		if err := client.setupServer(client.cobIdClientToServer, cobId, client.nodeIdServer); err != nil {
			return 0, od.ErrDevIncompat
		}
	case 3: // node id of the server this client talks to
		if len(data) != 1 {
			return 0, od.ErrTypeMismatch
		}
		nodeId := data[0]
		if nodeId > 127 {
			return 0, od.ErrInvalidValue
		}
		client.nodeIdServer = nodeId
	default:
		return 0, od.ErrSubNotExist
	}
	return od.WriteEntryDefault(stream, data)
}
