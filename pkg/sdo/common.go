package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/canopen-go/canopen/internal/crc"
	"github.com/canopen-go/canopen/pkg/od"
)

var ErrWrongClientReturnValue = errors.New("wrong client return value")

// SDOAbortCode is the 32-bit code carried in an SDO abort frame, per CiA 301.
type SDOAbortCode uint32

// SDOState is a step in the client or server transfer state machine. Client
// and server share the numbering even though not every state applies to both.
type SDOState uint8

const (
	DefaultClientTimeout = 1000
	DefaultServerTimeout = 1000
	ClientBaseId         = 0x600
	ServerBaseId         = 0x580

	// DefaultClientProcessPeriodUs is the polling interval ReadRaw/WriteRaw
	// and friends use between state-machine steps when driving a transfer
	// to completion synchronously.
	DefaultClientProcessPeriodUs uint32 = 10000

	// BlockSeqSize is the number of data bytes carried in one block transfer
	// segment (7, leaving one byte of the CAN frame for the sequence number).
	BlockSeqSize = 7
	// BlockMaxSize is the largest block size (segments per sub-block) a block
	// transfer may negotiate; the sequence number field is 7 bits wide.
	BlockMaxSize = 127
)

const (
	stateIdle SDOState = 0x00
	stateAbort SDOState = 0x01

	stateDownloadLocalTransfer SDOState = 0x10
	stateDownloadInitiateReq   SDOState = 0x11
	stateDownloadInitiateRsp   SDOState = 0x12
	stateDownloadSegmentReq    SDOState = 0x13
	stateDownloadSegmentRsp    SDOState = 0x14

	stateUploadLocalTransfer SDOState = 0x20
	stateUploadInitiateReq   SDOState = 0x21
	stateUploadInitiateRsp   SDOState = 0x22
	stateUploadSegmentReq    SDOState = 0x23
	stateUploadSegmentRsp    SDOState = 0x24
	stateUploadExpeditedRsp  SDOState = 0x25

	stateDownloadBlkInitiateReq SDOState = 0x51
	stateDownloadBlkInitiateRsp SDOState = 0x52
	stateDownloadBlkSubblockReq SDOState = 0x53
	stateDownloadBlkSubblockRsp SDOState = 0x54
	stateDownloadBlkEndReq      SDOState = 0x55
	stateDownloadBlkEndRsp      SDOState = 0x56

	stateUploadBlkInitiateReq  SDOState = 0x61
	stateUploadBlkInitiateRsp  SDOState = 0x62
	stateUploadBlkInitiateReq2 SDOState = 0x63
	stateUploadBlkSubblockSreq SDOState = 0x64
	stateUploadBlkSubblockCrsp SDOState = 0x65
	stateUploadBlkEndSreq      SDOState = 0x66
	stateUploadBlkEndCrsp      SDOState = 0x67
)

// SDOReturn is the progress code reported by a client-side transfer step.
type SDOReturn int8

const (
	waitingLocalTransfer    SDOReturn = 6 // waiting on a local (loopback) transfer
	uploadDataFull          SDOReturn = 5 // fifo has no more room, caller must drain it
	transmitBufferFull      SDOReturn = 4 // CAN tx queue is full, retry
	blockDownloadInProgress SDOReturn = 3 // block download running, keep feeding data
	blockUploadInProgress   SDOReturn = 2 // block upload running, data must not be read yet
	waitingResponse         SDOReturn = 1 // waiting on the peer
	success                 SDOReturn = 0 // transfer complete
)

// abortEntry ties one OD access failure to its SDO abort code and the
// human-readable description carried in logs and error messages.
type abortEntry struct {
	odr  od.ODR
	code SDOAbortCode
	desc string
}

var abortTable = []abortEntry{
	{0, AbortToggleBit, "Toggle bit not altered"},
	{0, AbortTimeout, "SDO protocol timed out"},
	{0, AbortCmd, "Command specifier not valid or unknown"},
	{0, AbortBlockSize, "Invalid block size in block mode"},
	{0, AbortSeqNum, "Invalid sequence number in block mode"},
	{0, AbortCRC, "CRC error (block mode only)"},
	{od.ErrOutOfMem, AbortOutOfMem, "Out of memory"},
	{od.ErrUnsuppAccess, AbortUnsupportedAccess, "Unsupported access to an object"},
	{od.ErrWriteOnly, AbortWriteOnly, "Attempt to read a write only object"},
	{od.ErrReadonly, AbortReadOnly, "Attempt to write a read only object"},
	{od.ErrIdxNotExist, AbortNotExist, "Object does not exist in the object dictionary"},
	{od.ErrNoMap, AbortNoMap, "Object cannot be mapped to the PDO"},
	{od.ErrMapLen, AbortMapLen, "Num and len of object to be mapped exceeds PDO len"},
	{od.ErrParIncompat, AbortParamIncompat, "General parameter incompatibility reasons"},
	{od.ErrDevIncompat, AbortDeviceIncompat, "General internal incompatibility in device"},
	{od.ErrHw, AbortHardware, "Access failed due to hardware error"},
	{od.ErrTypeMismatch, AbortTypeMismatch, "Data type does not match, length does not match"},
	{od.ErrDataLong, AbortDataLong, "Data type does not match, length too high"},
	{od.ErrDataShort, AbortDataShort, "Data type does not match, length too short"},
	{od.ErrSubNotExist, AbortSubUnknown, "Sub index does not exist"},
	{od.ErrInvalidValue, AbortInvalidValue, "Invalid value for parameter (download only)"},
	{od.ErrValueHigh, AbortValueHigh, "Value range of parameter written too high"},
	{od.ErrValueLow, AbortValueLow, "Value range of parameter written too low"},
	{od.ErrMaxLessMin, AbortMaxLessMin, "Maximum value is less than minimum value"},
	{od.ErrNoRessource, AbortNoRessource, "Resource not available: SDO connection"},
	{od.ErrGeneral, AbortGeneral, "General error"},
	{od.ErrDataTransf, AbortDataTransfer, "Data cannot be transferred or stored to application"},
	{od.ErrDataLocCtrl, AbortDataLocalControl, "Data cannot be transferred because of local control"},
	{od.ErrDataDevState, AbortDataDeviceState, "Data cannot be tran. because of present device state"},
	{od.ErrOdMissing, AbortDataOD, "Object dict. not present or dynamic generation fails"},
	{od.ErrNoData, AbortNoData, "No data available"},
}

const (
	AbortToggleBit         SDOAbortCode = 0x05030000
	AbortTimeout           SDOAbortCode = 0x05040000
	AbortCmd               SDOAbortCode = 0x05040001
	AbortBlockSize         SDOAbortCode = 0x05040002
	AbortSeqNum            SDOAbortCode = 0x05040003
	AbortCRC               SDOAbortCode = 0x05040004
	AbortOutOfMem          SDOAbortCode = 0x05040005
	AbortUnsupportedAccess SDOAbortCode = 0x06010000
	AbortWriteOnly         SDOAbortCode = 0x06010001
	AbortReadOnly          SDOAbortCode = 0x06010002
	AbortNotExist          SDOAbortCode = 0x06020000
	AbortNoMap             SDOAbortCode = 0x06040041
	AbortMapLen            SDOAbortCode = 0x06040042
	AbortParamIncompat     SDOAbortCode = 0x06040043
	AbortDeviceIncompat    SDOAbortCode = 0x06040047
	AbortHardware          SDOAbortCode = 0x06060000
	AbortTypeMismatch      SDOAbortCode = 0x06070010
	AbortDataLong          SDOAbortCode = 0x06070012
	AbortDataShort         SDOAbortCode = 0x06070013
	AbortSubUnknown        SDOAbortCode = 0x06090011
	AbortInvalidValue      SDOAbortCode = 0x06090030
	AbortValueHigh         SDOAbortCode = 0x06090031
	AbortValueLow          SDOAbortCode = 0x06090032
	AbortMaxLessMin        SDOAbortCode = 0x06090036
	AbortNoRessource       SDOAbortCode = 0x060A0023
	AbortGeneral           SDOAbortCode = 0x08000000
	AbortDataTransfer      SDOAbortCode = 0x08000020
	AbortDataLocalControl  SDOAbortCode = 0x08000021
	AbortDataDeviceState   SDOAbortCode = 0x08000022
	AbortDataOD            SDOAbortCode = 0x08000023
	AbortNoData            SDOAbortCode = 0x08000024
)

var (
	abortDescriptions = buildAbortDescriptions()
	odToAbort         = buildOdToAbort()
)

func buildAbortDescriptions() map[SDOAbortCode]string {
	m := make(map[SDOAbortCode]string, len(abortTable))
	for _, e := range abortTable {
		m[e.code] = e.desc
	}
	return m
}

func buildOdToAbort() map[od.ODR]SDOAbortCode {
	m := make(map[od.ODR]SDOAbortCode)
	for _, e := range abortTable {
		if e.odr != 0 {
			m[e.odr] = e.code
		}
	}
	return m
}

// checkIndicatedSize compares a transfer size declared by the peer against
// the size already configured in the OD entry (0 meaning "don't care").
// allowShort lets a string be shorter than advertised since the trailing
// nul terminator need not be transmitted.
func checkIndicatedSize(sizeInOd, indicated uint32, allowShort bool) error {
	if sizeInOd == 0 {
		return nil
	}
	if indicated > sizeInOd {
		return AbortDataLong
	}
	if indicated < sizeInOd && !allowShort {
		return AbortDataShort
	}
	return nil
}

// ConvertOdToSdoAbort maps an OD access failure to the SDO abort code a
// server should send back, falling back to a generic device incompatibility.
func ConvertOdToSdoAbort(oderr od.ODR) SDOAbortCode {
	if code, ok := odToAbort[oderr]; ok {
		return code
	}
	return odToAbort[od.ErrDevIncompat]
}

func (abort SDOAbortCode) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort SDOAbortCode) Description() string {
	if desc, ok := abortDescriptions[abort]; ok {
		return desc
	}
	return abortDescriptions[AbortGeneral]
}

// SDOResponse wraps one raw 8-byte SDO frame, received as either a server
// request or a client response depending on which side decodes it.
type SDOResponse struct {
	raw [8]byte
}

// isValidFor reports whether the command specifier byte is one of the
// values allowed for an incoming frame while in the given state.
func (response *SDOResponse) isValidFor(state SDOState) bool {
	cmd := response.raw[0]
	switch state {
	case stateDownloadInitiateRsp:
		return cmd == 0x60
	case stateDownloadSegmentRsp:
		return (cmd & 0xEF) == 0x20
	case stateDownloadBlkInitiateRsp:
		return (cmd & 0xFB) == 0xA0
	case stateDownloadBlkSubblockReq, stateDownloadBlkSubblockRsp:
		return cmd == 0xA2
	case stateDownloadBlkEndRsp:
		return cmd == 0xA1
	case stateUploadInitiateRsp:
		return (cmd & 0xF0) == 0x40
	case stateUploadSegmentRsp:
		return (cmd & 0xE0) == 0x00
	case stateUploadBlkInitiateRsp:
		return (cmd&0xF9) == 0xC0 || (cmd&0xF0) == 0x40
	case stateUploadBlkSubblockSreq:
		return true
	case stateUploadBlkEndSreq:
		return (cmd & 0xE3) == 0xC1
	}
	slog.Error("invalid SDO command specifier", "code", fmt.Sprintf("x%x", cmd), "state", state)
	return false
}

func (response *SDOResponse) IsAbort() bool {
	return response.raw[0] == 0x80
}

func (response *SDOResponse) GetAbortCode() SDOAbortCode {
	return SDOAbortCode(binary.LittleEndian.Uint32(response.raw[4:]))
}

func (response *SDOResponse) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(response.raw[1:3])
}

func (response *SDOResponse) GetSubindex() uint8 {
	return response.raw[3]
}

func (response *SDOResponse) GetToggle() uint8 {
	return response.raw[0] & 0x10
}

func (response *SDOResponse) GetBlockSize() uint8 {
	return response.raw[4]
}

func (response *SDOResponse) GetNumberOfSegments() uint8 {
	return response.raw[1]
}

func (response *SDOResponse) IsCRCEnabled() bool {
	return (response.raw[0] & 0x04) != 0
}

func (response *SDOResponse) GetCRCClient() crc.CRC16 {
	return crc.CRC16(binary.LittleEndian.Uint16(response.raw[1:3]))
}

// Command specifier bit flags for initiate frames (CiA 301 §7.2.4.3).
const (
	sizeIndicated     = 1 << 0
	transferExpedited = 1 << 1
)

// --- predicates shared by the server-side download/upload handlers ---

func (response *SDOResponse) IsExpedited() bool {
	return (response.raw[0] & transferExpedited) != 0
}

func (response *SDOResponse) IsSizeIndicated() bool {
	return (response.raw[0] & sizeIndicated) != 0
}

func (response *SDOResponse) IsSizeIndicatedBlock() bool {
	return (response.raw[0] & 0x02) != 0
}

func (response *SDOResponse) SizeIndicated() uint32 {
	return binary.LittleEndian.Uint32(response.raw[4:])
}

// Seqno returns the block transfer sequence number of a sub-block segment.
func (response *SDOResponse) Seqno() uint8 {
	return response.raw[0] & 0x7F
}

// SegmentRemaining reports whether more segments follow in this sub-block.
func (response *SDOResponse) SegmentRemaining() bool {
	return (response.raw[0] & 0x80) == 0
}
