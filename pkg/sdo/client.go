package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	canopen "github.com/canopen-go/canopen"
	"github.com/canopen-go/canopen/internal/crc"
	"github.com/canopen-go/canopen/internal/fifo"
	"github.com/canopen-go/canopen/pkg/od"
)

// clientBufferSize bounds one local-transfer read/write chunk.
const clientBufferSize = 1000

// protocolSwitchThreshold is the byte count (CiA 301 "PST") below which a
// block transfer falls back to segmented: the client advertises it to the
// server on block download/upload initiate.
const protocolSwitchThreshold = 21

var ErrSDOInvalidArguments = errors.New("error in arguments")

// SDOClient drives the SDO protocol from the requesting side: it issues
// upload/download requests to a remote server and steps its own state
// machine forward as responses (or local-OD results, for node 0 / self
// addressed transfers) arrive.
type SDOClient struct {
	*canopen.BusManager
	logger                     *slog.Logger
	od                         *od.ObjectDictionary
	streamer                   *od.Streamer
	nodeId                     uint8
	txBuffer                   canopen.Frame
	cobIdClientToServer        uint32
	cobIdServerToClient        uint32
	nodeIdServer               uint8
	valid                      bool
	index                      uint16
	subindex                   uint8
	finished                   bool
	sizeIndicated              uint32
	sizeTransferred            uint32
	state                      SDOState
	timeoutTimeUs              uint32
	timeoutTimer               uint32
	processingPeriodUs         uint32
	fifo                       *fifo.Fifo
	rxNew                      bool
	response                   SDOResponse
	toggle                     uint8
	timeoutTimeBlockTransferUs uint32
	timeoutTimerBlock          uint32
	blockSequenceNb            uint8
	blockSize                  uint8
	blockNoData                uint8
	blockCRCEnabled            bool
	blockDataUploadLast        [7]byte
	blockCRC                   crc.CRC16
}

// Handle is the CAN RX callback registered with the bus manager: it either
// stages a fresh response for the state machine to pick up on its next
// step, or - while a block upload sub-block is in flight - validates the
// sequence number itself, since that has to happen frame-by-frame rather
// than on the state machine's own cadence.
func (client *SDOClient) Handle(frame canopen.Frame) {
	if client.state == stateIdle || frame.DLC != 8 {
		return
	}
	if !client.rxNew && client.state == stateUploadBlkSubblockSreq && frame.Data[0] != 0x80 {
		client.handleBlockUploadSegment(frame)
		return
	}
	client.response.raw = frame.Data
	client.rxNew = true
}

// handleBlockUploadSegment checks one block-upload sub-block segment's
// sequence number against what's expected and stages its payload, without
// waiting for the next state-machine step.
func (client *SDOClient) handleBlockUploadSegment(frame canopen.Frame) {
	seqno := frame.Data[0] & 0x7F
	client.timeoutTimer = 0
	client.timeoutTimerBlock = 0

	switch {
	case seqno <= client.blockSize && seqno == client.blockSequenceNb+1:
		client.blockSequenceNb = seqno
		last := (frame.Data[0] & 0x80) != 0
		if last {
			copy(client.blockDataUploadLast[:], frame.Data[1:])
			client.finished = true
			client.advanceBlockUploadSubblock()
			return
		}
		client.fifo.Write(frame.Data[1:], &client.blockCRC)
		client.sizeTransferred += 7
		if seqno == client.blockSize {
			client.logger.Debug("block upload end sub-block", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", frame.Data)
			client.advanceBlockUploadSubblock()
		}
	case seqno != client.blockSequenceNb && client.blockSequenceNb != 0:
		client.logger.Warn("wrong sequence number in rx sub-block", "seqno", seqno, "previous", client.blockSequenceNb)
		client.advanceBlockUploadSubblock()
	default:
		client.logger.Warn("wrong sequence number in rx, ignored", "seqno", seqno, "expected", client.blockSequenceNb+1)
	}
}

func (client *SDOClient) advanceBlockUploadSubblock() {
	client.rxNew = false
	client.state = stateUploadBlkSubblockCrsp
}

// setupServer points the client at a (possibly new) SDO server identified
// by its two COB-IDs. Re-targeting the same server is a no-op so repeated
// transfers to the same node don't re-subscribe.
func (client *SDOClient) setupServer(cobIdClientToServer uint32, cobIdServerToClient uint32, nodeIdServer uint8) error {
	client.state = stateIdle
	client.rxNew = false
	client.nodeIdServer = nodeIdServer
	if client.cobIdClientToServer == cobIdClientToServer && client.cobIdServerToClient == cobIdServerToClient {
		return nil
	}
	client.cobIdClientToServer = cobIdClientToServer
	client.cobIdServerToClient = cobIdServerToClient

	var canIdC2S, canIdS2C uint16
	if cobIdClientToServer&0x80000000 == 0 {
		canIdC2S = uint16(cobIdClientToServer & 0x7FF)
	}
	if cobIdServerToClient&0x80000000 == 0 {
		canIdS2C = uint16(cobIdServerToClient & 0x7FF)
	}
	if canIdC2S != 0 && canIdS2C != 0 {
		client.valid = true
	} else {
		canIdC2S = 0
		canIdS2C = 0
		client.valid = false
	}
	if err := client.Subscribe(uint32(canIdS2C), 0x7FF, false, client); err != nil {
		return err
	}
	client.txBuffer = canopen.NewFrame(uint32(canIdC2S), 0, 8)
	return nil
}

// downloadSetup starts a new write transfer, choosing between a local OD
// write (when the target node is this one), a block download, or a plain
// segmented/expedited download depending on size and what the caller asked for.
func (client *SDOClient) downloadSetup(index uint16, subindex uint8, sizeIndicated uint32, blockEnabled bool) error {
	if !client.valid {
		return ErrSDOInvalidArguments
	}
	client.index = index
	client.subindex = subindex
	client.sizeIndicated = sizeIndicated
	client.sizeTransferred = 0
	client.finished = false
	client.timeoutTimer = 0
	client.fifo.Reset()

	switch {
	case client.od != nil && client.nodeIdServer == client.nodeId:
		client.streamer.SetWriter(nil)
		client.state = stateDownloadLocalTransfer
	case blockEnabled && (sizeIndicated == 0 || sizeIndicated > protocolSwitchThreshold):
		client.state = stateDownloadBlkInitiateReq
	default:
		client.state = stateDownloadInitiateReq
	}
	client.rxNew = false
	return nil
}

// downloadMain advances the download state machine by one step: process
// whatever response (or local-transfer result) is ready, then send whatever
// request that unblocks next.
func (client *SDOClient) downloadMain(
	timeDifferenceUs uint32,
	abort bool,
	bufferPartial bool,
	sizeTransferred *uint32,
	timerNextUs *uint32,
	forceSegmented bool,
) (SDOReturn, error) {
	ret := waitingResponse
	var err error
	var abortCode error

	switch {
	case !client.valid:
		abortCode = AbortDeviceIncompat
		err = ErrSDOInvalidArguments

	case client.state == stateIdle:
		ret = success

	case client.state == stateDownloadLocalTransfer && !abort:
		ret, err = client.downloadLocal(bufferPartial)
		if ret != waitingLocalTransfer {
			client.state = stateIdle
		} else if timerNextUs != nil {
			*timerNextUs = 0
		}

	case client.rxNew:
		ret, err, abortCode = client.downloadResponse(abort)
		client.timeoutTimer = 0
		timeDifferenceUs = 0
		client.rxNew = false

	case abort:
		abortCode = AbortDeviceIncompat
		client.state = stateAbort
	}

	if ret == waitingResponse {
		abortCode = client.tickDownloadTimeout(timeDifferenceUs, abortCode, timerNextUs)
	}
	if ret == waitingResponse {
		ret, err, abortCode = client.sendDownloadRequest(bufferPartial, forceSegmented, abortCode, timerNextUs)
	}
	if ret == waitingResponse && client.state == stateAbort {
		client.abort(abortCode.(SDOAbortCode))
		err = abortCode
		client.state = stateIdle
	} else if ret == waitingResponse && client.state == stateDownloadBlkSubblockReq {
		ret = blockDownloadInProgress
	}

	if sizeTransferred != nil {
		*sizeTransferred = client.sizeTransferred
	}
	return ret, err
}

// downloadResponse interprets the frame just received while in one of the
// download "waiting for response" states and decides the next state.
func (client *SDOClient) downloadResponse(abort bool) (SDOReturn, error, error) {
	ret := waitingResponse
	response := client.response

	if response.IsAbort() {
		abortCode := response.GetAbortCode()
		client.logger.Debug("server abort", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "code", abortCode)
		client.state = stateIdle
		return ret, abortCode, nil
	}
	if abort {
		client.state = stateAbort
		return ret, nil, SDOAbortCode(AbortDeviceIncompat)
	}
	if !response.isValidFor(client.state) {
		client.logger.Warn("unexpected response code from server", "raw", fmt.Sprintf("x%x", response.raw[0]))
		client.state = stateAbort
		return ret, nil, SDOAbortCode(AbortCmd)
	}

	var abortCode error
	switch client.state {
	case stateDownloadInitiateRsp:
		if response.GetIndex() != client.index || response.GetSubindex() != client.subindex {
			abortCode = AbortParamIncompat
			client.state = stateAbort
			break
		}
		if client.finished {
			client.state = stateIdle
			ret = success
			client.logger.Debug("download expedited", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", response.raw)
		} else {
			client.toggle = 0x00
			client.state = stateDownloadSegmentReq
			client.logger.Debug("download segment", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", response.raw)
		}

	case stateDownloadSegmentRsp:
		if response.GetToggle() != client.toggle {
			abortCode = AbortToggleBit
			client.state = stateAbort
			break
		}
		client.toggle ^= 0x10
		if client.finished {
			client.state = stateIdle
			ret = success
		} else {
			client.state = stateDownloadSegmentReq
		}
		client.logger.Debug("download segment", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", response.raw)

	case stateDownloadBlkInitiateRsp:
		if response.GetIndex() != client.index || response.GetSubindex() != client.subindex {
			abortCode = AbortParamIncompat
			client.state = stateAbort
			break
		}
		client.blockCRC = crc.CRC16(0)
		client.blockSize = response.GetBlockSize()
		if client.blockSize < 1 || client.blockSize > 127 {
			client.blockSize = 127
		}
		client.blockSequenceNb = 0
		client.fifo.AltBegin(0)
		client.state = stateDownloadBlkSubblockReq
		client.logger.Debug("download block", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "blksize", client.blockSize, "raw", response.raw)

	case stateDownloadBlkSubblockReq, stateDownloadBlkSubblockRsp:
		if response.GetNumberOfSegments() < client.blockSequenceNb {
			client.logger.Error("not all segments transferred successfully")
			client.fifo.AltBegin(int(response.raw[1]) * 7)
			client.finished = false
		} else if response.GetNumberOfSegments() > client.blockSequenceNb {
			abortCode = AbortCmd
			client.state = stateAbort
			break
		}
		client.fifo.AltFinish(&client.blockCRC)
		if client.finished {
			client.state = stateDownloadBlkEndReq
		} else {
			client.blockSize = response.raw[2]
			client.blockSequenceNb = 0
			client.fifo.AltBegin(0)
			client.state = stateDownloadBlkSubblockReq
		}

	case stateDownloadBlkEndRsp:
		client.state = stateIdle
		ret = success
	}
	return ret, nil, abortCode
}

// tickDownloadTimeout advances the response timeout and aborts the transfer
// once it elapses, unless an abort is already pending.
func (client *SDOClient) tickDownloadTimeout(timeDifferenceUs uint32, abortCode error, timerNextUs *uint32) error {
	if client.timeoutTimer < client.timeoutTimeUs {
		client.timeoutTimer += timeDifferenceUs
	}
	if client.timeoutTimer >= client.timeoutTimeUs {
		client.state = stateAbort
		return AbortTimeout
	}
	if timerNextUs != nil {
		if diff := client.timeoutTimeUs - client.timeoutTimer; *timerNextUs > diff {
			*timerNextUs = diff
		}
	}
	return abortCode
}

// sendDownloadRequest builds and sends whatever frame the current state
// calls for next.
func (client *SDOClient) sendDownloadRequest(bufferPartial, forceSegmented bool, abortCode error, timerNextUs *uint32) (SDOReturn, error, error) {
	ret := waitingResponse
	var err error
	client.txBuffer.Data = [8]byte{0}

	switch client.state {
	case stateDownloadInitiateReq:
		if code := client.downloadInitiate(forceSegmented); code != nil {
			client.state = stateIdle
			return ret, code, abortCode
		}
		client.state = stateDownloadInitiateRsp

	case stateDownloadSegmentReq:
		if code := client.downloadSegment(bufferPartial); code != nil {
			client.state = stateAbort
			abortCode = code
		} else {
			client.state = stateDownloadSegmentRsp
		}

	case stateDownloadBlkInitiateReq:
		client.downloadBlockInitiate()
		client.state = stateDownloadBlkInitiateRsp

	case stateDownloadBlkSubblockReq:
		if code := client.downloadBlock(bufferPartial, timerNextUs); code != nil {
			client.state = stateAbort
			abortCode = code
		}

	case stateDownloadBlkEndReq:
		client.downloadBlockEnd()
		client.state = stateDownloadBlkEndRsp
	}
	return ret, err, abortCode
}

// downloadInitiate sends the first frame of a download: expedited if the
// whole value fits in 4 bytes and segmentation wasn't forced, segmented otherwise.
func (client *SDOClient) downloadInitiate(forceSegmented bool) error {
	client.txBuffer.Data[0] = 0x20
	client.txBuffer.Data[1] = byte(client.index)
	client.txBuffer.Data[2] = byte(client.index >> 8)
	client.txBuffer.Data[3] = client.subindex

	count := uint32(client.fifo.GetOccupied())
	expedited := (client.sizeIndicated == 0 && count <= 4) || (client.sizeIndicated > 0 && client.sizeIndicated <= 4)
	if expedited && !forceSegmented {
		client.txBuffer.Data[0] |= 0x02
		if count == 0 || (client.sizeIndicated > 0 && client.sizeIndicated != count) {
			client.state = stateIdle
			return AbortTypeMismatch
		}
		if client.sizeIndicated > 0 {
			client.txBuffer.Data[0] |= byte(0x01 | ((4 - count) << 2))
		}
		count = uint32(client.fifo.Read(client.txBuffer.Data[4:], nil))
		client.sizeTransferred = count
		client.finished = true
		client.logger.Debug("download expedited", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", client.txBuffer.Data)
	} else {
		if client.sizeIndicated > 0 {
			client.txBuffer.Data[0] |= 0x01
			binary.LittleEndian.PutUint32(client.txBuffer.Data[4:], client.sizeIndicated)
		}
		client.logger.Debug("download segmented, indicating size", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", client.txBuffer.Data)
	}
	client.timeoutTimer = 0
	client.Send(client.txBuffer)
	return nil
}

// downloadLocal writes one chunk straight into the object dictionary when
// the server is this very node, bypassing the CAN bus entirely.
func (client *SDOClient) downloadLocal(bufferPartial bool) (SDOReturn, error) {
	if client.streamer.Writer() == nil {
		if err := client.openLocalWriteStreamer(); err != nil {
			return 0, err
		}
	}
	if client.streamer.Writer() == nil {
		return 0, nil
	}

	buffer := make([]byte, clientBufferSize+2)
	count := client.fifo.Read(buffer, nil)
	client.sizeTransferred += uint32(count)

	switch {
	case count == 0:
		return 0, AbortDeviceIncompat
	case client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated:
		client.sizeTransferred -= uint32(count)
		return 0, AbortDataLong
	case !bufferPartial && client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated:
		return 0, AbortDataShort
	case !bufferPartial:
		if abortCode := client.finishLocalWrite(buffer, &count); abortCode != nil {
			return 0, abortCode
		}
	}

	n, err := client.streamer.Write(buffer[:count])
	_ = n
	odErr, ok := err.(od.ODR)
	switch {
	case err != nil && odErr != od.ErrPartial:
		if !ok {
			return 0, AbortGeneral
		}
		return 0, ConvertOdToSdoAbort(odErr)
	case bufferPartial && err == nil:
		return 0, AbortDataLong
	case !bufferPartial:
		if odErr == od.ErrPartial {
			return 0, AbortDataShort
		}
		return success, nil
	default:
		return waitingLocalTransfer, nil
	}
}

func (client *SDOClient) openLocalWriteStreamer() error {
	client.logger.Debug("local transfer write", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex))
	streamer, err := od.NewStreamer(client.od.Index(client.index), client.subindex, false)
	if streamer != nil {
		client.streamer = streamer
	}
	if err != nil {
		odErr, ok := err.(od.ODR)
		if !ok {
			return AbortGeneral
		}
		return ConvertOdToSdoAbort(odErr)
	}
	switch {
	case !client.streamer.HasAttribute(od.AttributeSdoRw):
		return AbortUnsupportedAccess
	case !client.streamer.HasAttribute(od.AttributeSdoW):
		return AbortReadOnly
	case client.streamer.Writer() == nil:
		return AbortDeviceIncompat
	}
	return nil
}

// finishLocalWrite handles the last chunk of a local download: strings may
// need a trailing nul the sender omitted, and a zero-length OD entry takes
// its size from whatever was transferred.
func (client *SDOClient) finishLocalWrite(buffer []byte, count *int) error {
	odVarSize := client.streamer.DataLength
	switch {
	case (client.streamer.HasAttribute(od.AttributeStr) && odVarSize == 0) || client.sizeTransferred < uint32(odVarSize):
		*count++
		buffer[*count] = 0
		client.sizeTransferred++
		if odVarSize == 0 || odVarSize > client.sizeTransferred {
			*count++
			buffer[*count] = 0
			client.sizeTransferred++
		}
		client.streamer.DataLength = client.sizeTransferred
	case odVarSize == 0:
		client.streamer.DataLength = client.sizeTransferred
	case client.sizeTransferred > uint32(odVarSize):
		return AbortDataLong
	case client.sizeTransferred < uint32(odVarSize):
		return AbortDataShort
	}
	return nil
}

// downloadSegment sends the next 7-byte chunk of a segmented download.
func (client *SDOClient) downloadSegment(bufferPartial bool) error {
	count := uint32(client.fifo.Read(client.txBuffer.Data[1:], nil))
	client.sizeTransferred += count
	if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
		client.sizeTransferred -= count
		return AbortDataLong
	}

	client.txBuffer.Data[0] = uint8(uint32(client.toggle) | ((7 - count) << 1))
	if client.fifo.GetOccupied() == 0 && !bufferPartial {
		if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
			return AbortDataShort
		}
		client.txBuffer.Data[0] |= 0x01
		client.finished = true
	}

	client.timeoutTimer = 0
	client.logger.Debug("download segment", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", client.txBuffer.Data)
	client.Send(client.txBuffer)
	return nil
}

// downloadBlockInitiate sends the block-download initiate frame.
func (client *SDOClient) downloadBlockInitiate() {
	client.txBuffer.Data[0] = 0xC4
	client.txBuffer.Data[1] = byte(client.index)
	client.txBuffer.Data[2] = byte(client.index >> 8)
	client.txBuffer.Data[3] = client.subindex
	if client.sizeIndicated > 0 {
		client.txBuffer.Data[0] |= 0x02
		binary.LittleEndian.PutUint32(client.txBuffer.Data[4:], client.sizeIndicated)
	}
	client.timeoutTimer = 0
	client.Send(client.txBuffer)
}

// downloadBlock sends the next sub-block segment, flagging the final one
// once the fifo is drained.
func (client *SDOClient) downloadBlock(bufferPartial bool, timerNext *uint32) error {
	if client.fifo.AltGetOccupied() < 7 && bufferPartial {
		return nil
	}
	client.blockSequenceNb++
	client.txBuffer.Data[0] = client.blockSequenceNb
	count := uint32(client.fifo.AltRead(client.txBuffer.Data[1:]))
	client.blockNoData = uint8(7 - count)
	client.sizeTransferred += count
	if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
		client.sizeTransferred -= count
		return AbortDataLong
	}
	switch {
	case client.fifo.AltGetOccupied() == 0 && !bufferPartial:
		if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
			return AbortDataShort
		}
		client.txBuffer.Data[0] |= 0x80
		client.finished = true
		client.state = stateDownloadBlkSubblockRsp
	case client.blockSequenceNb >= client.blockSize:
		client.state = stateDownloadBlkSubblockRsp
	case timerNext != nil:
		*timerNext = 0
	}
	client.timeoutTimer = 0
	client.Send(client.txBuffer)
	return nil
}

// downloadBlockEnd sends the block-download end frame with the final CRC.
func (client *SDOClient) downloadBlockEnd() {
	client.txBuffer.Data[0] = 0xC1 | (client.blockNoData << 2)
	client.txBuffer.Data[1] = byte(client.blockCRC)
	client.txBuffer.Data[2] = byte(client.blockCRC >> 8)
	client.timeoutTimer = 0
	client.Send(client.txBuffer)
}

// abort sends an abort frame for the transfer in progress.
func (client *SDOClient) abort(abortCode SDOAbortCode) {
	code := uint32(abortCode)
	client.txBuffer.Data[0] = 0x80
	client.txBuffer.Data[1] = uint8(client.index)
	client.txBuffer.Data[2] = uint8(client.index >> 8)
	client.txBuffer.Data[3] = client.subindex
	binary.LittleEndian.PutUint32(client.txBuffer.Data[4:], code)
	client.logger.Warn("client abort", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "code", abortCode)
	client.Send(client.txBuffer)
}

/////////////////////////////////////
////////////SDO UPLOAD///////////////
/////////////////////////////////////

// uploadSetup starts a new read transfer: local OD read, block upload, or
// plain segmented/expedited upload depending on what's available.
func (client *SDOClient) uploadSetup(index uint16, subindex uint8, blockEnabled bool) error {
	if !client.valid {
		return ErrSDOInvalidArguments
	}
	client.index = index
	client.subindex = subindex
	client.sizeIndicated = 0
	client.sizeTransferred = 0
	client.finished = false
	client.fifo.Reset()
	switch {
	case client.od != nil && client.nodeIdServer == client.nodeId:
		client.streamer.SetReader(nil)
		client.state = stateUploadLocalTransfer
	case blockEnabled:
		client.state = stateUploadBlkInitiateReq
	default:
		client.state = stateUploadInitiateReq
	}
	client.rxNew = false
	return nil
}

// uploadLocal reads one chunk straight out of the object dictionary when
// the server is this very node.
func (client *SDOClient) uploadLocal() (SDOReturn, error) {
	if client.streamer.Reader() == nil {
		if err := client.openLocalReadStreamer(); err != nil {
			return 0, err
		}
	}
	if client.fifo.GetSpace() == 0 {
		return uploadDataFull, nil
	}
	if client.streamer.Reader() == nil {
		return 0, nil
	}
	return client.readLocalChunk()
}

func (client *SDOClient) openLocalReadStreamer() error {
	client.logger.Debug("local transfer read", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex))
	streamer, err := od.NewStreamer(client.od.Index(client.index), client.subindex, false)
	if streamer != nil {
		client.streamer = streamer
	}
	if err != nil {
		odErr, ok := err.(od.ODR)
		if !ok {
			return AbortGeneral
		}
		return ConvertOdToSdoAbort(odErr)
	}
	switch {
	case !client.streamer.HasAttribute(od.AttributeSdoRw):
		return AbortUnsupportedAccess
	case !client.streamer.HasAttribute(od.AttributeSdoR):
		return AbortWriteOnly
	case client.streamer.Reader() == nil:
		return AbortDeviceIncompat
	}
	return nil
}

func (client *SDOClient) readLocalChunk() (SDOReturn, error) {
	countFifo := client.fifo.GetSpace()
	countData := client.streamer.DataLength
	countBuffer := uint32(countFifo)
	if countData > 0 && countData <= uint32(countFifo) {
		countBuffer = countData
	}

	buffer := make([]byte, clientBufferSize+1)
	countRead, err := client.streamer.Read(buffer[:countBuffer])
	odErr, ok := err.(od.ODR)
	if err != nil && odErr != od.ErrPartial {
		if !ok {
			return 0, AbortGeneral
		}
		return 0, ConvertOdToSdoAbort(odErr)
	}

	if countRead > 0 && client.streamer.HasAttribute(od.AttributeStr) {
		buffer[countRead] = 0
		countStr := len(buffer)
		for i, v := range buffer {
			if v == 0 {
				countStr = i
				break
			}
		}
		if countStr == 0 {
			countStr = 1
		}
		if countStr < countRead {
			countRead = countStr
			odErr = od.ErrNo
			client.streamer.DataLength = client.sizeTransferred + uint32(countRead)
		}
	}
	client.fifo.Write(buffer[:countRead], nil)
	client.sizeTransferred += uint32(countRead)
	client.sizeIndicated = client.streamer.DataLength

	var ret SDOReturn
	switch {
	case client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated:
		return 0, AbortDataLong
	case odErr == od.ErrNo:
		if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
			return 0, AbortDataShort
		}
	default:
		ret = waitingLocalTransfer
	}
	return ret, nil
}

// upload advances the read-side state machine by one step, mirroring
// downloadMain's shape: process whatever just arrived, then send the next request.
func (client *SDOClient) upload(
	timeDifferenceUs uint32,
	abort bool,
	sizeIndicated *uint32,
	sizeTransferred *uint32,
	timerNextUs *uint32,
) (SDOReturn, error) {
	ret := waitingResponse
	var err error
	var abortCode error

	switch {
	case !client.valid:
		abortCode = AbortDeviceIncompat
		err = ErrSDOInvalidArguments

	case client.state == stateIdle:
		ret = success

	case client.state == stateUploadLocalTransfer && !abort:
		ret, err = client.uploadLocal()
		if ret != uploadDataFull && ret != waitingLocalTransfer {
			client.state = stateIdle
		} else if timerNextUs != nil {
			*timerNextUs = 0
		}

	case client.rxNew:
		ret, err, abortCode = client.uploadResponse(abort)
		client.timeoutTimer = 0
		timeDifferenceUs = 0
		client.rxNew = false

	case abort:
		abortCode = AbortDeviceIncompat
		client.state = stateAbort
	}

	if ret == waitingResponse {
		abortCode = client.tickUploadTimeout(timeDifferenceUs, abortCode, timerNextUs)
	}
	if ret == waitingResponse {
		ret, err, abortCode = client.sendUploadRequest(abortCode, timerNextUs)
	}
	if ret == waitingResponse && client.state == stateAbort {
		client.abort(abortCode.(SDOAbortCode))
		err = abortCode
		client.state = stateIdle
	} else if ret == waitingResponse && client.state == stateUploadBlkSubblockSreq {
		ret = blockUploadInProgress
	}

	if sizeIndicated != nil {
		*sizeIndicated = client.sizeIndicated
	}
	if sizeTransferred != nil {
		*sizeTransferred = client.sizeTransferred
	}
	return ret, err
}

// uploadResponse interprets the frame just received while in one of the
// upload "waiting for response" states.
func (client *SDOClient) uploadResponse(abort bool) (SDOReturn, error, error) {
	ret := waitingResponse
	response := client.response

	if response.IsAbort() {
		abortCode := response.GetAbortCode()
		client.logger.Debug("server abort", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "code", abortCode)
		client.state = stateIdle
		return ret, abortCode, nil
	}
	if abort {
		client.state = stateAbort
		return ret, nil, SDOAbortCode(AbortDeviceIncompat)
	}
	if !response.isValidFor(client.state) {
		client.logger.Warn("unexpected response code from server", "raw", fmt.Sprintf("x%x", response.raw[0]))
		client.state = stateAbort
		return ret, nil, SDOAbortCode(AbortCmd)
	}

	var abortCode error
	switch client.state {
	case stateUploadInitiateRsp:
		ret, abortCode = client.onUploadInitiateRsp(response)
	case stateUploadSegmentRsp:
		ret, abortCode = client.onUploadSegmentRsp(response)
	case stateUploadBlkInitiateRsp:
		ret, abortCode = client.onUploadBlkInitiateRsp(response)
	case stateUploadBlkSubblockSreq:
		// handled directly in Handle's RX callback
	case stateUploadBlkEndSreq:
		abortCode = client.onUploadBlkEndSreq(response)
	default:
		abortCode = AbortCmd
		client.state = stateAbort
	}
	return ret, nil, abortCode
}

func (client *SDOClient) onUploadInitiateRsp(response SDOResponse) (SDOReturn, error) {
	if response.GetIndex() != client.index || response.GetSubindex() != client.subindex {
		client.state = stateAbort
		return 0, AbortParamIncompat
	}
	if (response.raw[0] & 0x02) != 0 {
		var count uint32 = 4
		if (response.raw[0] & 0x01) != 0 {
			count -= uint32((response.raw[0] >> 2) & 0x03)
		}
		client.fifo.Write(response.raw[4:4+count], nil)
		client.sizeTransferred = count
		client.state = stateIdle
		client.logger.Debug("upload expedited", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", response.raw)
		return success, nil
	}
	if (response.raw[0] & 0x01) != 0 {
		client.sizeIndicated = binary.LittleEndian.Uint32(response.raw[4:])
	}
	client.toggle = 0
	client.state = stateUploadSegmentReq
	client.logger.Debug("upload segment", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", response.raw)
	return waitingResponse, nil
}

func (client *SDOClient) onUploadSegmentRsp(response SDOResponse) (SDOReturn, error) {
	client.logger.Debug("upload segment", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", response.raw)
	if response.GetToggle() != client.toggle {
		client.state = stateAbort
		return 0, AbortToggleBit
	}
	client.toggle ^= 0x10
	count := 7 - (response.raw[0]>>1)&0x07
	countWr := client.fifo.Write(response.raw[1:1+count], nil)
	client.sizeTransferred += uint32(countWr)
	if countWr != int(count) {
		client.state = stateAbort
		return 0, AbortOutOfMem
	}
	if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
		client.state = stateAbort
		return 0, AbortDataLong
	}
	if (response.raw[0] & 0x01) == 0 {
		client.state = stateUploadSegmentReq
		return waitingResponse, nil
	}
	if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
		client.state = stateAbort
		return 0, AbortDataShort
	}
	client.state = stateIdle
	return success, nil
}

func (client *SDOClient) onUploadBlkInitiateRsp(response SDOResponse) (SDOReturn, error) {
	if response.GetIndex() != client.index || response.GetSubindex() != client.subindex {
		client.state = stateAbort
		return 0, AbortParamIncompat
	}
	switch {
	case (response.raw[0] & 0xF9) == 0xC0:
		// Server accepted block transfer.
		client.blockCRCEnabled = response.IsCRCEnabled()
		if (response.raw[0] & 0x02) != 0 {
			client.sizeIndicated = uint32(response.GetBlockSize())
		}
		client.state = stateUploadBlkInitiateReq2
		client.logger.Debug("block upload init", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex),
			"crc_enabled", response.IsCRCEnabled(), "expected_size", client.sizeIndicated, "raw", response.raw)

	case (response.raw[0] & 0xF0) == 0x40:
		// Server switched to a non-block transfer.
		if (response.raw[0] & 0x02) != 0 {
			count := 4
			if (response.raw[0] & 0x01) != 0 {
				count -= int(response.raw[0]>>2) & 0x03
			}
			client.fifo.Write(response.raw[4:4+count], nil)
			client.sizeTransferred = uint32(count)
			client.state = stateIdle
			client.logger.Debug("block upload switching to expedited", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", response.raw)
			return success, nil
		}
		if (response.raw[0] & 0x01) != 0 {
			client.sizeIndicated = uint32(response.GetBlockSize())
		}
		client.toggle = 0x00
		client.state = stateUploadSegmentReq
		client.logger.Debug("block upload switching to segmented", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", response.raw)
	}
	return waitingResponse, nil
}

func (client *SDOClient) onUploadBlkEndSreq(response SDOResponse) error {
	noData := (response.raw[0] >> 2) & 0x07
	client.fifo.Write(client.blockDataUploadLast[:7-noData], &client.blockCRC)
	client.sizeTransferred += uint32(7 - noData)

	if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
		client.state = stateAbort
		return AbortDataLong
	}
	if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
		client.state = stateAbort
		return AbortDataShort
	}
	if client.blockCRCEnabled {
		crcServer := crc.CRC16(binary.LittleEndian.Uint16(response.raw[1:3]))
		if crcServer != client.blockCRC {
			client.state = stateAbort
			return AbortCRC
		}
	}
	client.state = stateUploadBlkEndCrsp
	client.logger.Debug("block upload end", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", response.raw)
	return nil
}

// tickUploadTimeout advances the response timeout (and the separate
// sub-block timeout during a block upload). The transfer is aborted once
// the response timeout elapses; once the sub-block timeout elapses, the
// client moves on to acknowledging the segments received so far.
func (client *SDOClient) tickUploadTimeout(timeDifferenceUs uint32, abortCode error, timerNextUs *uint32) error {
	if client.timeoutTimer < client.timeoutTimeUs {
		client.timeoutTimer += timeDifferenceUs
	}
	if client.timeoutTimer >= client.timeoutTimeUs {
		client.state = stateAbort
		if client.state == stateUploadSegmentReq || client.state == stateUploadBlkSubblockCrsp {
			abortCode = AbortGeneral
		} else {
			abortCode = AbortTimeout
		}
	} else if timerNextUs != nil {
		if diff := client.timeoutTimeUs - client.timeoutTimer; *timerNextUs > diff {
			*timerNextUs = diff
		}
	}

	if client.state == stateUploadBlkSubblockSreq {
		if client.timeoutTimerBlock < client.timeoutTimeBlockTransferUs {
			client.timeoutTimerBlock += timeDifferenceUs
		}
		if client.timeoutTimerBlock >= client.timeoutTimeBlockTransferUs {
			client.state = stateUploadBlkSubblockCrsp
			client.rxNew = false
		} else if timerNextUs != nil {
			if diff := client.timeoutTimeBlockTransferUs - client.timeoutTimerBlock; *timerNextUs > diff {
				*timerNextUs = diff
			}
		}
	}
	return abortCode
}

// sendUploadRequest builds and sends whatever frame the current state calls
// for next.
func (client *SDOClient) sendUploadRequest(abortCode error, timerNextUs *uint32) (SDOReturn, error, error) {
	ret := waitingResponse
	client.txBuffer.Data = [8]byte{0}

	switch client.state {
	case stateUploadInitiateReq:
		client.txBuffer.Data[0] = 0x40
		client.txBuffer.Data[1] = byte(client.index)
		client.txBuffer.Data[2] = byte(client.index >> 8)
		client.txBuffer.Data[3] = client.subindex
		client.timeoutTimer = 0
		client.Send(client.txBuffer)
		client.state = stateUploadInitiateRsp
		client.logger.Debug("upload initiate", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", client.txBuffer.Data)

	case stateUploadSegmentReq:
		if client.fifo.GetSpace() < 7 {
			return uploadDataFull, nil, abortCode
		}
		client.txBuffer.Data[0] = 0x60 | client.toggle
		client.timeoutTimer = 0
		client.Send(client.txBuffer)
		client.state = stateUploadSegmentRsp
		client.logger.Debug("upload segment", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "raw", client.txBuffer.Data)

	case stateUploadBlkInitiateReq:
		return ret, nil, client.sendUploadBlockInitiate()

	case stateUploadBlkInitiateReq2:
		client.txBuffer.Data[0] = 0xA3
		client.timeoutTimer = 0
		client.timeoutTimerBlock = 0
		client.blockSequenceNb = 0
		client.blockCRC = crc.CRC16(0)
		client.state = stateUploadBlkSubblockSreq
		client.rxNew = false
		client.Send(client.txBuffer)

	case stateUploadBlkSubblockCrsp:
		return client.sendUploadBlockAck(timerNextUs)

	case stateUploadBlkEndCrsp:
		client.txBuffer.Data[0] = 0xA1
		client.Send(client.txBuffer)
		client.state = stateIdle
		return success, nil, abortCode
	}
	return ret, nil, abortCode
}

func (client *SDOClient) sendUploadBlockInitiate() error {
	client.txBuffer.Data[0] = 0xA4
	client.txBuffer.Data[1] = byte(client.index)
	client.txBuffer.Data[2] = byte(client.index >> 8)
	client.txBuffer.Data[3] = client.subindex
	count := client.fifo.GetSpace() / 7
	if count >= 127 {
		count = 127
	} else if count == 0 {
		client.state = stateAbort
		return AbortOutOfMem
	}
	client.blockSize = uint8(count)
	client.txBuffer.Data[4] = client.blockSize
	client.txBuffer.Data[5] = protocolSwitchThreshold
	client.timeoutTimer = 0
	client.Send(client.txBuffer)
	client.state = stateUploadBlkInitiateRsp
	client.logger.Debug("block upload initiate", "index", fmt.Sprintf("x%x", client.index), "subindex", fmt.Sprintf("x%x", client.subindex), "blksize", client.blockSize, "raw", client.txBuffer.Data)
	return nil
}

// sendUploadBlockAck acknowledges the sub-block just received and either
// moves on to the end-of-block exchange or kicks off the next sub-block.
func (client *SDOClient) sendUploadBlockAck(timerNextUs *uint32) (SDOReturn, error, error) {
	client.txBuffer.Data[0] = 0xA2
	client.txBuffer.Data[1] = client.blockSequenceNb
	transferShort := client.blockSequenceNb != client.blockSize
	seqnoStart := client.blockSequenceNb

	if client.finished {
		client.state = stateUploadBlkEndSreq
	} else {
		if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
			client.state = stateAbort
			return waitingResponse, nil, SDOAbortCode(AbortDataLong)
		}
		count := client.fifo.GetSpace() / 7
		if count >= 127 {
			count = 127
		} else if client.fifo.GetOccupied() > 0 {
			if transferShort {
				client.logger.Warn("sub-block, upload data is full", "seqno", seqnoStart)
			}
			if timerNextUs != nil {
				*timerNextUs = 0
			}
			return uploadDataFull, nil, nil
		}
		client.blockSize = uint8(count)
		client.blockSequenceNb = 0
		client.state = stateUploadBlkSubblockSreq
		client.rxNew = false
	}
	client.txBuffer.Data[2] = client.blockSize
	client.timeoutTimerBlock = 0
	client.Send(client.txBuffer)
	if transferShort && !client.finished {
		client.logger.Warn("sub-block restarted", "seqno_prev", seqnoStart, "blksize", client.blockSize)
	}
	return waitingResponse, nil, nil
}

// NewSDOClient builds the client side of the SDO protocol for one node,
// optionally configured from a client parameter entry (0x1280-0x12FF).
func NewSDOClient(
	bm *canopen.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	nodeId uint8,
	timeoutMs uint32,
	entry1280 *od.Entry,
) (*SDOClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if entry1280 != nil && (entry1280.Index < 0x1280 || entry1280.Index > 0x1280+0x7F) {
		logger.Error("invalid index for sdo client", "index", entry1280.Index)
		return nil, canopen.ErrIllegalArgument
	}
	client := &SDOClient{BusManager: bm, logger: logger.With("service", "SDOClient")}
	client.od = odict
	client.nodeId = nodeId
	client.timeoutTimeUs = 1000 * timeoutMs
	client.timeoutTimeBlockTransferUs = client.timeoutTimeUs
	client.processingPeriodUs = DefaultClientProcessPeriodUs
	client.streamer = &od.Streamer{}
	client.fifo = fifo.NewFifo(1000) // at least 127*7, the max block transfer window

	var nodeIdServer uint8
	var cobIdClientToServer, cobIdServerToClient uint32
	if entry1280 != nil {
		maxSubindex, err1 := entry1280.Uint8(0)
		var err2, err3, err4 error
		cobIdClientToServer, err2 = entry1280.Uint32(1)
		cobIdServerToClient, err3 = entry1280.Uint32(2)
		nodeIdServer, err4 = entry1280.Uint8(3)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || maxSubindex != 3 {
			client.logger.Error("error reading sdo client parameters", "err_max_sub", err1, "err_c2s", err2, "err_s2c", err3, "err_node", err4, "max_subindex", maxSubindex)
			return nil, canopen.ErrOdParameters
		}
		entry1280.AddExtension(client, od.ReadEntryDefault, writeEntry1280)
	}
	client.cobIdClientToServer = 0
	client.cobIdServerToClient = 0

	if err := client.setupServer(cobIdClientToServer, cobIdServerToClient, nodeIdServer); err != nil {
		return nil, canopen.ErrIllegalArgument
	}
	return client, nil
}

// SetNoId sets the client's own node id to 0. Transfers addressed to node 0
// are then served from the client's object dictionary (if it has one)
// without going out over the bus; transfers to any other node id go over
// the bus.
func (client *SDOClient) SetNoId() {
	client.nodeId = 0
}

// SetTimeout sets the response timeout for non-block transfers.
func (client *SDOClient) SetTimeout(timeoutMs uint32) {
	client.timeoutTimeUs = timeoutMs * 1000
}

// SetTimeoutBlockTransfer sets the response timeout for block transfers.
func (client *SDOClient) SetTimeoutBlockTransfer(timeoutMs uint32) {
	client.timeoutTimeBlockTransferUs = timeoutMs * 1000
}
