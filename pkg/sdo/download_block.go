package sdo

import (
	"fmt"

	"github.com/canopen-go/canopen/internal/crc"
	"github.com/canopen-go/canopen/pkg/od"
)

func (s *SDOServer) rxDownloadBlockInitiate(rx SDOResponse) error {
	s.blockCRCEnabled = rx.IsCRCEnabled()
	s.sizeIndicated = 0

	if rx.IsSizeIndicatedBlock() {
		s.sizeIndicated = rx.SizeIndicated()
		if err := checkIndicatedSize(s.streamer.DataLength, s.sizeIndicated, s.streamer.HasAttribute(od.AttributeStr)); err != nil {
			return err
		}
	}
	s.logger.Debug("[RX] block download initiate",
		"index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex),
		"crc", s.blockCRCEnabled, "size", s.sizeIndicated, "raw", rx.raw)
	s.state = stateDownloadBlkInitiateRsp
	s.finished = false
	return nil
}

// rxDownloadBlockSubBlock consumes one segment of a sub-block. Segments
// must arrive in order; anything else is either rewound to be resent or
// silently dropped, per CiA 301's block-transfer error recovery.
func (s *SDOServer) rxDownloadBlockSubBlock(rx SDOResponse) error {
	seqno := rx.Seqno()

	if seqno > s.blockSize || seqno != s.blockSequenceNb+1 {
		if seqno != s.blockSequenceNb && s.blockSequenceNb != 0 {
			s.logger.Warn("[RX] block download sub-block, wrong sequence",
				"got", seqno, "previous", s.blockSequenceNb,
				"index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex))
			s.state = stateDownloadBlkSubblockRsp
			return nil
		}
		s.logger.Warn("[RX] block download sub-block, ignoring stray frame",
			"got", seqno, "expected", s.blockSequenceNb+1)
		return nil
	}

	s.buf.Write(rx.raw[1:])
	s.blockSequenceNb = seqno
	s.sizeTransferred += BlockSeqSize

	switch {
	case !rx.SegmentRemaining():
		s.finished = true
		s.state = stateDownloadBlkSubblockRsp
		s.logger.Debug("[RX] block download end of sub-block train", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", rx.raw)
	case seqno == s.blockSize:
		s.state = stateDownloadBlkSubblockRsp
		s.logger.Debug("[RX] block download sub-block complete", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", rx.raw)
	default:
		s.logger.Debug("[RX] block download segment", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", rx.raw)
	}
	return nil
}

func (s *SDOServer) rxDownloadBlockEnd(rx SDOResponse) error {
	s.logger.Debug("[RX] block download end", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", rx.raw)
	if (rx.raw[0] & 0xE3) != 0xC1 {
		return AbortCmd
	}

	// The low bits of the command specifier count padding bytes in the
	// final segment; trim them before they reach the OD.
	padding := (rx.raw[0] >> 2) & 0x07
	if uint32(s.buf.Len()) <= uint32(padding) {
		s.errorExtraInfo = fmt.Errorf("transfer buffer too small to trim %d padding bytes", padding)
		return AbortDeviceIncompat
	}
	s.sizeTransferred -= uint32(padding)
	s.buf.Truncate(s.buf.Len() - int(padding))

	clientCRC := crc.CRC16(0)
	if s.blockCRCEnabled {
		clientCRC = rx.GetCRCClient()
	}
	if err := s.writeObjectDictionary(2, clientCRC); err != nil {
		return err
	}
	s.state = stateDownloadBlkEndRsp
	return nil
}

func (s *SDOServer) txDownloadBlockInitiate() {
	s.txBuffer.Data[0] = 0xA4
	s.txBuffer.Data[1] = byte(s.index)
	s.txBuffer.Data[2] = byte(s.index >> 8)
	s.txBuffer.Data[3] = s.subindex

	s.sizeTransferred = 0
	s.finished = false
	s.buf.Reset()
	s.blockSequenceNb = 0
	s.blockCRC = crc.CRC16(0)

	s.blockSize = blockSizeFromFreeSpace(s.buf.Available() - 2)
	s.txBuffer.Data[4] = s.blockSize

	s.state = stateDownloadBlkSubblockReq
	s.logger.Debug("[TX] block download initiate", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", s.txBuffer.Data)
	s.Send(s.txBuffer)
}

func (s *SDOServer) txDownloadBlockSubBlock() error {
	s.txBuffer.Data[0] = 0xA2
	s.txBuffer.Data[1] = s.blockSequenceNb
	s.txBuffer.Data[2] = s.blockSize
	retransmit := s.blockSequenceNb != s.blockSize

	if s.finished {
		s.state = stateDownloadBlkEndReq
		s.Send(s.txBuffer)
		s.logger.Debug("[TX] block download ack, end", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "blocksize", s.blockSize, "raw", s.txBuffer.Data)
		return nil
	}

	// If 127 bytes or fewer are free, push what's buffered to the OD once
	// before announcing the next block size, which is sized to the free space.
	free := s.buf.Available()
	if free <= BlockMaxSize && s.buf.Len() > 0 {
		if err := s.writeObjectDictionary(1, 0); err != nil {
			return err
		}
		free = s.buf.Available()
	}
	s.blockSize = blockSizeFromFreeSpace(free)
	s.blockSequenceNb = 0
	s.txBuffer.Data[2] = s.blockSize
	s.state = stateDownloadBlkSubblockReq
	s.Send(s.txBuffer)

	if retransmit {
		s.logger.Debug("[TX] block download restart", "blocksize", s.blockSize)
		return nil
	}
	s.logger.Debug("[TX] block download ack", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "blocksize", s.blockSize, "raw", s.txBuffer.Data)
	return nil
}

func (s *SDOServer) txDownloadBlockEnd() {
	s.txBuffer.Data[0] = 0xA1
	s.logger.Debug("[TX] block download end", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", s.txBuffer.Data)
	s.Send(s.txBuffer)
	s.state = stateIdle
}

// blockSizeFromFreeSpace picks the largest number of 7-byte segments that
// fit in the given free space, capped at the protocol's maximum block size.
func blockSizeFromFreeSpace(free int) uint8 {
	count := free / BlockSeqSize
	if count > BlockMaxSize {
		count = BlockMaxSize
	}
	if count < 0 {
		count = 0
	}
	return uint8(count)
}
