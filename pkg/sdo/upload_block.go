package sdo

import (
	"encoding/binary"
	"fmt"

	"github.com/canopen-go/canopen/internal/crc"
)

func (s *SDOServer) rxUploadBlockInitiate(rx SDOResponse) error {
	// A protocol-switch threshold larger than the whole transfer tells us
	// to fall back to the simpler (segmented/expedited) upload path.
	if s.sizeIndicated > 0 && rx.raw[5] > 0 && uint32(rx.raw[5]) >= s.sizeIndicated {
		return s.rxUploadInitiate(rx)
	}

	if rx.IsCRCEnabled() {
		s.blockCRCEnabled = true
		s.blockCRC = crc.CRC16(0)
		s.blockCRC.Block(s.buf.Bytes())
	} else {
		s.blockCRCEnabled = false
	}

	s.blockSize = rx.GetBlockSize()
	s.logger.Debug("[RX] block upload initiate",
		"index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex),
		"crc", s.blockCRCEnabled, "blocksize", s.blockSize, "raw", rx.raw)
	if s.blockSize < 1 || s.blockSize > BlockMaxSize {
		return AbortBlockSize
	}
	if !s.finished && uint32(s.buf.Len()) < uint32(s.blockSize)*BlockSeqSize {
		return AbortBlockSize
	}
	s.state = stateUploadBlkInitiateRsp
	return nil
}

// rxUploadSubBlock processes the client's acknowledgement of a sub-block,
// rewinding and re-reading from the OD for any segments the client reports
// missing before refilling the buffer for the next block.
func (s *SDOServer) rxUploadSubBlock(rx SDOResponse) error {
	if rx.raw[0] != 0xA2 {
		return AbortCmd
	}
	ackSeq := rx.raw[1]
	s.logger.Debug("[RX] block upload sub-block ack",
		"index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex),
		"blocksize", rx.raw[2], "ackseq", ackSeq, "seqno", s.blockSequenceNb, "raw", rx.raw)

	s.blockSize = rx.raw[2]
	if s.blockSize < 1 || s.blockSize > BlockMaxSize {
		return AbortBlockSize
	}
	if ackSeq > s.blockSequenceNb {
		s.logger.Debug("[RX] block upload ack exceeds what was sent, aborting")
		return AbortCmd
	}

	if ackSeq < s.blockSequenceNb {
		missing := uint32(s.blockSequenceNb-ackSeq)*BlockSeqSize - uint32(s.blockNoData)
		pending := uint32(s.buf.Len())
		s.sizeTransferred -= missing
		s.logger.Debug("[RX] block upload rewind to retransmit", "nBytes", missing+pending, "missing", missing, "pending", pending)

		s.streamer.DataOffset -= missing + pending
		s.buf.Reset()
		// Refill exactly what's needed, without recomputing CRC over bytes
		// already accounted for.
		if err := s.readObjectDictionary(missing+pending, int(pending+missing), false); err != nil {
			return err
		}
	}

	if err := s.readObjectDictionary(uint32(s.blockSize)*BlockSeqSize, -1, true); err != nil {
		return err
	}
	if s.buf.Len() == 0 {
		s.state = stateUploadBlkEndSreq
		return nil
	}
	s.blockSequenceNb = 0
	s.state = stateUploadBlkSubblockSreq
	return nil
}

func (s *SDOServer) txUploadBlockInitiate() {
	s.txBuffer.Data[0] = 0xC4
	s.txBuffer.Data[1] = byte(s.index)
	s.txBuffer.Data[2] = byte(s.index >> 8)
	s.txBuffer.Data[3] = s.subindex
	if s.sizeIndicated > 0 {
		s.txBuffer.Data[0] |= 0x02
		binary.LittleEndian.PutUint32(s.txBuffer.Data[4:], s.sizeIndicated)
	}
	s.logger.Debug("[TX] block upload initiate", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", s.txBuffer.Data)
	s.Send(s.txBuffer)
	s.state = stateUploadBlkInitiateReq2
}

func (s *SDOServer) txUploadBlockSubBlock() error {
	s.blockSequenceNb++
	s.txBuffer.Data[0] = s.blockSequenceNb

	unread := s.buf.Len()
	last := unread < BlockSeqSize || (s.finished && unread == BlockSeqSize)
	if last {
		s.txBuffer.Data[0] |= 0x80
	} else {
		unread = BlockSeqSize
	}
	s.buf.Read(s.txBuffer.Data[1 : 1+unread])
	s.blockNoData = byte(BlockSeqSize - unread)
	s.sizeTransferred += uint32(unread)

	if s.sizeIndicated > 0 {
		if s.sizeTransferred > s.sizeIndicated {
			return AbortDataLong
		}
		if s.buf.Len() == 0 && s.sizeTransferred < s.sizeIndicated {
			return AbortDataShort
		}
	}

	if s.buf.Len() == 0 || s.blockSequenceNb >= s.blockSize {
		s.state = stateUploadBlkSubblockCrsp
		s.logger.Debug("[TX] block upload sub-block, end of train", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", s.txBuffer.Data)
	} else {
		s.logger.Debug("[TX] block upload segment", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", s.txBuffer.Data)
	}
	s.Send(s.txBuffer)
	return nil
}

func (s *SDOServer) txUploadBlockEnd() {
	s.txBuffer.Data[0] = 0xC1 | (s.blockNoData << 2)
	s.txBuffer.Data[1] = byte(s.blockCRC)
	s.txBuffer.Data[2] = byte(s.blockCRC >> 8)
	s.logger.Debug("[TX] block upload end", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "size", s.sizeTransferred, "crc", s.blockCRC, "raw", s.txBuffer.Data)
	s.Send(s.txBuffer)
	s.state = stateUploadBlkEndCrsp
}
