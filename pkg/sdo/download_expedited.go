package sdo

import (
	"fmt"

	"github.com/canopen-go/canopen/pkg/od"
)

// rxDownloadInitiate handles the first frame of a download, dispatching to
// either an in-place expedited write or setting up a segmented transfer.
func (s *SDOServer) rxDownloadInitiate(rx SDOResponse) error {
	if !rx.IsExpedited() {
		return s.rxDownloadInitiateSegmented(rx)
	}
	return s.rxDownloadInitiateExpedited(rx)
}

func (s *SDOServer) rxDownloadInitiateSegmented(rx SDOResponse) error {
	s.logger.Debug("[RX] download initiate, segmented",
		"index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", rx.raw)

	if rx.IsSizeIndicated() {
		s.sizeIndicated = rx.SizeIndicated()
		if err := checkIndicatedSize(s.streamer.DataLength, s.sizeIndicated, s.streamer.HasAttribute(od.AttributeStr)); err != nil {
			return err
		}
	}
	s.state = stateDownloadInitiateRsp
	s.finished = false
	return nil
}

func (s *SDOServer) rxDownloadInitiateExpedited(rx SDOResponse) error {
	s.logger.Debug("[RX] download initiate, expedited",
		"index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", rx.raw)

	sizeInOd := s.streamer.DataLength
	nbToWrite := 4
	switch {
	case rx.IsSizeIndicated():
		nbToWrite -= (int(rx.raw[0]) >> 2) & 0x03
	case sizeInOd > 0 && sizeInOd < 4:
		nbToWrite = int(sizeInOd)
	}

	if s.streamer.HasAttribute(od.AttributeStr) && (sizeInOd == 0 || uint32(nbToWrite) < sizeInOd) {
		// A string may stop short of the declared length; pad to account
		// for the nul terminator(s) the sender chose not to send.
		if delta := sizeInOd - uint32(nbToWrite); delta == 1 {
			nbToWrite++
		} else {
			nbToWrite += 2
		}
		s.streamer.DataLength = uint32(nbToWrite)
	} else if sizeInOd == 0 {
		s.streamer.DataLength = uint32(nbToWrite)
	} else if nbToWrite != int(sizeInOd) {
		if nbToWrite > int(sizeInOd) {
			return AbortDataLong
		}
		return AbortDataShort
	}

	if _, err := s.streamer.Write(rx.raw[4 : 4+nbToWrite]); err != nil {
		return ConvertOdToSdoAbort(err.(od.ODR))
	}
	s.state = stateDownloadInitiateRsp
	s.finished = true
	return nil
}

func (s *SDOServer) txDownloadInitiate() {
	s.txBuffer.Data[0] = 0x60
	s.txBuffer.Data[1] = byte(s.index)
	s.txBuffer.Data[2] = byte(s.index >> 8)
	s.txBuffer.Data[3] = s.subindex
	s.Send(s.txBuffer)

	if s.finished {
		s.logger.Debug("[TX] download initiate, expedited",
			"index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", s.txBuffer.Data)
		s.state = stateIdle
		return
	}

	s.logger.Debug("[TX] download initiate, segmented",
		"index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", s.txBuffer.Data)
	s.toggle = 0x00
	s.sizeTransferred = 0
	s.buf.Reset()
	s.state = stateDownloadSegmentReq
}
