package sdo

import "fmt"

// rxUploadInitiate decides whether the whole value fits in one expedited
// frame or whether a segmented upload is needed.
func (s *SDOServer) rxUploadInitiate(rx SDOResponse) error {
	s.logger.Debug("[RX] upload initiate", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", rx.raw)
	if s.sizeIndicated > 0 && s.sizeIndicated <= 4 {
		s.state = stateUploadExpeditedRsp
		return nil
	}
	s.state = stateUploadInitiateRsp
	return nil
}

func (s *SDOServer) txUploadExpedited() {
	s.txBuffer.Data[0] = 0x43 | ((4 - byte(s.sizeIndicated)) << 2)
	s.txBuffer.Data[1] = byte(s.index)
	s.txBuffer.Data[2] = byte(s.index >> 8)
	s.txBuffer.Data[3] = s.subindex
	s.buf.Read(s.txBuffer.Data[4 : 4+s.sizeIndicated])
	s.state = stateIdle
	s.Send(s.txBuffer)
	s.logger.Debug("[TX] upload expedited", "index", fmt.Sprintf("x%x", s.index), "subindex", fmt.Sprintf("x%x", s.subindex), "raw", s.txBuffer.Data)
}
