package sdo

// processOutgoing drives the server's tx half: based on the current state
// (set by whichever rx* handler just ran), build and send the matching
// response frame.
func (s *SDOServer) processOutgoing() error {
	s.txBuffer.Data = [8]byte{0}

	switch s.state {
	case stateDownloadInitiateRsp:
		s.txDownloadInitiate()

	case stateDownloadSegmentRsp:
		s.txDownloadSegment()

	case stateUploadInitiateRsp:
		s.txUploadInitiate()

	case stateUploadExpeditedRsp:
		s.txUploadExpedited()

	case stateUploadSegmentRsp:
		return s.txUploadSegment()

	case stateDownloadBlkInitiateRsp:
		s.txDownloadBlockInitiate()

	case stateDownloadBlkSubblockRsp:
		return s.txDownloadBlockSubBlock()

	case stateDownloadBlkEndRsp:
		s.txDownloadBlockEnd()

	case stateUploadBlkInitiateRsp:
		s.txUploadBlockInitiate()

	case stateUploadBlkSubblockSreq:
		if err := s.txUploadBlockSubBlock(); err != nil {
			return err
		}
		// Each call sends one segment; re-enter until the whole sub-block
		// has been sent and the state has moved on.
		return s.processOutgoing()

	case stateUploadBlkEndSreq:
		s.txUploadBlockEnd()
	}
	return nil
}

// txAbort sends an abort frame for err, falling back to a generic abort
// code if err isn't one of our own [SDOAbortCode] values.
func (s *SDOServer) txAbort(err error) {
	sdoAbort, ok := err.(SDOAbortCode)
	if !ok {
		s.logger.Error("abort internal error: unknown abort code", "err", err)
		sdoAbort = AbortGeneral
	}
	s.SendAbort(sdoAbort)
	s.state = stateIdle
}
