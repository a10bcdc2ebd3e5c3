package config

// TIME COB-ID bit layout (object 0x1012): bit 30 gates the producer, bit 31
// gates the consumer; the low 11 bits carry the CAN-ID itself.
const (
	timeProducerBit = 30
	timeConsumerBit = 31
)

func (config *NodeConfigurator) ReadCobIdTIME() (cobId uint32, err error) {
	return config.client.ReadUint32(config.nodeId, 0x1012, 0)
}

func (config *NodeConfigurator) ProducerEnableTIME() error {
	return config.toggleCobIdBit(0x1012, timeProducerBit, true)
}

func (config *NodeConfigurator) ProducerDisableTIME() error {
	return config.toggleCobIdBit(0x1012, timeProducerBit, false)
}

func (config *NodeConfigurator) ConsumerEnableTIME() error {
	return config.toggleCobIdBit(0x1012, timeConsumerBit, true)
}

func (config *NodeConfigurator) ConsumerDisableTIME() error {
	return config.toggleCobIdBit(0x1012, timeConsumerBit, false)
}
