package config

import (
	"log/slog"

	"github.com/canopen-go/canopen/pkg/sdo"
)

// NodeConfigurator provides helper methods for
// reading / updating CANopen reserved configuration objects
// i.e. objects between 0x1000 and 0x2000.
// No EDS files need to be loaded for configuring these parameters
// This uses an SDO client to access the different objects
type NodeConfigurator struct {
	client *sdo.SDOClient
	nodeId uint8
	logger *slog.Logger
}

// Create a new [NodeConfigurator] for given ID and SDOClient
func NewNodeConfigurator(nodeId uint8, client *sdo.SDOClient) *NodeConfigurator {
	configurator := NodeConfigurator{client: client, nodeId: nodeId, logger: slog.Default()}
	return &configurator
}

// toggleCobIdBit reads a COB-ID producer/consumer entry, sets or clears the
// given bit, and writes the result back. Used for the enable/disable bits
// shared by SYNC (0x1005), TIME (0x1012) and similar producer/consumer COB-IDs.
func (config *NodeConfigurator) toggleCobIdBit(index uint16, bit uint, set bool) error {
	cobId, err := config.client.ReadUint32(config.nodeId, index, 0)
	if err != nil {
		return err
	}
	if set {
		cobId |= 1 << bit
	} else {
		cobId &^= 1 << bit
	}
	return config.client.WriteRaw(config.nodeId, index, 0x0, cobId, false)
}
