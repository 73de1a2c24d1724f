// Package eventsink names the upstream RPC/event sink contract (spec
// §1, §6): the external collaborator central publishes device
// lifecycle and value-change events to. A concrete sink (an RPC server,
// a message bus publisher) lives outside the protocol engine.
package eventsink

import "github.com/Homegear/Homegear-MAX/packet"

// DeviceInfo is the minimal device-created/device-deleted metadata
// central has on hand; a real sink enriches this with the full RPC
// device description from the catalog.
type DeviceInfo struct {
	ID      uint64
	Address packet.Addr
	Serial  string
}

// Sink receives every upstream-visible event central emits.
type Sink interface {
	// OnNewDevices fires once pairing finalizes a peer (§4.7).
	OnNewDevices(devices []DeviceInfo)
	// OnDeleteDevices fires once a reset/unpair completes (§4.8, §8
	// scenario 2).
	OnDeleteDevices(devices []DeviceInfo)
	// OnUpdateDevice is for metadata changes that don't carry a value
	// (e.g. firmware update, interface reassignment); nothing in this
	// module calls it.
	OnUpdateDevice(id uint64, channel int32, addressString string, flags int32)
	// OnRPCEvent fires per-channel value changes: service-message flips
	// and parameter updates from the receive path (§4.12).
	OnRPCEvent(source string, peerID uint64, channel int32, address packet.Addr, keys []string, values []interface{})
}
