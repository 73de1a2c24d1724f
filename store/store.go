// Package store names the persistence-store contract (spec §1, §6): a
// durable KV for device rows, central variables, and per-peer variables,
// plus the binary pending-queue serialization format that must survive
// a restart byte-for-byte (§8).
package store

import "github.com/Homegear/Homegear-MAX/packet"

// Central-level and peer-level variable ids from §6's persistence
// layout.
const (
	VarCentralAddress     = 1 // central: i32
	VarMessageCounters    = 2 // central: blob
	VarPeerMessageCounter = 5 // peer: i32
	VarPeerLinks          = 12 // peer: blob
	VarPendingQueues      = 16 // peer: blob
	VarPhysicalInterface  = 19 // peer: text
)

// DeviceRow is one row of the device table (§6).
type DeviceRow struct {
	ID       uint64
	ParentID uint64
	Address  packet.Addr
	Serial   string
	Type     uint32
	Value    []byte
}

// Store is the durable-KV contract central and peer depend on.
type Store interface {
	// SaveDevice upserts a device row, returning its assigned id if it
	// was newly created.
	SaveDevice(row DeviceRow) (uint64, error)
	DeleteDevice(id uint64) error
	LoadDevices() ([]DeviceRow, error)

	// SaveCentralVariable is idempotent, keyed by the VarCentral* ids.
	SaveCentralVariable(id int, value []byte) error
	LoadCentralVariable(id int) ([]byte, bool, error)

	// SavePeerVariable is idempotent, keyed by peer id and the VarPeer*
	// ids.
	SavePeerVariable(peerID uint64, varID int, value []byte) error
	LoadPeerVariable(peerID uint64, varID int) ([]byte, bool, error)
	DeletePeerVariables(peerID uint64) error

	Close() error
}
