// Package catalog names the device-description catalog contract: the
// external collaborator that maps (deviceType, firmware) to the
// function/parameter/packet schema a peer needs to interpret and build
// radio frames (spec §1, §4.11, §4.12). This package only defines the
// shape central and peer compile against; a concrete catalog (backed by
// XML/JSON device descriptions, a database, whatever) lives outside the
// protocol engine's boundary.
package catalog

import "time"

// OpType distinguishes a parameter that is merely stored from one that
// triggers a command packet and, often, a computed toggle.
type OpType int

const (
	OpStore OpType = iota
	OpCommand
)

// ValueType classifies a parameter's logical value, needed to resolve a
// toggle-cast COMMAND parameter's inverted value (§4.11).
type ValueType int

const (
	ValueBoolean ValueType = iota
	ValueInteger
	ValueFloat
)

// ParamsetType is one of the three disjoint per-channel namespaces
// (§GLOSSARY).
type ParamsetType string

const (
	ParamsetValues ParamsetType = "VALUES"
	ParamsetConfig ParamsetType = "CONFIG"
	ParamsetLink   ParamsetType = "LINK"
)

// Direction filters a FrameMessage to packets traveling toward or away
// from the central controller.
type Direction int

const (
	ToCentral Direction = iota
	FromCentral
)

// BinarySpec places one value into (or reads one value out of) a payload
// byte, per the set-packet-template and receive-frame rules in §4.11.
type BinarySpec struct {
	// IsConstant fields always encode ConstantValue; otherwise the byte
	// carries ParameterID's current value (optionally shifted by
	// Index2Offset and suppressed when it equals OmitIf).
	IsConstant    bool
	ConstantValue byte
	ParameterID   string
	Index2Offset  uint
	OmitIf        *byte
	PayloadOffset int // index-9, i.e. already relative to the payload start
}

// PacketTemplate is the outbound frame shape a COMMAND parameter
// resolves to.
type PacketTemplate struct {
	Type         uint8
	Subtype      int16 // -1 = any
	SubtypeIndex *int  // payload offset (index-9) to seed the subtype byte, nil if none
	ChannelIndex *int  // payload offset (index-9) to seed the channel byte, nil if none
	BinarySpecs  []BinarySpec
}

// Parameter is one entry in a channel's VALUES, CONFIG, or LINK
// paramset.
type Parameter struct {
	Name      string
	Channel   int32
	Paramset  ParamsetType
	OpType    OpType
	ValueType ValueType
	ReadOnly  bool
	Readable  bool
	Default   interface{}
	ListID    int  // CONFIG: which list-id write groups this parameter
	ByteIndex int  // CONFIG: byte offset within its list id
	BitMask   byte // CONFIG: bitfield mask within ByteIndex, 0xFF if whole byte
	SetTemplate *PacketTemplate
	AutoReset   []string // parameter names reset to Default when this parameter's command is queued

	// ToggleTarget, when set, makes this a toggle-cast COMMAND parameter
	// (§4.11): set_value doesn't build a command packet for it at all,
	// it resolves ToggleTarget's current value, inverts it, and recurses
	// into set_value against ToggleTarget instead. ToggleOn/ToggleOff
	// are the two values an integer or float target toggles between; a
	// boolean target just flips.
	ToggleTarget string
	ToggleOn     byte
	ToggleOff    byte
}

// FrameMessage maps one inbound wire message to the frame values it
// carries, per §4.12 get_values_from_packet.
type FrameMessage struct {
	Type          uint8
	Subtype       int16 // -1 = any
	Direction     Direction
	FixedLength   int // -1 = any
	ChannelIndex  *int
	BinarySpecs   []BinarySpec
	LowbatOffset  *int // payload offset (index-9) whose bit 7 maps to the LOWBAT service message
}

// DeviceDescription is the full schema for one (deviceType, firmware)
// pair.
type DeviceDescription struct {
	DeviceType    uint32
	Firmware      uint16
	NeedsTime     bool
	Timeout       time.Duration
	Parameters    []*Parameter
	FrameMessages []*FrameMessage
}

// Catalog resolves a device description by type and firmware.
type Catalog interface {
	Lookup(deviceType uint32, firmware uint16) (*DeviceDescription, bool)
}
