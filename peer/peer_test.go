package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Homegear/Homegear-MAX/catalog"
	"github.com/Homegear/Homegear-MAX/eventsink"
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/pqueue"
	"github.com/Homegear/Homegear-MAX/registry"
	"github.com/Homegear/Homegear-MAX/transport"
)

// fakeOwner is a minimal in-memory Owner stand-in for peer package
// tests: it records promoted pending queues and RPC events instead of
// driving a real queue manager or event sink.
type fakeOwner struct {
	mu sync.Mutex

	desc *catalog.DeviceDescription
	reg  *registry.Registry

	promoted []promotedCall
	events   []rpcEvent
}

type promotedCall struct {
	addr      packet.Addr
	qtype     pqueue.Type
	templates []*pqueue.Queue
}

type rpcEvent struct {
	source  string
	peerID  uint64
	channel int32
	keys    []string
	values  []interface{}
}

func (o *fakeOwner) Catalog() catalog.Catalog { return fakeCatalog{o.desc} }
func (o *fakeOwner) EventSink() eventsink.Sink { return o }
func (o *fakeOwner) Registry() *registry.Registry { return o.reg }
func (o *fakeOwner) InterfaceByID(id string) (transport.Interface, bool) { return nil, false }

func (o *fakeOwner) PromotePending(addr packet.Addr, qtype pqueue.Type, templates []*pqueue.Queue) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.promoted = append(o.promoted, promotedCall{addr, qtype, templates})
}

func (o *fakeOwner) BuildTimePacket(dest packet.Addr, counter uint8, burst bool) *packet.Packet {
	return &packet.Packet{Counter: counter, Type: 0x03, Subtype: 0, Dest: dest, Payload: []byte{0, 0, 0, 0, 0, 0}, Burst: burst}
}

func (o *fakeOwner) OnNewDevices(devices []eventsink.DeviceInfo)    {}
func (o *fakeOwner) OnDeleteDevices(devices []eventsink.DeviceInfo) {}
func (o *fakeOwner) OnUpdateDevice(id uint64, channel int32, addressString string, flags int32) {}

func (o *fakeOwner) OnRPCEvent(source string, peerID uint64, channel int32, address packet.Addr, keys []string, values []interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, rpcEvent{source, peerID, channel, keys, values})
}

type fakeCatalog struct{ desc *catalog.DeviceDescription }

func (c fakeCatalog) Lookup(deviceType uint32, firmware uint16) (*catalog.DeviceDescription, bool) {
	if c.desc == nil {
		return nil, false
	}
	return c.desc, true
}

func ackDescriptor() *registry.Descriptor {
	return &registry.Descriptor{Name: "ack", Type: 0x02, Subtype: -1}
}

func newTestRegistry() *registry.Registry {
	reg := registry.New()
	reg.Add(ackDescriptor())
	return reg
}

func TestSetValueStoreParameterUpdatesInMemoryAndEmits(t *testing.T) {
	owner := &fakeOwner{reg: newTestRegistry(), desc: &catalog.DeviceDescription{
		Parameters: []*catalog.Parameter{
			{Name: "DISPLAY_MODE", Channel: 0, Paramset: catalog.ParamsetValues, OpType: catalog.OpStore},
		},
	}}
	p := New(1, packet.Addr(0x1), "SER0000001", 0x40, 0x10, RxAlways, "iface0", owner, logging.New("test"))

	err := p.SetValue(0, "DISPLAY_MODE", true, false)
	require.NoError(t, err)

	v, ok := p.valueParams.get(0, "DISPLAY_MODE")
	require.True(t, ok)
	assert.Equal(t, true, v)
	require.Len(t, owner.events, 1)
	assert.Equal(t, "client", owner.events[0].source)
}

func TestSetValueUnknownParameterErrors(t *testing.T) {
	owner := &fakeOwner{reg: newTestRegistry(), desc: &catalog.DeviceDescription{}}
	p := New(1, packet.Addr(0x1), "SER0000001", 0x40, 0x10, RxAlways, "iface0", owner, logging.New("test"))

	err := p.SetValue(0, "NOPE", 1, false)
	assert.ErrorIs(t, err, ErrUnknownParameter)
}

func TestSetValueReadOnlyErrors(t *testing.T) {
	owner := &fakeOwner{reg: newTestRegistry(), desc: &catalog.DeviceDescription{
		Parameters: []*catalog.Parameter{
			{Name: "TEMP", Channel: 1, Paramset: catalog.ParamsetValues, OpType: catalog.OpStore, ReadOnly: true},
		},
	}}
	p := New(1, packet.Addr(0x1), "SER0000001", 0x40, 0x10, RxAlways, "iface0", owner, logging.New("test"))

	err := p.SetValue(1, "TEMP", 21.0, false)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestSetValueCommandParameterBuildsAndPromotesQueue(t *testing.T) {
	chIdx := 0
	desc := &catalog.DeviceDescription{
		Parameters: []*catalog.Parameter{
			{
				Name:     "LEVEL",
				Channel:  1,
				Paramset: catalog.ParamsetValues,
				OpType:   catalog.OpCommand,
				SetTemplate: &catalog.PacketTemplate{
					Type:         0x11,
					ChannelIndex: &chIdx,
					BinarySpecs: []catalog.BinarySpec{
						{ParameterID: "LEVEL", PayloadOffset: 1},
					},
				},
			},
		},
	}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0x2), "SER0000002", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))

	err := p.SetValue(1, "LEVEL", byte(50), false)
	require.NoError(t, err)

	require.Len(t, owner.promoted, 1)
	call := owner.promoted[0]
	assert.Equal(t, packet.Addr(0x2), call.addr)
	require.Len(t, call.templates, 1)
	entry, ok := call.templates[0].Front()
	require.True(t, ok)
	assert.Equal(t, byte(0x11), entry.Packet.Type)
	assert.Equal(t, byte(1), entry.Packet.Payload[0], "channel byte seeded at ChannelIndex")
	assert.Equal(t, byte(50), entry.Packet.Payload[1], "LEVEL byte seeded at its PayloadOffset")
}

func TestSetValueNotReachableDoesNotPromote(t *testing.T) {
	chIdx := 0
	desc := &catalog.DeviceDescription{
		Parameters: []*catalog.Parameter{
			{
				Name:     "LEVEL",
				Channel:  1,
				Paramset: catalog.ParamsetValues,
				OpType:   catalog.OpCommand,
				SetTemplate: &catalog.PacketTemplate{
					Type:         0x11,
					ChannelIndex: &chIdx,
					BinarySpecs:  []catalog.BinarySpec{{ParameterID: "LEVEL", PayloadOffset: 1}},
				},
			},
		},
	}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0x3), "SER0000003", 0x80, 0x10, RxWakeup, "iface0", owner, logging.New("test"))

	err := p.SetValue(1, "LEVEL", byte(10), false)
	require.NoError(t, err)
	assert.Empty(t, owner.promoted, "non-reachable rx mode must wait for the next wakeup, not promote now")

	drained := p.DrainPendingTemplates()
	assert.Len(t, drained, 1)
}

func TestSetValueToggleCastBooleanFlipsStoredValue(t *testing.T) {
	desc := &catalog.DeviceDescription{
		Parameters: []*catalog.Parameter{
			{Name: "STATE", Channel: 1, Paramset: catalog.ParamsetValues, OpType: catalog.OpStore, ValueType: catalog.ValueBoolean, Readable: true},
			{Name: "STATE_TOGGLE", Channel: 1, Paramset: catalog.ParamsetValues, OpType: catalog.OpCommand, ToggleTarget: "STATE"},
		},
	}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0x5), "SER0000005", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))
	p.valueParams.set(1, "STATE", true)

	err := p.SetValue(1, "STATE_TOGGLE", nil, false)
	require.NoError(t, err)

	v, ok := p.valueParams.get(1, "STATE")
	require.True(t, ok)
	assert.Equal(t, false, v, "toggling a true STATE must store false")
}

func TestSetValueToggleCastIntegerUsesOnOffPair(t *testing.T) {
	desc := &catalog.DeviceDescription{
		Parameters: []*catalog.Parameter{
			{Name: "MODE", Channel: 1, Paramset: catalog.ParamsetValues, OpType: catalog.OpStore, ValueType: catalog.ValueInteger, Readable: true},
			{Name: "MODE_TOGGLE", Channel: 1, Paramset: catalog.ParamsetValues, OpType: catalog.OpCommand, ToggleTarget: "MODE", ToggleOn: 2, ToggleOff: 0},
		},
	}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0x6), "SER0000006", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))
	p.valueParams.set(1, "MODE", 0)

	err := p.SetValue(1, "MODE_TOGGLE", nil, false)
	require.NoError(t, err)
	v, _ := p.valueParams.get(1, "MODE")
	assert.Equal(t, 2, v, "MODE was at off (0), toggling must land on ToggleOn")

	err = p.SetValue(1, "MODE_TOGGLE", nil, false)
	require.NoError(t, err)
	v, _ = p.valueParams.get(1, "MODE")
	assert.Equal(t, 0, v, "MODE was at on (2), toggling again must land back on ToggleOff")
}

func TestPutParamsetVariablesDelegatesToSetValue(t *testing.T) {
	desc := &catalog.DeviceDescription{
		Parameters: []*catalog.Parameter{
			{Name: "DISPLAY_MODE", Channel: 0, Paramset: catalog.ParamsetValues, OpType: catalog.OpStore, Readable: true},
		},
	}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0x7), "SER0000007", 0x40, 0x10, RxAlways, "iface0", owner, logging.New("test"))

	err := p.PutParamset(0, catalog.ParamsetValues, map[string]interface{}{"DISPLAY_MODE": true}, false)
	require.NoError(t, err)

	v, ok := p.valueParams.get(0, "DISPLAY_MODE")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestPutParamsetGroupsByListAndOrsBitfields(t *testing.T) {
	desc := &catalog.DeviceDescription{
		Parameters: []*catalog.Parameter{
			{Name: "COMFORT_TEMP", Channel: 1, Paramset: catalog.ParamsetConfig, ListID: 0, ByteIndex: 0, BitMask: 0xFF},
			{Name: "DECALCIFICATION_DAY", Channel: 1, Paramset: catalog.ParamsetConfig, ListID: 0, ByteIndex: 1, BitMask: 0x07},
			{Name: "BOOST_VALVE", Channel: 1, Paramset: catalog.ParamsetConfig, ListID: 0, ByteIndex: 1, BitMask: 0x80},
		},
	}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0x4), "SER0000004", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))

	err := p.PutParamset(1, catalog.ParamsetConfig, map[string]interface{}{
		"COMFORT_TEMP":        byte(42),
		"DECALCIFICATION_DAY": byte(3),
		"BOOST_VALVE":         true,
	}, false)
	require.NoError(t, err)

	require.Len(t, owner.promoted, 1)
	call := owner.promoted[0]
	require.Len(t, call.templates, 1)
	entry, ok := call.templates[0].Front()
	require.True(t, ok)
	assert.Equal(t, byte(0x10), entry.Packet.Type)
	assert.Equal(t, byte(0), entry.Packet.Payload[0], "list id byte")
	assert.Equal(t, byte(42), entry.Packet.Payload[1])
	assert.Equal(t, byte(3|0x80), entry.Packet.Payload[2], "DECALCIFICATION_DAY and BOOST_VALVE OR into the same byte")
}

func TestPacketReceivedDedupesRepeatedCounter(t *testing.T) {
	owner := &fakeOwner{reg: newTestRegistry(), desc: &catalog.DeviceDescription{}}
	p := New(1, packet.Addr(0x5), "SER0000005", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))
	central := packet.Addr(0xFFFFFF)

	// dest == the peer's own address models a message addressed to this
	// device (relayed back through central), not a self-originated wake.
	pkt := &packet.Packet{Counter: 7, Type: 0x10, Sender: central, Dest: packet.Addr(0x5), Payload: []byte{1}}
	_, handled := p.PacketReceived(pkt, central, time.Now())
	assert.True(t, handled)

	reply, handled := p.PacketReceived(pkt, central, time.Now())
	require.True(t, handled)
	require.NotNil(t, reply)
	assert.Equal(t, uint8(0x02), reply.Type, "repeated counter addressed to us gets a stateless OK")
}

func TestPacketReceivedExtractsFrameValuesAndEmits(t *testing.T) {
	chIdx := 0
	desc := &catalog.DeviceDescription{
		FrameMessages: []*catalog.FrameMessage{
			{
				Type:         0x10,
				Subtype:      -1,
				Direction:    catalog.ToCentral,
				FixedLength:  -1,
				ChannelIndex: &chIdx,
				BinarySpecs: []catalog.BinarySpec{
					{ParameterID: "TEMPERATURE", PayloadOffset: 1},
				},
			},
		},
	}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0x6), "SER0000006", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))
	central := packet.Addr(0xFFFFFF)

	pkt := &packet.Packet{Counter: 1, Type: 0x10, Sender: packet.Addr(0x6), Dest: packet.Addr(0x999999), Payload: []byte{2, 21}}
	_, _ = p.PacketReceived(pkt, central, time.Now())

	v, ok := p.valueParams.get(2, "TEMPERATURE")
	require.True(t, ok)
	assert.Equal(t, byte(21), v)
	require.Len(t, owner.events, 1)
	assert.Equal(t, []string{"TEMPERATURE"}, owner.events[0].keys)
}

func TestPacketReceivedOwnWakeClearsBurstAndPromotesTemplates(t *testing.T) {
	owner := &fakeOwner{reg: newTestRegistry(), desc: &catalog.DeviceDescription{}}
	p := New(1, packet.Addr(0x7), "SER0000007", 0x80, 0x10, RxWakeOnRadio, "iface0", owner, logging.New("test"))
	central := packet.Addr(0xFFFFFF)

	template := pqueue.NewTemplate(pqueue.TypeDefault, "LEVEL", 1)
	template.AppendSend(&packet.Packet{Type: 0x11, Burst: true}, false, false)
	p.PushPendingQueue(template)

	pkt := &packet.Packet{Counter: 3, Type: 0x11, Subtype: 2, Sender: packet.Addr(0x7), Dest: central, Payload: nil}
	reply, handled := p.PacketReceived(pkt, central, time.Now())

	require.True(t, handled)
	require.NotNil(t, reply)
	assert.Equal(t, uint8(0x02), reply.Type)
	require.Len(t, owner.promoted, 1)
	promotedEntry, ok := owner.promoted[0].templates[0].Front()
	require.True(t, ok)
	assert.False(t, promotedEntry.Packet.Burst, "clearBurst must flip Burst false before promotion")
}

func TestTickMarksUnreachableAfterTimeout(t *testing.T) {
	desc := &catalog.DeviceDescription{Timeout: 10 * time.Minute}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0x8), "SER0000008", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))

	now := time.Now()
	p.LastPacketReceivedMs = now.Add(-20 * time.Minute).UnixMilli()

	p.Tick(now)
	assert.True(t, p.ServiceMessages.Unreach)
}

func TestTickSendsPeriodicTimePacketWhenNeedsTime(t *testing.T) {
	desc := &catalog.DeviceDescription{NeedsTime: true}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0x9), "SER0000009", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))

	p.Tick(time.Now())

	require.Len(t, owner.promoted, 1)
	entry, ok := owner.promoted[0].templates[0].Front()
	require.True(t, ok)
	assert.Equal(t, uint8(0x03), entry.Packet.Type)
	assert.NotZero(t, p.LastTimePacketMs)
}

func TestTickSkipsTimePacketBeforeInterval(t *testing.T) {
	desc := &catalog.DeviceDescription{NeedsTime: true}
	owner := &fakeOwner{reg: newTestRegistry(), desc: desc}
	p := New(1, packet.Addr(0xA), "SER000000A", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))

	now := time.Now()
	p.LastTimePacketMs = now.Add(-1 * time.Hour).UnixMilli()
	p.Tick(now)

	assert.Empty(t, owner.promoted, "12h has not elapsed yet")
}

func TestTickReenqueuesConfigPendingAfterDelay(t *testing.T) {
	owner := &fakeOwner{reg: newTestRegistry(), desc: &catalog.DeviceDescription{}}
	p := New(1, packet.Addr(0xB), "SER000000B", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))
	p.ServiceMessages.SetConfigPending(true)
	p.RandomSleepMs = 0
	p.PushPendingQueue(pqueue.NewTemplate(pqueue.TypeConfig, "X", 1))

	now := time.Now()
	p.LastPacketReceivedMs = now.Add(-1000 * time.Second).UnixMilli()
	p.Tick(now)

	require.Len(t, owner.promoted, 1)
	assert.Equal(t, pqueue.TypeDefault, owner.promoted[0].qtype)
}

func TestTickDoesNotReenqueueConfigPendingBeforeDelay(t *testing.T) {
	owner := &fakeOwner{reg: newTestRegistry(), desc: &catalog.DeviceDescription{}}
	p := New(1, packet.Addr(0xC), "SER000000C", 0x80, 0x10, RxAlways, "iface0", owner, logging.New("test"))
	p.ServiceMessages.SetConfigPending(true)
	p.RandomSleepMs = 0
	p.PushPendingQueue(pqueue.NewTemplate(pqueue.TypeConfig, "X", 1))

	now := time.Now()
	p.LastPacketReceivedMs = now.Add(-10 * time.Second).UnixMilli()
	p.Tick(now)

	assert.Empty(t, owner.promoted)
}
