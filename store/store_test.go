package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/pqueue"
	"github.com/Homegear/Homegear-MAX/registry"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maxd.bolt")
	s, err := OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltSaveDeviceAssignsIDAndRoundTrips(t *testing.T) {
	s := openTestBolt(t)

	id, err := s.SaveDevice(DeviceRow{Address: 0x123456, Serial: "NQ0123456", Type: 42})
	require.NoError(t, err)
	assert.NotZero(t, id)

	rows, err := s.LoadDevices()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
	assert.Equal(t, packet.Addr(0x123456), rows[0].Address)
	assert.Equal(t, "NQ0123456", rows[0].Serial)
	assert.Equal(t, uint32(42), rows[0].Type)
}

func TestBoltSaveDevicePreservesExplicitID(t *testing.T) {
	s := openTestBolt(t)

	id, err := s.SaveDevice(DeviceRow{ID: 7, Address: 0x1, Serial: "a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)

	id2, err := s.SaveDevice(DeviceRow{ID: 7, Address: 0x2, Serial: "b"})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id2)

	rows, err := s.LoadDevices()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0].Serial)
}

func TestBoltDeleteDeviceRemovesRow(t *testing.T) {
	s := openTestBolt(t)

	id, err := s.SaveDevice(DeviceRow{Address: 0x1, Serial: "a"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteDevice(id))

	rows, err := s.LoadDevices()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBoltCentralVariableRoundTrip(t *testing.T) {
	s := openTestBolt(t)

	_, ok, err := s.LoadCentralVariable(VarCentralAddress)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveCentralVariable(VarCentralAddress, []byte{0x12, 0x34, 0x56}))
	v, ok, err := s.LoadCentralVariable(VarCentralAddress)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x12, 0x34, 0x56}, v)
}

func TestBoltPeerVariableRoundTripAndDelete(t *testing.T) {
	s := openTestBolt(t)

	require.NoError(t, s.SavePeerVariable(1, VarPeerMessageCounter, []byte{0x01}))
	require.NoError(t, s.SavePeerVariable(2, VarPeerMessageCounter, []byte{0x02}))

	v, ok, err := s.LoadPeerVariable(1, VarPeerMessageCounter)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01}, v)

	require.NoError(t, s.DeletePeerVariables(1))

	_, ok, err = s.LoadPeerVariable(1, VarPeerMessageCounter)
	require.NoError(t, err)
	assert.False(t, ok)

	v2, ok, err := s.LoadPeerVariable(2, VarPeerMessageCounter)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x02}, v2)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maxd.bolt")
	s, err := OpenBolt(path)
	require.NoError(t, err)
	_, err = s.SaveDevice(DeviceRow{Address: 0xABCDEF, Serial: "NQ9999999"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()

	rows, err := reopened.LoadDevices()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "NQ9999999", rows[0].Serial)
}

func TestBoltOpenIsIdempotentOnExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maxd.bolt")
	s1, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	s2, err := OpenBolt(path)
	require.NoError(t, err)
	defer s2.Close()
}

// TestEncodePendingQueuesRoundTripsByteForByte covers §8's restart
// invariant: a pending queue serialized, encoded and decoded must match
// the original entry-for-entry, including an
// AwaitMessage barrier that must re-resolve against the live registry.
func TestEncodePendingQueuesRoundTripsByteForByte(t *testing.T) {
	reg := registry.New()
	ackDesc := &registry.Descriptor{Name: "ack", Type: 0x02, Subtype: -1, Access: registry.Full}
	reg.Add(ackDesc)

	tmpl := pqueue.NewTemplate(pqueue.TypePairing, "", 0)
	sendPkt := &packet.Packet{Counter: 1, Type: 0x01, Subtype: 0, Sender: 0x100000, Dest: 0x200000, Payload: []byte{0x01, 0x02, 0x03}}
	tmpl.AppendSend(sendPkt, false, false)

	serialized := tmpl.Serialize("iface0")
	serialized.Entries = append(serialized.Entries, pqueueAwaitEntry(ackDesc))

	encoded := EncodePendingQueues([]*pqueue.SerializedQueue{serialized})

	decoded, err := DecodePendingQueues(encoded, reg)
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	got := decoded[0]
	assert.Equal(t, string(pqueue.TypePairing), got.Type)
	assert.Equal(t, "iface0", got.InterfaceID)
	require.Len(t, got.Entries, 2)

	assert.True(t, got.Entries[0].HasPacket)
	assert.Equal(t, serialized.Entries[0].PacketBytes, got.Entries[0].PacketBytes)

	assert.True(t, got.Entries[1].HasDescriptor)
	require.NotNil(t, got.Entries[1].ResolvedDescriptor)
	assert.Equal(t, "ack", got.Entries[1].ResolvedDescriptor.Name)
}

func TestDecodePendingQueuesDropsUnresolvedAwaitDescriptor(t *testing.T) {
	emptyReg := registry.New()
	unknownDesc := &registry.Descriptor{Name: "gone", Type: 0x99, Subtype: -1}

	tmpl := pqueue.NewTemplate(pqueue.TypePeer, "", 0)
	serialized := tmpl.Serialize("iface0")
	serialized.Entries = append(serialized.Entries, pqueueAwaitEntry(unknownDesc))

	encoded := EncodePendingQueues([]*pqueue.SerializedQueue{serialized})

	decoded, err := DecodePendingQueues(encoded, emptyReg)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Len(t, decoded[0].Entries, 1)
	assert.Nil(t, decoded[0].Entries[0].ResolvedDescriptor)
}

func TestEncodePendingQueuesEmptyListRoundTrips(t *testing.T) {
	encoded := EncodePendingQueues(nil)
	decoded, err := DecodePendingQueues(encoded, registry.New())
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

// pqueueAwaitEntry builds the SerializedEntry an AwaitMessage barrier
// serializes to, mirroring pqueue.Queue.Serialize's EntryAwait branch.
func pqueueAwaitEntry(d *registry.Descriptor) pqueue.SerializedEntry {
	return pqueue.SerializedEntry{
		KindByte:       1,
		HasDescriptor:  true,
		DescType:       d.Type,
		DescSubtype:    d.Subtype,
		DescPredicates: d.Predicates,
	}
}
