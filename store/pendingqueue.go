package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Homegear/Homegear-MAX/pqueue"
	"github.com/Homegear/Homegear-MAX/registry"
)

// EncodePendingQueues implements the §6 binary pending-queue format:
// queue-type byte, entry count, per entry
// {kind-byte, stealthy, force_resend, has_packet, [packet bytes+burst],
// has_message, [descriptor]}, then parameter name, channel, interface
// id. Restart must restore queues verbatim (§8), so every field that
// participates in queue identity round-trips exactly.
func EncodePendingQueues(qs []*pqueue.SerializedQueue) []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(qs)))
	for _, q := range qs {
		buf.WriteByte(byte(len(q.Type)))
		buf.WriteString(q.Type)
		writeU32(&buf, uint32(len(q.Entries)))
		for _, e := range q.Entries {
			buf.WriteByte(e.KindByte)
			writeBool(&buf, e.Stealthy)
			writeBool(&buf, e.ForceResend)
			writeBool(&buf, e.HasPacket)
			if e.HasPacket {
				writeU32(&buf, uint32(len(e.PacketBytes)))
				buf.Write(e.PacketBytes)
				writeBool(&buf, e.Burst)
			}
			writeBool(&buf, e.HasDescriptor)
			if e.HasDescriptor {
				buf.WriteByte(e.DescType)
				writeI16(&buf, e.DescSubtype)
				writeU32(&buf, uint32(len(e.DescPredicates)))
				for _, p := range e.DescPredicates {
					writeU32(&buf, uint32(p.PayloadOffset))
					buf.WriteByte(p.Expected)
				}
			}
		}
		writeU32(&buf, uint32(len(q.ParameterName)))
		buf.WriteString(q.ParameterName)
		writeI32(&buf, q.Channel)
		writeU32(&buf, uint32(len(q.InterfaceID)))
		buf.WriteString(q.InterfaceID)
	}
	return buf.Bytes()
}

// DecodePendingQueues is EncodePendingQueues's inverse. reg resolves
// AwaitMessage descriptors back to the registered Message Registry
// entry they were matched against.
func DecodePendingQueues(data []byte, reg *registry.Registry) ([]*pqueue.SerializedQueue, error) {
	r := bytes.NewReader(data)
	count, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]*pqueue.SerializedQueue, 0, count)
	for i := uint32(0); i < count; i++ {
		q := &pqueue.SerializedQueue{}
		typeLen, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		typeBuf := make([]byte, typeLen)
		if _, err := io.ReadFull(r, typeBuf); err != nil {
			return nil, err
		}
		q.Type = string(typeBuf)

		entryCount, err := readU32(r)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < entryCount; j++ {
			e := pqueue.SerializedEntry{}
			e.KindByte, err = r.ReadByte()
			if err != nil {
				return nil, err
			}
			if e.Stealthy, err = readBool(r); err != nil {
				return nil, err
			}
			if e.ForceResend, err = readBool(r); err != nil {
				return nil, err
			}
			if e.HasPacket, err = readBool(r); err != nil {
				return nil, err
			}
			if e.HasPacket {
				plen, err := readU32(r)
				if err != nil {
					return nil, err
				}
				e.PacketBytes = make([]byte, plen)
				if _, err := io.ReadFull(r, e.PacketBytes); err != nil {
					return nil, err
				}
				if e.Burst, err = readBool(r); err != nil {
					return nil, err
				}
			}
			if e.HasDescriptor, err = readBool(r); err != nil {
				return nil, err
			}
			if e.HasDescriptor {
				e.DescType, err = r.ReadByte()
				if err != nil {
					return nil, err
				}
				if e.DescSubtype, err = readI16(r); err != nil {
					return nil, err
				}
				predCount, err := readU32(r)
				if err != nil {
					return nil, err
				}
				for k := uint32(0); k < predCount; k++ {
					off, err := readU32(r)
					if err != nil {
						return nil, err
					}
					expected, err := r.ReadByte()
					if err != nil {
						return nil, err
					}
					e.DescPredicates = append(e.DescPredicates, registry.Predicate{PayloadOffset: int(off), Expected: expected})
				}
				if reg != nil {
					e.ResolvedDescriptor = reg.FindExact(e.DescType, e.DescSubtype, e.DescPredicates)
				}
			}
			q.Entries = append(q.Entries, e)
		}

		nameLen, err := readU32(r)
		if err != nil {
			return nil, err
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, err
		}
		q.ParameterName = string(nameBuf)

		if q.Channel, err = readI32(r); err != nil {
			return nil, err
		}

		ifaceLen, err := readU32(r)
		if err != nil {
			return nil, err
		}
		ifaceBuf := make([]byte, ifaceLen)
		if _, err := io.ReadFull(r, ifaceBuf); err != nil {
			return nil, err
		}
		q.InterfaceID = string(ifaceBuf)

		out = append(out, q)
	}
	return out, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI32(buf *bytes.Buffer, v int32) { writeU32(buf, uint32(v)) }

func writeI16(buf *bytes.Buffer, v int16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("store: short pending-queue buffer: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readI32(r *bytes.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func readI16(r *bytes.Reader) (int16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("store: short pending-queue buffer: %w", err)
	}
	return int16(binary.BigEndian.Uint16(b[:])), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}
