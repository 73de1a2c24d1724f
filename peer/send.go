package peer

import (
	"fmt"
	"time"

	"github.com/Homegear/Homegear-MAX/catalog"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/pqueue"
)

// ErrReadOnly, ErrUnknownParameter, and ErrTimeout map onto the RPC
// error taxonomy in §6 (-6, -5/-2, -1/-100 respectively); central
// translates these to the caller's wire error code.
var (
	ErrReadOnly         = fmt.Errorf("peer: parameter is read-only")
	ErrUnknownParameter = fmt.Errorf("peer: unknown parameter")
	ErrTimeout          = fmt.Errorf("peer: no answer")
)

const setValueWaitTimeout = 20 * time.Second
const setValueWaitPoll = 100 * time.Millisecond

// SetValue implements §4.11 set_value. wait blocks (bounded) until the
// built queue drains.
func (p *Peer) SetValue(channel int32, name string, value interface{}, wait bool) error {
	desc, ok := p.Description()
	if !ok {
		return ErrUnknownParameter
	}
	param := findParameter(desc, catalog.ParamsetValues, channel, name)
	if param == nil {
		return ErrUnknownParameter
	}
	if param.ReadOnly {
		return ErrReadOnly
	}

	if param.OpType == catalog.OpStore {
		p.valueParams.set(channel, name, value)
		p.owner.EventSink().OnRPCEvent("client", p.ID, channel, p.Address, []string{name}, []interface{}{value})
		return nil
	}

	if param.ToggleTarget != "" {
		targetName, toggled, err := p.resolveToggleCast(desc, param, channel)
		if err != nil {
			return err
		}
		return p.SetValue(channel, targetName, toggled, wait)
	}

	pkt, err := p.buildCommandPacket(desc, param, channel, value)
	if err != nil {
		return err
	}

	template := newTemplateQueue(pqueue.TypeDefault, name, channel)
	template.AppendSend(pkt, false, false)
	if reg := p.owner.Registry(); reg != nil {
		if ackDesc := reg.FindExact(0x02, -1, nil); ackDesc != nil {
			template.PushAwait(ackDesc, false)
		}
	}

	p.applyAutoReset(param)
	p.PushPendingQueue(template)
	p.PromoteIfReachable(pqueue.TypeDefault)

	if !wait {
		return nil
	}
	deadline := time.Now().Add(setValueWaitTimeout)
	for time.Now().Before(deadline) {
		if template.IsEmpty() {
			return nil
		}
		time.Sleep(setValueWaitPoll)
	}
	return ErrTimeout
}

// newTemplateQueue builds a disposable pending-queue template, not
// bound to any transport until PromotePending hands it to the Queue
// Manager.
func newTemplateQueue(qtype pqueue.Type, name string, channel int32) *pqueue.Queue {
	return pqueue.NewTemplate(qtype, name, channel)
}

func (p *Peer) applyAutoReset(param *catalog.Parameter) {
	for _, name := range param.AutoReset {
		desc, _ := p.Description()
		reset := findParameter(desc, catalog.ParamsetValues, param.Channel, name)
		if reset == nil {
			continue
		}
		p.valueParams.set(param.Channel, name, reset.Default)
		if reset.Readable {
			p.owner.EventSink().OnRPCEvent("auto_reset", p.ID, param.Channel, p.Address, []string{name}, []interface{}{reset.Default})
		}
	}
}

// resolveToggleCast implements §4.11's toggle-cast resolution: param is
// a COMMAND parameter that fronts another named parameter rather than
// building its own packet. It reads that target's current value,
// computes its inverse, and returns the target's name plus the value
// set_value should recurse with.
func (p *Peer) resolveToggleCast(desc *catalog.DeviceDescription, param *catalog.Parameter, channel int32) (targetName string, value interface{}, err error) {
	target := findParameter(desc, catalog.ParamsetValues, channel, param.ToggleTarget)
	if target == nil {
		return "", nil, fmt.Errorf("peer: toggle parameter %s not found", param.ToggleTarget)
	}
	current, ok := p.valueParams.get(channel, param.ToggleTarget)
	if !ok {
		current = target.Default
	}
	switch target.ValueType {
	case catalog.ValueBoolean:
		b, _ := current.(bool)
		return param.ToggleTarget, !b, nil
	case catalog.ValueInteger, catalog.ValueFloat:
		if toIntValue(current) != int(param.ToggleOn) {
			return param.ToggleTarget, int(param.ToggleOn), nil
		}
		return param.ToggleTarget, int(param.ToggleOff), nil
	default:
		return "", nil, fmt.Errorf("peer: toggle parameter has to be of type boolean, integer, or float")
	}
}

func toIntValue(v interface{}) int {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	case byte:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

// buildCommandPacket resolves param's set-packet template into a
// concrete outbound frame (§4.11).
func (p *Peer) buildCommandPacket(desc *catalog.DeviceDescription, param *catalog.Parameter, channel int32, value interface{}) (*packet.Packet, error) {
	tpl := param.SetTemplate
	if tpl == nil {
		return nil, fmt.Errorf("peer: parameter %s has no set-packet template", param.Name)
	}
	payload := make([]byte, 0, 16)
	maxOffset := 0
	for _, bs := range tpl.BinarySpecs {
		if bs.PayloadOffset+1 > maxOffset {
			maxOffset = bs.PayloadOffset + 1
		}
	}
	payload = make([]byte, maxOffset)

	for _, bs := range tpl.BinarySpecs {
		switch {
		case bs.IsConstant:
			payload[bs.PayloadOffset] = bs.ConstantValue
		case bs.ParameterID == param.Name:
			b, err := encodeValue(value, bs)
			if err != nil {
				return nil, err
			}
			if bs.OmitIf != nil && b>>bs.Index2Offset == *bs.OmitIf {
				continue
			}
			payload[bs.PayloadOffset] = b
		default:
			if stored, ok := p.valueParams.get(channel, bs.ParameterID); ok {
				b, err := encodeValue(stored, bs)
				if err == nil && (bs.OmitIf == nil || b>>bs.Index2Offset != *bs.OmitIf) {
					payload[bs.PayloadOffset] = b
				}
			}
		}
	}
	if tpl.SubtypeIndex != nil && *tpl.SubtypeIndex < len(payload) {
		payload[*tpl.SubtypeIndex] = byte(tpl.Subtype)
	}
	if tpl.ChannelIndex != nil && *tpl.ChannelIndex < len(payload) {
		payload[*tpl.ChannelIndex] = byte(channel)
	}

	return &packet.Packet{
		Counter: p.NextCounter(),
		Type:    tpl.Type,
		Subtype: byte(tpl.Subtype),
		Sender:  p.Address,
		Dest:    0,
		Payload: payload,
		Burst:   p.RxModes&RxWakeOnRadio != 0,
	}, nil
}

func encodeValue(v interface{}, bs catalog.BinarySpec) (byte, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1 << bs.Index2Offset, nil
		}
		return 0, nil
	case byte:
		return t << bs.Index2Offset, nil
	case int:
		return byte(t) << bs.Index2Offset, nil
	default:
		return 0, fmt.Errorf("peer: cannot encode value of type %T", v)
	}
}

func findParameter(desc *catalog.DeviceDescription, ps catalog.ParamsetType, channel int32, name string) *catalog.Parameter {
	if desc == nil {
		return nil
	}
	for _, p := range desc.Parameters {
		if p.Paramset == ps && p.Channel == channel && p.Name == name {
			return p
		}
	}
	return nil
}

// PutParamset implements §4.11 put_paramset(channel, type, struct,
// only_pushing). For VARIABLES it delegates to SetValue per entry; for
// CONFIG it groups writes by list id and byte index, OR-combining
// bitfield members, and emits one type=0x10 config-write packet per
// list. remote/remote_channel only apply to the LINK paramset, which
// this controller doesn't write packets for, so they aren't accepted
// here.
func (p *Peer) PutParamset(channel int32, ps catalog.ParamsetType, values map[string]interface{}, onlyPushing bool) error {
	if ps == catalog.ParamsetValues {
		for name, value := range values {
			if err := p.SetValue(channel, name, value, false); err != nil {
				return err
			}
		}
		return nil
	}
	if ps != catalog.ParamsetConfig {
		return fmt.Errorf("peer: paramset type %q is not supported", ps)
	}

	desc, ok := p.Description()
	if !ok {
		return ErrUnknownParameter
	}
	type listKey struct {
		list  int
		index int
	}
	bytesByList := make(map[listKey]byte)
	touchedLists := make(map[int]bool)

	for name, value := range values {
		param := findParameter(desc, catalog.ParamsetConfig, channel, name)
		if param == nil {
			return ErrUnknownParameter
		}
		if param.ReadOnly {
			return ErrReadOnly
		}
		b, err := encodeConfigByte(value, param.BitMask)
		if err != nil {
			return err
		}
		key := listKey{param.ListID, param.ByteIndex}
		bytesByList[key] |= b
		touchedLists[param.ListID] = true
		p.configParams.set(channel, name, value)
	}

	for list := range touchedLists {
		maxIndex := 0
		for k := range bytesByList {
			if k.list == list && k.index > maxIndex {
				maxIndex = k.index
			}
		}
		payload := make([]byte, maxIndex+2)
		payload[0] = byte(list)
		for _, param := range desc.Parameters {
			if param.Paramset != catalog.ParamsetConfig || param.ListID != list {
				continue
			}
			if stored, ok := p.configParams.get(channel, param.Name); ok {
				b, err := encodeConfigByte(stored, param.BitMask)
				if err == nil {
					payload[param.ByteIndex+1] |= b
				}
			}
		}
		for k, v := range bytesByList {
			if k.list == list {
				payload[k.index+1] = v
			}
		}
		pkt := &packet.Packet{
			Counter: p.NextCounter(),
			Type:    0x10,
			Subtype: 0,
			Sender:  p.Address,
			Dest:    0,
			Payload: payload,
			Burst:   p.RxModes&RxWakeOnRadio != 0,
		}
		template := newTemplateQueue(pqueue.TypeConfig, fmt.Sprintf("config-list-%d", list), channel)
		template.AppendSend(pkt, false, false)
		if reg := p.owner.Registry(); reg != nil {
			if ackDesc := reg.FindExact(0x02, -1, nil); ackDesc != nil {
				template.PushAwait(ackDesc, false)
			}
		}
		p.PushPendingQueue(template)
	}
	if !onlyPushing {
		p.PromoteIfReachable(pqueue.TypeConfig)
	}
	return nil
}

func encodeConfigByte(v interface{}, mask byte) (byte, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return mask, nil
		}
		return 0, nil
	case byte:
		if mask == 0xFF {
			return t, nil
		}
		return t & mask, nil
	case int:
		return byte(t) & mask, nil
	default:
		return 0, fmt.Errorf("peer: cannot encode config value of type %T", v)
	}
}
