package eventsink

import (
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/packet"
)

// LogSink is the ambient default Sink: it logs every upstream event
// instead of forwarding it to a real RPC/event-bus collaborator, which
// lives outside this module (spec §1, §6).
type LogSink struct {
	log *logging.Logger
}

// NewLogSink returns a Sink that logs every event at info level.
func NewLogSink(log *logging.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) OnNewDevices(devices []DeviceInfo) {
	for _, d := range devices {
		s.log.Infof("new device: id=%d address=%s serial=%s", d.ID, d.Address, d.Serial)
	}
}

func (s *LogSink) OnDeleteDevices(devices []DeviceInfo) {
	for _, d := range devices {
		s.log.Infof("deleted device: id=%d address=%s serial=%s", d.ID, d.Address, d.Serial)
	}
}

func (s *LogSink) OnUpdateDevice(id uint64, channel int32, addressString string, flags int32) {
	s.log.Infof("updated device: id=%d channel=%d address=%s flags=%d", id, channel, addressString, flags)
}

func (s *LogSink) OnRPCEvent(source string, peerID uint64, channel int32, address packet.Addr, keys []string, values []interface{}) {
	s.log.Infof("event from=%s peer=%d channel=%d address=%s keys=%v values=%v", source, peerID, channel, address, keys, values)
}
