// Package transport defines the Radio Interface Abstraction (RIA, §4.14):
// the uniform contract a physical radio adapter exposes to the protocol
// engine, independent of whether it is a serial dongle, a TLS-tunneled
// gateway, or an SPI-attached CC1101.
package transport

import (
	"context"
	"time"

	"github.com/Homegear/Homegear-MAX/packet"
)

// Kind identifies a physical interface's transport family.
type Kind string

const (
	KindSerialDongle Kind = "serial-dongle"
	KindGatewayTLS   Kind = "gateway-tls"
	KindSPICC1101    Kind = "spi-cc1101"
)

// Interface is the contract every physical radio adapter implements.
// Exactly one received-packet subscriber is supported at a time, set via
// SetReceiver before Open; this mirrors the teacher's single in-process
// event sink per device rather than a fan-out pub/sub.
type Interface interface {
	ID() string
	Kind() Kind
	IsDefault() bool
	// ResponseDelay is the interface-specific listen-window length used
	// by the packet queue's resend algorithm and inter-packet spacing.
	ResponseDelay() time.Duration
	IsOpen() bool

	Open(ctx context.Context) error
	Close() error

	// Send transmits p. burst requests the wake-on-radio long preamble;
	// it is passed separately from packet.Packet.Burst so transports
	// that renegotiate burst per send (queue resend escalation) don't
	// need to mutate the cached packet.
	Send(ctx context.Context, p *packet.Packet, burst bool) error

	// SetReceiver installs the callback invoked for every inbound
	// packet. Must be called before Open.
	SetReceiver(func(p *packet.Packet))
}

// Config is the subset of §6's interface-list shape common to every
// transport kind; concrete adapters embed it and add their own fields.
type Config struct {
	ID                string        `yaml:"id"`
	Type              Kind          `yaml:"type"`
	Default           bool          `yaml:"default"`
	ResponseDelay     time.Duration `yaml:"responseDelayMs"`
	StackPosition     int           `yaml:"stackPosition"`
	AdditionalCmds    []string      `yaml:"additionalCommands"`
}
