// Package serialdongle implements the RIA contract for CUL/CUNX-style
// ASCII line-protocol dongles (§4.14, §6): "Zs<hex>\n" burst sends,
// "Zf<hex>\n" fast sends, "Zr"/"X21" arming, and the "LOVF" duty-cycle
// refusal notice. Close only closes the link; it sends no "Zx"/"X00"
// disarm.
//
// The physical link is opened with go.bug.st/serial when Device names a
// TTY, or as a plain TCP connection when it names a host:port (CUNX
// dongles are network-attached; this lets the same line-protocol parser
// serve both without a transport-specific branch anywhere else in the
// engine).
package serialdongle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/metrics"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/transport"
)

// Config is the serial dongle's entry in the §6 interface list.
type Config struct {
	transport.Config
	Device         string // TTY path, or host:port for a CUNX network dongle
	BaudRate       int
	StackPosition  int // 0 = no stack prefix; N = N '*' characters
	HasRSSIByte    bool
}

type Dongle struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	conn     io.ReadWriteCloser
	open     bool
	closing  bool
	receiver func(*packet.Packet)

	reconnectWG sync.WaitGroup
	stopCh      chan struct{}
}

// New returns an unopened Dongle adapter for cfg.
func New(cfg Config) *Dongle {
	return &Dongle{cfg: cfg, log: logging.New("transport:" + cfg.ID)}
}

func (d *Dongle) ID() string                      { return d.cfg.ID }
func (d *Dongle) Kind() transport.Kind            { return transport.KindSerialDongle }
func (d *Dongle) IsDefault() bool                 { return d.cfg.Default }
func (d *Dongle) ResponseDelay() time.Duration    { return d.cfg.ResponseDelay }
func (d *Dongle) SetReceiver(fn func(*packet.Packet)) { d.receiver = fn }

func (d *Dongle) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Open connects and starts the reconnect-aware listen loop. It returns
// once the first connection attempt has been made; subsequent
// reconnects happen in the background per the §4.14 reconnect policy.
func (d *Dongle) Open(ctx context.Context) error {
	d.mu.Lock()
	d.closing = false
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	conn, err := d.dial()
	if err != nil {
		d.log.Warnf("initial connect failed, will retry: %v", err)
	} else {
		d.setConn(conn)
		d.sendInitSequence(conn)
	}

	d.reconnectWG.Add(1)
	go d.listenLoop(ctx)
	return nil
}

func (d *Dongle) Close() error {
	d.mu.Lock()
	d.closing = true
	if d.stopCh != nil {
		close(d.stopCh)
	}
	conn := d.conn
	d.conn = nil
	d.open = false
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	d.reconnectWG.Wait()
	return nil
}

func (d *Dongle) dial() (io.ReadWriteCloser, error) {
	if strings.Contains(d.cfg.Device, ":") {
		c, err := net.DialTimeout("tcp", d.cfg.Device, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	mode := &serial.Mode{BaudRate: d.cfg.BaudRate}
	if mode.BaudRate == 0 {
		mode.BaudRate = 38400
	}
	return serial.Open(d.cfg.Device, mode)
}

func (d *Dongle) setConn(c io.ReadWriteCloser) {
	d.mu.Lock()
	d.conn = c
	d.open = true
	d.mu.Unlock()
}

// sendInitSequence arms the dongle's receiver: enable reporting, arm,
// then any interface-specific extra commands from §6's
// additionalCommands.
func (d *Dongle) sendInitSequence(w io.Writer) {
	for _, line := range append([]string{"X21", "Zr"}, d.cfg.AdditionalCmds...) {
		fmt.Fprintf(w, "%s\n", d.stackPrefixed(line))
	}
}

func (d *Dongle) stackPrefixed(line string) string {
	if d.cfg.StackPosition <= 0 {
		return line
	}
	return strings.Repeat("*", d.cfg.StackPosition) + line
}

// listenLoop owns the single reader goroutine for this dongle's
// lifetime, reconnecting per the §4.14 policy: 10s after a clean close,
// 1s after a transient read error.
func (d *Dongle) listenLoop(ctx context.Context) {
	defer d.reconnectWG.Done()
	retryDelay := 10 * time.Second
	for {
		d.mu.Lock()
		conn := d.conn
		stop := d.stopCh
		d.mu.Unlock()

		if conn == nil {
			if !d.waitBeforeRetry(ctx, stop, retryDelay) {
				return
			}
			retryDelay = 10 * time.Second
			c, err := d.dial()
			if err != nil {
				d.log.Warnf("reconnect failed: %v", err)
				continue
			}
			d.setConn(c)
			d.sendInitSequence(c)
			conn = c
		}

		err := d.readLines(conn)
		d.mu.Lock()
		closing := d.closing
		d.conn = nil
		d.open = false
		d.mu.Unlock()
		if closing {
			return
		}
		retryDelay = 10 * time.Second
		if err != io.EOF {
			d.log.Warnf("connection lost: %v", err)
			retryDelay = time.Second
		}
	}
}

func (d *Dongle) waitBeforeRetry(ctx context.Context, stop chan struct{}, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *Dongle) readLines(conn io.ReadWriteCloser) error {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		d.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (d *Dongle) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if d.cfg.StackPosition > 0 {
		prefix := strings.Repeat("*", d.cfg.StackPosition)
		if !strings.HasPrefix(line, prefix) {
			return // not addressed to our slot in the daisy chain
		}
		line = line[len(prefix):]
	}
	if strings.Contains(line, "LOVF") {
		d.log.Warnf("duty-cycle limit reached (LOVF) on %s", d.cfg.ID)
		metrics.DutyCycleRefused.WithLabelValues(d.cfg.ID).Inc()
		return
	}
	if !strings.HasPrefix(line, "Z") {
		return
	}
	line = line[1:]

	hexPart := line
	var rssi string
	if d.cfg.HasRSSIByte && len(line) > 2 {
		hexPart = line[:len(line)-2]
		rssi = line[len(line)-2:]
	}
	p, err := packet.ParseHex(hexPart, false)
	if err != nil {
		d.log.Warnf("parse error on inbound frame %q: %v", hexPart, err)
		return
	}
	if rssi != "" {
		if v, err := strconv.ParseUint(rssi, 16, 8); err == nil {
			p.RSSIDevice = uint8(v)
			p.HasRSSI = true
		}
	}
	p.TimeRecvMs = time.Now().UnixMilli()
	metrics.PacketsReceived.WithLabelValues(d.cfg.ID).Inc()
	if d.receiver != nil {
		d.receiver(p)
	}
}

// Send transmits p, prefixing the line with "Zs" for a burst (wake-on-
// radio) send or "Zf" for a normal send, per §4.14/§6. Burst sends sleep
// 1.1s after submission so the long preamble has time to go out before
// the caller's next queue action.
func (d *Dongle) Send(ctx context.Context, p *packet.Packet, burst bool) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		d.log.Warnf("dropping packet, interface %s is disconnected", d.cfg.ID)
		return fmt.Errorf("serialdongle: %s is not connected", d.cfg.ID)
	}

	cmd := "Zf"
	if burst {
		cmd = "Zs"
	}
	line := d.stackPrefixed(cmd) + p.HexString() + "\n"
	if _, err := io.WriteString(conn, line); err != nil {
		return fmt.Errorf("serialdongle: write to %s: %w", d.cfg.ID, err)
	}
	metrics.PacketsSent.WithLabelValues(d.cfg.ID).Inc()
	if burst {
		select {
		case <-time.After(1100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var _ transport.Interface = (*Dongle)(nil)
