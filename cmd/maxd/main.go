// Command maxd is the process entrypoint (§6): it loads configuration,
// constructs the configured radio interfaces and the storage backend,
// wires a Central, and runs until signalled. Per spec §1 Out-of-scope,
// this is the ambient wiring role the teacher's main.go plays, not a
// full CLI surface.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/Homegear/Homegear-MAX/catalog"
	"github.com/Homegear/Homegear-MAX/central"
	"github.com/Homegear/Homegear-MAX/config"
	"github.com/Homegear/Homegear-MAX/eventsink"
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/store"
	"github.com/Homegear/Homegear-MAX/transport"
	"github.com/Homegear/Homegear-MAX/transport/gateway"
	"github.com/Homegear/Homegear-MAX/transport/serialdongle"
	"github.com/Homegear/Homegear-MAX/transport/spicc1101"
)

// workerWindow is the scheduler pass's total budget across every peer
// (§5's worker_window), divided per peer by central's worker pass.
const workerWindow = 5 * time.Millisecond

func main() {
	var configPath, catalogPath string

	root := &cobra.Command{
		Use:   "maxd",
		Short: "MAX! sub-GHz home-automation radio protocol central controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, catalogPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "/etc/maxd/maxd.yaml", "path to the interface/central config file")
	root.Flags().StringVar(&catalogPath, "catalog", "", "optional path to a device-description catalog file")

	if err := root.Execute(); err != nil {
		logging.New("maxd").Errorf("%v", err)
		os.Exit(1)
	}
}

func run(configPath, catalogPath string) error {
	log := logging.New("maxd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logging.SetLevel(lvl)
		}
	}

	cat := catalog.NewMapCatalog()
	if catalogPath != "" {
		loaded, err := catalog.LoadMapCatalog(catalogPath)
		if err != nil {
			return err
		}
		cat = loaded
	}

	var st store.Store
	if cfg.StorePath != "" {
		bolt, err := store.OpenBolt(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("maxd: open store: %w", err)
		}
		defer bolt.Close()
		st = bolt
	}

	addr, ok := cfg.CentralAddr()
	if !ok {
		addr = packet.Addr(rand.New(rand.NewSource(time.Now().UnixNano())).Uint32() & 0xFFFFFF)
		log.Warnf("no centraladdress configured, using random address %s", addr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sink := eventsink.NewLogSink(log.With(map[string]interface{}{"component": "eventsink"}))
	c := central.New(ctx, addr, cat, sink, st, log.With(map[string]interface{}{"component": "central"}))

	g, gctx := errgroup.WithContext(ctx)

	ifaces, err := buildInterfaces(cfg.Interfaces, log)
	if err != nil {
		return err
	}
	for _, iface := range ifaces {
		iface := iface
		c.RegisterInterface(iface)
		g.Go(func() error {
			return iface.Open(gctx)
		})
	}

	c.StartSweep()
	c.StartWorker(g, workerWindow)

	log.Infof("maxd running as central %s with %d interface(s)", addr, len(ifaces))

	<-ctx.Done()
	log.Infof("shutting down")
	c.Stop()
	return g.Wait()
}

// buildInterfaces constructs one transport.Interface per configured
// entry, dispatching on Type (§6, §4.14).
func buildInterfaces(cfgs []config.InterfaceConfig, log *logging.Logger) ([]transport.Interface, error) {
	var out []transport.Interface
	for _, ic := range cfgs {
		base := transport.Config{
			ID:             ic.ID,
			Default:        ic.Default,
			ResponseDelay:  ic.ResponseDelay(),
			StackPosition:  ic.StackPosition,
			AdditionalCmds: ic.AdditionalCmds,
		}
		switch ic.Type {
		case string(transport.KindSerialDongle):
			base.Type = transport.KindSerialDongle
			out = append(out, serialdongle.New(serialdongle.Config{
				Config:        base,
				Device:        ic.Device,
				BaudRate:      ic.BaudRate,
				StackPosition: ic.StackPosition,
				HasRSSIByte:   ic.HasRSSIByte,
			}))
		case string(transport.KindGatewayTLS):
			base.Type = transport.KindGatewayTLS
			out = append(out, gateway.New(gateway.Config{
				Config:   base,
				Host:     ic.Host,
				Port:     ic.Port,
				CAFile:   ic.CAFile,
				CertFile: ic.CertFile,
				KeyFile:  ic.KeyFile,
			}))
		case string(transport.KindSPICC1101):
			base.Type = transport.KindSPICC1101
			cc, err := buildSPICC1101(base, ic)
			if err != nil {
				return nil, err
			}
			out = append(out, cc)
		default:
			return nil, fmt.Errorf("maxd: interface %q: unknown type %q", ic.ID, ic.Type)
		}
	}
	return out, nil
}

// buildSPICC1101 opens the SPI port and GPIO pins an spicc1101.CC1101
// conformance shim needs (§4.14's "out of scope beyond stating its
// interface conformance").
func buildSPICC1101(base transport.Config, ic config.InterfaceConfig) (*spicc1101.CC1101, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("maxd: spi host init: %w", err)
	}
	port, err := spireg.Open(ic.Device)
	if err != nil {
		return nil, fmt.Errorf("maxd: spi open %q: %w", ic.Device, err)
	}
	gpio1 := gpioreg.ByName(ic.GPIO1)
	gpio2 := gpioreg.ByName(ic.GPIO2)
	intrPin := gpioreg.ByName(ic.InterruptPin)
	return spicc1101.New(spicc1101.Config{
		Config:       base,
		Port:         port,
		GPIO1:        gpio1,
		GPIO2:        gpio2,
		InterruptPin: intrPin,
	}), nil
}
