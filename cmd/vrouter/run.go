package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soypat/vrouter/arp"
	"github.com/soypat/vrouter/icmp"
	"github.com/soypat/vrouter/internal/ratelimit"
	"github.com/soypat/vrouter/internal/tap"
	"github.com/soypat/vrouter/nat"
	"github.com/soypat/vrouter/pipeline"
)

const (
	arpCacheTTL      = 5 * time.Minute
	arpCacheCapacity = 1024
)

func newRunCmd() *cobra.Command {
	var (
		ifacesPath, routesPath, natExternal string
		icmpRate                            float64
		icmpBurst                           int
		natICMPIdle                         time.Duration
		natTCPEstablishedIdle               time.Duration
		natTCPTransitoryIdle                time.Duration
		logLevel                            string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the config and start forwarding traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logLevel)
			cfg, err := loadRouterConfig(ifacesPath, routesPath, natExternal)
			if err != nil {
				return err
			}
			return runRouter(cmd.Context(), cfg, routerOptions{
				natExternal:           natExternal,
				icmpRate:              icmpRate,
				icmpBurst:             icmpBurst,
				natICMPIdle:           natICMPIdle,
				natTCPEstablishedIdle: natTCPEstablishedIdle,
				natTCPTransitoryIdle:  natTCPTransitoryIdle,
			}, log)
		},
	}
	cmd.Flags().StringVar(&ifacesPath, "interfaces", "", "path to the interfaces config file (required)")
	cmd.Flags().StringVar(&routesPath, "routes", "", "path to the routing-table config file (required)")
	cmd.Flags().StringVar(&natExternal, "nat-external", "", "name of the NAT external interface; empty disables NAT")
	cmd.Flags().Float64Var(&icmpRate, "icmp-rate", 50, "sustained ICMP error messages per second")
	cmd.Flags().IntVar(&icmpBurst, "icmp-burst", 20, "burst of immediate ICMP error messages")
	cmd.Flags().DurationVar(&natICMPIdle, "nat-icmp-idle", 0, "NAT ICMP mapping idle timeout (0 = default)")
	cmd.Flags().DurationVar(&natTCPEstablishedIdle, "nat-tcp-established-idle", 0, "NAT established TCP connection idle timeout (0 = default)")
	cmd.Flags().DurationVar(&natTCPTransitoryIdle, "nat-tcp-transitory-idle", 0, "NAT transitory TCP connection idle timeout (0 = default)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	cmd.MarkFlagRequired("interfaces")
	cmd.MarkFlagRequired("routes")
	return cmd
}

type routerOptions struct {
	natExternal                                              string
	icmpRate                                                 float64
	icmpBurst                                                int
	natICMPIdle, natTCPEstablishedIdle, natTCPTransitoryIdle time.Duration
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// runRouter wires every component together, opens one TAP device per
// configured interface, and blocks forwarding traffic until ctx is
// canceled (SIGINT/SIGTERM).
func runRouter(ctx context.Context, cfg routerConfig, opts routerOptions, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	devices := make(map[string]*tap.Device)
	for _, ifc := range cfg.Ifaces.All() {
		ones := maskPrefixLen(ifc.Mask.As4())
		dev, err := tap.Open(ifc.Name, netip.PrefixFrom(ifc.IPv4, ones))
		if err != nil {
			for _, d := range devices {
				d.Close()
			}
			return fmt.Errorf("opening tap device %q: %w", ifc.Name, err)
		}
		devices[ifc.Name] = dev
	}
	defer func() {
		for _, d := range devices {
			d.Close()
		}
	}()

	send := func(ifaceName string, frame []byte) error {
		dev, ok := devices[ifaceName]
		if !ok {
			return fmt.Errorf("vrouter: no tap device for interface %q", ifaceName)
		}
		_, err := dev.Write(frame)
		return err
	}

	clock := clockwork.NewRealClock()
	cache := arp.NewCache(arpCacheTTL, arpCacheCapacity, clock, log)
	arpTx := &arp.Emitter{Ifaces: cfg.Ifaces, Routes: cfg.Routes, Send: send, Log: log}
	limiter := ratelimit.New(opts.icmpRate, opts.icmpBurst)
	icmpTx := &icmp.Emitter{Ifaces: cfg.Ifaces, ArpCache: cache, Send: send, Log: log, Limiter: limiter}

	var natTable *nat.Table
	if opts.natExternal != "" {
		natTable = nat.New(cfg.Ifaces, cfg.Routes, nat.Config{
			ExternalIface:      opts.natExternal,
			ICMPIdle:           opts.natICMPIdle,
			TCPEstablishedIdle: opts.natTCPEstablishedIdle,
			TCPTransitoryIdle:  opts.natTCPTransitoryIdle,
		}, clock)
	}

	p := &pipeline.Pipeline{
		Ifaces: cfg.Ifaces,
		Routes: cfg.Routes,
		Arp:    cache,
		ArpTx:  arpTx,
		ICMP:   icmpTx,
		NAT:    natTable,
		Send:   send,
		Log:    log,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cache.RunReaper(ctx, arp.NewRequestEmitter(arpTx), icmpTx)
		return nil
	})
	if natTable != nil {
		g.Go(func() error {
			natTable.RunReaper(ctx, icmpTx, log)
			return nil
		})
	}
	for name, dev := range devices {
		g.Go(func() error {
			<-ctx.Done()
			dev.Close()
			return nil
		})
		g.Go(func() error {
			return readLoop(ctx, dev, name, p, log)
		})
	}

	log.Info("vrouter: started", "interfaces", len(devices), "nat", opts.natExternal != "")
	return g.Wait()
}

func readLoop(ctx context.Context, dev *tap.Device, name string, p *pipeline.Pipeline, log *slog.Logger) error {
	mtu, err := dev.MTU()
	if err != nil {
		mtu = 1500
	}
	buf := make([]byte, mtu+64) // headroom for the 14-byte Ethernet header plus VLAN tag.
	for {
		n, err := dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("vrouter: reading from %q: %w", name, err)
		}
		p.Handle(buf[:n], n, name)
	}
}
