// apbridge: CLI entry point.
//
// One binary plays all three parts of the serial-link Wi-Fi bridge:
//
//	apbridge ap      controller-facing endpoint (spoofed access point)
//	apbridge sta     peer-facing endpoint (joined to the real network)
//	apbridge relay   host relay between the two radios' serial ports
//
// The role can also be given with -role; with neither, it is asked
// interactively. A relay whose radios hang off different hosts runs
// "apbridge relay -remote host|client" on each side.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/apbridge/internal/bridge"
	"github.com/1ureka/apbridge/internal/config"
	"github.com/1ureka/apbridge/internal/link"
	"github.com/1ureka/apbridge/internal/metrics"
	"github.com/1ureka/apbridge/internal/relay"
	"github.com/1ureka/apbridge/internal/signaling"
	"github.com/1ureka/apbridge/internal/transport"
	"github.com/1ureka/apbridge/internal/util"
)

var version = "dev"

type flags struct {
	role       string
	configPath string
	serial     string
	baud       int
	apPort     string
	staPort    string
	iface      string
	remote     string
	ws         string
	pin        string
	metrics    string
	tapUDP     int
	tapTCP     int
	debug      bool
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// A leading positional role ("apbridge relay -remote host") is accepted
	// alongside -role.
	args := os.Args[1:]
	var positional string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		positional, args = args[0], args[1:]
	}

	var f flags
	fs := flag.NewFlagSet("apbridge", flag.ExitOnError)
	fs.StringVar(&f.role, "role", positional, "Role: ap, sta or relay")
	fs.StringVar(&f.configPath, "config", "", "TOML config file")
	fs.StringVar(&f.serial, "serial", "", "Serial port of this endpoint (ap/sta, remote relay)")
	fs.IntVar(&f.baud, "baud", 0, "Serial baud rate")
	fs.StringVar(&f.apPort, "ap", "", "Serial port of the AP radio (relay only)")
	fs.StringVar(&f.staPort, "sta", "", "Serial port of the STA radio (relay only)")
	fs.StringVar(&f.iface, "iface", "", "Wi-Fi interface gating outbound connects (sta only)")
	fs.StringVar(&f.remote, "remote", "", "Remote relay leg: host or client (relay only)")
	fs.StringVar(&f.ws, "ws", "", "Signaling address to listen on (host) or URL to dial (client)")
	fs.StringVar(&f.pin, "pin", "", "Signaling PIN (host: fixed PIN, client: appended to -ws)")
	fs.StringVar(&f.metrics, "metrics", "", "Serve Prometheus metrics on this address")
	fs.IntVar(&f.tapUDP, "tap-udp", 0, "Print the first N UDP frames per direction (relay only)")
	fs.IntVar(&f.tapTCP, "tap-tcp", 0, "Print the first N TCP_DATA frames per direction (relay only)")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	fs.Parse(args)

	if f.debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("apbridge — v%s", version))
	pterm.Println()

	cfg, err := loadConfig(f)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Role == "" {
		cfg.Role = askRole()
	}

	util.StartStatsReporter(ctx)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				util.LogError("metrics server failed: %v", err)
			}
		}()
	}

	switch {
	case cfg.Role == config.RoleRelay && f.remote != "":
		err = runRemoteRelay(ctx, cfg, f)
	case cfg.Role == config.RoleRelay:
		err = runRelay(ctx, cfg)
	default:
		err = runEndpoint(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("apbridge stopped")
}

// loadConfig starts from the defaults (or the -config file) and applies
// flag overrides on top.
func loadConfig(f flags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}

	if f.role != "" {
		cfg.Role = config.Role(strings.ToLower(f.role))
	}
	if f.serial != "" {
		cfg.Serial.Port = f.serial
	}
	if f.baud != 0 {
		cfg.Serial.Baud = f.baud
	}
	if f.apPort != "" {
		cfg.Relay.APPort = f.apPort
	}
	if f.staPort != "" {
		cfg.Relay.STAPort = f.staPort
	}
	if f.iface != "" {
		cfg.STA.Interface = f.iface
	}
	if f.metrics != "" {
		cfg.Metrics.Addr = f.metrics
	}
	if f.tapUDP != 0 {
		cfg.Relay.TapUDP = f.tapUDP
	}
	if f.tapTCP != 0 {
		cfg.Relay.TapTCP = f.tapTCP
	}
	if f.remote != "" && f.remote != "host" && f.remote != "client" {
		return config.Config{}, fmt.Errorf("invalid -remote %q: must be host or client", f.remote)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runEndpoint runs the AP or STA endpoint on cfg.Serial.Port.
func runEndpoint(ctx context.Context, cfg config.Config) error {
	tr, err := transport.Open(ctx, cfg.Serial.Port, cfg.Serial.Baud)
	if err != nil {
		return err
	}
	defer tr.Close()

	var opts []bridge.Option
	if cfg.Role == config.RoleSTA && cfg.STA.Interface != "" {
		opts = append(opts, bridge.WithUplink(bridge.InterfaceUplink{Name: cfg.STA.Interface}))
	}

	ep, err := bridge.New(cfg, tr, opts...)
	if err != nil {
		return err
	}

	util.LogInfo("opened %s @ %d baud", cfg.Serial.Port, cfg.Serial.Baud)
	if err := ep.Run(ctx); err != nil {
		return fmt.Errorf("endpoint stopped: %w", err)
	}
	return nil
}

// runRelay bridges the two local serial ports.
func runRelay(ctx context.Context, cfg config.Config) error {
	if !exists(cfg.Relay.APPort) || !exists(cfg.Relay.STAPort) {
		util.LogWarning("%s or %s not present, scanning serial ports for HELLO", cfg.Relay.APPort, cfg.Relay.STAPort)
		candidates, err := transport.ListSerial()
		if err != nil {
			return err
		}
		open := func(name string) (io.ReadWriteCloser, error) {
			return transport.OpenSerial(name, cfg.Serial.Baud)
		}
		if cfg.Relay.APPort, cfg.Relay.STAPort, err = relay.ScanPorts(ctx, candidates, open, cfg.Relay.IdentifyTimeout.Duration); err != nil {
			return err
		}
	}

	ap, err := transport.OpenSerial(cfg.Relay.APPort, cfg.Serial.Baud)
	if err != nil {
		return err
	}
	sta, err := transport.OpenSerial(cfg.Relay.STAPort, cfg.Serial.Baud)
	if err != nil {
		ap.Close()
		return err
	}

	var a, b io.ReadWriteCloser = ap, sta
	if cfg.Relay.AutoFixRoles {
		a, b = relay.Arrange(ctx, a, b, cfg.Relay.IdentifyTimeout.Duration)
	}

	util.LogSuccess("relaying %s <-> %s @ %d baud", cfg.Relay.APPort, cfg.Relay.STAPort, cfg.Serial.Baud)
	return runPumps(ctx, cfg, a, b)
}

// runRemoteRelay bridges the local serial port to the other host over WebRTC.
func runRemoteRelay(ctx context.Context, cfg config.Config, f flags) error {
	port, err := transport.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud)
	if err != nil {
		return err
	}

	var conn *link.Conn
	if f.remote == "host" {
		addr := f.ws
		if addr == "" {
			addr = ":0"
		}
		conn, err = signaling.EstablishAsHost(ctx, signaling.HostOptions{
			Addr:     addr,
			PIN:      f.pin,
			Link:     link.DefaultConfig(),
			Announce: announce,
		})
	} else {
		var wsURL string
		if wsURL, err = normalizeWSURL(f.ws, f.pin); err == nil {
			conn, err = signaling.EstablishAsClient(ctx, wsURL, link.DefaultConfig())
		}
	}
	if err != nil {
		port.Close()
		return fmt.Errorf("failed to establish remote link: %w", err)
	}

	// Label directions by what the local radio announces.
	var a, b io.ReadWriteCloser = port, conn
	if cfg.Relay.AutoFixRoles && relay.IdentifyRole(ctx, port, cfg.Relay.IdentifyTimeout.Duration) == "STA" {
		a, b = conn, port
	}

	util.LogSuccess("relaying %s <-> remote host", cfg.Serial.Port)
	return runPumps(ctx, cfg, a, b)
}

func runPumps(ctx context.Context, cfg config.Config, ap, sta io.ReadWriteCloser) error {
	var opts []relay.Option
	if cfg.Relay.Tap {
		ports := make([]uint16, 0, len(cfg.Relay.TapPorts))
		for _, p := range cfg.Relay.TapPorts {
			ports = append(ports, uint16(p))
		}
		opts = append(opts, relay.WithTap(relay.PrintSink(relay.PrintOptions{
			Hello:     pterm.DefaultLogger.Level == pterm.LogLevelDebug,
			UDPFrames: cfg.Relay.TapUDP,
			TCPFrames: cfg.Relay.TapTCP,
			HeadBytes: cfg.Relay.TapBytes,
			Ports:     ports,
		})))
	}
	if err := relay.Run(ctx, ap, sta, opts...); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("relay stopped: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func announce(port int, pin string) {
	pterm.DefaultBox.WithTitle("Signaling").Println(fmt.Sprintf(
		"Port : %d\nPIN  : %s\n\nForward this port, then run on the other host:\n  apbridge relay -remote client -ws <host>:%d -pin %s",
		port, pin, port, pin))
	util.LogInfo("waiting for the remote relay to connect...")
}

// normalizeWSURL validates a raw WebSocket address and returns the signaling
// URL with the PIN attached.
func normalizeWSURL(raw, pin string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing -ws for remote client")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	if pin == "" {
		pin = u.Query().Get("pin")
	}
	return fmt.Sprintf("%s://%s/ws?pin=%s", scheme, u.Host, url.QueryEscape(pin)), nil
}

// askRole prompts for the role when none was configured.
func askRole() config.Role {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"ap    — Controller-facing endpoint",
			"sta   — Peer-facing endpoint",
			"relay — Host relay between both radios",
		}).
		WithDefaultText("Select the role of this process").
		Show()
	pterm.Println()
	return config.Role(strings.TrimSpace(strings.SplitN(choice, "—", 2)[0]))
}
