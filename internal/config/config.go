// Package config holds the endpoint and relay configuration, its defaults,
// and TOML loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Role represents which part of the bridge this process plays.
type Role string

const (
	RoleAP    Role = "ap"    // controller-facing endpoint (spoofed access point)
	RoleSTA   Role = "sta"   // peer-facing endpoint (joined to the real network)
	RoleRelay Role = "relay" // host relay between the two serial links
)

// Hello returns the HELLO payload an endpoint of this role announces.
func (r Role) Hello() string {
	switch r {
	case RoleAP:
		return "AP"
	case RoleSTA:
		return "STA"
	}
	return ""
}

// Duration is a time.Duration that decodes from TOML strings such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config stores all parameters of one process.
type Config struct {
	Role    Role          `toml:"role"`
	Serial  SerialConfig  `toml:"serial"`
	AP      APConfig      `toml:"ap"`
	STA     STAConfig     `toml:"sta"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Relay   RelayConfig   `toml:"relay"`
	Metrics MetricsConfig `toml:"metrics"`
}

// SerialConfig selects the serial device an endpoint talks over.
type SerialConfig struct {
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
}

// APConfig configures the controller-facing endpoint.
type APConfig struct {
	ListenAddr     string `toml:"listen_addr"`     // IP the spoofed services bind to
	TCPPorts       []int  `toml:"tcp_ports"`       // well-known TCP listening ports
	UDPPorts       []int  `toml:"udp_ports"`       // well-known UDP ports bound at startup
	ControllerAddr string `toml:"controller_addr"` // fallback controller IP for UDP replies
}

// Bind strategies toggled after a failed connect.
const (
	ToggleOnTimeout = "timeout"
	ToggleOnError   = "error"
	ToggleNever     = "never"
)

// STAConfig configures the peer-facing endpoint.
type STAConfig struct {
	PeerAddr           string   `toml:"peer_addr"`            // real peer device IP
	BindAddr           string   `toml:"bind_addr"`            // local IP for mirrored sockets
	Interface          string   `toml:"interface"`            // Wi-Fi NIC whose state gates connects
	ConnectTimeout     Duration `toml:"connect_timeout"`      // per-attempt bound
	BackoffFloor       Duration `toml:"backoff_floor"`        // first retry delay
	BackoffCap         Duration `toml:"backoff_cap"`          // retry delay ceiling
	ToggleBindOn       string   `toml:"toggle_bind_on"`       // timeout | error | never
	MaxConnectAttempts int      `toml:"max_connect_attempts"` // 0 = retry forever
	BulkPorts          []int    `toml:"bulk_ports"`           // peer-side source ports dropped before framing
	BulkRate           float64  `toml:"bulk_rate"`            // packets/s admitted from bulk ports; 0 drops all
}

// BridgeConfig holds limits shared by both endpoints.
type BridgeConfig struct {
	MaxSessions   int      `toml:"max_sessions"`
	MaxFlows      int      `toml:"max_flows"`
	PendingLimit  int      `toml:"pending_limit"`
	WriteTimeout  Duration `toml:"write_timeout"`
	TickInterval  Duration `toml:"tick_interval"`
	HelloInterval Duration `toml:"hello_interval"`
	LogFrames     bool     `toml:"log_frames"` // mirror event lines onto the link as LOG frames
}

// RelayConfig configures the host relay.
type RelayConfig struct {
	APPort          string   `toml:"ap_port"`
	STAPort         string   `toml:"sta_port"`
	AutoFixRoles    bool     `toml:"auto_fix_roles"`
	IdentifyTimeout Duration `toml:"identify_timeout"`
	Tap             bool     `toml:"tap"`
	TapUDP          int      `toml:"tap_udp"`   // print the first N UDP frames per direction
	TapTCP          int      `toml:"tap_tcp"`   // print the first N TCP_DATA frames per direction
	TapBytes        int      `toml:"tap_bytes"` // payload bytes shown as hex
	TapPorts        []int    `toml:"tap_ports"` // aux ports the data tap counts; empty = all
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration matching the original radio firmware.
func Default() Config {
	return Config{
		Serial: SerialConfig{Port: "/dev/ttyUSB0", Baud: 921600},
		AP: APConfig{
			ListenAddr: "0.0.0.0",
			TCPPorts:   []int{7060, 8060, 9060},
			UDPPorts:   []int{40000, 50000},
		},
		STA: STAConfig{
			PeerAddr:       "192.168.0.1",
			ConnectTimeout: Duration{3 * time.Second},
			BackoffFloor:   Duration{250 * time.Millisecond},
			BackoffCap:     Duration{8 * time.Second},
			ToggleBindOn:   ToggleOnTimeout,
			BulkPorts:      []int{7070},
		},
		Bridge: BridgeConfig{
			MaxSessions:   8,
			MaxFlows:      16,
			PendingLimit:  16 * 1024,
			WriteTimeout:  Duration{500 * time.Millisecond},
			TickInterval:  Duration{20 * time.Millisecond},
			HelloInterval: Duration{time.Second},
			LogFrames:     true,
		},
		Relay: RelayConfig{
			APPort:          "/dev/ttyUSB0",
			STAPort:         "/dev/ttyUSB1",
			AutoFixRoles:    true,
			IdentifyTimeout: Duration{6 * time.Second},
			Tap:             true,
			TapBytes:        48,
			TapPorts:        []int{40000, 50000, 7070, 7060, 8060, 9060},
		},
	}
}

// Load reads a TOML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found in cfg, joined, or nil.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case "", RoleAP, RoleSTA, RoleRelay:
	default:
		errs = append(errs, fmt.Errorf("role %q: must be ap, sta or relay", c.Role))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud %d: must be positive", c.Serial.Baud))
	}

	for _, p := range c.AP.TCPPorts {
		errs = append(errs, checkPort("ap.tcp_ports", p))
	}
	for _, p := range c.AP.UDPPorts {
		errs = append(errs, checkPort("ap.udp_ports", p))
	}
	for _, p := range c.STA.BulkPorts {
		errs = append(errs, checkPort("sta.bulk_ports", p))
	}
	for _, p := range c.Relay.TapPorts {
		errs = append(errs, checkPort("relay.tap_ports", p))
	}
	if c.Relay.TapUDP < 0 || c.Relay.TapTCP < 0 || c.Relay.TapBytes < 0 {
		errs = append(errs, errors.New("relay.tap_udp, tap_tcp and tap_bytes must not be negative"))
	}
	errs = append(errs,
		checkIP("ap.listen_addr", c.AP.ListenAddr, true),
		checkIP("ap.controller_addr", c.AP.ControllerAddr, false),
		checkIP("sta.peer_addr", c.STA.PeerAddr, true),
		checkIP("sta.bind_addr", c.STA.BindAddr, false),
	)

	switch c.STA.ToggleBindOn {
	case ToggleOnTimeout, ToggleOnError, ToggleNever:
	default:
		errs = append(errs, fmt.Errorf("sta.toggle_bind_on %q: must be timeout, error or never", c.STA.ToggleBindOn))
	}
	if c.STA.ConnectTimeout.Duration <= 0 {
		errs = append(errs, errors.New("sta.connect_timeout: must be positive"))
	}
	if c.STA.BackoffFloor.Duration <= 0 || c.STA.BackoffCap.Duration < c.STA.BackoffFloor.Duration {
		errs = append(errs, fmt.Errorf("sta.backoff: need 0 < floor (%s) <= cap (%s)", c.STA.BackoffFloor, c.STA.BackoffCap))
	}
	if c.STA.MaxConnectAttempts < 0 || c.STA.BulkRate < 0 {
		errs = append(errs, errors.New("sta.max_connect_attempts and sta.bulk_rate must not be negative"))
	}

	if c.Bridge.MaxSessions <= 0 || c.Bridge.MaxFlows <= 0 || c.Bridge.PendingLimit <= 0 {
		errs = append(errs, errors.New("bridge.max_sessions, max_flows and pending_limit must be positive"))
	}
	if c.Bridge.TickInterval.Duration <= 0 || c.Bridge.WriteTimeout.Duration <= 0 {
		errs = append(errs, errors.New("bridge.tick_interval and write_timeout must be positive"))
	}

	return errors.Join(errs...)
}

func checkPort(field string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s: port %d out of range 1~65535", field, p)
	}
	return nil
}

func checkIP(field, v string, required bool) error {
	if v == "" {
		if required {
			return fmt.Errorf("%s: required", field)
		}
		return nil
	}
	if net.ParseIP(v) == nil {
		return fmt.Errorf("%s: %q is not an IP address", field, v)
	}
	return nil
}
