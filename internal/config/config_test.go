package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apbridge.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Serial.Baud != 921600 {
		t.Errorf("baud = %d", cfg.Serial.Baud)
	}
	if diff := cmp.Diff([]int{7060, 8060, 9060}, cfg.AP.TCPPorts); diff != "" {
		t.Errorf("tcp ports (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{7070}, cfg.STA.BulkPorts); diff != "" {
		t.Errorf("bulk ports (-want +got):\n%s", diff)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
role = "sta"

[serial]
port = "/dev/ttyACM1"

[sta]
peer_addr = "10.0.0.9"
bind_addr = "10.0.0.2"
connect_timeout = "1500ms"
toggle_bind_on = "error"
bulk_ports = [7070, 7071]
bulk_rate = 25.0

[bridge]
pending_limit = 4096
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := Default()
	want.Role = RoleSTA
	want.Serial.Port = "/dev/ttyACM1"
	want.STA.PeerAddr = "10.0.0.9"
	want.STA.BindAddr = "10.0.0.2"
	want.STA.ConnectTimeout = Duration{1500 * time.Millisecond}
	want.STA.ToggleBindOn = ToggleOnError
	want.STA.BulkPorts = []int{7070, 7071}
	want.STA.BulkRate = 25
	want.Bridge.PendingLimit = 4096

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[sta]\npeer_adress = \"1.2.3.4\"\n", "unknown key"},
		{"bad role", "role = \"bridge\"\n", "role"},
		{"bad port", "[ap]\ntcp_ports = [0]\n", "ap.tcp_ports"},
		{"bad ip", "[sta]\npeer_addr = \"peer.local\"\n", "sta.peer_addr"},
		{"bad toggle", "[sta]\ntoggle_bind_on = \"always\"\n", "toggle_bind_on"},
		{"inverted backoff", "[sta]\nbackoff_floor = \"10s\"\nbackoff_cap = \"1s\"\n", "sta.backoff"},
		{"bad duration", "[bridge]\nwrite_timeout = \"soon\"\n", "parse"},
		{"bad tap port", "[relay]\ntap_ports = [70000]\n", "relay.tap_ports"},
		{"negative tap count", "[relay]\ntap_udp = -1\n", "tap_udp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Serial.Baud = 0
	cfg.STA.ToggleBindOn = "always"
	cfg.AP.UDPPorts = []int{0}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"serial.baud", "toggle_bind_on", "ap.udp_ports"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestRoleHello(t *testing.T) {
	if RoleAP.Hello() != "AP" || RoleSTA.Hello() != "STA" || RoleRelay.Hello() != "" {
		t.Fatal("unexpected HELLO payloads")
	}
}
