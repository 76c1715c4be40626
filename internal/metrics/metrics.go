// Package metrics exports the process-wide traffic counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/apbridge/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apbridge"

var registerOnce sync.Once

type counterDef struct {
	subsystem string
	name      string
	help      string
	value     *atomic.Int64
}

func counterDefs() []counterDef {
	s := util.Stats
	return []counterDef{
		{"serial", "tx_bytes_total", "Bytes written to the serial link.", &s.SerialTx},
		{"serial", "rx_bytes_total", "Bytes read from the serial link.", &s.SerialRx},
		{"frames", "tx_total", "Frames encoded and queued for the serial link.", &s.FramesTx},
		{"frames", "rx_total", "Checksum-verified frames decoded from the serial link.", &s.FramesRx},
		{"frames", "send_dropped_total", "Best-effort frames dropped because the serial send queue was full.", &s.FramesDrop},
		{"frames", "rejected_total", "Candidate frames rejected by checksum, version or length checks.", &s.FramesBad},
		{"tcp", "sessions_opened_total", "TCP sessions established or accepted.", &s.TCPOpened},
		{"tcp", "sessions_closed_total", "TCP sessions freed.", &s.TCPClosed},
		{"tcp", "to_wire_bytes_total", "TCP payload bytes read from sockets and framed.", &s.TCPToWire},
		{"tcp", "from_wire_bytes_total", "TCP payload bytes written to sockets.", &s.TCPFromWire},
		{"tcp", "connect_failures_total", "Failed outbound connect attempts.", &s.ConnectFails},
		{"udp", "to_wire_datagrams_total", "Datagrams framed onto the serial link.", &s.UDPToWire},
		{"udp", "from_wire_datagrams_total", "Datagrams delivered to a socket.", &s.UDPFromWire},
		{"udp", "policy_dropped_total", "Datagrams dropped by the bandwidth policy.", &s.UDPPolicyDrp},
		{"relay", "ap_to_sta_bytes_total", "Bytes relayed from the AP link to the STA link.", &s.RelayAToB},
		{"relay", "sta_to_ap_bytes_total", "Bytes relayed from the STA link to the AP link.", &s.RelayBToA},
	}
}

func newCollectors() []prometheus.Collector {
	defs := counterDefs()
	out := make([]prometheus.Collector, 0, len(defs))
	for _, d := range defs {
		v := d.value
		out = append(out, prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: d.subsystem,
				Name:      d.name,
				Help:      d.help,
			},
			func() float64 { return float64(v.Load()) },
		))
	}
	return out
}

// Register adds the counters to reg.
func Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range newCollectors() {
		errs = append(errs, reg.Register(c))
	}
	return errors.Join(errs...)
}

// RegisterMetrics registers the counters with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(newCollectors()...)
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("metrics listening on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
