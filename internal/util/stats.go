package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/session counter. Every field is advisory;
// nothing on the data path reads them back.
var Stats = &stats{}

type stats struct {
	SerialTx     atomic.Int64 // bytes written to the serial link
	SerialRx     atomic.Int64 // bytes read from the serial link
	FramesTx     atomic.Int64 // frames encoded and queued
	FramesRx     atomic.Int64 // frames decoded with a valid checksum
	FramesBad    atomic.Int64 // frames rejected (checksum/version/length)
	FramesDrop   atomic.Int64 // best-effort frames dropped on a full send queue
	TCPOpened    atomic.Int64 // sessions that reached OPEN / accepted
	TCPClosed    atomic.Int64 // sessions freed
	TCPToWire    atomic.Int64 // TCP payload bytes read from sockets and framed
	TCPFromWire  atomic.Int64 // TCP payload bytes written to sockets
	UDPToWire    atomic.Int64 // datagrams framed
	UDPFromWire  atomic.Int64 // datagrams sent on a socket
	UDPPolicyDrp atomic.Int64 // datagrams dropped by the bandwidth policy
	ConnectFails atomic.Int64 // failed outbound connect attempts
	RelayAToB    atomic.Int64 // bytes relayed AP -> STA
	RelayBToA    atomic.Int64 // bytes relayed STA -> AP
}

func (s *stats) AddSerialTx(n int) { s.SerialTx.Add(int64(n)) }
func (s *stats) AddSerialRx(n int) { s.SerialRx.Add(int64(n)) }
func (s *stats) AddTCPToWire(n int) {
	s.TCPToWire.Add(int64(n))
}
func (s *stats) AddTCPFromWire(n int) {
	s.TCPFromWire.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs link statistics every
// 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevTx, prevRx, prevOpened, prevClosed, prevDrop int64
		for {
			select {
			case <-ticker.C:
				tx := Stats.SerialTx.Load() + Stats.RelayAToB.Load()
				rx := Stats.SerialRx.Load() + Stats.RelayBToA.Load()
				opened := Stats.TCPOpened.Load()
				closed := Stats.TCPClosed.Load()
				drop := Stats.UDPPolicyDrp.Load()

				outS := float64(tx-prevTx) / 10.0
				inS := float64(rx-prevRx) / 10.0
				upC := opened - prevOpened
				downC := closed - prevClosed
				dropC := drop - prevDrop

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 || dropC > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upC, downC, dropC))
				}

				prevTx, prevRx = tx, rx
				prevOpened, prevClosed = opened, closed
				prevDrop = drop

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, upC, downC, dropC int64) string {
	return fmt.Sprintf("Serial in: %s/s | out: %s/s | TCP: %2d↑ %2d↓ | bulk dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
		dropC,
	)
}
