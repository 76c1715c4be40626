package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/1ureka/apbridge/internal/protocol"
	"github.com/1ureka/apbridge/internal/util"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// IdentifyRole reads r until a HELLO frame announces "AP" or "STA" and
// returns that role, or "" if none arrives within timeout. Bytes read here
// are not forwarded; endpoints repeat HELLO so nothing of value is lost.
//
// r must return periodically (a serial read timeout, or a read deadline,
// which is set automatically when r supports it).
func IdentifyRole(ctx context.Context, r io.Reader, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	if d, ok := r.(readDeadliner); ok {
		d.SetReadDeadline(deadline)
		defer d.SetReadDeadline(time.Time{})
	}

	dec := protocol.NewDecoder()
	buf := make([]byte, copyBufferSize)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		n, err := r.Read(buf)
		for _, f := range dec.Write(buf[:n]) {
			if f.Type != protocol.TypeHello {
				continue
			}
			if who := string(f.Payload); who == "AP" || who == "STA" {
				return who
			}
		}
		if err != nil {
			return ""
		}
	}
	return ""
}

// Arrange identifies both links concurrently and swaps them when they were
// passed in reverse. Ambiguous results leave the order unchanged.
func Arrange(ctx context.Context, ap, sta io.ReadWriteCloser, timeout time.Duration) (io.ReadWriteCloser, io.ReadWriteCloser) {
	var roleAP, roleSTA string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); roleAP = IdentifyRole(ctx, ap, timeout) }()
	go func() { defer wg.Done(); roleSTA = IdentifyRole(ctx, sta, timeout) }()
	wg.Wait()

	util.LogInfo("roles detected: ap link=%q sta link=%q", roleAP, roleSTA)
	switch {
	case roleAP == "STA" && roleSTA == "AP":
		util.LogWarning("AP and STA links appear swapped; swapping")
		return sta, ap
	case roleAP != "" && roleAP == roleSTA:
		util.LogWarning("both links report %s; is the same firmware flashed on both radios?", roleAP)
	case roleAP == "" || roleSTA == "":
		util.LogWarning("role detection incomplete (no HELLO within %s); continuing", timeout)
	}
	return ap, sta
}

// ScanPorts opens every candidate and waits up to timeout for HELLO frames
// naming the AP and the STA radio. Candidates are probed concurrently and
// closed again before returning.
func ScanPorts(ctx context.Context, candidates []string, open func(name string) (io.ReadWriteCloser, error), timeout time.Duration) (ap, sta string, err error) {
	if len(candidates) == 0 {
		return "", "", errors.New("no serial ports found")
	}

	roles := make([]string, len(candidates))
	var wg sync.WaitGroup
	for i, name := range candidates {
		port, err := open(name)
		if err != nil {
			util.LogDebug("scan: skipping %s: %v", name, err)
			continue
		}
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer port.Close()
			roles[i] = IdentifyRole(ctx, port, timeout)
		}()
	}
	wg.Wait()

	for i, who := range roles {
		switch {
		case who == "AP" && ap == "":
			ap = candidates[i]
		case who == "STA" && sta == "":
			sta = candidates[i]
		}
	}
	if ap == "" || sta == "" {
		return "", "", fmt.Errorf("auto-scan failed (ap=%q sta=%q); pass -ap and -sta explicitly", ap, sta)
	}
	util.LogInfo("auto-scan: AP on %s, STA on %s", ap, sta)
	return ap, sta, nil
}
