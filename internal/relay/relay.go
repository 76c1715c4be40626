// Package relay forwards raw bytes between the two endpoint links. It never
// interprets frames on the forwarding path; an optional tap decodes a copy
// of the traffic for display.
package relay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/1ureka/apbridge/internal/util"
)

const copyBufferSize = 4096

// Direction names one side of the relay.
type Direction string

const (
	APToSTA Direction = "AP->STA"
	STAToAP Direction = "STA->AP"
)

type options struct {
	tap Sink
}

// Option customizes Run.
type Option func(*options)

// WithTap decodes a copy of both directions and passes every frame to sink.
// The sink runs on its own goroutine behind a bounded queue; when it falls
// behind, chunks are skipped rather than stalling the relay.
func WithTap(sink Sink) Option {
	return func(o *options) { o.tap = sink }
}

// Run copies bytes ap→sta and sta→ap until ctx is cancelled or either side
// fails. Both streams are closed on return. Cancellation returns nil; a link
// that goes away returns its read or write error, io.EOF included.
func Run(ctx context.Context, ap, sta io.ReadWriteCloser, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tapAB, tapBA *tap
	if o.tap != nil {
		tapAB = newTap(ctx, APToSTA, o.tap)
		tapBA = newTap(ctx, STAToAP, o.tap)
	}

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- pump(ctx, ap, sta, &util.Stats.RelayAToB, tapAB)
	}()
	go func() {
		defer wg.Done()
		errc <- pump(ctx, sta, ap, &util.Stats.RelayBToA, tapBA)
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
	}

	cancel()
	ap.Close()
	sta.Close()
	wg.Wait()

	return err
}

// pump is a byte-exact copy loop. A read that returns no data and no error
// (a serial read timeout) just re-checks ctx.
func pump(ctx context.Context, src io.Reader, dst io.Writer, counter *atomic.Int64, t *tap) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return werr
			}
			counter.Add(int64(n))
			if t != nil {
				t.offer(buf[:n])
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
