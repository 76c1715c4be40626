package bridge

import (
	"sync/atomic"

	"github.com/1ureka/apbridge/internal/util"
	"golang.org/x/time/rate"
)

// Policy drops datagrams from bulk peer-side ports before they are framed.
// The serial link cannot carry media streams.
type Policy struct {
	bulk    map[uint16]struct{}
	limiter *rate.Limiter // nil: drop every bulk datagram
	dropped atomic.Int64
}

// NewPolicy builds a policy for the given bulk ports. A positive pps lets
// that many bulk datagrams per second through.
func NewPolicy(bulkPorts []int, pps float64) *Policy {
	p := &Policy{bulk: make(map[uint16]struct{}, len(bulkPorts))}
	for _, port := range bulkPorts {
		p.bulk[uint16(port)] = struct{}{}
	}
	if pps > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(pps), max(1, int(pps)))
	}
	return p
}

// Allow reports whether a datagram from peerPort may be framed, counting it
// as dropped otherwise.
func (p *Policy) Allow(peerPort uint16) bool {
	if _, bulk := p.bulk[peerPort]; !bulk {
		return true
	}
	if p.limiter != nil && p.limiter.Allow() {
		return true
	}
	p.dropped.Add(1)
	util.Stats.UDPPolicyDrp.Add(1)
	return false
}

// Dropped returns how many datagrams this policy has dropped.
func (p *Policy) Dropped() int64 { return p.dropped.Load() }
