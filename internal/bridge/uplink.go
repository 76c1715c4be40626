package bridge

import (
	"net"
	"sync/atomic"
)

// StaticUplink is an Uplink whose state is set by the caller. The zero value
// reports disconnected.
type StaticUplink struct {
	up atomic.Bool
}

// NewStaticUplink returns an uplink that starts in the given state.
func NewStaticUplink(connected bool) *StaticUplink {
	u := &StaticUplink{}
	u.up.Store(connected)
	return u
}

func (u *StaticUplink) Connected() bool { return u.up.Load() }
func (u *StaticUplink) Set(connected bool) { u.up.Store(connected) }

// InterfaceUplink reports connected while a network interface is up and has
// at least one unicast address, i.e. the station has joined and got an IP.
type InterfaceUplink struct {
	Name string
}

func (u InterfaceUplink) Connected() bool {
	ifi, err := net.InterfaceByName(u.Name)
	if err != nil || ifi.Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := ifi.Addrs()
	return err == nil && len(addrs) > 0
}
