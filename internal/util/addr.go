package util

import "net"

// PortOf returns the port of a TCP or UDP address, or 0 for anything else.
func PortOf(addr net.Addr) uint16 {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return uint16(a.Port)
	case *net.UDPAddr:
		return uint16(a.Port)
	}
	return 0
}

// IPOf returns the IP of a TCP or UDP address, or nil.
func IPOf(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	return nil
}
