package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// pollInterval bounds how long a serial Read blocks, so readers notice
// shutdown even when the line is silent.
const pollInterval = 100 * time.Millisecond

// Port is an open serial device whose reads time out: a timed-out read
// reports (0, nil), which callers treat as "nothing yet".
type Port struct {
	serial.Port
	Name string
}

func (p *Port) String() string { return p.Name }

// OpenSerial opens a serial device in 8N1 mode at the given baud rate.
func OpenSerial(name string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := p.SetReadTimeout(pollInterval); err != nil {
		p.Close()
		return nil, fmt.Errorf("configure serial port %s: %w", name, err)
	}

	return &Port{Port: p, Name: name}, nil
}

// ListSerial returns the serial devices present on this host.
func ListSerial() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
