package telemetry

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// OpenFunc opens one serial port. Reads must return (0, nil) when no data
// arrived within readTimeout.
type OpenFunc func(port string, baud int, readTimeout time.Duration) (io.ReadCloser, error)

// OpenSerial opens a port as 8N1 at the given baud rate.
func OpenSerial(port string, baud int, readTimeout time.Duration) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", port, err)
	}
	return p, nil
}

// ListPorts returns the serial ports visible to the OS.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
