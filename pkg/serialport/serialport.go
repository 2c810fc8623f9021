package serialport

import (
	"fmt"

	"go.bug.st/serial"
)

// Baud rates used by the loader protocols.
const (
	ModemBaudrate       = 115200
	RomloadInitBaudrate = 19200
)

// Port is an open UART configured for loader traffic: raw 8N1, no flow
// control, DTR and RTS asserted.
type Port struct {
	path string
	port serial.Port
}

func Open(path string) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: ModemBaudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("cannot open serial port %q: %v", path, err)
	}

	// The phone needs to see the host as ready before it talks to us.
	if err := port.SetDTR(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("cannot assert DTR on %q: %v", path, err)
	}
	if err := port.SetRTS(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("cannot assert RTS on %q: %v", path, err)
	}

	return &Port{
		path: path,
		port: port,
	}, nil
}

func (p *Port) Name() string {
	return p.path
}

// SetBaud changes both input and output speed of the open port without
// flushing pending bytes.
func (p *Port) SetBaud(rate int) error {
	mode := &serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return fmt.Errorf("cannot set %d baud on %q: %v", rate, p.path, err)
	}
	return nil
}

func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

func (p *Port) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

func (p *Port) Close() error {
	return p.port.Close()
}
