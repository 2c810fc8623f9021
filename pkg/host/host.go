// Package host wires the serial port, the active loader, the link mux
// and the tool servers together and runs the event loop.
//
// Blocking I/O is turned into events by small pump goroutines; a single
// dispatcher goroutine consumes the events and is the only place where
// protocol state is mutated, so all loader and mux work stays
// serialized.
package host

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gsm-mobile-hacks/bbcon/pkg/calypso"
	"github.com/gsm-mobile-hacks/bbcon/pkg/compal"
	"github.com/gsm-mobile-hacks/bbcon/pkg/dnload"
	"github.com/gsm-mobile-hacks/bbcon/pkg/sercomm"
	"github.com/gsm-mobile-hacks/bbcon/pkg/serialport"
	"github.com/gsm-mobile-hacks/bbcon/pkg/toolsrv"
)

// ErrSerialEOF is returned by Run when the UART signals end of file.
var ErrSerialEOF = errors.New("end of file on the serial port")

type Config struct {
	SerialPath       string
	Mode             dnload.Mode
	ImagePath        string
	L2SocketPath     string
	LoaderSocketPath string
}

type toolMsg struct {
	dlci    byte
	payload []byte
}

// loader is the part of both protocol state machines the host drives.
type loader interface {
	Feed(data []byte)
	WantsWrite() bool
	PumpWrite() error
}

type Host struct {
	cfg  Config
	port *serialport.Port
	mux  *sercomm.Mux

	l2Srv     *toolsrv.Server
	loaderSrv *toolsrv.Server

	loader  loader
	romload *calypso.Loader

	// set once the phone runs the uploaded image; from then on the
	// serial link carries mux frames instead of loader protocol bytes
	handover bool

	serialc chan []byte
	toolc   chan toolMsg
}

// New validates the image, opens the UART and binds the tool sockets.
func New(cfg Config) (*Host, error) {
	// reject oversized images before touching the UART
	if _, err := dnload.ReadImage(cfg.ImagePath, cfg.Mode); err != nil {
		return nil, err
	}

	port, err := serialport.Open(cfg.SerialPath)
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:     cfg,
		port:    port,
		mux:     sercomm.New(),
		serialc: make(chan []byte),
		toolc:   make(chan toolMsg),
	}

	h.mux.RegisterRx(sercomm.DLCIConsole, func(_ byte, payload []byte) {
		os.Stdout.Write(payload)
	})
	h.mux.RegisterRx(sercomm.DLCIDebug, func(_ byte, payload []byte) {
		fmt.Printf("TPU debug: % x\n", payload)
	})

	deliver := func(dlci byte, payload []byte) {
		h.toolc <- toolMsg{dlci: dlci, payload: payload}
	}

	h.l2Srv, err = toolsrv.Listen(cfg.L2SocketPath, sercomm.DLCIL1AL23, deliver)
	if err != nil {
		port.Close()
		return nil, err
	}
	h.loaderSrv, err = toolsrv.Listen(cfg.LoaderSocketPath, sercomm.DLCILoader, deliver)
	if err != nil {
		h.l2Srv.Close()
		port.Close()
		return nil, err
	}
	h.mux.RegisterRx(sercomm.DLCIL1AL23, func(_ byte, payload []byte) {
		h.l2Srv.Broadcast(payload)
	})
	h.mux.RegisterRx(sercomm.DLCILoader, func(_ byte, payload []byte) {
		h.loaderSrv.Broadcast(payload)
	})

	// once the uploaded code runs, the mux owns the transmit side;
	// frames queued by tools during the upload go out now
	onHandover := func() {
		h.handover = true
		h.drainMux()
	}
	if cfg.Mode == dnload.ModeRomload {
		if err := port.SetBaud(serialport.RomloadInitBaudrate); err != nil {
			h.Close()
			return nil, err
		}
		h.romload = calypso.New(port, cfg.ImagePath, onHandover)
		h.loader = h.romload
	} else {
		h.loader = compal.New(port, cfg.ImagePath, cfg.Mode, onHandover)
	}

	return h, nil
}

// Run drives the event loop until the serial port closes.
func (h *Host) Run() error {
	go h.readSerial()

	var tick <-chan time.Time
	if h.romload != nil {
		t := time.NewTicker(calypso.BeaconInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case chunk, ok := <-h.serialc:
			if !ok {
				return ErrSerialEOF
			}
			h.handleSerial(chunk)
		case <-tick:
			h.romload.Tick()
		case m := <-h.toolc:
			h.sendToPhone(m.dlci, m.payload)
		}
		h.pumpWrites()
	}
}

// readSerial converts blocking UART reads into events for the
// dispatcher. A zero read or error means the link is gone.
func (h *Host) readSerial() {
	buf := make([]byte, 512)
	for {
		n, err := h.port.Read(buf)
		if err != nil {
			log.Printf("Error reading from serial port: %v", err)
			close(h.serialc)
			return
		}
		if n == 0 {
			close(h.serialc)
			return
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		h.serialc <- chunk
	}
}

func (h *Host) handleSerial(chunk []byte) {
	if h.handover {
		for _, b := range chunk {
			h.mux.Feed(b)
		}
		return
	}
	h.loader.Feed(chunk)
}

// sendToPhone queues a tool message on the mux. Before handover the
// loader is the sole writer on the UART, so the frame stays queued
// until the uploaded code runs.
func (h *Host) sendToPhone(dlci byte, payload []byte) {
	log.Printf("Sending %d bytes to phone on DLCI %d", len(payload), dlci)
	if err := h.mux.Enqueue(dlci, payload); err != nil {
		return
	}
	if h.handover {
		h.drainMux()
	}
}

func (h *Host) drainMux() {
	var buf []byte
	for {
		b, ok := h.mux.Pull()
		if !ok {
			break
		}
		buf = append(buf, b)
	}
	for len(buf) > 0 {
		n, err := h.port.Write(buf)
		if err != nil {
			log.Printf("Error writing mux frame to serial port: %v", err)
			return
		}
		buf = buf[n:]
	}
}

func (h *Host) pumpWrites() {
	if h.handover {
		return
	}
	for h.loader.WantsWrite() {
		if err := h.loader.PumpWrite(); err != nil {
			log.Print(err)
			return
		}
	}
}

func (h *Host) Close() error {
	var firstErr error
	if h.l2Srv != nil {
		if err := h.l2Srv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.loaderSrv != nil {
		if err := h.loaderSrv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.port.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("cannot close serial port: %v", err)
	}
	return firstErr
}
