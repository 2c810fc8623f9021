// Package sercomm multiplexes several logical channels over one serial
// link using HDLC-style framing. Each frame carries a DLCI (data link
// connection identifier) that selects the consumer on either end.
package sercomm

import (
	"fmt"
	"log"
)

// DLCI values agreed with the software running on the phone.
const (
	DLCIDebug   byte = 4
	DLCIL1AL23  byte = 5
	DLCILoader  byte = 9
	DLCIConsole byte = 10
)

// MaxFrameLen is the largest payload a single frame may carry.
const MaxFrameLen = 512

const (
	flagByte   = 0x7E
	escapeByte = 0x7D
	escapeXor  = 0x20

	// HDLC UI frame, the only control byte the phone-side stack emits.
	controlUI = 0x03
)

// RxFunc receives the payload of a fully reassembled frame.
type RxFunc func(dlci byte, payload []byte)

// Mux de/muxes frames over a byte stream. Feed absorbs received bytes,
// Enqueue/Pull produce bytes for transmission. Not safe for concurrent
// use; the owner serializes access.
type Mux struct {
	rx map[byte]RxFunc

	// decoder state
	inFrame  bool
	inEscape bool
	frame    []byte

	// encoded bytes waiting for transmission
	txq []byte
}

func New() *Mux {
	return &Mux{
		rx: make(map[byte]RxFunc),
	}
}

// RegisterRx installs the receive callback for a DLCI, replacing any
// prior one. Frames for a DLCI without a callback are discarded.
func (m *Mux) RegisterRx(dlci byte, fn RxFunc) {
	m.rx[dlci] = fn
}

// Feed absorbs one received byte and dispatches a frame once complete.
func (m *Mux) Feed(b byte) {
	if !m.inFrame {
		if b == flagByte {
			m.inFrame = true
			m.frame = m.frame[:0]
		}
		return
	}

	if b == flagByte {
		if len(m.frame) > 0 {
			m.dispatch()
		}
		// a closing flag doubles as the opening flag of the next frame
		m.frame = m.frame[:0]
		m.inEscape = false
		return
	}

	if b == escapeByte {
		m.inEscape = true
		return
	}
	if m.inEscape {
		b ^= escapeXor
		m.inEscape = false
	}

	if len(m.frame) >= 2+MaxFrameLen {
		log.Printf("sercomm: oversized frame on the wire, dropping")
		m.inFrame = false
		m.frame = m.frame[:0]
		return
	}
	m.frame = append(m.frame, b)
}

func (m *Mux) dispatch() {
	if len(m.frame) < 2 {
		// address + control did not even arrive
		return
	}
	dlci := m.frame[0]
	fn, ok := m.rx[dlci]
	if !ok {
		return
	}
	payload := make([]byte, len(m.frame)-2)
	copy(payload, m.frame[2:])
	fn(dlci, payload)
}

// Enqueue queues one frame for transmission on the given DLCI.
func (m *Mux) Enqueue(dlci byte, payload []byte) error {
	if len(payload) > MaxFrameLen {
		log.Printf("sercomm: too much data to send on DLCI %d: %d bytes", dlci, len(payload))
		return fmt.Errorf("frame payload %d exceeds %d bytes", len(payload), MaxFrameLen)
	}

	m.txq = append(m.txq, flagByte)
	m.appendEscaped(dlci)
	m.appendEscaped(controlUI)
	for _, b := range payload {
		m.appendEscaped(b)
	}
	m.txq = append(m.txq, flagByte)
	return nil
}

func (m *Mux) appendEscaped(b byte) {
	if b == flagByte || b == escapeByte {
		m.txq = append(m.txq, escapeByte, b^escapeXor)
		return
	}
	m.txq = append(m.txq, b)
}

// Pull produces the next byte to transmit. It reports false when the
// transmit queue is empty.
func (m *Mux) Pull() (byte, bool) {
	if len(m.txq) == 0 {
		return 0, false
	}
	b := m.txq[0]
	m.txq = m.txq[1:]
	return b, true
}

// Pending reports whether transmit bytes are queued.
func (m *Mux) Pending() bool {
	return len(m.txq) > 0
}
