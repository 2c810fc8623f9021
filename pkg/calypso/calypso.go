// Package calypso drives the mask-ROM loader of TI Calypso basebands.
// The romloader never speaks first; the host beacons an ident command
// until the ROM answers, negotiates parameters, uploads the image in
// checksummed blocks and finally branches into it.
package calypso

import (
	"bytes"
	"fmt"
	"log"
	"time"

	"github.com/gsm-mobile-hacks/bbcon/pkg/dnload"
)

// State of the conversation with the romloader.
type State int

const (
	WaitingIdent State = iota
	WaitingParamAck
	SendingBlocks
	SendingLastBlock
	LastBlockSent
	WaitingBlockAck
	WaitingChecksumAck
	WaitingBranchAck
	Finished
)

const (
	InitBaudrate     = 19200
	DownloadBaudrate = 115200

	// BeaconInterval is the cadence of the <i probe.
	BeaconInterval = 50 * time.Millisecond

	blockHdrLen = 10

	// LoadAddress is where the image is placed and branched to.
	LoadAddress = 0x00820000
)

// Commands are "<x", acks ">x", nacks ">X".
var (
	identCmd    = []byte{'<', 'i'}
	checksumCmd = []byte{'<', 'c'}
	branchCmd   = []byte{'<', 'b'}

	identAck     = []byte{'>', 'i'}
	paramAck     = []byte{'>', 'p'}
	paramNack    = []byte{'>', 'P'}
	blockAck     = []byte{'>', 'w'}
	blockNack    = []byte{'>', 'W'}
	checksumAck  = []byte{'>', 'c'}
	checksumNack = []byte{'>', 'C'}
	branchAck    = []byte{'>', 'b'}
	branchNack   = []byte{'>', 'B'}
)

// paramPacket is "<p" followed by baudrate, dpll, memory config,
// strobe_af and uart timeout.
var paramPacket = []byte{0x3C, 0x70, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}

// The ROM's replies vary in length by state; reading more would consume
// bytes that belong to the next exchange.
var recvLenForState = map[State]int{
	WaitingParamAck:    4, // ">p" + uint16 advertised block size
	WaitingChecksumAck: 3, // ">c", or ">C" + the ROM's checksum byte
}

const recvLenDefault = 2

// Link is the transmit side of the serial connection plus baud control.
type Link interface {
	Write(p []byte) (int, error)
	SetBaud(rate int) error
}

// Loader runs the romloader protocol.
type Loader struct {
	link      Link
	imagePath string
	handover  func()

	state  State
	img    *dnload.Image
	window []byte

	block            []byte
	blockPtr         int
	blockNumber      int
	blockPayloadSize int
	dlChecksum       int

	writeWanted bool
}

// New creates a loader waiting for identification. handover is invoked
// once the ROM acknowledges the branch into the uploaded code.
func New(link Link, imagePath string, handover func()) *Loader {
	return &Loader{
		link:      link,
		imagePath: imagePath,
		handover:  handover,
		state:     WaitingIdent,
		window:    make([]byte, 0, 7),
	}
}

func (l *Loader) State() State {
	return l.state
}

func (l *Loader) WantsWrite() bool {
	return l.writeWanted
}

// Tick sends the ident beacon while the ROM has not answered yet. The
// owner calls it every BeaconInterval.
func (l *Loader) Tick() {
	if l.state != WaitingIdent {
		return
	}
	log.Printf("Sending beacon...")
	if _, err := l.link.Write(identCmd); err != nil {
		log.Printf("Error sending identification beacon: %v", err)
	}
}

func (l *Loader) recvLen() int {
	if n, ok := recvLenForState[l.state]; ok {
		return n
	}
	return recvLenDefault
}

// Feed absorbs bytes received from the phone.
func (l *Loader) Feed(data []byte) {
	for _, b := range data {
		l.feedByte(b)
	}
}

func (l *Loader) feedByte(b byte) {
	limit := l.recvLen()
	if len(l.window) >= limit {
		copy(l.window, l.window[1:])
		l.window = l.window[:len(l.window)-1]
	}
	l.window = append(l.window, b)
	if len(l.window) < 2 {
		return
	}

	consumed := false
	switch l.state {
	case WaitingIdent:
		consumed = l.handleIdent()
	case WaitingParamAck:
		consumed = l.handleParamAck()
	case WaitingBlockAck, LastBlockSent:
		consumed = l.handleBlockAck()
	case WaitingChecksumAck:
		consumed = l.handleChecksumAck()
	case WaitingBranchAck:
		consumed = l.handleBranchAck()
	}
	if consumed {
		l.window = l.window[:0]
	}
}

func (l *Loader) handleIdent() bool {
	if !bytes.Equal(l.window[:2], identAck) {
		return false
	}
	log.Printf("Received ident ack from phone, sending parameter sequence")
	if _, err := l.link.Write(paramPacket); err != nil {
		log.Printf("Error sending parameter sequence: %v", err)
	}

	img, err := dnload.ReadImage(l.imagePath, dnload.ModeRomload)
	if err != nil {
		log.Printf("Cannot prepare image %q: %v", l.imagePath, err)
		l.img = nil
		l.state = WaitingIdent
		return true
	}
	l.img = img
	l.state = WaitingParamAck
	return true
}

func (l *Loader) handleParamAck() bool {
	switch {
	case bytes.Equal(l.window[:2], paramAck):
		if len(l.window) < 4 {
			// the two advertised-size bytes have not arrived yet
			return false
		}
		log.Printf("Received parameter ack from phone, starting download")
		if err := l.link.SetBaud(DownloadBaudrate); err != nil {
			log.Printf("Cannot raise baudrate: %v", err)
		}
		// let the target's UART settle after changing baud
		time.Sleep(2 * BeaconInterval)

		advertised := int(l.window[3])<<8 | int(l.window[2])
		log.Printf("Used blocksize for download is %d bytes", advertised)
		l.blockPayloadSize = advertised - blockHdrLen
		l.blockNumber = 0
		l.dlChecksum = 0
		l.prepareBlock()
		l.writeWanted = true
		return true
	case bytes.Equal(l.window[:2], paramNack):
		log.Printf("Received parameter nack from phone")
		l.abortToIdent()
		return true
	}
	return false
}

func (l *Loader) handleBlockAck() bool {
	switch {
	case bytes.Equal(l.window[:2], blockAck):
		log.Printf("Received block ack from phone")
		if l.state == LastBlockSent {
			final := byte(^l.dlChecksum)
			log.Printf("Sending checksum: 0x%02x", final)
			if _, err := l.link.Write(checksumCmd); err != nil {
				log.Printf("Error sending checksum command: %v", err)
			}
			if _, err := l.link.Write([]byte{final}); err != nil {
				log.Printf("Error sending checksum byte: %v", err)
			}
			l.state = WaitingChecksumAck
		} else {
			l.prepareBlock()
			l.writeWanted = true
		}
		return true
	case bytes.Equal(l.window[:2], blockNack):
		log.Printf("Received block nack from phone, something went wrong, aborting")
		l.abortToIdent()
		return true
	}
	return false
}

func (l *Loader) handleChecksumAck() bool {
	switch {
	case bytes.Equal(l.window[:2], checksumAck):
		log.Printf("Checksum on phone side matches, let's branch to your code")
		loadAddr := uint32(LoadAddress)
		addr := [4]byte{
			byte(loadAddr >> 24),
			byte(loadAddr >> 16),
			byte(loadAddr >> 8),
			byte(loadAddr),
		}
		log.Printf("Branching to 0x%08x", uint32(LoadAddress))
		if _, err := l.link.Write(branchCmd); err != nil {
			log.Printf("Error sending branch command: %v", err)
		}
		if _, err := l.link.Write(addr[:]); err != nil {
			log.Printf("Error sending branch address: %v", err)
		}
		l.state = WaitingBranchAck
		return true
	case bytes.Equal(l.window[:2], checksumNack):
		if len(l.window) < 3 {
			// wait for the ROM's own checksum byte
			return false
		}
		log.Printf("Checksum on phone side (0x%02x) doesn't match ours, aborting", l.window[2])
		l.abortToIdent()
		return true
	}
	return false
}

func (l *Loader) handleBranchAck() bool {
	switch {
	case bytes.Equal(l.window[:2], branchAck):
		log.Printf("Received branch ack, your code is running now!")
		l.state = Finished
		l.writeWanted = false
		if l.handover != nil {
			l.handover()
		}
		return true
	case bytes.Equal(l.window[:2], branchNack):
		log.Printf("Received branch nack, aborting")
		l.abortToIdent()
		return true
	}
	return false
}

// abortToIdent drops back to the probing state after any nack: the
// romloader has given up and only a fresh ident exchange revives it.
func (l *Loader) abortToIdent() {
	if err := l.link.SetBaud(InitBaudrate); err != nil {
		log.Printf("Cannot lower baudrate: %v", err)
	}
	l.state = WaitingIdent
	l.writeWanted = false
	time.Sleep(2 * BeaconInterval)
}

// prepareBlock assembles the next block: a 10-byte header followed by
// the payload slice of the image, zero-padded on the last block.
func (l *Loader) prepareBlock() {
	if l.blockNumber == 0 {
		l.block = make([]byte, blockHdrLen+l.blockPayloadSize)
	}

	blockAddress := uint32(LoadAddress + l.blockNumber*l.blockPayloadSize)

	l.block[0] = '<'
	l.block[1] = 'w'
	l.block[2] = 0x01 // block index
	// should be the block number, but the ROM hangs when sent anything
	// other than 0x01
	l.block[3] = 0x01
	l.block[4] = byte(l.blockPayloadSize >> 8)
	l.block[5] = byte(l.blockPayloadSize)
	l.block[6] = byte(blockAddress >> 24)
	l.block[7] = byte(blockAddress >> 16)
	l.block[8] = byte(blockAddress >> 8)
	l.block[9] = byte(blockAddress)

	payload := l.img.Payload()
	offset := l.blockPayloadSize * l.blockNumber
	remaining := len(payload) - offset

	n := copy(l.block[blockHdrLen:], payload[offset:])
	if remaining <= l.blockPayloadSize {
		fill := l.blockPayloadSize - remaining
		log.Printf("Preparing the last block, filling %d bytes,", fill)
		for i := blockHdrLen + n; i < len(l.block); i++ {
			l.block[i] = 0x00
		}
		l.state = SendingLastBlock
	} else {
		log.Printf("Preparing block %d,", l.blockNumber+1)
		l.state = SendingBlocks
	}

	// block checksum is the lsb of ^(5 + size lsb + address + data)
	blockChecksum := 5
	for i := 5; i < len(l.block); i++ {
		blockChecksum += int(l.block[i])
	}
	log.Printf(" block checksum is 0x%02x", byte(^blockChecksum))
	l.dlChecksum += int(byte(^blockChecksum))

	l.blockPtr = 0
	l.blockNumber++
}

// PumpWrite transmits the next piece of the current block. The caller
// invokes it repeatedly while WantsWrite is true.
func (l *Loader) PumpWrite() error {
	if l.state != SendingBlocks && l.state != SendingLastBlock {
		l.writeWanted = false
		return nil
	}

	if l.blockPtr >= len(l.block) {
		log.Printf("Block %d finished", l.blockNumber)
		l.writeWanted = false
		if l.state == SendingLastBlock {
			l.state = LastBlockSent
			log.Printf("Finished, sent %d blocks in total", l.blockNumber)
		} else {
			l.state = WaitingBlockAck
		}
		return nil
	}

	n, err := l.link.Write(l.block[l.blockPtr:])
	if err != nil {
		return fmt.Errorf("error during block write: %v", err)
	}
	l.blockPtr += n
	log.Printf("Wrote %d bytes (%d/%d)", n, l.blockPtr, len(l.block))
	return nil
}
