// Package compal drives the ramloader found in Compal-built phones
// (Motorola C1xx family). The loader announces itself with a prompt,
// accepts a download command and then takes the prepared image as a
// raw byte stream.
package compal

import (
	"bytes"
	"fmt"
	"log"
	"time"

	"github.com/gsm-mobile-hacks/bbcon/pkg/dnload"
)

// State of the handshake with the ramloader.
type State int

const (
	WaitingPrompt1 State = iota
	WaitingPrompt2
	Downloading
)

// All ramloader messages are seven bytes; all but the ASCII "ftmtool"
// abort start with 1B F6 02 00.
var (
	prompt1   = []byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x01, 0x40}
	dnloadCmd = []byte{0x1B, 0xF6, 0x02, 0x00, 0x52, 0x01, 0x53}
	prompt2   = []byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x02, 0x43}
	ack       = []byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x03, 0x42}
	nackMagic = []byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x03, 0x57}
	nack      = []byte{0x1B, 0xF6, 0x02, 0x00, 0x45, 0x53, 0x16}
	ftmtool   = []byte("ftmtool")
)

const (
	windowLen  = 7
	writeChunk = 4096
)

// Link is the transmit side of the serial connection.
type Link interface {
	Write(p []byte) (int, error)
}

// Loader runs the ramloader handshake and streams the image.
type Loader struct {
	link      Link
	imagePath string
	mode      dnload.Mode
	handover  func()

	state       State
	img         *dnload.Image
	window      []byte
	writeWanted bool
}

// New creates a loader in the initial state. handover is invoked once
// the phone acknowledges the image and branches into it.
func New(link Link, imagePath string, mode dnload.Mode, handover func()) *Loader {
	return &Loader{
		link:      link,
		imagePath: imagePath,
		mode:      mode,
		handover:  handover,
		state:     WaitingPrompt1,
		window:    make([]byte, 0, windowLen),
	}
}

func (l *Loader) State() State {
	return l.state
}

// WantsWrite reports whether the loader has bytes to transmit.
func (l *Loader) WantsWrite() bool {
	return l.writeWanted
}

// Feed absorbs bytes received from the phone.
func (l *Loader) Feed(data []byte) {
	for _, b := range data {
		l.feedByte(b)
	}
}

func (l *Loader) feedByte(b byte) {
	if len(l.window) == windowLen {
		copy(l.window, l.window[1:])
		l.window = l.window[:windowLen-1]
	}
	l.window = append(l.window, b)
	if len(l.window) < windowLen {
		return
	}

	switch {
	case bytes.Equal(l.window, prompt1):
		l.onPrompt1()
	case bytes.Equal(l.window, prompt2):
		l.onPrompt2()
	case bytes.Equal(l.window, ack):
		l.onAck()
	case bytes.Equal(l.window, nack):
		l.reset("Received DOWNLOAD NACK from phone, something went wrong :(")
	case bytes.Equal(l.window, nackMagic):
		l.reset("Received MAGIC NACK from phone, you need to have \"1003\" at 0x803ce0")
	case bytes.Equal(l.window, ftmtool):
		l.reset("Received FTMTOOL from phone, ramloader has aborted")
	default:
		return
	}
	l.window = l.window[:0]
}

func (l *Loader) onPrompt1() {
	log.Printf("Received PROMPT1 from phone, responding with CMD")
	if _, err := l.link.Write(dnloadCmd); err != nil {
		log.Printf("Error sending download command: %v", err)
	}

	img, err := dnload.ReadImage(l.imagePath, l.mode)
	if err != nil {
		log.Printf("Cannot prepare image %q: %v", l.imagePath, err)
		l.img = nil
		l.state = WaitingPrompt1
		return
	}
	l.img = img
	l.state = WaitingPrompt2
}

func (l *Loader) onPrompt2() {
	if l.img == nil {
		log.Printf("Received PROMPT2 but no image is prepared, ignoring")
		return
	}
	log.Printf("Received PROMPT2 from phone, starting download")
	l.state = Downloading
	l.writeWanted = true
}

func (l *Loader) onAck() {
	log.Printf("Received DOWNLOAD ACK from phone, your code is running now!")
	l.state = WaitingPrompt1
	l.writeWanted = false
	if l.img != nil {
		l.img.Rewind()
	}
	if l.handover != nil {
		l.handover()
	}
}

func (l *Loader) reset(msg string) {
	log.Print(msg)
	l.state = WaitingPrompt1
	l.writeWanted = false
	if l.img != nil {
		l.img.Rewind()
		l.img = nil
	}
}

// PumpWrite transmits the next piece of the image. The caller invokes it
// repeatedly while WantsWrite is true.
func (l *Loader) PumpWrite() error {
	if l.state != Downloading || l.img == nil {
		l.writeWanted = false
		return nil
	}

	if l.img.AtStart() {
		if l.mode.XorSeedFirst() {
			// the ramloader wants the checksum seed on the wire first
			if _, err := l.link.Write([]byte{0x02}); err != nil {
				return fmt.Errorf("error writing checksum seed: %v", err)
			}
		} else {
			time.Sleep(time.Microsecond)
		}
	} else if l.img.Done() {
		log.Printf("Download finished")
		l.img.Rewind()
		l.writeWanted = false
		l.state = WaitingPrompt1
		return nil
	}

	chunk := l.img.Chunk(writeChunk)
	n, err := l.link.Write(chunk)
	if err != nil {
		return fmt.Errorf("error during download write: %v", err)
	}
	l.img.Advance(n)
	log.Printf("Wrote %d bytes (%d/%d)", n, l.img.Pos(), l.img.Len())
	return nil
}
