// bbcon uploads an image into a GSM baseband phone over a serial line
// and then bridges the phone's console and tool channels to the host.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/gsm-mobile-hacks/bbcon/pkg/dnload"
	"github.com/gsm-mobile-hacks/bbcon/pkg/host"
)

const version = "0.1.0"

var (
	serialDev   = flag.String("p", "/dev/ttyUSB1", "serial port connected to the phone")
	modeName    = flag.String("m", "c123", "download mode: c123, c123xor, c140, c140xor, c155 or romload")
	l2Path      = flag.String("s", "/tmp/osmocom_l2", "L1A/L23 tool socket path")
	loaderPath  = flag.String("l", "/tmp/osmocom_loader", "loader tool socket path")
	showVersion = flag.Bool("v", false, "print version and exit")
	showHelp    = flag.Bool("h", false, "print usage and exit")
)

func usage() {
	fmt.Printf("Usage: %s [ -v | -h ] [ -p /dev/ttyXXXX ] [ -s /tmp/osmocom_l2 ]\n", os.Args[0])
	fmt.Printf("\t\t[ -l /tmp/osmocom_loader ]\n")
	fmt.Printf("\t\t[ -m {c123,c123xor,c140,c140xor,c155,romload} ]\n")
	fmt.Printf("\t\t file.bin\n\n")
	fmt.Printf("* Open the serial port connected to your phone\n")
	fmt.Printf("* Perform handshaking with the ramloader in the phone\n")
	fmt.Printf("* Download file.bin to the attached phone\n")
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", os.Args[0], version)
		os.Exit(2)
	}
	if *showHelp {
		usage()
	}

	mode, err := dnload.ParseMode(*modeName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
	}

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "You have to specify the filename")
		usage()
	}

	h, err := host.New(host.Config{
		SerialPath:       *serialDev,
		Mode:             mode,
		ImagePath:        flag.Arg(0),
		L2SocketPath:     *l2Path,
		LoaderSocketPath: *loaderPath,
	})
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}
	defer h.Close()

	if err := h.Run(); err != nil {
		log.Print(err)
		os.Exit(2)
	}
}
