// Command sample-feed writes sample bytes into a named pipe at a paced rate,
// standing in for the capture front end when testing samplegrab without
// hardware.
//
//	sample-feed --fifo /tmp/fx2 --rate 2000000 --bytes 10M --fault-at 5000000
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/zsiec/samplegrab/internal/config"
)

func main() {
	fifo := pflag.String("fifo", "", "named pipe to write to (created if missing)")
	file := pflag.String("file", "", "raw sample file to replay (default: synthetic ramp)")
	total := pflag.String("bytes", "1M", "bytes to write; k/K and M suffixes accepted")
	rate := pflag.Float64("rate", 1_000_000, "bytes per second")
	chunk := pflag.Int("chunk", 512, "bytes per write")
	faultAt := pflag.Int64("fault-at", -1, "clear the FIFO error flag of this byte")
	loop := pflag.Bool("loop", false, "replay --file until --bytes have been written")
	pflag.Parse()

	if *fifo == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  sample-feed --fifo /tmp/fx2 [--file samples.bin] [--bytes 1M] [--rate 1000000] [--fault-at N]\n")
		os.Exit(1)
	}

	n, err := config.ParseSize(*total)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--bytes: %v\n", err)
		os.Exit(1)
	}

	var data []byte
	if *file != "" {
		data, err = os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
			os.Exit(1)
		}
		if !*loop {
			n = min(n, int64(len(data)))
		}
	} else {
		data = ramp(64 * 1024)
	}

	if _, err := os.Stat(*fifo); os.IsNotExist(err) {
		if err := unix.Mkfifo(*fifo, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "mkfifo %s: %v\n", *fifo, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Waiting for a reader on %s\n", *fifo)
	w, err := os.OpenFile(*fifo, os.O_WRONLY, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *fifo, err)
		os.Exit(1)
	}
	defer w.Close()

	src := newFeeder(data, n, *faultAt)
	sent, err := paceLoop(w, src, *rate, *chunk)
	fmt.Printf("Wrote %d bytes (%.1f MB)\n", sent, float64(sent)/(1024*1024))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Write failed: %v\n", err)
		os.Exit(1)
	}
}

// paceLoop copies src to w in chunk-sized writes, pacing against a single
// start time so short stalls are made up rather than accumulated.
func paceLoop(w io.Writer, src io.Reader, bytesPerSec float64, chunk int) (int64, error) {
	start := time.Now()
	lastLog := start
	const logInterval = 10 * time.Second

	buf := make([]byte, chunk)
	var sent int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)

			expected := float64(sent) / bytesPerSec
			elapsed := time.Since(start).Seconds()
			if bytesPerSec > 0 && expected > elapsed {
				time.Sleep(time.Duration((expected - elapsed) * float64(time.Second)))
			}

			if time.Since(lastLog) >= logInterval {
				actual := float64(sent) / time.Since(start).Seconds()
				fmt.Printf("rate=%.0f B/s (target=%.0f) total=%.1f MB\n",
					actual, bytesPerSec, float64(sent)/(1024*1024))
				lastLog = time.Now()
			}
		}
		if rerr == io.EOF {
			return sent, nil
		}
		if rerr != nil {
			return sent, rerr
		}
	}
}
