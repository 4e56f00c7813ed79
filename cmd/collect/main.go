// Command collect streams entropy from a qrngd server and records it as
// a .bin capture plus a .csv of ones counts per sample, named by the
// naming package so filetoexcel can report on it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/Thiagojm/qrngd/quality"
)

func main() {
	server := pflag.String("server", "http://localhost:8080", "qrngd base URL")
	token := pflag.String("token", os.Getenv("QRNGD_TOKEN"), "client token (default $QRNGD_TOKEN)")
	deviceID := pflag.String("device", "", "device id to stream from (default: server's choice)")
	bitsFlag := pflag.Int("bits", 2048, "number of bits per sample (required > 0)")
	intervalSec := pflag.Int("interval", 1, "interval between samples in seconds (required > 0)")
	outDir := pflag.String("outdir", "data", "output directory for files")
	pflag.Parse()

	if *bitsFlag <= 0 {
		log.Fatal("--bits must be > 0")
	}
	if *intervalSec <= 0 {
		log.Fatal("--interval must be > 0")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("creating outdir: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &client{base: *server, token: *token}
	bitCount := *bitsFlag
	byteCount := (bitCount + 7) / 8
	interval := time.Duration(*intervalSec) * time.Second

	st, err := c.open(ctx, *deviceID, float64(byteCount)/interval.Seconds())
	if err != nil {
		log.Fatalf("open stream: %v", err)
	}
	defer st.Close()

	first, err := st.Next(byteCount)
	if err != nil {
		log.Fatalf("read: %v", err)
	}
	kind, err := c.kindOf(ctx, st.device)
	if err != nil {
		log.Fatalf("device kind: %v", err)
	}

	w, err := newCapture(*outDir, time.Now(), kind, bitCount, *intervalSec)
	if err != nil {
		log.Fatalf("create capture: %v", err)
	}
	defer w.Close()

	log.Printf("collecting %d bits every %s from %s (%s)", bitCount, interval, st.device, kind)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sample := first
	for n := 1; ; n++ {
		ones := quality.CountOnes(sample, bitCount)
		ts := time.Now()
		if err := w.Write(sample, bitCount, ones, ts); err != nil {
			log.Fatalf("write capture: %v", err)
		}
		fmt.Printf("sample %d: ones=%d/%d at %s\n", n, ones, bitCount, ts.Format(csvTimeLayout))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if sample, err = st.Next(byteCount); err != nil {
			var end *streamEnd
			if errors.As(err, &end) {
				log.Printf("stream ended: %s", end)
				return
			}
			if ctx.Err() == nil {
				log.Printf("read error: %v", err)
			}
			return
		}
	}
}
