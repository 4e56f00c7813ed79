// Command qrngread reads bits straight from one local device, bypassing
// the server, and prints them as hex, binary and a big-endian integer.
// The device must not be in use by a running qrngd.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/Thiagojm/qrngd/config"
	"github.com/Thiagojm/qrngd/device"
	"github.com/Thiagojm/qrngd/hub"
	"github.com/Thiagojm/qrngd/naming"
)

func main() {
	kind := pflag.StringP("kind", "k", string(naming.DeviceBitBabbler), "device kind: bitb|ftdi|trng|pseudo")
	serial := pflag.String("serial", "", "USB serial number (default: first device found)")
	port := pflag.String("port", "", "serial port for trng devices")
	bitsFlag := pflag.IntP("bits", "n", 256, "number of bits to read")
	timeout := pflag.Duration("timeout", 3*time.Second, "read timeout")
	verbose := pflag.BoolP("verbose", "v", false, "log device activity")
	pflag.Parse()

	if *bitsFlag <= 0 {
		fmt.Fprintln(os.Stderr, "invalid bit count")
		os.Exit(1)
	}
	d := config.Device{ID: *serial, Kind: naming.Device(*kind), Serial: *serial, Port: *port}
	if err := d.Kind.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if d.ID == "" {
		d.ID = *kind
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	buf, err := read(ctx, d, (*bitsFlag+7)/8, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(render(buf, *bitsFlag))
}

func read(ctx context.Context, d config.Device, n int, logger *slog.Logger) ([]byte, error) {
	open, err := hub.OpenerFor(d)
	if err != nil {
		return nil, err
	}
	ch, err := device.NewChannel(device.Config{ID: d.ID, Kind: string(d.Kind), Logger: logger}, open)
	if err != nil {
		return nil, err
	}
	if err := ch.Open(ctx); err != nil {
		return nil, err
	}
	defer ch.Close()

	out := make([]byte, 0, n)
	for len(out) < n {
		c, err := ch.ReadChunk(ctx, n-len(out))
		if err != nil {
			return out, err
		}
		out = append(out, c.Data...)
	}
	return out, nil
}

// render formats the first bits of buf. Bits past the count in the last
// byte are cleared.
func render(buf []byte, bits int) string {
	excess := len(buf)*8 - bits
	if excess > 0 {
		buf[len(buf)-1] &= 0xFF << excess
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "HEX: %x\n", buf)

	var bin strings.Builder
	for _, b := range buf {
		fmt.Fprintf(&bin, "%08b", b)
	}
	s := bin.String()
	if len(s) > bits {
		s = s[:bits]
	}
	fmt.Fprintf(&sb, "BIN: %s\n", s)

	v := new(big.Int).SetBytes(buf)
	if excess > 0 {
		v.Rsh(v, uint(excess))
	}
	fmt.Fprintf(&sb, "INT: %s\n", v.String())
	return sb.String()
}
