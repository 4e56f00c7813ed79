package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/Thiagojm/qrngd/naming"
)

const csvTimeLayout = "20060102T15:04:05"

// capture writes the .bin and .csv pair of one collection run.
type capture struct {
	bin, csv       *os.File
	binBuf, csvBuf *bufio.Writer
}

func newCapture(dir string, started time.Time, kind naming.Device, bits, intervalSec int) (*capture, error) {
	binPath, csvPath, err := naming.BuildBinCSVPaths(dir, started, kind, bits, intervalSec)
	if err != nil {
		return nil, err
	}
	binFile, err := os.OpenFile(binPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open bin file: %w", err)
	}
	csvFile, err := os.OpenFile(csvPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		binFile.Close()
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	return &capture{
		bin: binFile, csv: csvFile,
		binBuf: bufio.NewWriter(binFile), csvBuf: bufio.NewWriter(csvFile),
	}, nil
}

// Write appends one sample. Bits past bitCount in the last byte are
// zeroed so the .bin file holds exactly what was counted.
func (c *capture) Write(sample []byte, bitCount, ones int, ts time.Time) error {
	if extra := len(sample)*8 - bitCount; extra > 0 {
		sample[len(sample)-1] &= 0xFF << extra
	}
	if _, err := c.binBuf.Write(sample); err != nil {
		return err
	}
	if err := c.binBuf.Flush(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.csvBuf, "%s,%d\n", ts.Format(csvTimeLayout), ones); err != nil {
		return err
	}
	return c.csvBuf.Flush()
}

func (c *capture) Close() error {
	c.binBuf.Flush()
	c.csvBuf.Flush()
	err := c.bin.Close()
	if cerr := c.csv.Close(); err == nil {
		err = cerr
	}
	return err
}
