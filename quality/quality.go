// Package quality is a cheap sanity probe for raw device output. It does
// not whiten or post-process anything; it only rejects chunks that are
// obviously broken, such as a stuck line or a looping buffer.
package quality

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/pierrec/lz4/v4"
)

// MinSampleBytes is the smallest chunk the probe judges. Shorter chunks
// pass unchecked because the statistics are meaningless.
const MinSampleBytes = 64

var (
	ErrBias         = errors.New("monobit bias out of bounds")
	ErrCompressible = errors.New("chunk is compressible")
)

// Probe checks chunks with a monobit test and an LZ4 compressibility
// test. The zero value is not usable; use Default or set fields.
type Probe struct {
	// MaxSigma is the largest tolerated deviation of the ones count from
	// n/2, in standard deviations.
	MaxSigma float64
	// MaxRatio is the largest compressed/original size ratio that is
	// considered suspicious. Random data does not compress at all.
	MaxRatio float64
}

// Default returns a probe tuned to almost never reject healthy output.
func Default() Probe {
	return Probe{MaxSigma: 6, MaxRatio: 0.9}
}

// Check returns nil if b looks random enough.
func (p Probe) Check(b []byte) error {
	if len(b) < MinSampleBytes {
		return nil
	}
	if z := Zscore(CountOnes(b, len(b)*8), len(b)*8); math.Abs(z) > p.MaxSigma {
		return fmt.Errorf("%w: z=%.2f", ErrBias, z)
	}

	dst := make([]byte, lz4.CompressBlockBound(len(b)))
	n, err := lz4.CompressBlock(b, dst, nil)
	if err != nil {
		return fmt.Errorf("lz4 probe: %w", err)
	}
	// n == 0 means lz4 found the block incompressible.
	if n > 0 && float64(n) < p.MaxRatio*float64(len(b)) {
		return fmt.Errorf("%w: %d -> %d bytes", ErrCompressible, len(b), n)
	}
	return nil
}

// CountOnes returns the number of set bits in buf, considering only the
// first bitCount bits (MSB-first in each byte).
func CountOnes(buf []byte, bitCount int) int {
	if bitCount <= 0 || len(buf) == 0 {
		return 0
	}
	bytesUsed := (bitCount + 7) / 8
	if bytesUsed > len(buf) {
		bytesUsed = len(buf)
	}
	total := 0
	for i := 0; i < bytesUsed-1; i++ {
		total += bits.OnesCount8(buf[i])
	}
	usedBitsInLast := bitCount - (bytesUsed-1)*8
	if usedBitsInLast <= 0 || usedBitsInLast > 8 {
		usedBitsInLast = 8
	}
	mask := byte(0xFF) << (8 - usedBitsInLast)
	total += bits.OnesCount8(buf[bytesUsed-1] & mask)
	return total
}

// Zscore is the deviation of ones from bitCount/2 in standard deviations.
func Zscore(ones, bitCount int) float64 {
	if bitCount <= 0 {
		return 0
	}
	mean := 0.5 * float64(bitCount)
	sd := math.Sqrt(float64(bitCount) * 0.25)
	return (float64(ones) - mean) / sd
}
