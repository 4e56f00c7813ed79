// Package naming builds the file names used for captured entropy.
package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Device is a device kind as it appears in configuration and file names.
type Device string

const (
	DeviceTrueRNG    Device = "trng"
	DeviceBitBabbler Device = "bitb"
	DeviceFTDI       Device = "ftdi"
	DevicePseudo     Device = "pseudo"
)

// Devices lists every known kind.
var Devices = []Device{DeviceTrueRNG, DeviceBitBabbler, DeviceFTDI, DevicePseudo}

// Validate checks whether d is one of the allowed device kinds.
func (d Device) Validate() error {
	for _, k := range Devices {
		if d == k {
			return nil
		}
	}
	return fmt.Errorf("invalid device: %q (allowed: trng, bitb, ftdi, pseudo)", string(d))
}

// BuildBaseName builds the base filename using the convention:
//
//	YYYYMMDDTHHMMSS_{device}_s{bits}_i{interval}
//
// where bits is the sample size per collection and interval the seconds
// between collections. The timestamp is taken from now.
func BuildBaseName(now time.Time, device Device, bits int, intervalSeconds int) (string, error) {
	if err := device.Validate(); err != nil {
		return "", err
	}
	if bits <= 0 {
		return "", errors.New("bits must be > 0")
	}
	if intervalSeconds <= 0 {
		return "", errors.New("intervalSeconds must be > 0")
	}
	stamp := now.Format("20060102T150405")
	return fmt.Sprintf("%s_%s_s%d_i%d", stamp, string(device), bits, intervalSeconds), nil
}

// WithExt appends ext to base, with or without a leading dot.
func WithExt(base string, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + strings.TrimPrefix(ext, ".")
}

// JoinDir joins name onto dir; an empty dir returns name.
func JoinDir(dir string, name string) string {
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// BuildBinCSVNames returns the .bin and .csv names for one capture.
func BuildBinCSVNames(now time.Time, device Device, bits int, intervalSeconds int) (binName string, csvName string, err error) {
	base, err := BuildBaseName(now, device, bits, intervalSeconds)
	if err != nil {
		return "", "", err
	}
	return WithExt(base, ".bin"), WithExt(base, ".csv"), nil
}

// BuildBinCSVPaths is BuildBinCSVNames joined onto dir.
func BuildBinCSVPaths(dir string, now time.Time, device Device, bits int, intervalSeconds int) (binPath string, csvPath string, err error) {
	binName, csvName, err := BuildBinCSVNames(now, device, bits, intervalSeconds)
	if err != nil {
		return "", "", err
	}
	return JoinDir(dir, binName), JoinDir(dir, csvName), nil
}

// Capture is the metadata encoded in a capture file name.
type Capture struct {
	Started         time.Time
	Device          Device
	Bits            int
	IntervalSeconds int
}

var captureName = regexp.MustCompile(`(\d{8}T\d{6})_([a-z]+)_s(\d+)_i(\d+)`)

// ParseName recovers the capture metadata from a path built by
// BuildBinCSVPaths. The timestamp is read in loc.
func ParseName(path string, loc *time.Location) (Capture, error) {
	m := captureName.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return Capture{}, fmt.Errorf("not a capture file name: %s", filepath.Base(path))
	}
	started, err := time.ParseInLocation("20060102T150405", m[1], loc)
	if err != nil {
		return Capture{}, err
	}
	c := Capture{Started: started, Device: Device(m[2])}
	if c.Bits, err = strconv.Atoi(m[3]); err != nil {
		return Capture{}, err
	}
	if c.IntervalSeconds, err = strconv.Atoi(m[4]); err != nil {
		return Capture{}, err
	}
	if err := c.Device.Validate(); err != nil {
		return Capture{}, err
	}
	return c, nil
}
