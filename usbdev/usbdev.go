// Package usbdev holds the USB plumbing shared by the FTDI based QRNG
// drivers: enumeration, serial-number selection, FTDI SIO control
// requests, packet framing, and mapping of libusb errors onto the
// device error taxonomy.
package usbdev

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"

	"github.com/Thiagojm/qrngd/device"
)

// FTDIVendorID is the USB vendor id of Future Technology Devices.
const FTDIVendorID = 0x0403

// Info describes one attached USB device. Fields may be empty when the
// platform does not expose them.
type Info struct {
	Vendor       uint16   `json:"vendor"`
	Product      uint16   `json:"product"`
	Serial       string   `json:"serial,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Description  string   `json:"description,omitempty"`
	USBVersion   string   `json:"usb_version,omitempty"`
	Bus          int      `json:"bus,omitempty"`
	Address      int      `json:"address,omitempty"`
	DevicePath   string   `json:"device_path,omitempty"`
	HardwareIDs  []string `json:"hardware_ids,omitempty"`
}

// Matcher reports whether a descriptor belongs to the wanted device.
// A zero product matches every product of vendor.
func Matcher(vendor, product uint16) func(*gousb.DeviceDesc) bool {
	return func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != gousb.ID(vendor) {
			return false
		}
		return product == 0 || desc.Product == gousb.ID(product)
	}
}

// Scan lists devices matching vendor/product through libusb. Devices
// that cannot be opened are reported with descriptor data only.
func Scan(vendor, product uint16) ([]Info, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var infos []Info
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if !Matcher(vendor, product)(desc) {
			return false
		}
		infos = append(infos, Info{
			Vendor:     uint16(desc.Vendor),
			Product:    uint16(desc.Product),
			USBVersion: desc.Spec.String(),
			Bus:        desc.Bus,
			Address:    desc.Address,
		})
		return true
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	for _, d := range devs {
		for i := range infos {
			if infos[i].Bus != d.Desc.Bus || infos[i].Address != d.Desc.Address {
				continue
			}
			infos[i].Serial, _ = d.SerialNumber()
			infos[i].Manufacturer, _ = d.Manufacturer()
			infos[i].Description, _ = d.Product()
		}
	}
	if err != nil && len(infos) == 0 {
		return nil, fmt.Errorf("scan %04x:%04x: %w", vendor, product, err)
	}
	return infos, nil
}

// OpenBySerial opens the device matching vendor/product whose serial
// number is serial, or the first match when serial is empty. Every
// other opened device is closed before returning.
func OpenBySerial(ctx *gousb.Context, vendor, product uint16, serial string) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(Matcher(vendor, product))
	var found *gousb.Device
	for _, d := range devs {
		if found == nil && serialMatches(d, serial) {
			found = d
			continue
		}
		d.Close()
	}
	if found != nil {
		return found, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %04x:%04x: %w", vendor, product, MapError(err))
	}
	if serial != "" {
		return nil, fmt.Errorf("device %04x:%04x serial %q: %w", vendor, product, serial, ErrNotFound)
	}
	return nil, fmt.Errorf("device %04x:%04x: %w", vendor, product, ErrNotFound)
}

// Location names the bus and port path a device is attached to. It stays
// stable while the device is plugged in, serial number or not.
func Location(desc *gousb.DeviceDesc) string {
	if desc == nil {
		return ""
	}
	path := make([]string, 0, len(desc.Path)+1)
	path = append(path, strconv.Itoa(desc.Bus))
	for _, p := range desc.Path {
		path = append(path, strconv.Itoa(p))
	}
	return "usb " + strings.Join(path, "-")
}

func serialMatches(d *gousb.Device, want string) bool {
	if want == "" {
		return true
	}
	got, err := d.SerialNumber()
	return err == nil && strings.EqualFold(strings.TrimSpace(got), want)
}

// ErrNotFound is returned when no attached device matches. It wraps
// device.ErrDisconnected so the read loop keeps retrying the open.
var ErrNotFound = fmt.Errorf("not attached: %w", device.ErrDisconnected)

// MapError maps libusb failures onto device.ErrDisconnected and
// device.ErrTimeout. Other errors are returned unchanged and count as
// hardware faults.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound),
		errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", device.ErrDisconnected, err)
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.TransferCancelled), errors.Is(err, gousb.ErrorInterrupted):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	}
	return err
}
