// Command qrngdetect lists attached QRNG hardware, optionally as a
// devices block for the qrngd configuration file.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Thiagojm/qrngd/bbusb"
	"github.com/Thiagojm/qrngd/config"
	"github.com/Thiagojm/qrngd/ftdirng"
	"github.com/Thiagojm/qrngd/naming"
	"github.com/Thiagojm/qrngd/truerng"
	"github.com/Thiagojm/qrngd/usbdev"
)

type found struct {
	Kind naming.Device `json:"kind"`
	USB  *usbdev.Info  `json:"usb,omitempty"`
	Port *truerng.Port `json:"port,omitempty"`
}

func main() {
	asJSON := pflag.Bool("json", false, "print JSON")
	asYAML := pflag.Bool("yaml", false, "print a devices block for qrngd.yaml")
	pflag.Parse()

	var all []found
	detectors := []struct {
		kind   naming.Device
		detect func() ([]usbdev.Info, error)
	}{
		{naming.DeviceBitBabbler, bbusb.Detect},
		{naming.DeviceFTDI, ftdirng.Detect},
	}
	for _, d := range detectors {
		infos, err := d.detect()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s detect error: %v\n", d.kind, err)
			continue
		}
		for i := range infos {
			all = append(all, found{Kind: d.kind, USB: &infos[i]})
		}
	}
	ports, err := truerng.Detect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s detect error: %v\n", naming.DeviceTrueRNG, err)
	}
	for i := range ports {
		all = append(all, found{Kind: naming.DeviceTrueRNG, Port: &ports[i]})
	}

	switch {
	case *asJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(all); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case *asYAML:
		out, err := yaml.Marshal(map[string][]config.Device{"devices": deviceBlock(all)})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
	default:
		printText(all)
	}
}

func deviceBlock(all []found) []config.Device {
	out := make([]config.Device, 0, len(all))
	for _, f := range all {
		d := config.Device{Kind: f.Kind}
		if f.USB != nil {
			d.Serial = f.USB.Serial
		}
		if f.Port != nil {
			d.Serial = f.Port.Serial
			if d.Serial == "" {
				d.ID = f.Port.Name
			}
			d.Port = f.Port.Name
		}
		out = append(out, d)
	}
	return out
}

func printText(all []found) {
	if len(all) == 0 {
		fmt.Println("No QRNG devices found")
		return
	}
	for i, f := range all {
		fmt.Printf("Device %d (%s):\n", i+1, f.Kind)
		if u := f.USB; u != nil {
			fmt.Printf("  USB ID: %04x:%04x\n", u.Vendor, u.Product)
			if u.Manufacturer != "" || u.Description != "" {
				fmt.Printf("  Name: %s %s\n", u.Manufacturer, u.Description)
			}
			if u.Serial != "" {
				fmt.Printf("  Serial: %s\n", u.Serial)
			}
			if u.USBVersion != "" {
				fmt.Printf("  USB version: %s\n", u.USBVersion)
			}
			if u.DevicePath != "" {
				fmt.Printf("  Path: %s\n", u.DevicePath)
			}
			for _, h := range u.HardwareIDs {
				fmt.Printf("  HWID: %s\n", h)
			}
		}
		if p := f.Port; p != nil {
			fmt.Printf("  Port: %s\n", p.Name)
			if p.Product != "" {
				fmt.Printf("  Name: %s\n", p.Product)
			}
			if p.Serial != "" {
				fmt.Printf("  Serial: %s\n", p.Serial)
			}
		}
	}
}
