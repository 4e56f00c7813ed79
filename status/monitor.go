// Package status aggregates device and pool health for external status
// queries. It only reads; nothing here mutates the data path.
package status

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Thiagojm/qrngd/device"
	"github.com/Thiagojm/qrngd/pool"
)

// ErrUnknownDevice is returned by Snapshot for an id no source knows.
var ErrUnknownDevice = errors.New("unknown device")

// Entry is one device with its pool.
type Entry struct {
	Channel *device.Channel
	Pool    *pool.Pool
}

// Source lists the devices to observe.
type Source interface {
	Entries() []Entry
}

// Device is the observed state of one device.
type Device struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Status          device.Status  `json:"status"`
	FillPercent     float64        `json:"fill_percent"`
	Buffered        int            `json:"buffered"`
	Capacity        int            `json:"capacity"`
	Throughput      float64        `json:"throughput"`
	RatedThroughput int            `json:"rated_throughput"`
	Health          *device.Health `json:"health,omitempty"`
	Device          device.Stats   `json:"device_stats"`
	Pool            pool.Stats     `json:"pool_stats"`
}

// Snapshot is a point-in-time read. It is derived data and never
// authoritative.
type Snapshot struct {
	Taken   time.Time `json:"taken"`
	Devices []Device  `json:"devices"`
	// Producing counts devices whose status can feed their pool.
	Producing int `json:"producing"`
	// Sessions and Streams are filled in by the server when known.
	Sessions int `json:"sessions,omitempty"`
	Streams  int `json:"streams,omitempty"`
}

// Monitor builds snapshots.
type Monitor struct {
	src Source
	clk clockwork.Clock
}

// NewMonitor returns a Monitor over src.
func NewMonitor(src Source, clk clockwork.Clock) *Monitor {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Monitor{src: src, clk: clk}
}

// Snapshot reads every device, or only deviceID when it is not empty.
// Every value comes from atomics; no component lock is held.
func (m *Monitor) Snapshot(deviceID string) (Snapshot, error) {
	snap := Snapshot{Taken: m.clk.Now()}
	for _, e := range m.src.Entries() {
		info := e.Channel.Info()
		if deviceID != "" && info.ID != deviceID {
			continue
		}
		fill := e.Pool.FillLevel()
		d := Device{
			ID:              info.ID,
			Kind:            info.Kind,
			Status:          e.Channel.Status(),
			FillPercent:     fill.Percent,
			Buffered:        fill.Buffered,
			Capacity:        fill.Capacity,
			Throughput:      e.Channel.Throughput(),
			RatedThroughput: info.RatedThroughput,
			Device:          e.Channel.Stats(),
			Pool:            e.Pool.Stats(),
		}
		if h, ok := e.Channel.Health(); ok {
			d.Health = &h
		}
		if d.Status.Producing() {
			snap.Producing++
		}
		snap.Devices = append(snap.Devices, d)
	}
	if deviceID != "" && len(snap.Devices) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })
	return snap, nil
}
