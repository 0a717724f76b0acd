package camera

import (
	"context"
	"sync"
	"testing"
	"time"

	"camviewer/internal/device"
	"camviewer/internal/device/sim"
	"camviewer/internal/event"
)

// recorder は発行されたイベントを記録する Publisher
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(e event.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recorder) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t event.Type) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return event.Event{}, false
}

// countingDevice はデバイスへの書き込みを数える
type countingDevice struct {
	device.Device
	mu     sync.Mutex
	writes int
}

func (d *countingDevice) Write(addr uint64, data []byte) error {
	d.mu.Lock()
	d.writes++
	d.mu.Unlock()
	return d.Device.Write(addr, data)
}

func (d *countingDevice) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func simConfig(serial string) sim.Config {
	return sim.Config{
		SerialNumber:   serial,
		Width:          32,
		Height:         24,
		FPS:            200,
		CommandLatency: 5 * time.Millisecond,
	}
}

func newTestBus(t *testing.T, serials ...string) *sim.Bus {
	t.Helper()
	bus := sim.NewBus(nil)
	for _, s := range serials {
		if _, err := bus.Plug(simConfig(s)); err != nil {
			t.Fatalf("Plug %s failed: %v", s, err)
		}
	}
	return bus
}

// newTestSession は1台だけのレジストリからセッションを取り出す
func newTestSession(t *testing.T, cfg sim.Config) (*Session, *sim.Camera, *recorder) {
	t.Helper()
	bus := sim.NewBus(nil)
	cam, err := bus.Plug(cfg)
	if err != nil {
		t.Fatalf("Plug failed: %v", err)
	}
	rec := &recorder{}
	reg := NewRegistry(bus, Options{Events: rec})
	if _, err := reg.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	s, ok := reg.Selected()
	if !ok {
		t.Fatal("Expected the only device to be selected")
	}
	t.Cleanup(func() { _ = reg.Stop(context.Background()) })
	return s, cam, rec
}
