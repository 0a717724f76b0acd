package camera

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"camviewer/internal/device"
	"camviewer/internal/event"
)

func TestRegistry_Scan(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t, "A", "B")
	rec := &recorder{}
	reg := NewRegistry(bus, Options{Events: rec})
	defer func() { _ = reg.Stop(ctx) }()

	result, err := reg.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.Added) != 2 || len(result.Removed) != 0 {
		t.Fatalf("Expected 2 added, got %+v", result)
	}
	if rec.count(event.TypeDeviceAdded) != 2 {
		t.Errorf("Expected 2 device_added events, got %d", rec.count(event.TypeDeviceAdded))
	}

	sessions := reg.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID().Compare(sessions[1].ID()) >= 0 {
		t.Error("Sessions must be ordered by ID")
	}
	for _, s := range sessions {
		if s.State() != StateClosed {
			t.Errorf("Expected new session %s to be closed, got %s", s.Name(), s.State())
		}
	}

	// 最小の ID が選択される
	selected, ok := reg.Selected()
	if !ok {
		t.Fatal("Expected a selection after the first scan")
	}
	if selected.ID() != sessions[0].ID() {
		t.Errorf("Expected the smallest ID %s to be selected, got %s", sessions[0].ID(), selected.ID())
	}
	if rec.count(event.TypeSelectionChanged) != 1 {
		t.Errorf("Expected one selection_changed event, got %d", rec.count(event.TypeSelectionChanged))
	}
}

func TestRegistry_RescanUnchangedIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newTestBus(t, "A", "B", "C"), Options{})
	defer func() { _ = reg.Stop(ctx) }()

	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	before := reg.Sessions()
	selected, _ := reg.Selected()

	result, err := reg.Scan(ctx)
	if err != nil {
		t.Fatalf("Rescan failed: %v", err)
	}
	if result.Changed() {
		t.Errorf("Expected no changes, got %+v", result)
	}

	after := reg.Sessions()
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("Session %d was replaced by the rescan", i)
		}
	}
	if again, _ := reg.Selected(); again != selected {
		t.Error("Selection must survive an unchanged rescan")
	}
}

func TestRegistry_ScanRemovesVanishedDevice(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t, "A", "B")
	rec := &recorder{}
	reg := NewRegistry(bus, Options{Events: rec})
	defer func() { _ = reg.Stop(ctx) }()

	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	cam, _ := bus.Camera("A")
	id := NewDeviceID(cam.Info())
	s, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := reg.Select(id); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// ストリーミング中のデバイスが消えても最善努力で閉じて削除する
	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.StartAcquisition(ctx, 2); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	bus.Unplug("A")

	result, err := reg.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.Removed) != 1 || result.Removed[0] != id {
		t.Fatalf("Expected %s to be removed, got %+v", id, result)
	}
	if _, err := reg.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after removal, got %v", err)
	}
	if s.IsStreaming() {
		t.Error("Removed session must not be streaming")
	}

	// 選択は残ったデバイスに移る
	selected, ok := reg.Selected()
	if !ok {
		t.Fatal("Expected the remaining device to be selected")
	}
	if selected.ID() == id {
		t.Error("Selection still refers to the removed device")
	}
	if rec.count(event.TypeDeviceRemoved) != 1 {
		t.Errorf("Expected one device_removed event, got %d", rec.count(event.TypeDeviceRemoved))
	}
}

func TestRegistry_SelectionClearedWhenLastDeviceVanishes(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t, "A")
	rec := &recorder{}
	reg := NewRegistry(bus, Options{Events: rec})

	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	bus.Unplug("A")
	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if _, ok := reg.Selected(); ok {
		t.Error("Expected no selection with an empty registry")
	}
	e, ok := rec.last(event.TypeSelectionChanged)
	if !ok || e.DeviceID != "" {
		t.Errorf("Expected a selection_changed event clearing the selection, got %+v", e)
	}
}

func TestRegistry_Select(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newTestBus(t, "A", "B"), Options{})
	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	sessions := reg.Sessions()
	if err := reg.Select(sessions[1].ID()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if s, _ := reg.Selected(); s != sessions[1] {
		t.Error("Select did not change the selection")
	}

	missing := NewDeviceID(device.Info{SerialNumber: "missing"})
	if err := reg.Select(missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if s, _ := reg.Selected(); s != sessions[1] {
		t.Error("A failed Select must not change the selection")
	}
}

func TestRegistry_DuplicateIdentity(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t, "A", "A")
	reg := NewRegistry(bus, Options{})

	result, err := reg.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.Added) != 1 || reg.Len() != 1 {
		t.Fatalf("Expected the duplicate to collapse into one session, got %d", reg.Len())
	}

	// 最初に列挙されたハンドルが使われる
	first := bus.Cameras()[0]
	if err := reg.Sessions()[0].Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !first.IsOpen() {
		t.Error("Expected the first enumerated handle to be used")
	}
}

func TestRegistry_ScanError(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t, "A")
	reg := NewRegistry(bus, Options{})
	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	bus.SetEnumerateError(errors.New("bus reset"))
	if _, err := reg.Scan(ctx); !errors.Is(err, device.ErrControl) {
		t.Errorf("Expected ErrControl, got %v", err)
	}
	if reg.Len() != 1 {
		t.Error("A failed scan must not change the registry")
	}
}

func TestRegistry_Remove(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newTestBus(t, "A"), Options{})
	if _, err := reg.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	s := reg.Sessions()[0]
	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := reg.Remove(ctx, s.ID()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if s.IsOpen() {
		t.Error("Removed session must be closed")
	}
	if _, ok := reg.Selected(); ok {
		t.Error("Removing the selected device must clear the selection")
	}
	if err := reg.Remove(ctx, s.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// 次のスキャンで再び追加される
	result, err := reg.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(result.Added) != 1 || result.Added[0] != s.ID() {
		t.Errorf("Expected the device to come back with the same ID, got %+v", result)
	}
}

func TestRegistry_RandomScanSequences(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	bus := newTestBus(t)
	reg := NewRegistry(bus, Options{})
	plugged := map[string]bool{}

	for step := 0; step < 200; step++ {
		serial := fmt.Sprintf("S%d", rng.Intn(6))
		if plugged[serial] {
			bus.Unplug(serial)
			delete(plugged, serial)
		} else {
			if _, err := bus.Plug(simConfig(serial)); err != nil {
				t.Fatalf("Plug failed: %v", err)
			}
			plugged[serial] = true
		}

		if rng.Intn(3) == 0 {
			sessions := reg.Sessions()
			if len(sessions) > 0 {
				_ = reg.Select(sessions[rng.Intn(len(sessions))].ID())
			}
		}

		if _, err := reg.Scan(ctx); err != nil {
			t.Fatalf("step %d: Scan failed: %v", step, err)
		}
		if reg.Len() != len(plugged) {
			t.Fatalf("step %d: expected %d sessions, got %d", step, len(plugged), reg.Len())
		}

		selected, ok := reg.Selected()
		if reg.Len() > 0 && !ok {
			t.Fatalf("step %d: expected a selection with %d devices", step, reg.Len())
		}
		if ok {
			if _, err := reg.Get(selected.ID()); err != nil {
				t.Fatalf("step %d: selection refers to an absent device", step)
			}
		}
	}
}

func TestRegistry_AutoScan(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	reg := NewRegistry(bus, Options{AutoScan: true, ScanInterval: 5 * time.Millisecond})

	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("Expected 0 devices initially, got %d", reg.Len())
	}

	if _, err := bus.Plug(simConfig("HOT")); err != nil {
		t.Fatalf("Plug failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for reg.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("The background scan did not pick up the new device")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s := reg.Sessions()[0]
	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := reg.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if reg.Len() != 0 || s.IsOpen() {
		t.Error("Stop must close and drop every session")
	}
}

func TestRegistry_StartFailsOnInitialScan(t *testing.T) {
	failing := device.EnumeratorFunc(func(context.Context) ([]device.Device, error) {
		return nil, errors.New("no bus")
	})
	reg := NewRegistry(failing, Options{})
	if err := reg.Start(context.Background()); err == nil {
		t.Fatal("Expected Start to fail")
	}
}
