package transport

import (
	"testing"

	"HoustonBridge/config"
)

func newWorker(name string, capacity int) *Worker {
	cfg := config.TransportConfig{Name: name, Kind: "udp_listen", Port: 14550, OutQueueCapacity: capacity}
	return NewWorker(cfg, config.GCSConfig{SysID: 255, CompID: 1}, Callbacks{})
}

func TestNewWorkerStartsClosedWithNoLastAddr(t *testing.T) {
	w := newWorker("udp_14550", 4)
	if w.ConnState() != StateClosed {
		t.Errorf("expected a freshly-built worker to start in StateClosed, got %v", w.ConnState())
	}
	if w.LastAddr() != nil {
		t.Error("expected a freshly-built worker to have no known peer address")
	}
}

func TestWriteSucceedsUntilQueueFull(t *testing.T) {
	w := newWorker("udp_14550", 2)

	if !w.Write(OutItem{}) {
		t.Fatal("expected the first write to succeed")
	}
	if !w.Write(OutItem{}) {
		t.Fatal("expected the second write to succeed (queue capacity 2)")
	}
	if w.Write(OutItem{}) {
		t.Error("expected a write beyond out_queue capacity to be dropped, not blocked or silently accepted")
	}
}

func TestDrainOutReturnsItemsInFIFOOrder(t *testing.T) {
	w := newWorker("udp_14550", 4)
	first := OutItem{Dest: nil}
	second := OutItem{Dest: nil}
	w.Write(first)
	w.Write(second)

	if _, ok := w.DrainOut(); !ok {
		t.Fatal("expected a first item to drain")
	}
	if _, ok := w.DrainOut(); !ok {
		t.Fatal("expected a second item to drain")
	}
	if _, ok := w.DrainOut(); ok {
		t.Error("expected the out_queue to be empty after draining both writes")
	}
}

func TestKindReflectsConfiguredTransportKind(t *testing.T) {
	w := newWorker("udp_14550", 4)
	if w.Kind() != "udp_listen" {
		t.Errorf("expected Kind() to return the configured kind, got %s", w.Kind())
	}
}
