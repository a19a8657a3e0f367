package router

import (
	"testing"
	"time"

	"HoustonBridge/config"
	"HoustonBridge/internal/packet"
	"HoustonBridge/internal/registry"
	"HoustonBridge/internal/transport"
)

func newTestWorker(name string) *transport.Worker {
	cfg := config.TransportConfig{Name: name, Kind: "udp_listen", Port: 14550, OutQueueCapacity: 8}
	return transport.NewWorker(cfg, config.GCSConfig{SysID: 255, CompID: 1}, transport.Callbacks{})
}

func newTestRouter(reg *registry.Registry, routes []config.RouteConfig, transports map[string]*transport.Worker) *Router {
	return New(reg, routes, transports, 0.2, nil)
}

func TestResolveTargetsVehicleOnlyReachesGCSTransports(t *testing.T) {
	reg := registry.New()
	reg.Upsert(3, "udp_14550", 1, true)
	reg.Upsert(251, "udp_14560", 1, true)

	transports := map[string]*transport.Worker{
		"udp_14550": newTestWorker("udp_14550"),
		"udp_14560": newTestWorker("udp_14560"),
	}
	r := newTestRouter(reg, nil, transports)

	pkt := &packet.Packet{SrcSysID: 3, HasSrc: true}
	targets := r.resolveTargets("udp_14550", pkt)

	if len(targets) != 1 || targets[0].name != "udp_14560" {
		t.Errorf("expected only udp_14560 (GCS-bearing), got %+v", targets)
	}
}

func TestResolveTargetsNeverReturnsOrigin(t *testing.T) {
	reg := registry.New()
	reg.Upsert(251, "udp_14550", 1, true)
	reg.Upsert(251, "udp_14560", 1, true)

	transports := map[string]*transport.Worker{
		"udp_14550": newTestWorker("udp_14550"),
		"udp_14560": newTestWorker("udp_14560"),
	}
	r := newTestRouter(reg, nil, transports)

	pkt := &packet.Packet{SrcSysID: 251, HasSrc: true}
	targets := r.resolveTargets("udp_14550", pkt)

	for _, tgt := range targets {
		if tgt.name == "udp_14550" {
			t.Error("resolveTargets must never return the origin transport")
		}
	}
}

func TestResolveTargetsGCSBroadcastsToEveryOtherTransport(t *testing.T) {
	reg := registry.New()
	transports := map[string]*transport.Worker{
		"a": newTestWorker("a"),
		"b": newTestWorker("b"),
		"c": newTestWorker("c"),
	}
	r := newTestRouter(reg, nil, transports)

	pkt := &packet.Packet{SrcSysID: 255, HasSrc: true}
	targets := r.resolveTargets("a", pkt)

	if len(targets) != 2 {
		t.Errorf("expected 2 destinations (b, c), got %d: %+v", len(targets), targets)
	}
}

func TestResolveTargetsUnknownSysIDBroadcasts(t *testing.T) {
	reg := registry.New()
	transports := map[string]*transport.Worker{
		"a": newTestWorker("a"),
		"b": newTestWorker("b"),
	}
	r := newTestRouter(reg, nil, transports)

	pkt := &packet.Packet{HasSrc: false}
	targets := r.resolveTargets("a", pkt)

	if len(targets) != 1 || targets[0].name != "b" {
		t.Errorf("unknown src_sysid should broadcast to every other transport, got %+v", targets)
	}
}

func TestResolveTargetsDeclarativeRouteOverridesDefaultPolicy(t *testing.T) {
	reg := registry.New()
	transports := map[string]*transport.Worker{
		"a": newTestWorker("a"),
		"b": newTestWorker("b"),
		"c": newTestWorker("c"),
	}
	routes := []config.RouteConfig{
		{From: "a", To: []config.RouteDestination{{ToPort: "b"}}},
	}
	r := newTestRouter(reg, routes, transports)

	pkt := &packet.Packet{SrcSysID: 3, HasSrc: true}
	targets := r.resolveTargets("a", pkt)

	if len(targets) != 1 || targets[0].name != "b" {
		t.Errorf("expected the declarative route to be the sole destination, got %+v", targets)
	}
}

func TestResolveTargetsAnyRouteMatchesEverySource(t *testing.T) {
	reg := registry.New()
	transports := map[string]*transport.Worker{
		"a": newTestWorker("a"),
		"b": newTestWorker("b"),
	}
	routes := []config.RouteConfig{
		{From: "any", To: []config.RouteDestination{{ToPort: "b"}}},
	}
	r := newTestRouter(reg, routes, transports)

	pkt := &packet.Packet{SrcSysID: 3, HasSrc: true}
	targets := r.resolveTargets("a", pkt)

	if len(targets) != 1 || targets[0].name != "b" {
		t.Errorf("expected the any-route to match, got %+v", targets)
	}
}

func TestGlobalDedupeSuppressesRepeatWithinWindow(t *testing.T) {
	reg := registry.New()
	r := newTestRouter(reg, nil, map[string]*transport.Worker{})

	if r.seenGlobally("digest-a") {
		t.Fatal("first sighting of a digest must not be suppressed")
	}
	if !r.seenGlobally("digest-a") {
		t.Error("a repeat within the dedupe window must be suppressed")
	}
}

func TestGlobalDedupeAllowsAfterWindowExpires(t *testing.T) {
	reg := registry.New()
	r := New(reg, nil, map[string]*transport.Worker{}, 0.02, nil)

	if r.seenGlobally("digest-b") {
		t.Fatal("first sighting must not be suppressed")
	}
	time.Sleep(40 * time.Millisecond)
	if r.seenGlobally("digest-b") {
		t.Error("a sighting after the dedupe window elapsed must not be suppressed")
	}
}

func TestGlobalDedupeHitRefreshesLastSeen(t *testing.T) {
	reg := registry.New()
	r := New(reg, nil, map[string]*transport.Worker{}, 0.05, nil)

	if r.seenGlobally("digest-c") {
		t.Fatal("first sighting must not be suppressed")
	}
	// Keep re-sending inside the window; each hit must extend it, so the
	// digest stays suppressed even after the original window would have
	// lapsed.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		if !r.seenGlobally("digest-c") {
			t.Fatal("a sustained stream of identical frames must stay suppressed")
		}
	}
}

func TestPerTargetDedupeIsIndependentOfGlobal(t *testing.T) {
	reg := registry.New()
	r := newTestRouter(reg, nil, map[string]*transport.Worker{})

	if r.seenForTarget("a|digest|b") {
		t.Fatal("first sighting for this target key must not be suppressed")
	}
	if !r.seenForTarget("a|digest|b") {
		t.Error("a repeat of the same target key within the window must be suppressed")
	}
	if r.seenForTarget("a|digest|c") {
		t.Error("a different target key must not be suppressed by another target's dedupe entry")
	}
}
