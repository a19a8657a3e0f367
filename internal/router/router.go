// Package router decides where each inbound frame goes: declarative
// forwarding rules between transports plus the default vehicle/GCS
// routing policy, with a global content-dedupe window so a frame echoed
// back by a transport doesn't loop forever. It never decodes more than
// the header gomavlib already gave it (sysid/compid); re-forwarding hands
// the original frame.Frame straight to a transport's out_queue.
package router

import (
	"net"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/frame"

	"HoustonBridge/config"
	"HoustonBridge/internal/packet"
	"HoustonBridge/internal/registry"
	"HoustonBridge/internal/transport"
	"HoustonBridge/logger"
	"HoustonBridge/metrics"
)

// gcsSysIDThreshold is the glossary's sysid>=250-is-GCS convention.
const gcsSysIDThreshold = 250

// Router forwards inbound frames to other transports.
type Router struct {
	reg         *registry.Registry
	routes      []config.RouteConfig
	transports  map[string]*transport.Worker
	globalWindow time.Duration

	mu            sync.Mutex
	recentGlobal  map[string]time.Time
	recentTarget  map[string]time.Time

	rawConns   map[string]*net.UDPConn
	rawConnsMu sync.Mutex

	onPublish func(pkt *packet.Packet)
}

// New builds a Router. onPublish, if non-nil, is called for every frame
// that passes dedupe, regardless of forwarding outcome, so the MQTT bridge
// can publish telemetry independently of routing decisions.
func New(reg *registry.Registry, routes []config.RouteConfig, transports map[string]*transport.Worker, globalWindowS float64, onPublish func(pkt *packet.Packet)) *Router {
	return &Router{
		reg:          reg,
		routes:       routes,
		transports:   transports,
		globalWindow: time.Duration(globalWindowS * float64(time.Second)),
		recentGlobal: make(map[string]time.Time),
		recentTarget: make(map[string]time.Time),
		rawConns:     make(map[string]*net.UDPConn),
		onPublish:    onPublish,
	}
}

// HandleFrame is the transport callback invoked for every frame a
// transport worker receives off the wire. The GCS heartbeat generator
// (internal/heartbeat) does not go through this path: it enqueues
// directly into every transport's out_queue, bypassing dedupe and the
// declarative forwarding rules.
func (r *Router) HandleFrame(srcTransport string, fr frame.Frame, pkt *packet.Packet) {
	digest := packet.Digest(pkt.RawBytes)

	if r.seenGlobally(digest) {
		metrics.Global().DedupeHits.Inc()
		return
	}

	if r.onPublish != nil {
		r.onPublish(pkt)
	}

	targets := r.resolveTargets(srcTransport, pkt)
	for _, t := range targets {
		key := srcTransport + "|" + digest + "|" + t.name
		if r.seenForTarget(key) {
			metrics.Global().DedupeHits.Inc()
			continue
		}
		r.forwardTo(t, fr)
	}
}

type target struct {
	name    string
	worker  *transport.Worker // nil for a raw UDP destination
	udpAddr *net.UDPAddr
}

// resolveTargets applies explicit routes first; if none match the source
// transport, falls back to the default vehicle/GCS policy: telemetry from
// a vehicle (sysid < 250) goes to every transport known to carry a GCS,
// and traffic from a GCS, or from an unknown sysid, goes to every other
// transport (it might reach a vehicle on any of them).
func (r *Router) resolveTargets(srcTransport string, pkt *packet.Packet) []target {
	var out []target
	matched := false

	for _, route := range r.routes {
		if route.From != "any" && route.From != srcTransport {
			continue
		}
		matched = true
		for _, dest := range route.To {
			if dest.ToPort != "" {
				if w, ok := r.transports[dest.ToPort]; ok {
					out = append(out, target{name: dest.ToPort, worker: w})
				}
				continue
			}
			if dest.UDP != "" {
				if addr, err := net.ResolveUDPAddr("udp", dest.UDP); err == nil {
					out = append(out, target{name: "udp:" + dest.UDP, udpAddr: addr})
				} else {
					logger.Warn("route destination %q did not resolve: %v", dest.UDP, err)
				}
			}
		}
	}

	if matched {
		return out
	}

	broadcast := !pkt.HasSrc || pkt.SrcSysID >= gcsSysIDThreshold
	for name, w := range r.transports {
		if name == srcTransport {
			continue
		}
		if !broadcast {
			if _, ok := r.reg.TransportsWithGCS()[name]; !ok {
				continue
			}
		}
		out = append(out, target{name: name, worker: w})
	}
	return out
}

func (r *Router) forwardTo(t target, fr frame.Frame) {
	if t.worker != nil {
		if t.worker.Write(transport.OutItem{Frame: fr}) {
			metrics.Global().FramesForwarded.WithLabelValues(t.name).Inc()
		} else {
			metrics.Global().FramesDropped.WithLabelValues(t.name, "queue_full").Inc()
		}
		return
	}
	if t.udpAddr != nil {
		r.forwardRaw(t.name, t.udpAddr, fr)
	}
}

// forwardRaw re-encodes the frame to wire bytes and fires it at an
// arbitrary UDP destination that isn't one of the bridge's own configured
// transports. This is the one place the router reaches for net.UDPConn
// directly instead of gomavlib: an ad hoc fan-out target has no Node or
// Channel of its own to write through.
func (r *Router) forwardRaw(name string, addr *net.UDPAddr, fr frame.Frame) {
	conn := r.rawConn(name, addr)
	if conn == nil {
		return
	}
	buf := make([]byte, 280)
	n, err := fr.MarshalTo(buf)
	if err != nil {
		return
	}
	if _, err := conn.Write(buf[:n]); err != nil {
		metrics.Global().FramesDropped.WithLabelValues(name, "write_failed").Inc()
		return
	}
	metrics.Global().FramesForwarded.WithLabelValues(name).Inc()
}

func (r *Router) rawConn(name string, addr *net.UDPAddr) *net.UDPConn {
	r.rawConnsMu.Lock()
	defer r.rawConnsMu.Unlock()
	if c, ok := r.rawConns[name]; ok {
		return c
	}
	c, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		logger.Warn("could not open raw udp destination %q: %v", name, err)
		return nil
	}
	r.rawConns[name] = c
	return c
}

func (r *Router) seenGlobally(digest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if t, ok := r.recentGlobal[digest]; ok && now.Sub(t) < r.globalWindow {
		// still update last seen time, so a sustained stream of
		// identical frames stays suppressed instead of leaking one
		// forward per window
		r.recentGlobal[digest] = now
		return true
	}
	r.recentGlobal[digest] = now
	r.sweepLocked(r.recentGlobal, now)
	return false
}

func (r *Router) seenForTarget(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if t, ok := r.recentTarget[key]; ok && now.Sub(t) < r.globalWindow {
		r.recentTarget[key] = now
		return true
	}
	r.recentTarget[key] = now
	r.sweepLocked(r.recentTarget, now)
	return false
}

// sweepLocked drops stale entries so these maps don't grow without bound.
// Must be called with r.mu held.
func (r *Router) sweepLocked(m map[string]time.Time, now time.Time) {
	if len(m) < 4096 {
		return
	}
	for k, t := range m {
		if now.Sub(t) > r.globalWindow*4 {
			delete(m, k)
		}
	}
}

// Close releases any raw UDP sockets opened for ad hoc destinations.
func (r *Router) Close() {
	r.rawConnsMu.Lock()
	defer r.rawConnsMu.Unlock()
	for _, c := range r.rawConns {
		c.Close()
	}
}
