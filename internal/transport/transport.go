// Package transport implements the transport supervisor: one worker per
// physical MAVLink endpoint, each owning a gomavlib.Node that performs
// the actual framed send/receive. gomavlib already gives us
// auto-reconnecting UDP/serial endpoints and a single-owner connection
// handle per channel (serializing reads and writes on that handle itself,
// so a write and a read never interleave on an RS-232 device); this
// package adds the pieces gomavlib doesn't know about: a bounded out_queue
// per transport, supervised whole-Node restart with backoff, discovery/
// packet callbacks into the bridge, last-known-peer tracking for unicast
// replies and heartbeats, and the heartbeat watchdog.
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"HoustonBridge/config"
	"HoustonBridge/internal/mavcodec"
	"HoustonBridge/internal/packet"
	"HoustonBridge/logger"
	"HoustonBridge/metrics"
)

// ConnState is a transport's connection lifecycle state.
type ConnState int32

const (
	StateClosed ConnState = iota
	StateConnecting
	StateOpen
)

const (
	backoffStart = 1 * time.Second
	backoffMax   = 30 * time.Second
	heartbeatWatchdogWindow = 5 * time.Second
)

// Callbacks are supplied by the bridge glue; the worker never touches the
// registry or router directly.
type Callbacks struct {
	OnDiscover func(sysid uint8, transportName string, compid uint8, hasCompID bool)
	OnFrame    func(transportName string, fr frame.Frame, pkt *packet.Packet)
	// OnMission is handed the decoded message alongside the pkt already
	// routed through OnFrame, for the mission manager's MISSION_* FSMs;
	// kept separate from OnFrame because the mission manager needs the
	// typed message.Message, not the flattened field map a Packet carries.
	OnMission func(sysid uint8, msg message.Message)
}

// OutItem is one entry in a transport's out_queue. Exactly one of Frame or
// Message should be set: Frame for a verbatim re-forward (or a
// parse-and-repack identity swap done by the caller), Message to encode
// from a msg_type/fields packet via gomavlib's dialect encoder.
type OutItem struct {
	Frame   frame.Frame
	Message message.Message
	Dest    *net.UDPAddr // non-nil = send on the channel of the most recent inbound frame (the address itself is not used); nil = write to every channel
}

// Worker supervises one configured transport.
type Worker struct {
	Name string

	cfg config.TransportConfig
	gcs config.GCSConfig
	cb  Callbacks

	outQueue chan OutItem

	mu          sync.Mutex
	node        *gomavlib.Node
	connState   ConnState
	lastAddr    *net.UDPAddr
	lastChannel *gomavlib.Channel

	heartbeatSeen     bool
	heartbeatWarned   bool
	connectedAt       time.Time
	v1FallbackWarned  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker builds a Worker for the given configuration. It does not
// connect until Start is called.
func NewWorker(cfg config.TransportConfig, gcs config.GCSConfig, cb Callbacks) *Worker {
	return &Worker{
		Name:     cfg.Name,
		cfg:      cfg,
		gcs:      gcs,
		cb:       cb,
		outQueue: make(chan OutItem, cfg.OutQueueCapacity),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the supervised connect/RX/TX loop in the background.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to shut down and waits up to 2s for it to
// join.
func (w *Worker) Stop() {
	close(w.stopCh)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Warn("transport %s: did not stop within 2s deadline", w.Name)
	}
	w.mu.Lock()
	if w.node != nil {
		w.node.Close()
	}
	w.mu.Unlock()
}

// Write enqueues an outbound item, non-blocking with bounded drop: a
// full out_queue drops the packet and increments a counter instead of
// triggering a reconnect.
func (w *Worker) Write(item OutItem) bool {
	select {
	case w.outQueue <- item:
		metrics.Global().OutQueueDepth.WithLabelValues(w.Name).Set(float64(len(w.outQueue)))
		return true
	default:
		metrics.Global().QueueFullDrops.WithLabelValues(w.Name).Inc()
		return false
	}
}

// DrainOut performs a non-blocking receive from the out_queue, letting
// tests assert what a worker would have transmitted without actually
// opening a connection (the TX loop only ever runs once Start has
// connected a live Node).
func (w *Worker) DrainOut() (OutItem, bool) {
	select {
	case item := <-w.outQueue:
		return item, true
	default:
		return OutItem{}, false
	}
}

// LastAddr returns the most recently observed UDP peer address for this
// transport, or nil if none has been seen (serial transports, or a UDP
// transport that hasn't received anything yet).
func (w *Worker) LastAddr() *net.UDPAddr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAddr
}

// Kind reports the configured transport kind (udp_listen, udp_connect,
// serial), so callers outside this package (the GCS heartbeat generator)
// can apply their per-kind send policy without duplicating the transport
// config.
func (w *Worker) Kind() string { return w.cfg.Kind }

// ConnState reports the current connection state.
func (w *Worker) ConnState() ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connState
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	backoff := backoffStart
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		w.setState(StateConnecting)
		node, err := w.buildNode()
		if err != nil {
			logger.WithField("transport", w.Name).Warnf("open failed: %v", err)
			metrics.Global().TransportReconnects.WithLabelValues(w.Name).Inc()
			if w.sleepOrStop(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		w.mu.Lock()
		w.node = node
		w.connState = StateOpen
		w.connectedAt = time.Now()
		w.heartbeatSeen = false
		w.heartbeatWarned = false
		w.mu.Unlock()
		backoff = backoffStart

		logger.WithField("transport", w.Name).Info("connected")

		txDone := make(chan struct{})
		go func() {
			defer close(txDone)
			w.txLoop(node)
		}()

		w.watchdog(node)
		w.rxLoop(node)

		node.Close()
		<-txDone
		w.setState(StateClosed)

		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		metrics.Global().TransportReconnects.WithLabelValues(w.Name).Inc()
		if w.sleepOrStop(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (w *Worker) setState(s ConnState) {
	w.mu.Lock()
	w.connState = s
	w.mu.Unlock()
}

func (w *Worker) sleepOrStop(ctx context.Context, d time.Duration) (stopped bool) {
	select {
	case <-w.stopCh:
		return true
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

func (w *Worker) buildNode() (*gomavlib.Node, error) {
	var endpoint gomavlib.EndpointConf
	switch w.cfg.Kind {
	case "udp_listen":
		endpoint = gomavlib.EndpointUDPServer{Address: fmt.Sprintf(":%d", w.cfg.Port)}
	case "udp_connect":
		endpoint = gomavlib.EndpointUDPClient{Address: fmt.Sprintf("%s:%d", w.cfg.Address, w.cfg.Port)}
	case "serial":
		endpoint = gomavlib.EndpointSerial{Device: w.cfg.Device, Baud: w.cfg.Baud}
	default:
		return nil, fmt.Errorf("unknown transport kind %q", w.cfg.Kind)
	}

	return gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:       []gomavlib.EndpointConf{endpoint},
		Dialect:         common.Dialect,
		OutVersion:      gomavlib.V2,
		OutSystemID:     w.gcs.SysID,
		OutComponentID:  w.gcs.CompID,
		// The GCS heartbeat generator (internal/heartbeat) owns heartbeat
		// emission on the bridge's own schedule and identity; gomavlib's
		// automatic heartbeat would duplicate it.
		HeartbeatDisable: true,
	})
}

func (w *Worker) watchdog(node *gomavlib.Node) {
	t := time.NewTimer(heartbeatWatchdogWindow)
	defer t.Stop()
	go func() {
		<-t.C
		w.mu.Lock()
		seen := w.heartbeatSeen
		warned := w.heartbeatWarned
		if !seen && !warned {
			w.heartbeatWarned = true
		}
		w.mu.Unlock()
		if !seen && !warned {
			logger.WithField("transport", w.Name).Warn("no inbound HEARTBEAT within 5s of connect")
		}
	}()
}

func (w *Worker) rxLoop(node *gomavlib.Node) {
	for evt := range node.Events() {
		switch e := evt.(type) {
		case *gomavlib.EventFrame:
			w.handleFrame(e)
		case *gomavlib.EventChannelOpen:
			logger.WithField("transport", w.Name).Info("channel opened")
		case *gomavlib.EventChannelClose:
			logger.WithField("transport", w.Name).Warn("channel closed")
		case *gomavlib.EventParseError:
			metrics.Global().FramesMalformed.WithLabelValues(w.Name).Inc()
			logger.WithField("transport", w.Name).Debugf("parse error: %v", e.Error)
		}
	}
}

func (w *Worker) handleFrame(e *gomavlib.EventFrame) {
	metrics.Global().FramesReceived.WithLabelValues(w.Name).Inc()

	msg := e.Message()
	sysID := e.SystemID()
	compID := e.ComponentID()
	raw := mavcodec.RawBytes(e.Frame)

	// The frame header still resolves (sysID/compID above come straight
	// from it), but gomavlib sometimes can't build a typed message for a
	// v1 peer's HEARTBEAT; fall back to the hand-rolled decoder rather
	// than losing the frame to RAW.
	if msg == nil {
		if hb, err := mavcodec.DecodeV1HeartbeatFallback(raw); err == nil {
			msg = hb
			metrics.Global().V1FallbackDecodes.Inc()
			w.mu.Lock()
			alreadyWarned := w.v1FallbackWarned
			w.v1FallbackWarned = true
			w.mu.Unlock()
			if !alreadyWarned {
				logger.WithField("transport", w.Name).Warn("decoding a v1 HEARTBEAT via the manual fallback decoder")
			}
		}
	}

	if _, ok := msg.(*common.MessageHeartbeat); ok {
		w.mu.Lock()
		w.heartbeatSeen = true
		w.mu.Unlock()
	}

	var srcAddr string
	var srcPort int
	w.mu.Lock()
	w.lastChannel = e.Channel
	if udpAddr, ok := channelUDPAddr(e.Channel); ok {
		w.lastAddr = udpAddr
		srcAddr = udpAddr.IP.String()
		srcPort = udpAddr.Port
	}
	w.mu.Unlock()

	if w.cb.OnDiscover != nil {
		w.cb.OnDiscover(sysID, w.Name, compID, true)
	}

	msgType := mavcodec.TypeName(msg)
	var fields map[string]interface{}
	if mavcodec.IsActive(msgType) {
		fields = mavcodec.Fields(msg)
	} else {
		fields = map[string]interface{}{}
	}

	pkt := &packet.Packet{
		Schema:     packet.SchemaMavlink,
		MsgType:    msgType,
		Fields:     fields,
		RawBytes:   raw,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		Origin:     w.Name,
		SrcAddr:    srcAddr,
		SrcPort:    srcPort,
		SrcSysID:   sysID,
		SrcCompID:  compID,
		HasSrc:     true,
	}
	applyTargetFields(pkt, fields)

	if w.cb.OnFrame != nil {
		w.cb.OnFrame(w.Name, e.Frame, pkt)
	}
	if w.cb.OnMission != nil && strings.HasPrefix(msgType, "MISSION_") {
		w.cb.OnMission(sysID, msg)
	}
}

// applyTargetFields extracts dest_sysid/dest_compid from target_system/
// target_component fields when the decoded message carries them.
func applyTargetFields(pkt *packet.Packet, fields map[string]interface{}) {
	if ts, ok := fields["targetsystem"]; ok {
		if v, ok := toUint8(ts); ok {
			pkt.DestSysID = v
			pkt.HasDest = true
		}
	}
	if tc, ok := fields["targetcomponent"]; ok {
		if v, ok := toUint8(tc); ok {
			pkt.DestCompID = v
		}
	}
}

func toUint8(v interface{}) (uint8, bool) {
	switch t := v.(type) {
	case uint8:
		return t, true
	case uint32:
		return uint8(t), true
	case int:
		return uint8(t), true
	default:
		return 0, false
	}
}

func channelUDPAddr(ch *gomavlib.Channel) (*net.UDPAddr, bool) {
	if ch == nil {
		return nil, false
	}
	label := ch.String()
	rest, ok := strings.CutPrefix(label, "udp:")
	if !ok {
		return nil, false
	}
	addr, err := net.ResolveUDPAddr("udp4", rest)
	if err != nil {
		return nil, false
	}
	return addr, true
}

func (w *Worker) txLoop(node *gomavlib.Node) {
	for {
		select {
		case <-w.stopCh:
			return
		case item, ok := <-w.outQueue:
			if !ok {
				return
			}
			w.send(node, item)
		}
	}
}

// WriteWithIdentity sends msg under sysid/compid instead of the
// transport's configured GCS identity, the single-send identity override
// HEARTBEAT and REQUEST_DATA_STREAM commands use. gomavlib's Node fixes its outbound identity at construction
// time, so the override is implemented by opening a short-lived secondary
// Node against the transport's last known UDP peer, writing once, and
// closing it -- the transport's own long-lived Node and its identity are
// never touched. Unsupported for serial transports (no peer address to
// redial against); those fall back to the worker's normal out_queue under
// its own identity.
func (w *Worker) WriteWithIdentity(sysid, compid uint8, msg message.Message) error {
	addr := w.LastAddr()
	if addr == nil {
		if !w.Write(OutItem{Message: msg}) {
			return fmt.Errorf("out_queue full")
		}
		return nil
	}

	shadow, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:        []gomavlib.EndpointConf{gomavlib.EndpointUDPClient{Address: addr.String()}},
		Dialect:          common.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      sysid,
		OutComponentID:   compid,
		HeartbeatDisable: true,
	})
	if err != nil {
		return fmt.Errorf("identity override node for %s: %w", w.Name, err)
	}
	defer shadow.Close()
	return shadow.WriteMessageAll(msg)
}

func (w *Worker) send(node *gomavlib.Node, item OutItem) {
	w.mu.Lock()
	channel := w.lastChannel
	w.mu.Unlock()

	var err error
	switch {
	case item.Frame != nil:
		if channel != nil && item.Dest != nil {
			err = node.WriteFrameTo(channel, item.Frame)
		} else {
			err = node.WriteFrameAll(item.Frame)
		}
	case item.Message != nil:
		if channel != nil && item.Dest != nil {
			err = node.WriteMessageTo(channel, item.Message)
		} else {
			err = node.WriteMessageAll(item.Message)
		}
	default:
		return
	}
	if err != nil {
		logger.WithField("transport", w.Name).Warnf("write failed: %v", err)
	}
}
