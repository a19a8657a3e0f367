// Package mqttbridge is the bridge's MQTT adapter: broker connection
// with reconnect, telemetry publish on the bridge's topic schema, inbound
// command decode/dispatch, a pending-command queue for sysids not yet
// discovered, and delivery acknowledgements.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	mavmessage "github.com/bluenviron/gomavlib/v3/pkg/message"

	"HoustonBridge/config"
	"HoustonBridge/internal/mission"
	"HoustonBridge/internal/packet"
	"HoustonBridge/internal/registry"
	"HoustonBridge/internal/transport"
	"HoustonBridge/internal/waypoints"
	"HoustonBridge/logger"
	"HoustonBridge/metrics"
)

// Adapter is the bridge's single MQTT client.
type Adapter struct {
	cfg config.MQTTConfig
	gcs config.GCSConfig

	client pahomqtt.Client
	reg    *registry.Registry

	transports   map[string]*transport.Worker
	missionMgr   *mission.Manager

	pendingMu sync.Mutex
	pending   map[uint8][]pendingCommand

	onConnect func()

	// publishQueue is the bounded outbound publish queue: the router's
	// onPublish callback (PublishTelemetry) only ever enqueues here
	// non-blocking, so a slow or disconnected broker can never stall
	// transport RX. A single worker drains it into the broker client.
	// Overflow drops the newest packet and increments a counter; telemetry
	// is the first thing shed under sustained overload.
	publishQueue chan *packet.Packet

	stopCh chan struct{}
}

type pendingCommand struct {
	deviceID     string
	action       string
	msgType      string
	compid       uint8
	msg          mavmessage.Message
	missionItems []mission.MissionItem
	expectedHash string
}

// New builds an Adapter. onConnect, if non-nil, is invoked after every
// successful (re)connect so the bridge can republish manifest and
// discovery state to late-joining or recovering brokers.
func New(cfg config.MQTTConfig, gcs config.GCSConfig, reg *registry.Registry, transports map[string]*transport.Worker, missionMgr *mission.Manager, onConnect func()) *Adapter {
	capacity := cfg.PublishQueueCapacity
	if capacity <= 0 {
		capacity = 2000
	}
	return &Adapter{
		cfg:          cfg,
		gcs:          gcs,
		reg:          reg,
		transports:   transports,
		missionMgr:   missionMgr,
		pending:      make(map[uint8][]pendingCommand),
		onConnect:    onConnect,
		publishQueue: make(chan *packet.Packet, capacity),
		stopCh:       make(chan struct{}),
	}
}

// Start connects to the broker and subscribes to the command topic set.
func (a *Adapter) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(a.cfg.Broker)
	opts.SetClientID(a.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}

	statusTopic := fmt.Sprintf("%s/bridge/status", a.cfg.TopicRoot)
	opts.SetWill(statusTopic, `{"status":"offline"}`, byte(a.cfg.QoS), true)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		logger.Info("mqtt: connected to %s", a.cfg.Broker)
		c.Publish(statusTopic, byte(a.cfg.QoS), true, `{"status":"online"}`)
		a.subscribe(c)
		if a.onConnect != nil {
			a.onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		logger.Warn("mqtt: connection lost: %v", err)
	})

	a.client = pahomqtt.NewClient(opts)
	token := a.client.Connect()

	// With ConnectRetry set, the token only resolves on success; a broker
	// that is down at startup is a transient condition, so an unresolved
	// token after the grace window is logged, not fatal -- paho keeps
	// dialing in the background and the OnConnect handler finishes the
	// setup whenever it lands.
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("mqtt connection failed: %w", token.Error())
	}
	if !a.client.IsConnected() {
		logger.Warn("mqtt: broker %s not reachable yet, retrying in background", a.cfg.Broker)
	}

	go a.pendingFlushLoop()
	go a.deviceHeartbeatLoop()
	go a.publishLoop()
	return nil
}

// Stop disconnects from the broker.
func (a *Adapter) Stop() {
	close(a.stopCh)
	if a.client != nil {
		a.client.Disconnect(250)
	}
}

func (a *Adapter) subscribe(c pahomqtt.Client) {
	root := a.cfg.TopicRoot
	c.Subscribe(root+"/cmd/+", byte(a.cfg.QoS), a.onCommandMessage)
	c.Subscribe(root+"/devices/+/cmd/+", byte(a.cfg.QoS), a.onCommandMessage)
	c.Subscribe(root+"/mission/upload", byte(a.cfg.QoS), a.onMissionUploadMessage)
	c.Subscribe("command/+/+/+", byte(a.cfg.QoS), a.onAddressedCommandMessage)
}

// Publish marshals v as JSON and publishes it.
func (a *Adapter) Publish(topic string, retained bool, v interface{}) error {
	if a.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	token := a.client.Publish(topic, byte(a.cfg.QoS), retained, data)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			logger.Warn("mqtt: publish to %s failed: %v", topic, token.Error())
		}
	}()
	return nil
}

// TopicRoot returns the configured topic root.
func (a *Adapter) TopicRoot() string { return a.cfg.TopicRoot }

// PublishDiscovery publishes the retained per-device discovery document.
func (a *Adapter) PublishDiscovery(deviceID string, sysid uint8, transports []string) {
	topic := fmt.Sprintf("%s/devices/%s/telem/state/discovery", a.cfg.TopicRoot, deviceID)
	sort.Strings(transports)
	a.Publish(topic, true, map[string]interface{}{
		"schema":     "mavlink",
		"sysid":      sysid,
		"status":     "discovered",
		"transports": transports,
	})
}

// PublishDeviceHeartbeat publishes the retained per-device online
// heartbeat document.
func (a *Adapter) PublishDeviceHeartbeat(deviceID string) {
	topic := fmt.Sprintf("%s/devices/%s/telem/state/heartbeat", a.cfg.TopicRoot, deviceID)
	a.Publish(topic, true, map[string]interface{}{
		"status": "online",
		"ts":     float64(time.Now().UnixNano()) / 1e9,
	})
}

// PublishManifest publishes the retained bridge manifest document.
func (a *Adapter) PublishManifest(doc interface{}) {
	topic := fmt.Sprintf("%s/bridge/manifest", a.cfg.TopicRoot)
	a.Publish(topic, true, doc)
}

// PublishTelemetry is the router's onPublish callback. It never blocks:
// the packet is handed to the bounded publish queue and a single worker
// goroutine does the actual broker publish, so a slow or disconnected
// broker can never stall a transport's RX loop. On overflow the packet is
// dropped and a counter incremented -- telemetry is the first thing shed
// under sustained overload.
func (a *Adapter) PublishTelemetry(pkt *packet.Packet) {
	select {
	case a.publishQueue <- pkt:
	default:
		metrics.Global().MQTTPublishDropped.Inc()
	}
}

// publishLoop drains the publish queue into the broker client.
func (a *Adapter) publishLoop() {
	for {
		select {
		case <-a.stopCh:
			return
		case pkt := <-a.publishQueue:
			a.publishTelemetryNow(pkt)
		}
	}
}

// publishTelemetryNow performs the actual raw, normalized and
// source-oriented publishes for one routed Packet.
func (a *Adapter) publishTelemetryNow(pkt *packet.Packet) {
	metrics.Global().MQTTPublished.WithLabelValues("raw").Inc()

	if pkt.HasSrc {
		deviceID := registry.DeviceIDForSysID(pkt.SrcSysID)
		rawTopic := fmt.Sprintf("%s/devices/%s/telem/raw/mavlink/%s", a.cfg.TopicRoot, deviceID, pkt.MsgType)
		a.Publish(rawTopic, false, map[string]interface{}{
			"fields":    packet.SafeJSON(pkt.Fields),
			"src_addr":  pkt.SrcAddr,
			"port":      pkt.SrcPort,
			"transport": pkt.Origin,
		})

		if pkt.MsgType == "ATTITUDE" {
			poseTopic := fmt.Sprintf("%s/devices/%s/telem/pose/attitude", a.cfg.TopicRoot, deviceID)
			a.Publish(poseTopic, false, map[string]interface{}{
				"roll":       pkt.Fields["roll"],
				"pitch":      pkt.Fields["pitch"],
				"yaw":        pkt.Fields["yaw"],
				"rollspeed":  pkt.Fields["rollspeed"],
				"pitchspeed": pkt.Fields["pitchspeed"],
				"yawspeed":   pkt.Fields["yawspeed"],
				"t":          pkt.Timestamp,
			})
			metrics.Global().MQTTPublished.WithLabelValues("attitude").Inc()
		}

		destSysID := uint8(0)
		destCompID := uint8(0)
		if pkt.HasDest {
			destSysID = pkt.DestSysID
			destCompID = pkt.DestCompID
		}
		sourceTopic := fmt.Sprintf("sources/source_sysid_%d/source_compid_%d/dest_sysid_%d/dest_compid_%d/%s/%s",
			pkt.SrcSysID, pkt.SrcCompID, destSysID, destCompID, pkt.MsgType, pkt.Origin)
		a.Publish(sourceTopic, false, map[string]interface{}{
			"fields": packet.SafeJSON(pkt.Fields),
			"t":      pkt.Timestamp,
		})
		metrics.Global().MQTTPublished.WithLabelValues("source").Inc()
	} else {
		rawTopic := fmt.Sprintf("%s/devices/unknown/telem/raw/mavlink/%s", a.cfg.TopicRoot, pkt.MsgType)
		a.Publish(rawTopic, false, map[string]interface{}{
			"fields": packet.SafeJSON(pkt.Fields),
			"raw_hex": fmt.Sprintf("%x", pkt.RawBytes),
		})
	}
}

func sysIDFromDeviceID(deviceID string) (uint8, bool) {
	if !strings.HasPrefix(deviceID, "mav_sys") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(deviceID, "mav_sys"))
	if err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return uint8(n), true
}

func actionFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	return parts[len(parts)-1]
}

func (a *Adapter) resolveWorker(sysid uint8) (*transport.Worker, bool) {
	deviceID := registry.DeviceIDForSysID(sysid)
	names := a.reg.TransportsFor(deviceID)
	if len(names) == 0 {
		return nil, false
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	w, ok := a.transports[sorted[0]]
	return w, ok
}

// onCommandMessage is the paho subscription handler for both
// `{root}/cmd/{action}` and `{root}/devices/{device_id}/cmd/{action}`.
// It decodes the normalized command JSON, dispatches it, and always
// publishes exactly one ack -- except for the routing-failure case, which
// only acks once delivered.
func (a *Adapter) onCommandMessage(c pahomqtt.Client, m pahomqtt.Message) {
	topic := m.Topic()
	action := actionFromTopic(topic)
	topicDeviceID, hasTopicDevice := deviceIDFromTopic(topic)

	cmd, err := parseCommand(m.Payload(), deviceIDOrEmpty(topicDeviceID, hasTopicDevice), 0, false)
	if err != nil {
		logger.Warn("mqtt: rejected command on %s: %v", topic, err)
		a.publishAck(0, 0, action, cmd.msgType, "rejected", err.Error())
		metrics.Global().MQTTCommandsAcked.WithLabelValues("rejected").Inc()
		return
	}

	a.dispatch(action, cmd)
}

// onAddressedCommandMessage handles the sysid-addressed command topic
// `command/{sysid}/{compid}/{action}`: the target identity comes from the
// topic path itself, so the payload needs no device_id/sysid field. The
// bridge's own acks live under the same prefix
// (`command/{sysid}/{compid}/ack`), so that one action is skipped.
func (a *Adapter) onAddressedCommandMessage(c pahomqtt.Client, m pahomqtt.Message) {
	topic := m.Topic()
	sysid, compid, action, ok := parseAddressedCommandTopic(topic)
	if !ok || action == "ack" {
		return
	}

	cmd, err := parseCommand(m.Payload(), "", sysid, true)
	if err != nil {
		logger.Warn("mqtt: rejected command on %s: %v", topic, err)
		a.publishAck(sysid, compid, action, cmd.msgType, "rejected", err.Error())
		metrics.Global().MQTTCommandsAcked.WithLabelValues("rejected").Inc()
		return
	}
	cmd.targetCompID = compid

	a.dispatch(action, cmd)
}

// parseAddressedCommandTopic splits command/{sysid}/{compid}/{action}.
func parseAddressedCommandTopic(topic string) (sysid, compid uint8, action string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "command" {
		return 0, 0, "", false
	}
	s, err := strconv.Atoi(parts[1])
	if err != nil || s < 0 || s > 255 {
		return 0, 0, "", false
	}
	c, err := strconv.Atoi(parts[2])
	if err != nil || c < 0 || c > 255 {
		return 0, 0, "", false
	}
	return uint8(s), uint8(c), parts[3], true
}

// onMissionUploadMessage is the paho subscription handler for
// `{root}/mission/upload`: `{sysid, mission_items: [...]}`.
func (a *Adapter) onMissionUploadMessage(c pahomqtt.Client, m pahomqtt.Message) {
	cmd, err := parseMissionUploadPayload(m.Payload())
	if err != nil {
		logger.Warn("mqtt: rejected mission upload: %v", err)
		a.publishAck(0, 0, "mission_upload", "MISSION_UPLOAD", "rejected", err.Error())
		return
	}
	a.dispatch("mission_upload", cmd)
}

func deviceIDFromTopic(topic string) (string, bool) {
	const marker = "/devices/"
	idx := strings.Index(topic, marker)
	if idx < 0 {
		return "", false
	}
	rest := topic[idx+len(marker):]
	end := strings.Index(rest, "/")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func deviceIDOrEmpty(id string, ok bool) string {
	if !ok {
		return ""
	}
	return id
}

// dispatch sends a decoded command to its transport (or queues it if the
// target sysid hasn't been discovered yet) and publishes the resulting
// ack.
func (a *Adapter) dispatch(action string, cmd decodedCommand) {
	switch {
	case cmd.isMission:
		a.dispatchMissionUpload(action, cmd)
		return
	case cmd.loadWaypoint != nil:
		a.dispatchLoadWaypoints(action, cmd)
		return
	}

	if !cmd.hasTarget {
		if cmd.msgType == "HEARTBEAT" {
			a.broadcastOverride(cmd)
			a.publishAck(0, 0, action, cmd.msgType, "delivered", "")
			return
		}
		a.publishAck(0, 0, action, cmd.msgType, "rejected", "no resolvable target")
		metrics.Global().MQTTCommandsAcked.WithLabelValues("rejected").Inc()
		return
	}

	msg, ok := cmd.msg.(mavmessage.Message)
	if !ok {
		a.publishAck(cmd.targetSysID, cmd.targetCompID, action, cmd.msgType, "rejected", "internal: not a mavlink message")
		return
	}

	worker, known := a.resolveWorker(cmd.targetSysID)
	if !known {
		a.queuePending(cmd.targetSysID, cmd.targetCompID, action, cmd.msgType, msg)
		logger.Warn("mqtt: no transport known for sysid %d yet, command %s queued", cmd.targetSysID, cmd.msgType)
		return
	}

	a.sendNow(worker, cmd, msg)
	a.publishAck(cmd.targetSysID, cmd.targetCompID, action, cmd.msgType, "accepted", "")
	metrics.Global().MQTTCommandsAcked.WithLabelValues("accepted").Inc()
}

func (a *Adapter) sendNow(w *transport.Worker, cmd decodedCommand, msg mavmessage.Message) {
	if cmd.overrideID {
		sysid, compid := a.gcs.SysID, a.gcs.CompID
		if cmd.hasOverrideID {
			sysid, compid = cmd.overrideSysID, cmd.overrideCompID
		}
		if err := w.WriteWithIdentity(sysid, compid, msg); err != nil {
			logger.Warn("mqtt: identity-override send failed: %v", err)
		}
		return
	}
	w.Write(transport.OutItem{Message: msg})
}

func (a *Adapter) broadcastOverride(cmd decodedCommand) {
	msg, ok := cmd.msg.(mavmessage.Message)
	if !ok {
		return
	}
	sysid, compid := a.gcs.SysID, a.gcs.CompID
	if cmd.hasOverrideID {
		sysid, compid = cmd.overrideSysID, cmd.overrideCompID
	}
	for _, w := range a.transports {
		w.WriteWithIdentity(sysid, compid, msg)
	}
}

func (a *Adapter) dispatchMissionUpload(action string, cmd decodedCommand) {
	if _, known := a.resolveWorker(cmd.targetSysID); !known {
		logger.Warn("mqtt: mission upload for sysid %d queued, no transport known yet", cmd.targetSysID)
		a.pendingMu.Lock()
		a.pending[cmd.targetSysID] = append(a.pending[cmd.targetSysID], pendingCommand{
			deviceID:     registry.DeviceIDForSysID(cmd.targetSysID),
			action:       action,
			msgType:      "MISSION_UPLOAD",
			compid:       cmd.targetCompID,
			missionItems: cmd.missionItems,
			expectedHash: cmd.expectedHash,
		})
		a.pendingMu.Unlock()
		metrics.Global().PendingCommands.Inc()
		return
	}
	if err := a.missionMgr.StartUpload(cmd.targetSysID, 1, cmd.missionItems, cmd.expectedHash); err != nil {
		a.publishAck(cmd.targetSysID, cmd.targetCompID, action, "MISSION_UPLOAD", "rejected", err.Error())
		return
	}
	a.publishAck(cmd.targetSysID, cmd.targetCompID, action, "MISSION_UPLOAD", "accepted", "")
}

func (a *Adapter) dispatchLoadWaypoints(action string, cmd decodedCommand) {
	lw := cmd.loadWaypoint
	ok, details := waypoints.Validate(lw.waypoints)
	items := waypoints.ToMissionItems(lw.waypoints)
	var hash string
	if ok {
		// Same canonical form the mission FSMs hash with, so the
		// validation hash can be handed back as expected_hash and the
		// round-trip property holds end to end.
		if h, err := mission.CanonicalHash(items); err == nil {
			hash = h
		}
	}
	validationTopic := fmt.Sprintf("Nomad/waypoints/%s/validation", lw.filename)
	a.Publish(validationTopic, false, waypoints.ValidationResult{
		OK:      ok,
		Details: details,
		Hash:    hash,
		Count:   len(lw.waypoints),
	})
	if !ok {
		a.publishAck(cmd.targetSysID, cmd.targetCompID, action, "load_waypoints", "rejected", details)
		return
	}
	if !cmd.hasTarget {
		a.publishAck(0, 0, action, "load_waypoints", "rejected", "load_waypoints requires a resolvable target")
		return
	}
	if err := a.missionMgr.StartUpload(cmd.targetSysID, 1, items, ""); err != nil {
		a.publishAck(cmd.targetSysID, cmd.targetCompID, action, "load_waypoints", "rejected", err.Error())
		return
	}
	a.publishAck(cmd.targetSysID, cmd.targetCompID, action, "load_waypoints", "accepted", "")
}

// queuePending stores a command whose target sysid hasn't been seen on
// any transport yet. pendingFlushLoop re-evaluates it at the configured
// poll interval.
func (a *Adapter) queuePending(sysid, compid uint8, action, msgType string, msg mavmessage.Message) {
	a.pendingMu.Lock()
	a.pending[sysid] = append(a.pending[sysid], pendingCommand{
		deviceID: registry.DeviceIDForSysID(sysid), action: action, msgType: msgType, compid: compid, msg: msg,
	})
	a.pendingMu.Unlock()
	metrics.Global().PendingCommands.Inc()
}

// pendingFlushLoop re-evaluates pending_commands at the configured
// interval (default 0.5s) and flushes entries whose sysid has since been
// discovered.
func (a *Adapter) pendingFlushLoop() {
	interval := time.Duration(a.cfg.PendingPollIntervalS * float64(time.Second))
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.flushPending()
		}
	}
}

// deviceHeartbeatLoop republishes the retained per-device online
// heartbeat (the `.../telem/state/heartbeat` topic) for every known
// device at the configured interval, so a late-joining subscriber sees
// recent liveness without waiting on that device's next MAVLink
// HEARTBEAT. The registry itself never expires a device; this topic is
// the only liveness signal a client should rely on.
func (a *Adapter) deviceHeartbeatLoop() {
	interval := time.Duration(a.gcs.DeviceHeartbeatIntervalS * float64(time.Second))
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			for _, snap := range a.reg.Snapshot() {
				a.PublishDeviceHeartbeat(snap.DeviceID)
			}
		}
	}
}

func (a *Adapter) flushPending() {
	a.pendingMu.Lock()
	sysids := make([]uint8, 0, len(a.pending))
	for sysid := range a.pending {
		sysids = append(sysids, sysid)
	}
	a.pendingMu.Unlock()

	for _, sysid := range sysids {
		worker, known := a.resolveWorker(sysid)
		if !known {
			continue
		}
		a.pendingMu.Lock()
		entries := a.pending[sysid]
		delete(a.pending, sysid)
		a.pendingMu.Unlock()

		for _, e := range entries {
			if e.msgType == "MISSION_UPLOAD" {
				if err := a.missionMgr.StartUpload(sysid, 1, e.missionItems, e.expectedHash); err != nil {
					a.publishAck(sysid, e.compid, e.action, e.msgType, "rejected", err.Error())
					metrics.Global().PendingCommands.Dec()
					continue
				}
				a.publishAck(sysid, e.compid, e.action, e.msgType, "delivered", "")
				metrics.Global().PendingCommands.Dec()
				continue
			}
			if e.msg != nil {
				worker.Write(transport.OutItem{Message: e.msg})
			}
			a.publishAck(sysid, e.compid, e.action, e.msgType, "delivered", "")
			metrics.Global().PendingCommands.Dec()
		}
	}
}

// PublishMissionResult publishes a mission FSM's terminal Result:
// `Nomad/missions/uploaded/{sysid}/status` for an upload,
// `Nomad/missions/downloaded/{sysid}` for a download. It is wired as the
// mission.Manager's onResult callback.
func (a *Adapter) PublishMissionResult(res mission.Result) {
	if res.Direction == "download" {
		topic := fmt.Sprintf("Nomad/missions/downloaded/%d", res.SysID)
		a.Publish(topic, false, res)
		return
	}
	topic := fmt.Sprintf("Nomad/missions/uploaded/%d/status", res.SysID)
	a.Publish(topic, false, res)
}

// publishAck publishes the command result document on
// `command/{sysid}/{compid}/ack`. compid is the target component the
// command addressed, zero when rejection happened before any target
// resolved.
func (a *Adapter) publishAck(sysid, compid uint8, action, msgType, status, reason string) {
	topic := fmt.Sprintf("command/%d/%d/ack", sysid, compid)
	payload := map[string]interface{}{
		"status":   status,
		"msg_type": msgType,
		"action":   action,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	a.Publish(topic, false, payload)
}
