// Package heartbeat implements the GCS heartbeat generator: a single
// timer that encodes a HEARTBEAT under the bridge's configured GCS
// identity and enqueues it into every transport's out_queue, so vehicles
// on every link observe a ground station peer.
package heartbeat

import (
	"context"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"HoustonBridge/config"
	"HoustonBridge/internal/transport"
	"HoustonBridge/logger"
)

// MAV_TYPE_GCS / MAV_AUTOPILOT_INVALID / MAV_STATE_ACTIVE, per the common
// dialect's enum values.
const (
	mavTypeGCS         = 6
	mavAutopilotInvalid = 8
	mavStateActive     = 4
)

// Generator periodically injects a GCS HEARTBEAT into every transport.
type Generator struct {
	gcs        config.GCSConfig
	transports map[string]*transport.Worker

	stopCh chan struct{}
}

// New builds a Generator over the given transport set. The transport map
// is read once at Start and is not expected to change for the process
// lifetime (transports are configured at startup).
func New(gcs config.GCSConfig, transports map[string]*transport.Worker) *Generator {
	return &Generator{
		gcs:        gcs,
		transports: transports,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the heartbeat timer loop in the background.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

// Stop halts the timer loop.
func (g *Generator) Stop() {
	close(g.stopCh)
}

func (g *Generator) run(ctx context.Context) {
	interval := time.Duration(g.gcs.HeartbeatIntervalS * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

// tick encodes one HEARTBEAT and enqueues it per transport kind: UDP
// listeners only send once a peer address is known (either
// discovered via last_addr, or the endpoint is itself an outbound
// udp_connect target gomavlib already dials); serial transports always
// enqueue, since the out_queue's Dest is nil and the node has no peer
// concept to wait on.
func (g *Generator) tick() {
	msg := &common.MessageHeartbeat{
		Type:           mavTypeGCS,
		Autopilot:      mavAutopilotInvalid,
		BaseMode:       0,
		CustomMode:     0,
		SystemStatus:   mavStateActive,
		MavlinkVersion: 3,
	}

	for name, w := range g.transports {
		if w.Kind() == "udp_listen" && w.LastAddr() == nil {
			continue
		}
		if !w.Write(transport.OutItem{Message: msg}) {
			logger.Debug("heartbeat: out_queue full on transport %s, dropped", name)
		}
	}
}
