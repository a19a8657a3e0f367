package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"HoustonBridge/config"
	"HoustonBridge/internal/heartbeat"
	"HoustonBridge/internal/manifest"
	"HoustonBridge/internal/mission"
	"HoustonBridge/internal/mqttbridge"
	"HoustonBridge/internal/registry"
	"HoustonBridge/internal/router"
	"HoustonBridge/internal/transport"
	"HoustonBridge/logger"
	"HoustonBridge/metrics"
)

func main() {
	configFile := flag.String("config", "config/config.yaml", "Path to configuration file")
	logLevel := flag.String("log", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	logger.Info("loading configuration from %s", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("failed to load configuration: %v", err)
	}

	if *logLevel != "" {
		logger.SetLevelFromString(*logLevel)
	} else {
		logger.SetLevelFromString(cfg.Log.Level)
	}
	if cfg.Log.TimestampFormat != "" {
		logger.SetTimestampFormat(cfg.Log.TimestampFormat)
	}

	logger.Info("configuration loaded (log level: %s, %d transports)", logger.GetLevelString(), len(cfg.Transports))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()

	transports := make(map[string]*transport.Worker, len(cfg.Transports))

	var missionMgr *mission.Manager
	var bridge *mqttbridge.Adapter

	resolveWorker := func(sysid uint8) (*transport.Worker, bool) {
		deviceID := registry.DeviceIDForSysID(sysid)
		names := reg.TransportsFor(deviceID)
		for name := range names {
			if w, ok := transports[name]; ok {
				return w, true
			}
		}
		return nil, false
	}

	missionMgr = mission.New(resolveWorker, func(res mission.Result) {
		if bridge != nil {
			bridge.PublishMissionResult(res)
		}
	}, cfg.Mission.TimeoutS)
	defer missionMgr.Close()

	bridge = mqttbridge.New(cfg.MQTT, cfg.GCS, reg, transports, missionMgr, func() {
		bridge.PublishManifest(manifest.Build(cfg, reg))
		for _, snap := range reg.Snapshot() {
			names := make([]string, 0, len(snap.Transports))
			names = append(names, snap.Transports...)
			bridge.PublishDiscovery(snap.DeviceID, snap.SysID, names)
		}
	})

	rtr := router.New(reg, cfg.Routes, transports, cfg.DedupeWindowS, bridge.PublishTelemetry)
	defer rtr.Close()

	for _, tc := range cfg.Transports {
		tc := tc
		w := transport.NewWorker(tc, cfg.GCS, transport.Callbacks{
			OnDiscover: func(sysid uint8, transportName string, compid uint8, hasCompID bool) {
				deviceID, firstSeen, newTransport := reg.Upsert(sysid, transportName, compid, hasCompID)
				if firstSeen || newTransport {
					logger.Info("discovered device %s (sysid %d) on transport %s", deviceID, sysid, transportName)
					names := make([]string, 0, 2)
					for name := range reg.TransportsFor(deviceID) {
						names = append(names, name)
					}
					bridge.PublishDiscovery(deviceID, sysid, names)
					bridge.PublishManifest(manifest.Build(cfg, reg))
				}
			},
			OnFrame:   rtr.HandleFrame,
			OnMission: missionMgr.HandleFrame,
		})
		transports[tc.Name] = w
	}

	for name, w := range transports {
		logger.Info("starting transport %s", name)
		w.Start(ctx)
	}

	hb := heartbeat.New(cfg.GCS, transports)
	hb.Start(ctx)
	defer hb.Stop()

	if err := bridge.Start(ctx); err != nil {
		logger.Fatal("failed to start mqtt adapter: %v", err)
	}
	defer bridge.Stop()

	bridge.PublishManifest(manifest.Build(cfg, reg))

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening on %s", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info("bridge running, press ctrl+c to stop")
	<-sigCh

	logger.Info("shutdown: stopping transports and adapters")
	cancel()
	for name, w := range transports {
		logger.Info("stopping transport %s", name)
		w.Stop()
	}
	logger.Info("shutdown complete")
}
