package manifest

import (
	"testing"

	"HoustonBridge/config"
	"HoustonBridge/internal/registry"
)

func TestBuildListsTransportNames(t *testing.T) {
	cfg := &config.Config{
		GCS: config.GCSConfig{SysID: 255, CompID: 1},
		Transports: []config.TransportConfig{
			{Name: "udp_14550"},
			{Name: "serial0"},
		},
	}
	reg := registry.New()

	doc := Build(cfg, reg)

	if len(doc.Transports) != 2 || doc.Transports[0] != "udp_14550" || doc.Transports[1] != "serial0" {
		t.Errorf("expected transport names in config order, got %v", doc.Transports)
	}
	if doc.GCS.SysID != 255 || doc.GCS.CompID != 1 {
		t.Errorf("expected gcs identity to be carried through, got %+v", doc.GCS)
	}
}

func TestBuildIncludesRegistrySnapshot(t *testing.T) {
	cfg := &config.Config{Transports: []config.TransportConfig{{Name: "udp_14550"}}}
	reg := registry.New()
	reg.Upsert(3, "udp_14550", 1, true)

	doc := Build(cfg, reg)

	dev, ok := doc.Devices[registry.DeviceIDForSysID(3)]
	if len(doc.Devices) != 1 || !ok {
		t.Fatalf("expected the manifest's device map to be keyed by device_id, got %+v", doc.Devices)
	}
	if dev.SysID != 3 {
		t.Errorf("expected devices[mav_sys3].sysid == 3, got %d", dev.SysID)
	}
}

func TestBuildSupportedCommandsMatchesResolvableNames(t *testing.T) {
	cfg := &config.Config{Transports: []config.TransportConfig{{Name: "udp_14550"}}}
	reg := registry.New()

	doc := Build(cfg, reg)

	if _, ok := doc.SupportedCommands["MAV_CMD_NAV_TAKEOFF"]; !ok {
		t.Error("expected MAV_CMD_NAV_TAKEOFF in the manifest's supported_commands table")
	}
	if len(doc.SupportedMsgTypes) == 0 {
		t.Error("expected a non-empty supported_msg_types list")
	}
}
