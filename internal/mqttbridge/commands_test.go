package mqttbridge

import (
	"testing"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

func TestParseCommandCommandLongByNumber(t *testing.T) {
	payload := []byte(`{"msg_type":"COMMAND_LONG","sysid":3,"command":400,"params":[1,0,0,0,0,0,0]}`)
	cmd, err := parseCommand(payload, "", 0, false)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if !cmd.hasTarget || cmd.targetSysID != 3 {
		t.Fatalf("expected target sysid 3, got %+v", cmd)
	}
	msg, ok := cmd.msg.(*common.MessageCommandLong)
	if !ok {
		t.Fatalf("expected *MessageCommandLong, got %T", cmd.msg)
	}
	if msg.Command != 400 {
		t.Errorf("expected command 400, got %v", msg.Command)
	}
	if msg.Param1 != 1 {
		t.Errorf("expected param1=1, got %v", msg.Param1)
	}
}

func TestParseCommandAcceptsMsgAliasWithTopicSysID(t *testing.T) {
	payload := []byte(`{"msg":"COMMAND_LONG","command":400,"params":[1,0,0,0,0,0,0]}`)
	cmd, err := parseCommand(payload, "", 3, true)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if !cmd.hasTarget || cmd.targetSysID != 3 {
		t.Fatalf("expected the topic-supplied sysid 3, got %+v", cmd)
	}
	msg, ok := cmd.msg.(*common.MessageCommandLong)
	if !ok {
		t.Fatalf("expected *MessageCommandLong, got %T", cmd.msg)
	}
	if msg.Command != 400 {
		t.Errorf("expected command 400, got %v", msg.Command)
	}
}

func TestParseCommandCommandLongBySymbolicName(t *testing.T) {
	payload := []byte(`{"msg_type":"COMMAND_LONG","sysid":3,"command":"MAV_CMD_NAV_TAKEOFF","params":[0,0,0,0,0,0,0]}`)
	cmd, err := parseCommand(payload, "", 0, false)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	msg := cmd.msg.(*common.MessageCommandLong)
	if msg.Command != common.MAV_CMD_NAV_TAKEOFF {
		t.Errorf("expected MAV_CMD_NAV_TAKEOFF, got %v", msg.Command)
	}
}

func TestParseCommandCommandLongRejectsUnresolvableTarget(t *testing.T) {
	payload := []byte(`{"msg_type":"COMMAND_LONG","command":400,"params":[0,0,0,0,0,0,0]}`)
	if _, err := parseCommand(payload, "", 0, false); err == nil {
		t.Error("expected COMMAND_LONG with no resolvable target to be rejected, not defaulted")
	}
}

func TestParseCommandTopicDeviceIDTakesPrecedence(t *testing.T) {
	payload := []byte(`{"msg_type":"COMMAND_LONG","sysid":9,"command":400,"params":[0,0,0,0,0,0,0]}`)
	cmd, err := parseCommand(payload, "mav_sys3", 0, false)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if cmd.targetSysID != 3 {
		t.Errorf("expected topic device_id (sysid 3) to win over payload sysid 9, got %d", cmd.targetSysID)
	}
}

func TestParseCommandUnknownShapeIsRejected(t *testing.T) {
	payload := []byte(`{"msg_type":"SOMETHING_WEIRD"}`)
	if _, err := parseCommand(payload, "", 0, false); err != ErrUnknownCommandShape {
		t.Errorf("expected ErrUnknownCommandShape, got %v", err)
	}
}

func TestParseCommandLoadWaypointsAction(t *testing.T) {
	payload := []byte(`{"action":"load_waypoints","filename":"route.yaml","sysid":1,"waypoints":[{"lat":1,"lon":2,"alt":3}]}`)
	cmd, err := parseCommand(payload, "", 0, false)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if cmd.loadWaypoint == nil {
		t.Fatal("expected a loadWaypoint command")
	}
	if cmd.loadWaypoint.filename != "route.yaml" {
		t.Errorf("expected filename route.yaml, got %s", cmd.loadWaypoint.filename)
	}
	if len(cmd.loadWaypoint.waypoints) != 1 {
		t.Errorf("expected 1 waypoint, got %d", len(cmd.loadWaypoint.waypoints))
	}
}

func TestParseCommandMissionUploadBuildsItems(t *testing.T) {
	payload := []byte(`{"sysid":1,"mission_items":[{"lat":37.4125,"lon":-121.998,"alt":55,"frame":6},{"lat":37.413,"lon":-121.9982,"alt":60,"frame":6}]}`)
	cmd, err := parseMissionUploadPayload(payload)
	if err != nil {
		t.Fatalf("parseMissionUploadPayload: %v", err)
	}
	if !cmd.isMission || len(cmd.missionItems) != 2 {
		t.Fatalf("expected a 2-item mission upload, got %+v", cmd)
	}
	if cmd.missionItems[0].X != 374125000 || cmd.missionItems[0].Y != -1219980000 {
		t.Errorf("expected scaled x/y for item 0, got x=%d y=%d", cmd.missionItems[0].X, cmd.missionItems[0].Y)
	}
	if cmd.missionItems[1].X != 374130000 || cmd.missionItems[1].Y != -1219982000 {
		t.Errorf("expected scaled x/y for item 1, got x=%d y=%d", cmd.missionItems[1].X, cmd.missionItems[1].Y)
	}
}

func TestParseCommandHeartbeatWithExplicitIdentity(t *testing.T) {
	payload := []byte(`{"msg_type":"HEARTBEAT","src_sysid":250,"src_compid":1}`)
	cmd, err := parseCommand(payload, "", 0, false)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if !cmd.overrideID {
		t.Error("expected HEARTBEAT to request a single-send identity override")
	}
	if !cmd.hasOverrideID || cmd.overrideSysID != 250 {
		t.Errorf("expected overrideSysID 250, got %+v", cmd)
	}
}
