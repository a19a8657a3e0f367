package mavcodec

import (
	"encoding/binary"
	"testing"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

func TestTypeNameConvertsGoTypeToWireName(t *testing.T) {
	if got := TypeName(&common.MessageHeartbeat{}); got != "HEARTBEAT" {
		t.Errorf("expected HEARTBEAT, got %s", got)
	}
	if got := TypeName(&common.MessageCommandLong{}); got != "COMMAND_LONG" {
		t.Errorf("expected COMMAND_LONG, got %s", got)
	}
	if got := TypeName(&common.MessageGpsRawInt{}); got != "GPS_RAW_INT" {
		t.Errorf("expected GPS_RAW_INT, got %s", got)
	}
	if got := TypeName(nil); got != RawMsgType {
		t.Errorf("expected RAW for nil message, got %s", got)
	}
}

func TestIsActiveMatchesSpecTable(t *testing.T) {
	for _, name := range []string{"HEARTBEAT", "COMMAND_LONG", "MISSION_COUNT", "ATTITUDE"} {
		if !IsActive(name) {
			t.Errorf("expected %s to be actively decoded", name)
		}
	}
	if IsActive("SOME_UNRELATED_MESSAGE") {
		t.Error("unrelated message types must not be reported active")
	}
}

func TestFieldsFlattensExportedScalarFields(t *testing.T) {
	msg := &common.MessageHeartbeat{
		Type:           common.MAV_TYPE_QUADROTOR,
		Autopilot:      common.MAV_AUTOPILOT_ARDUPILOTMEGA,
		MavlinkVersion: 3,
	}
	fields := Fields(msg)
	if fields["mavlinkversion"] != uint8(3) {
		t.Errorf("expected mavlinkversion field to be flattened, got %v", fields["mavlinkversion"])
	}
}

func TestFieldsOnNilReturnsEmptyMap(t *testing.T) {
	fields := Fields(nil)
	if len(fields) != 0 {
		t.Errorf("expected empty map for nil message, got %v", fields)
	}
}

func TestResolveMAVCmdAcceptsNameWithOrWithoutPrefix(t *testing.T) {
	id1, ok1 := ResolveMAVCmd("MAV_CMD_NAV_TAKEOFF")
	id2, ok2 := ResolveMAVCmd("NAV_TAKEOFF")
	if !ok1 || !ok2 || id1 != id2 {
		t.Errorf("expected prefixed and unprefixed names to resolve identically, got (%d,%v) (%d,%v)", id1, ok1, id2, ok2)
	}
	if _, ok := ResolveMAVCmd("NOT_A_REAL_COMMAND"); ok {
		t.Error("expected an unknown command name to fail resolution")
	}
}

func buildV1Heartbeat() []byte {
	buf := make([]byte, v1HeaderLen+v1HeartbeatPayloadLen)
	buf[0] = 0xFE
	buf[1] = v1HeartbeatPayloadLen
	buf[2] = 0  // seq
	buf[3] = 3  // sysid
	buf[4] = 1  // compid
	buf[5] = 0  // msgid (HEARTBEAT)
	payload := buf[v1HeaderLen:]
	binary.LittleEndian.PutUint32(payload[0:4], 42)
	payload[4] = uint8(common.MAV_TYPE_QUADROTOR)
	payload[5] = uint8(common.MAV_AUTOPILOT_ARDUPILOTMEGA)
	payload[6] = 0
	payload[7] = uint8(common.MAV_STATE_ACTIVE)
	payload[8] = 3
	return buf
}

func TestDecodeV1HeartbeatFallbackDecodesWellFormedFrame(t *testing.T) {
	hb, err := DecodeV1HeartbeatFallback(buildV1Heartbeat())
	if err != nil {
		t.Fatalf("DecodeV1HeartbeatFallback: %v", err)
	}
	if hb.CustomMode != 42 {
		t.Errorf("expected custom_mode 42, got %d", hb.CustomMode)
	}
	if hb.Type != common.MAV_TYPE_QUADROTOR {
		t.Errorf("expected MAV_TYPE_QUADROTOR, got %v", hb.Type)
	}
}

func TestDecodeV1HeartbeatFallbackRejectsWrongMagic(t *testing.T) {
	raw := buildV1Heartbeat()
	raw[0] = 0xFD
	if _, err := DecodeV1HeartbeatFallback(raw); err != ErrNotV1Heartbeat {
		t.Errorf("expected ErrNotV1Heartbeat for a v2 magic byte, got %v", err)
	}
}

func TestDecodeV1HeartbeatFallbackRejectsShortFrame(t *testing.T) {
	if _, err := DecodeV1HeartbeatFallback([]byte{0xFE, 0x01}); err != ErrNotV1Heartbeat {
		t.Errorf("expected ErrNotV1Heartbeat for a short frame, got %v", err)
	}
}
