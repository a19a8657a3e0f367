package mavcodec

import (
	"encoding/binary"
	"errors"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// ErrNotV1Heartbeat is returned by DecodeV1HeartbeatFallback when raw isn't
// a well-formed v1 HEARTBEAT frame.
var ErrNotV1Heartbeat = errors.New("mavcodec: not a v1 heartbeat frame")

// v1HeaderLen is magic+len+seq+sysid+compid+msgid.
const v1HeaderLen = 6

// v1HeartbeatPayloadLen is the wire size of a HEARTBEAT payload: uint32
// custom_mode + 4 uint8 fields.
const v1HeartbeatPayloadLen = 9

// DecodeV1HeartbeatFallback manually decodes a v1 (0xFE) HEARTBEAT frame
// without going through gomavlib's dialect decoder, for the case where
// the library parser declines to return a usable message: some GCS
// software emits v1 frames gomavlib accepts at the header level but won't
// resolve to a typed message (e.g. a dialect mismatch on the
// component-specific bits of base_mode). The fallback only ever needs to
// cover HEARTBEAT: it's the one message type every peer is guaranteed to
// send unprompted.
func DecodeV1HeartbeatFallback(raw []byte) (*common.MessageHeartbeat, error) {
	if len(raw) < v1HeaderLen+v1HeartbeatPayloadLen {
		return nil, ErrNotV1Heartbeat
	}
	if raw[0] != 0xFE {
		return nil, ErrNotV1Heartbeat
	}
	payloadLen := int(raw[1])
	if payloadLen < v1HeartbeatPayloadLen {
		return nil, ErrNotV1Heartbeat
	}
	msgID := raw[5]
	if msgID != 0 { // HEARTBEAT msgid
		return nil, ErrNotV1Heartbeat
	}
	payload := raw[v1HeaderLen : v1HeaderLen+v1HeartbeatPayloadLen]
	return &common.MessageHeartbeat{
		CustomMode:     binary.LittleEndian.Uint32(payload[0:4]),
		Type:           common.MAV_TYPE(payload[4]),
		Autopilot:      common.MAV_AUTOPILOT(payload[5]),
		BaseMode:       common.MAV_MODE_FLAG(payload[6]),
		SystemStatus:   common.MAV_STATE(payload[7]),
		MavlinkVersion: payload[8],
	}, nil
}
