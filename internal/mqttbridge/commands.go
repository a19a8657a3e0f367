package mqttbridge

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"HoustonBridge/internal/mavcodec"
	"HoustonBridge/internal/mission"
	"HoustonBridge/internal/waypoints"
)

// ErrUnknownCommandShape is returned when a decoded command JSON payload
// doesn't match any of the tagged variants below. Unknown shapes are
// rejected with a typed error rather than silently coerced.
var ErrUnknownCommandShape = fmt.Errorf("mqttbridge: unrecognized command shape")

// envelope is the loosely-typed wire shape every inbound command JSON is
// first unmarshalled into, before being resolved by one of the decoders
// below (decodeCommandLong, decodeSetMode, decodeMissionUpload,
// decodeHeartbeat, decodeRequestDataStream, or the load_waypoints action)
// into a decodedCommand: a single decoder at the edge instead
// of shape-sniffing scattered through the dispatch path.
type envelope struct {
	MsgType      string              `json:"msg_type"`
	Msg          string              `json:"msg"` // accepted alias on the sysid-addressed command topic
	Action       string              `json:"action"`
	DeviceID     string              `json:"device_id"`
	SysID        *uint8              `json:"sysid"`
	TargetSys    *uint8              `json:"target_sys"`
	TargetComp   *uint8              `json:"target_comp"`
	Command      json.RawMessage     `json:"command"`
	Params       []float64           `json:"params"`
	Filename     string              `json:"filename"`
	Waypoints    []waypoints.Waypoint `json:"waypoints"`
	MissionItems []uploadItem        `json:"mission_items"`
	ExpectedHash string              `json:"expected_hash"`
	SrcSysID     *uint8              `json:"src_sysid"`
	SrcCompID    *uint8              `json:"src_compid"`
}

// uploadItem is one entry of a MISSION_UPLOAD / mission/upload payload:
// either lat/lon/alt (matching the waypoint shape) or a raw x/y/z
// MISSION_ITEM_INT triple, with frame/command/params optional.
type uploadItem struct {
	Seq     *uint16   `json:"seq"`
	Frame   *uint8    `json:"frame"`
	Command *uint16   `json:"command"`
	Lat     *float64  `json:"lat"`
	Lon     *float64  `json:"lon"`
	Alt     *float64  `json:"alt"`
	X       *int32    `json:"x"`
	Y       *int32    `json:"y"`
	Z       *float32  `json:"z"`
	Params  []float32 `json:"params"`
}

const defaultMissionFrame uint8 = 6  // MAV_FRAME_GLOBAL_RELATIVE_ALT_INT
const navWaypointCmd uint16 = 16     // MAV_CMD_NAV_WAYPOINT

func (it uploadItem) toMissionItem(seq int) mission.MissionItem {
	m := mission.MissionItem{
		Seq:          uint16(seq),
		Frame:        defaultMissionFrame,
		Command:      navWaypointCmd,
		Autocontinue: 1,
	}
	if it.Seq != nil {
		m.Seq = *it.Seq
	}
	if it.Frame != nil {
		m.Frame = *it.Frame
	}
	if it.Command != nil {
		m.Command = *it.Command
	}
	switch {
	case it.Lat != nil && it.Lon != nil:
		m.X = int32(math.Round(*it.Lat * 1e7))
		m.Y = int32(math.Round(*it.Lon * 1e7))
	case it.X != nil && it.Y != nil:
		m.X = *it.X
		m.Y = *it.Y
	}
	if it.Alt != nil {
		m.Z = float32(*it.Alt)
	} else if it.Z != nil {
		m.Z = *it.Z
	}
	if len(it.Params) > 0 {
		m.Param1 = it.Params[0]
	}
	if len(it.Params) > 1 {
		m.Param2 = it.Params[1]
	}
	if len(it.Params) > 2 {
		m.Param3 = it.Params[2]
	}
	if len(it.Params) > 3 {
		m.Param4 = it.Params[3]
	}
	return m
}

// decodedCommand is the result of parseCommand: the resolved target sysid
// (if any), the gomavlib message to encode (nil for commands that only
// trigger the mission manager), and whether this command legitimately has
// no resolvable target and should therefore be rejected outright rather
// than queued; a command that names no target is never defaulted to
// sysid 1.
type decodedCommand struct {
	msgType      string
	targetSysID  uint8
	targetCompID uint8
	hasTarget    bool
	msg          interface{} // mavmessage.Message, or nil
	isMission    bool
	missionItems []mission.MissionItem
	expectedHash string
	overrideID   bool // HEARTBEAT/REQUEST_DATA_STREAM: single-send identity override
	overrideSysID  uint8
	overrideCompID uint8
	hasOverrideID  bool // true if the payload named an explicit src_sysid/src_compid
	action       string
	loadWaypoint *loadWaypointsCmd
}

type loadWaypointsCmd struct {
	filename  string
	waypoints []waypoints.Waypoint
}

// parseCommand decodes payload against envelope and resolves it into a
// tagged decodedCommand. topicDeviceID is the device_id parsed from the
// topic path, if the command arrived on a per-device topic; it takes
// precedence over a device_id/sysid field in the payload itself.
func parseCommand(payload []byte, topicDeviceID string, topicSysID uint8, hasTopicSysID bool) (decodedCommand, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return decodedCommand{}, fmt.Errorf("invalid command JSON: %w", err)
	}

	sysid, hasSysID := resolveSysID(env, topicDeviceID, topicSysID, hasTopicSysID)

	msgType := env.MsgType
	if msgType == "" {
		msgType = env.Msg
	}

	switch strings.ToUpper(msgType) {
	case "COMMAND_LONG":
		return decodeCommandLong(env, sysid, hasSysID)
	case "SET_MODE":
		return decodeSetMode(env, sysid, hasSysID)
	case "MISSION_UPLOAD":
		return decodeMissionUpload(env, sysid, hasSysID)
	case "HEARTBEAT":
		return decodeHeartbeat(env, sysid, hasSysID)
	case "REQUEST_DATA_STREAM":
		return decodeRequestDataStream(env, sysid, hasSysID)
	}

	if env.Action == "load_waypoints" {
		return decodedCommand{
			msgType: "load_waypoints",
			action:  env.Action,
			targetSysID: func() uint8 {
				if hasSysID {
					return sysid
				}
				return 0
			}(),
			targetCompID: 1,
			hasTarget:    hasSysID,
			loadWaypoint: &loadWaypointsCmd{
				filename:  env.Filename,
				waypoints: env.Waypoints,
			},
		}, nil
	}

	return decodedCommand{}, ErrUnknownCommandShape
}

func resolveSysID(env envelope, topicDeviceID string, topicSysID uint8, hasTopicSysID bool) (uint8, bool) {
	if topicDeviceID != "" {
		if sid, ok := sysIDFromDeviceID(topicDeviceID); ok {
			return sid, true
		}
	}
	if hasTopicSysID {
		return topicSysID, true
	}
	if env.DeviceID != "" {
		if sid, ok := sysIDFromDeviceID(env.DeviceID); ok {
			return sid, true
		}
	}
	if env.SysID != nil {
		return *env.SysID, true
	}
	if env.TargetSys != nil {
		return *env.TargetSys, true
	}
	return 0, false
}

func decodeCommandLong(env envelope, sysid uint8, hasSysID bool) (decodedCommand, error) {
	if !hasSysID {
		return decodedCommand{}, fmt.Errorf("%w: COMMAND_LONG names no resolvable target", ErrUnknownCommandShape)
	}
	cmdID, err := resolveCommandField(env.Command)
	if err != nil {
		return decodedCommand{}, err
	}
	params := make([]float32, 7)
	for i := 0; i < len(env.Params) && i < 7; i++ {
		params[i] = float32(env.Params[i])
	}
	targetComp := uint8(1)
	if env.TargetComp != nil {
		targetComp = *env.TargetComp
	}
	msg := &common.MessageCommandLong{
		TargetSystem:    sysid,
		TargetComponent: targetComp,
		Command:         common.MAV_CMD(cmdID),
		Param1:          params[0], Param2: params[1], Param3: params[2], Param4: params[3],
		Param5: params[4], Param6: params[5], Param7: params[6],
	}
	return decodedCommand{msgType: "COMMAND_LONG", targetSysID: sysid, targetCompID: targetComp, hasTarget: true, msg: msg}, nil
}

func resolveCommandField(raw json.RawMessage) (uint32, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("COMMAND_LONG requires a command field")
	}
	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return uint32(asInt), nil
	}
	var asStr string
	if err := json.Unmarshal(raw, &asStr); err == nil {
		if n, err := strconv.ParseUint(asStr, 10, 32); err == nil {
			return uint32(n), nil
		}
		if id, ok := mavcodec.ResolveMAVCmd(asStr); ok {
			return id, nil
		}
		return 0, fmt.Errorf("unresolvable MAV_CMD name %q", asStr)
	}
	return 0, fmt.Errorf("command field must be a number or MAV_CMD name")
}

func decodeSetMode(env envelope, sysid uint8, hasSysID bool) (decodedCommand, error) {
	if !hasSysID {
		return decodedCommand{}, fmt.Errorf("%w: SET_MODE names no resolvable target", ErrUnknownCommandShape)
	}
	baseMode := uint8(1) // MAV_MODE_FLAG_CUSTOM_MODE_ENABLED
	var customMode uint32
	if len(env.Params) > 0 {
		baseMode = uint8(env.Params[0])
	}
	if len(env.Params) > 1 {
		customMode = uint32(env.Params[1])
	}
	msg := &common.MessageSetMode{
		TargetSystem: sysid,
		BaseMode:     common.MAV_MODE(baseMode),
		CustomMode:   customMode,
	}
	return decodedCommand{msgType: "SET_MODE", targetSysID: sysid, targetCompID: 1, hasTarget: true, msg: msg}, nil
}

// parseMissionUploadPayload decodes the `{root}/mission/upload` shape
// directly (`{sysid, mission_items: [...]}`, no msg_type envelope),
// reusing decodeMissionUpload's item conversion.
func parseMissionUploadPayload(payload []byte) (decodedCommand, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return decodedCommand{}, fmt.Errorf("invalid mission upload JSON: %w", err)
	}
	sysid, hasSysID := resolveSysID(env, "", 0, false)
	return decodeMissionUpload(env, sysid, hasSysID)
}

func decodeMissionUpload(env envelope, sysid uint8, hasSysID bool) (decodedCommand, error) {
	if !hasSysID {
		return decodedCommand{}, fmt.Errorf("%w: MISSION_UPLOAD names no resolvable target", ErrUnknownCommandShape)
	}
	if len(env.MissionItems) == 0 {
		return decodedCommand{}, fmt.Errorf("MISSION_UPLOAD requires a non-empty mission_items list")
	}
	items := make([]mission.MissionItem, len(env.MissionItems))
	for i, it := range env.MissionItems {
		items[i] = it.toMissionItem(i)
	}
	targetComp := uint8(1)
	if env.TargetComp != nil {
		targetComp = *env.TargetComp
	}
	return decodedCommand{
		msgType: "MISSION_UPLOAD", targetSysID: sysid, targetCompID: targetComp, hasTarget: true,
		isMission: true, missionItems: items, expectedHash: env.ExpectedHash,
	}, nil
}

func decodeHeartbeat(env envelope, sysid uint8, hasSysID bool) (decodedCommand, error) {
	msg := &common.MessageHeartbeat{
		Type:           common.MAV_TYPE_GCS,
		Autopilot:      common.MAV_AUTOPILOT_INVALID,
		MavlinkVersion: 3,
	}
	cmd := decodedCommand{msgType: "HEARTBEAT", targetSysID: sysid, targetCompID: 1, hasTarget: hasSysID, msg: msg, overrideID: true}
	applyExplicitIdentity(&cmd, env)
	return cmd, nil
}

func decodeRequestDataStream(env envelope, sysid uint8, hasSysID bool) (decodedCommand, error) {
	if !hasSysID {
		return decodedCommand{}, fmt.Errorf("%w: REQUEST_DATA_STREAM names no resolvable target", ErrUnknownCommandShape)
	}
	targetComp := uint8(1)
	if env.TargetComp != nil {
		targetComp = *env.TargetComp
	}
	rate := uint16(10)
	if len(env.Params) > 0 {
		rate = uint16(env.Params[0])
	}
	msg := &common.MessageRequestDataStream{
		TargetSystem:    sysid,
		TargetComponent: targetComp,
		ReqStreamId:     uint8(common.MAV_DATA_STREAM_ALL),
		ReqMessageRate:  rate,
		StartStop:       1,
	}
	cmd := decodedCommand{msgType: "REQUEST_DATA_STREAM", targetSysID: sysid, targetCompID: targetComp, hasTarget: true, msg: msg, overrideID: true}
	applyExplicitIdentity(&cmd, env)
	return cmd, nil
}

// applyExplicitIdentity records a payload-named src_sysid/src_compid for
// the single-send identity override; absent src_sysid, the sender falls
// back to the bridge's configured GCS identity. A src_sysid given without
// src_compid is sent with compid 0.
func applyExplicitIdentity(cmd *decodedCommand, env envelope) {
	if env.SrcSysID == nil {
		return
	}
	cmd.hasOverrideID = true
	cmd.overrideSysID = *env.SrcSysID
	if env.SrcCompID != nil {
		cmd.overrideCompID = *env.SrcCompID
	}
}
