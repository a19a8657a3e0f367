// Package mavcodec is the thin layer above gomavlib's own frame parser
// and dialect decoder. gomavlib already does the stateful,
// resync-on-corruption byte scanning and the per-message-type decode (see
// github.com/bluenviron/gomavlib/v3); this package is responsible for the
// two things the bridge still needs on top of that: turning a decoded
// message struct's Go type name back into the wire-format MAVLink name
// ("HEARTBEAT", not "Heartbeat"), and flattening a decoded message into
// the field map Packet carries.
package mavcodec

import (
	"reflect"
	"strings"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// RawMsgType is used when a frame's message could not be decoded at all
// (unknown msgid under the configured dialect).
const RawMsgType = "RAW"

// activeMsgTypes is the set of message types the bridge actively decodes
// into field maps. Every other known type still gets its wire name (via
// TypeName) but travels with empty Fields.
var activeMsgTypes = map[string]struct{}{
	"HEARTBEAT":           {},
	"COMMAND_LONG":        {},
	"MISSION_COUNT":       {},
	"MISSION_REQUEST":     {},
	"MISSION_REQUEST_INT": {},
	"MISSION_ITEM":        {},
	"MISSION_ITEM_INT":    {},
	"MISSION_ACK":         {},
	"ATTITUDE":            {},
	"GLOBAL_POSITION_INT": {},
	"GPS_RAW_INT":         {},
	"MISSION_CURRENT":     {},
}

// IsActive reports whether msgType is one of the actively-decoded types.
func IsActive(msgType string) bool {
	_, ok := activeMsgTypes[msgType]
	return ok
}

// TypeName converts a gomavlib message value's Go type (e.g.
// *common.MessageCommandLong) into its MAVLink wire name
// ("COMMAND_LONG"). Falls back to RawMsgType if msg is nil or not a
// recognizable Message* type.
func TypeName(msg message.Message) string {
	if msg == nil {
		return RawMsgType
	}
	t := reflect.TypeOf(msg)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := t.Name()
	name = strings.TrimPrefix(name, "Message")
	if name == "" {
		return RawMsgType
	}
	return camelToUpperSnake(name)
}

// camelToUpperSnake converts "CommandLong" to "COMMAND_LONG" and
// "GpsRawInt" to "GPS_RAW_INT", matching MAVLink's own naming convention
// for the Go identifiers gomavlib's dialect generator produces.
func camelToUpperSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Fields flattens a decoded message struct into the field map Packet
// carries, using the exported struct field names lowercased (e.g.
// RollSpeed -> rollspeed for ATTITUDE). Only exported, non-zero-length struct fields
// with scalar or array-of-scalar kinds are included; nested structs are
// skipped (none of the actively-decoded messages carry one).
func Fields(msg message.Message) map[string]interface{} {
	out := map[string]interface{}{}
	if msg == nil {
		return out
	}
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return out
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return out
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Struct, reflect.Ptr, reflect.Interface, reflect.Map, reflect.Chan, reflect.Func:
			continue
		}
		out[strings.ToLower(f.Name)] = fv.Interface()
	}
	return out
}

// MAVCmdTable returns the {name: number} table the manifest's
// supported_commands field and ResolveMAVCmd are built from. Go cannot
// enumerate a typed integer const block at runtime, so unlike Fields this
// is a curated subset of common.MAV_CMD rather than a reflective walk of
// the dialect package: the commands a fleet operator is actually expected
// to send (navigation, arm/disarm, mode, mission control, message rates).
func MAVCmdTable() map[string]uint32 {
	out := map[string]uint32{
		"MAV_CMD_NAV_WAYPOINT":            uint32(common.MAV_CMD_NAV_WAYPOINT),
		"MAV_CMD_NAV_LOITER_UNLIM":        uint32(common.MAV_CMD_NAV_LOITER_UNLIM),
		"MAV_CMD_NAV_LOITER_TURNS":        uint32(common.MAV_CMD_NAV_LOITER_TURNS),
		"MAV_CMD_NAV_LOITER_TIME":         uint32(common.MAV_CMD_NAV_LOITER_TIME),
		"MAV_CMD_NAV_RETURN_TO_LAUNCH":    uint32(common.MAV_CMD_NAV_RETURN_TO_LAUNCH),
		"MAV_CMD_NAV_LAND":                uint32(common.MAV_CMD_NAV_LAND),
		"MAV_CMD_NAV_TAKEOFF":             uint32(common.MAV_CMD_NAV_TAKEOFF),
		"MAV_CMD_COMPONENT_ARM_DISARM":    uint32(common.MAV_CMD_COMPONENT_ARM_DISARM),
		"MAV_CMD_DO_SET_MODE":             uint32(common.MAV_CMD_DO_SET_MODE),
		"MAV_CMD_DO_CHANGE_SPEED":         uint32(common.MAV_CMD_DO_CHANGE_SPEED),
		"MAV_CMD_DO_SET_HOME":             uint32(common.MAV_CMD_DO_SET_HOME),
		"MAV_CMD_MISSION_START":           uint32(common.MAV_CMD_MISSION_START),
		"MAV_CMD_REQUEST_MESSAGE":         uint32(common.MAV_CMD_REQUEST_MESSAGE),
		"MAV_CMD_SET_MESSAGE_INTERVAL":    uint32(common.MAV_CMD_SET_MESSAGE_INTERVAL),
		"MAV_CMD_PREFLIGHT_REBOOT_SHUTDOWN": uint32(common.MAV_CMD_PREFLIGHT_REBOOT_SHUTDOWN),
	}
	return out
}

// ResolveMAVCmd resolves a symbolic MAV_CMD name (with or without the
// MAV_CMD_ prefix) against MAVCmdTable, so the resolution happens once at
// the decode edge instead of being re-litigated downstream. Numeric
// strings are not parsed here. ok is false if name doesn't match any
// known symbol.
func ResolveMAVCmd(name string) (id uint32, ok bool) {
	table := MAVCmdTable()
	if v, found := table[name]; found {
		return v, true
	}
	withPrefix := "MAV_CMD_" + strings.ToUpper(name)
	if v, found := table[withPrefix]; found {
		return v, true
	}
	return 0, false
}
