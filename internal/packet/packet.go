// Package packet defines the internal value passed between the router, the
// transport workers and the MQTT adapter.
package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Packet is the schema-tagged unit of data flowing through the bridge.
// It is deliberately field-map shaped rather than a fixed struct per
// message type: the router and MQTT adapter never need to know the full
// MAVLink message catalog, only the handful of fields they route on.
type Packet struct {
	DeviceID  string                 `json:"device_id"`
	Schema    string                 `json:"schema"`
	MsgType   string                 `json:"msg_type"`
	Fields    map[string]interface{} `json:"fields"`
	RawBytes  []byte                 `json:"-"`
	Timestamp float64                `json:"timestamp"`
	Origin    string                 `json:"origin"`
	SrcAddr   string                 `json:"src_addr,omitempty"`
	SrcPort   int                    `json:"src_port,omitempty"`

	SrcSysID   uint8 `json:"src_sysid,omitempty"`
	SrcCompID  uint8 `json:"src_compid,omitempty"`
	HasSrc     bool  `json:"-"`
	DestSysID  uint8 `json:"dest_sysid,omitempty"`
	DestCompID uint8 `json:"dest_compid,omitempty"`
	HasDest    bool  `json:"-"`
}

// SchemaMavlink is the only schema the core speaks.
const SchemaMavlink = "mavlink"

// Digest returns the SHA-256 hex digest of the packet's raw wire bytes,
// used by the router for global dedupe.
func Digest(rawBytes []byte) string {
	sum := sha256.Sum256(rawBytes)
	return hex.EncodeToString(sum[:])
}

// SafeJSON recursively converts a value into something encoding/json can
// always marshal: byte slices become hex strings, and anything else
// passes through unchanged for the standard marshaller to handle.
func SafeJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return hex.EncodeToString(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = SafeJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = SafeJSON(val)
		}
		return out
	default:
		return t
	}
}

// CanonicalJSON serializes v as JSON with map keys sorted, used by the
// mission manager to hash uploaded/downloaded missions so the two
// directions can be compared round-trip.
func CanonicalJSON(v interface{}) ([]byte, error) {
	normalized := normalizeForCanon(v)
	return json.Marshal(normalized)
}

// normalizeForCanon walks maps/slices so that map keys sort deterministically
// under encoding/json (which already sorts map[string]X keys, but nested
// map[string]interface{} produced via SafeJSON needs the same treatment
// applied recursively and numeric types coerced to float64 for stability).
func normalizeForCanon(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(t))
		for _, k := range keys {
			out[k] = normalizeForCanon(t[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeForCanon(val)
		}
		return out
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return t
	}
}

// CanonicalHash hashes the canonical JSON form of v. Mission items arrive
// with frame already stripped (see internal/mission); numeric coercion
// and key sorting happen in CanonicalJSON.
func CanonicalHash(v interface{}) (string, error) {
	buf, err := CanonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}
