// Package waypoints validates and normalizes the waypoint YAML shape the
// load_waypoints command action accepts.
package waypoints

import (
	"fmt"
	"math"

	"HoustonBridge/internal/mission"
)

// Waypoint is one entry of the input YAML/JSON list.
type Waypoint struct {
	Lat    float64 `yaml:"lat" json:"lat"`
	Lon    float64 `yaml:"lon" json:"lon"`
	Alt    float64 `yaml:"alt" json:"alt"`
	Frame  *uint8  `yaml:"frame,omitempty" json:"frame,omitempty"`
	Action string  `yaml:"action,omitempty" json:"action,omitempty"`
}

// defaultFrame is 6 (MAV_FRAME_GLOBAL_RELATIVE_ALT_INT).
const defaultFrame uint8 = 6

// mavCmdNavWaypoint is MAV_CMD_NAV_WAYPOINT (16).
const mavCmdNavWaypoint uint16 = 16

// ValidationResult is published on the
// Nomad/waypoints/{filename}/validation topic.
type ValidationResult struct {
	OK      bool   `json:"ok"`
	Details string `json:"details"`
	Hash    string `json:"hash,omitempty"`
	Count   int    `json:"count"`
}

// Validate rejects an empty list and any entry whose lat, lon and alt are
// all zero; an entry with only some of them zero passes. It never rejects
// on a missing frame/action; those are defaulted during conversion.
func Validate(wps []Waypoint) (ok bool, details string) {
	if len(wps) == 0 {
		return false, "waypoints must be a non-empty list"
	}
	for i, w := range wps {
		if w.Lat == 0 && w.Lon == 0 && w.Alt == 0 {
			return false, fmt.Sprintf("waypoint[%d] missing lat/lon/alt", i)
		}
	}
	return true, "ok"
}

// ToMissionItems converts a validated waypoint list into the mission item
// shape the upload FSM consumes: lat/lon scaled by 1e7 into X/Y, altitude
// carried as a float Z.
func ToMissionItems(wps []Waypoint) []mission.MissionItem {
	items := make([]mission.MissionItem, len(wps))
	for i, w := range wps {
		frame := defaultFrame
		if w.Frame != nil {
			frame = *w.Frame
		}
		items[i] = mission.MissionItem{
			Seq:          uint16(i),
			Frame:        frame,
			Command:      mavCmdNavWaypoint,
			Autocontinue: 1,
			X:            int32(math.Round(w.Lat * 1e7)),
			Y:            int32(math.Round(w.Lon * 1e7)),
			Z:            float32(w.Alt),
		}
	}
	return items
}
