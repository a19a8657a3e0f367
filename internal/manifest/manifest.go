// Package manifest builds the retained bridge manifest document: topic
// templates, transports, configured routes, GCS identity, the current
// device snapshot and the list of supported msg_type strings. Late-joining
// MQTT clients read it to discover the wire contract without any prior
// knowledge of the bridge's configuration.
package manifest

import (
	"HoustonBridge/config"
	"HoustonBridge/internal/mavcodec"
	"HoustonBridge/internal/registry"
)

// topicTemplates lists every topic the bridge publishes or subscribes,
// with the placeholder segments a client substitutes.
var topicTemplates = []string{
	"{root}/bridge/manifest",
	"{root}/devices/{device_id}/telem/state/discovery",
	"{root}/devices/{device_id}/telem/state/heartbeat",
	"{root}/devices/{device_id}/telem/raw/mavlink/{MSG}",
	"{root}/devices/{device_id}/telem/pose/attitude",
	"sources/source_sysid_<s>/source_compid_<c>/dest_sysid_<ds>/dest_compid_<dc>/{MSG}/{transport}",
	"{root}/cmd/{action}",
	"{root}/devices/{device_id}/cmd/{action}",
	"{root}/mission/upload",
	"command/{sysid}/{compid}/{action}",
	"command/{sysid}/{compid}/ack",
	"Nomad/missions/uploaded/{sysid}/status",
	"Nomad/missions/downloaded/{sysid}",
	"Nomad/waypoints/{filename}/validation",
}

// supportedMsgTypes lists the msg_type strings the bridge's command
// decoder and telemetry path actively understand (mavcodec's active set
// plus the tagged command shapes commands.go accepts).
var supportedMsgTypes = []string{
	"HEARTBEAT",
	"COMMAND_LONG",
	"SET_MODE",
	"MISSION_UPLOAD",
	"REQUEST_DATA_STREAM",
	"MISSION_COUNT",
	"MISSION_REQUEST",
	"MISSION_REQUEST_INT",
	"MISSION_ITEM",
	"MISSION_ITEM_INT",
	"MISSION_ACK",
	"ATTITUDE",
	"GLOBAL_POSITION_INT",
	"GPS_RAW_INT",
	"MISSION_CURRENT",
}

// Document is the JSON-friendly manifest body published retained to
// `{root}/bridge/manifest`.
type Document struct {
	TopicTemplates    []string                     `json:"topic_templates"`
	Transports        []string                     `json:"transports"`
	Routes            []config.RouteConfig         `json:"routes"`
	GCS               gcsIdentity                  `json:"gcs"`
	Devices           map[string]registry.Snapshot `json:"devices"`
	SupportedMsgTypes []string                     `json:"supported_msg_types"`
	SupportedCommands map[string]uint32            `json:"supported_commands"`
}

type gcsIdentity struct {
	SysID  uint8 `json:"sysid"`
	CompID uint8 `json:"compid"`
}

// Build assembles the current manifest document from the bridge's static
// configuration and the registry's live device snapshot.
func Build(cfg *config.Config, reg *registry.Registry) Document {
	names := make([]string, 0, len(cfg.Transports))
	for _, t := range cfg.Transports {
		names = append(names, t.Name)
	}
	return Document{
		TopicTemplates: topicTemplates,
		Transports:     names,
		Routes:         cfg.Routes,
		GCS:            gcsIdentity{SysID: cfg.GCS.SysID, CompID: cfg.GCS.CompID},
		Devices:        reg.SnapshotMap(),
		SupportedMsgTypes: supportedMsgTypes,
		SupportedCommands: mavcodec.MAVCmdTable(),
	}
}
