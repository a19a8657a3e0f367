// Package registry implements the device registry: the authoritative
// mapping from an observed MAVLink sysid to a stable device_id and the
// set of transports it has been seen on.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Device is a registry entry. It is never evicted during a process
// lifetime; liveness is expressed only via the MQTT heartbeat topic.
type Device struct {
	DeviceID       string
	SysID          uint8
	CompID         uint8
	HasCompID      bool
	TransportsSeen map[string]struct{}
	FirstSeen      time.Time
	LastSeen       time.Time
}

// Snapshot is the JSON-friendly view of a Device, used by the manifest
// publisher.
type Snapshot struct {
	DeviceID   string   `json:"device_id"`
	SysID      uint8    `json:"sysid"`
	CompID     uint8    `json:"compid,omitempty"`
	Transports []string `json:"transports"`
	FirstSeen  int64    `json:"first_seen"`
	LastSeen   int64    `json:"last_seen"`
}

// Registry is a concurrent-safe sysid -> Device map.
type Registry struct {
	mu      sync.RWMutex
	bySysID map[uint8]*Device
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		bySysID: make(map[uint8]*Device),
	}
}

// DeviceIDForSysID deterministically derives the device_id for a sysid
// without requiring the sysid to have been observed yet.
func DeviceIDForSysID(sysid uint8) string {
	return fmt.Sprintf("mav_sys%d", sysid)
}

// Upsert creates or updates the device for sysid, recording transportName
// in its transport set and bumping last_seen. It returns the device_id,
// whether this is the sysid's first observation (used to fire discovery
// publishes exactly once), and whether transportName is a new membership
// for an already-known device (used to refresh the retained discovery
// document with the grown transport list).
func (r *Registry) Upsert(sysid uint8, transportName string, compid uint8, hasCompID bool) (deviceID string, firstSeen, newTransport bool) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.bySysID[sysid]
	if !ok {
		d = &Device{
			DeviceID:       DeviceIDForSysID(sysid),
			SysID:          sysid,
			TransportsSeen: make(map[string]struct{}),
			FirstSeen:      now,
		}
		r.bySysID[sysid] = d
		firstSeen = true
	}
	if hasCompID {
		d.CompID = compid
		d.HasCompID = true
	}
	if _, seen := d.TransportsSeen[transportName]; !seen && !firstSeen {
		newTransport = true
	}
	d.TransportsSeen[transportName] = struct{}{}
	d.LastSeen = now
	return d.DeviceID, firstSeen, newTransport
}

// TransportsFor returns the set of transports on which device_id has been
// observed. Returns nil if the device is unknown.
func (r *Registry) TransportsFor(deviceID string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.bySysID {
		if d.DeviceID == deviceID {
			out := make(map[string]struct{}, len(d.TransportsSeen))
			for t := range d.TransportsSeen {
				out[t] = struct{}{}
			}
			return out
		}
	}
	return nil
}

// SysIDForDevice resolves a device_id back to its sysid. ok is false if
// the device is unknown.
func (r *Registry) SysIDForDevice(deviceID string) (sysid uint8, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.bySysID {
		if d.DeviceID == deviceID {
			return d.SysID, true
		}
	}
	return 0, false
}

// KnownSysID reports whether sysid has ever been observed.
func (r *Registry) KnownSysID(sysid uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySysID[sysid]
	return ok
}

// TransportsWithGCS returns the set of transport names on which a GCS
// sysid (250..255) has been observed, used by the router's vehicle-to-GCS
// filtering policy.
func (r *Registry) TransportsWithGCS() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]struct{})
	for sysid, d := range r.bySysID {
		if sysid >= 250 {
			for t := range d.TransportsSeen {
				out[t] = struct{}{}
			}
		}
	}
	return out
}

// Snapshot returns a JSON-friendly view of every known device, sorted by
// device_id for deterministic manifest output.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.bySysID))
	for _, d := range r.bySysID {
		transports := make([]string, 0, len(d.TransportsSeen))
		for t := range d.TransportsSeen {
			transports = append(transports, t)
		}
		sort.Strings(transports)
		out = append(out, Snapshot{
			DeviceID:   d.DeviceID,
			SysID:      d.SysID,
			CompID:     d.CompID,
			Transports: transports,
			FirstSeen:  d.FirstSeen.Unix(),
			LastSeen:   d.LastSeen.Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// SnapshotMap returns the same view keyed by device_id, the shape the
// manifest publishes so clients can look devices up directly.
func (r *Registry) SnapshotMap() map[string]Snapshot {
	snaps := r.Snapshot()
	out := make(map[string]Snapshot, len(snaps))
	for _, s := range snaps {
		out[s.DeviceID] = s
	}
	return out
}
