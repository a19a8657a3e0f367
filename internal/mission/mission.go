// Package mission implements the upload and download mission state
// machines as an explicit state enum plus step functions: Manager holds
// one FSM per (sysid, direction), advanced only by the inbound MISSION_*
// message that arrives for it, so every transition is testable in
// isolation.
package mission

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"HoustonBridge/internal/packet"
	"HoustonBridge/internal/transport"
	"HoustonBridge/metrics"
)

// UploadPhase is the Upload FSM's state enum.
type UploadPhase string

const (
	UploadSendingCount UploadPhase = "sending_count"
	UploadSendingItems UploadPhase = "sending_items"
	UploadCompleted    UploadPhase = "completed"
	UploadFailed       UploadPhase = "failed"
)

// DownloadPhase is the Download FSM's state enum.
type DownloadPhase string

const (
	DownloadRequestingList DownloadPhase = "requesting_list"
	DownloadDownloading    DownloadPhase = "downloading"
	DownloadCompleted      DownloadPhase = "completed"
	DownloadFailed         DownloadPhase = "failed"
)

// MissionItem is the normalized mission waypoint shape shared by both FSMs
// and by the waypoint loader/validator.
type MissionItem struct {
	Seq          uint16  `json:"seq"`
	Frame        uint8   `json:"frame"`
	Command      uint16  `json:"command"`
	Current      uint8   `json:"current"`
	Autocontinue uint8   `json:"autocontinue"`
	Param1       float32 `json:"param1"`
	Param2       float32 `json:"param2"`
	Param3       float32 `json:"param3"`
	Param4       float32 `json:"param4"`
	X            int32   `json:"x"`
	Y            int32   `json:"y"`
	Z            float32 `json:"z"`
}

// canonical strips frame (allowed to differ between upload and download
// on some autopilots) and returns a plain map so
// packet.CanonicalHash can coerce numeric types and sort keys uniformly.
func (m MissionItem) canonical() map[string]interface{} {
	return map[string]interface{}{
		"seq":          m.Seq,
		"command":      m.Command,
		"current":      m.Current,
		"autocontinue": m.Autocontinue,
		"param1":       m.Param1,
		"param2":       m.Param2,
		"param3":       m.Param3,
		"param4":       m.Param4,
		"x":            m.X,
		"y":            m.Y,
		"z":            m.Z,
	}
}

// CanonicalHash hashes a mission in its canonical form (frame stripped,
// numerics coerced, keys sorted). Exposed so the waypoint validator can
// publish the same hash the FSMs will later compare against.
func CanonicalHash(items []MissionItem) (string, error) {
	canon := make([]interface{}, len(items))
	for i, it := range items {
		canon[i] = it.canonical()
	}
	return packet.CanonicalHash(canon)
}

type uploadState struct {
	phase        UploadPhase
	mission      []MissionItem
	ackedSeqs    map[uint16]struct{}
	startedAt    time.Time
	targetCompID uint8
	expectedHash string
}

type downloadState struct {
	phase        DownloadPhase
	items        []*MissionItem // nil entries are holes
	count        int
	startedAt    time.Time
	targetCompID uint8
}

// Result is published on a mission's result topic on completion or
// failure.
type Result struct {
	SysID     uint8                  `json:"sysid"`
	Direction string                 `json:"direction"`
	Status    string                 `json:"status"`
	DurationS float64                `json:"duration_s"`
	ItemCount int                    `json:"item_count"`
	Reason    string                 `json:"reason,omitempty"`
	Hash      string                 `json:"hash,omitempty"`
	Mission   []MissionItem          `json:"mission,omitempty"`
	Extra     map[string]interface{} `json:"-"`
}

// ResolveWorker looks up the transport a sysid's commands should be
// written to (one of the transports the registry has observed it on).
type ResolveWorker func(sysid uint8) (*transport.Worker, bool)

// Manager owns every in-flight upload/download FSM.
type Manager struct {
	mu        sync.Mutex
	uploads   map[uint8]*uploadState
	downloads map[uint8]*downloadState

	resolve ResolveWorker
	onResult func(Result)
	timeout  time.Duration

	stopCh chan struct{}
}

// New builds a Manager. onResult is called once per FSM terminal
// transition (completed or failed); resolve maps a sysid to the transport
// worker commands for it should go out on.
func New(resolve ResolveWorker, onResult func(Result), timeoutS float64) *Manager {
	m := &Manager{
		uploads:   make(map[uint8]*uploadState),
		downloads: make(map[uint8]*downloadState),
		resolve:   resolve,
		onResult:  onResult,
		timeout:   time.Duration(timeoutS * float64(time.Second)),
		stopCh:    make(chan struct{}),
	}
	go m.timeoutSweeper()
	return m
}

// Close stops the timeout sweeper.
func (m *Manager) Close() {
	close(m.stopCh)
}

func (m *Manager) timeoutSweeper() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepTimeouts()
		}
	}
}

func (m *Manager) sweepTimeouts() {
	now := time.Now()
	m.mu.Lock()
	var expiredUploads, expiredDownloads []uint8
	for sysid, st := range m.uploads {
		if st.phase != UploadCompleted && st.phase != UploadFailed && now.Sub(st.startedAt) > m.timeout {
			expiredUploads = append(expiredUploads, sysid)
		}
	}
	for sysid, st := range m.downloads {
		if st.phase != DownloadCompleted && st.phase != DownloadFailed && now.Sub(st.startedAt) > m.timeout {
			expiredDownloads = append(expiredDownloads, sysid)
		}
	}
	m.mu.Unlock()

	for _, sysid := range expiredUploads {
		m.failUpload(sysid, "timeout")
	}
	for _, sysid := range expiredDownloads {
		m.failDownload(sysid, "timeout")
	}
}

// StartUpload begins a fresh Upload FSM for sysid, invalidating any
// previous one in flight; only one upload per sysid is ever active.
func (m *Manager) StartUpload(sysid, compid uint8, items []MissionItem, expectedHash string) error {
	worker, ok := m.resolve(sysid)
	if !ok {
		return fmt.Errorf("no transport known for sysid %d", sysid)
	}

	m.mu.Lock()
	m.uploads[sysid] = &uploadState{
		phase:        UploadSendingCount,
		mission:      items,
		ackedSeqs:    make(map[uint16]struct{}),
		startedAt:    time.Now(),
		targetCompID: compid,
		expectedHash: expectedHash,
	}
	m.mu.Unlock()

	metrics.Global().MissionsStarted.WithLabelValues("upload").Inc()

	return writeMessage(worker, &common.MessageMissionCount{
		TargetSystem:    sysid,
		TargetComponent: compid,
		Count:           uint16(len(items)),
	})
}

// StartDownload begins a fresh Download FSM for sysid.
func (m *Manager) StartDownload(sysid, compid uint8) error {
	worker, ok := m.resolve(sysid)
	if !ok {
		return fmt.Errorf("no transport known for sysid %d", sysid)
	}

	m.mu.Lock()
	m.downloads[sysid] = &downloadState{
		phase:        DownloadRequestingList,
		targetCompID: compid,
		startedAt:    time.Now(),
	}
	m.mu.Unlock()

	metrics.Global().MissionsStarted.WithLabelValues("download").Inc()

	return writeMessage(worker, &common.MessageMissionRequestList{
		TargetSystem:    sysid,
		TargetComponent: compid,
	})
}

// HandleFrame feeds an inbound MISSION_* message into the FSM for its
// source sysid. Non-mission messages are ignored; callers should route
// only mission events to this method.
func (m *Manager) HandleFrame(sysid uint8, msg message.Message) {
	switch mm := msg.(type) {
	case *common.MessageMissionRequest:
		m.onUploadRequest(sysid, uint16(mm.Seq))
	case *common.MessageMissionRequestInt:
		m.onUploadRequest(sysid, mm.Seq)
	case *common.MessageMissionAck:
		m.onUploadAck(sysid, mm.Type)
	case *common.MessageMissionCount:
		m.onDownloadCount(sysid, mm.Count)
	case *common.MessageMissionItem:
		m.onDownloadItem(sysid, itemFromLegacy(mm))
	case *common.MessageMissionItemInt:
		m.onDownloadItem(sysid, itemFromInt(mm))
	}
}

func itemFromInt(mm *common.MessageMissionItemInt) MissionItem {
	return MissionItem{
		Seq: mm.Seq, Frame: uint8(mm.Frame), Command: uint16(mm.Command),
		Current: mm.Current, Autocontinue: mm.Autocontinue,
		Param1: mm.Param1, Param2: mm.Param2, Param3: mm.Param3, Param4: mm.Param4,
		X: mm.X, Y: mm.Y, Z: mm.Z,
	}
}

func itemFromLegacy(mm *common.MessageMissionItem) MissionItem {
	return MissionItem{
		Seq: mm.Seq, Frame: uint8(mm.Frame), Command: uint16(mm.Command),
		Current: mm.Current, Autocontinue: mm.Autocontinue,
		Param1: mm.Param1, Param2: mm.Param2, Param3: mm.Param3, Param4: mm.Param4,
		X: int32(mm.X * 1e7), Y: int32(mm.Y * 1e7), Z: mm.Z,
	}
}

func (m *Manager) onUploadRequest(sysid uint8, seq uint16) {
	m.mu.Lock()
	st, ok := m.uploads[sysid]
	if !ok || (st.phase != UploadSendingCount && st.phase != UploadSendingItems) {
		m.mu.Unlock()
		return
	}
	st.phase = UploadSendingItems
	st.startedAt = time.Now() // activity resets the inactivity timeout
	if int(seq) >= len(st.mission) {
		m.mu.Unlock()
		return
	}
	item := st.mission[seq]
	st.ackedSeqs[seq] = struct{}{}
	compid := st.targetCompID
	m.mu.Unlock()

	worker, ok := m.resolve(sysid)
	if !ok {
		return
	}
	writeMessage(worker, &common.MessageMissionItemInt{
		TargetSystem: sysid, TargetComponent: compid,
		Seq: item.Seq, Frame: common.MAV_FRAME(item.Frame), Command: common.MAV_CMD(item.Command),
		Current: item.Current, Autocontinue: item.Autocontinue,
		Param1: item.Param1, Param2: item.Param2, Param3: item.Param3, Param4: item.Param4,
		X: item.X, Y: item.Y, Z: item.Z,
	})
}

func (m *Manager) onUploadAck(sysid uint8, result common.MAV_MISSION_RESULT) {
	m.mu.Lock()
	st, ok := m.uploads[sysid]
	if !ok || st.phase == UploadCompleted || st.phase == UploadFailed {
		m.mu.Unlock()
		return
	}
	if result != common.MAV_MISSION_ACCEPTED {
		st.phase = UploadFailed
		duration := time.Since(st.startedAt).Seconds()
		itemCount := len(st.mission)
		m.mu.Unlock()
		m.report(Result{SysID: sysid, Direction: "upload", Status: "failed", Reason: "rejected", DurationS: duration, ItemCount: itemCount})
		metrics.Global().MissionsCompleted.WithLabelValues("upload", "failed").Inc()
		return
	}

	st.phase = UploadCompleted
	duration := time.Since(st.startedAt).Seconds()
	mission := st.mission
	expectedHash := st.expectedHash
	m.mu.Unlock()

	res := Result{SysID: sysid, Direction: "upload", Status: "completed", DurationS: duration, ItemCount: len(mission)}
	if h, err := CanonicalHash(mission); err == nil {
		res.Hash = h
	}
	if expectedHash != "" && res.Hash != expectedHash {
		res.Status = "failed"
		res.Reason = "hash_mismatch"
		m.mu.Lock()
		st.phase = UploadFailed
		m.mu.Unlock()
	}
	metrics.Global().MissionsCompleted.WithLabelValues("upload", res.Status).Inc()
	m.report(res)
}

func (m *Manager) failUpload(sysid uint8, reason string) {
	m.mu.Lock()
	st, ok := m.uploads[sysid]
	if !ok || st.phase == UploadCompleted || st.phase == UploadFailed {
		m.mu.Unlock()
		return
	}
	st.phase = UploadFailed
	duration := time.Since(st.startedAt).Seconds()
	itemCount := len(st.mission)
	m.mu.Unlock()
	metrics.Global().MissionsCompleted.WithLabelValues("upload", "failed").Inc()
	m.report(Result{SysID: sysid, Direction: "upload", Status: "failed", Reason: reason, DurationS: duration, ItemCount: itemCount})
}

func (m *Manager) onDownloadCount(sysid uint8, count uint16) {
	m.mu.Lock()
	st, ok := m.downloads[sysid]
	if !ok || st.phase != DownloadRequestingList {
		m.mu.Unlock()
		return
	}
	st.startedAt = time.Now()
	if count == 0 {
		st.phase = DownloadCompleted
		m.mu.Unlock()
		metrics.Global().MissionsCompleted.WithLabelValues("download", "completed").Inc()
		m.report(Result{SysID: sysid, Direction: "download", Status: "completed", ItemCount: 0})
		return
	}
	st.items = make([]*MissionItem, count)
	st.count = int(count)
	st.phase = DownloadDownloading
	compid := st.targetCompID
	m.mu.Unlock()

	worker, ok := m.resolve(sysid)
	if !ok {
		return
	}
	writeMessage(worker, &common.MessageMissionRequestInt{TargetSystem: sysid, TargetComponent: compid, Seq: 0})
}

func (m *Manager) onDownloadItem(sysid uint8, item MissionItem) {
	m.mu.Lock()
	st, ok := m.downloads[sysid]
	if !ok || st.phase != DownloadDownloading {
		m.mu.Unlock()
		return
	}
	st.startedAt = time.Now()
	if int(item.Seq) >= len(st.items) {
		m.mu.Unlock()
		return
	}
	cp := item
	st.items[item.Seq] = &cp

	nextMissing := -1
	for i, it := range st.items {
		if it == nil {
			nextMissing = i
			break
		}
	}
	if nextMissing == -1 {
		st.phase = DownloadCompleted
		mission := make([]MissionItem, len(st.items))
		for i, it := range st.items {
			mission[i] = *it
		}
		duration := time.Since(st.startedAt).Seconds()
		m.mu.Unlock()
		metrics.Global().MissionsCompleted.WithLabelValues("download", "completed").Inc()
		res := Result{SysID: sysid, Direction: "download", Status: "completed", DurationS: duration, ItemCount: len(mission), Mission: mission}
		if h, err := CanonicalHash(mission); err == nil {
			res.Hash = h
		}
		m.report(res)
		return
	}
	compid := st.targetCompID
	m.mu.Unlock()

	worker, ok := m.resolve(sysid)
	if !ok {
		return
	}
	writeMessage(worker, &common.MessageMissionRequestInt{TargetSystem: sysid, TargetComponent: compid, Seq: uint16(nextMissing)})
}

func (m *Manager) failDownload(sysid uint8, reason string) {
	m.mu.Lock()
	st, ok := m.downloads[sysid]
	if !ok || st.phase == DownloadCompleted || st.phase == DownloadFailed {
		m.mu.Unlock()
		return
	}
	st.phase = DownloadFailed
	duration := time.Since(st.startedAt).Seconds()
	m.mu.Unlock()
	metrics.Global().MissionsCompleted.WithLabelValues("download", "failed").Inc()
	m.report(Result{SysID: sysid, Direction: "download", Status: "failed", Reason: reason, DurationS: duration})
}

func (m *Manager) report(res Result) {
	if m.onResult != nil {
		m.onResult(res)
	}
}

func writeMessage(w *transport.Worker, msg message.Message) error {
	if !w.Write(transport.OutItem{Message: msg}) {
		return fmt.Errorf("out_queue full")
	}
	return nil
}

// MarshalJSON exists only so Result's Extra map, when present, merges into
// the encoded object instead of nesting under "Extra" -- mission results
// are published verbatim as the topic payload.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	base, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(base, &m); err != nil {
		return base, nil
	}
	for k, v := range r.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}
