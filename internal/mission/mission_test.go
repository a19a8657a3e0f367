package mission

import (
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"HoustonBridge/config"
	"HoustonBridge/internal/transport"
)

func newTestWorker(name string) *transport.Worker {
	cfg := config.TransportConfig{Name: name, Kind: "udp_listen", Port: 14550, OutQueueCapacity: 8}
	return transport.NewWorker(cfg, config.GCSConfig{SysID: 255, CompID: 1}, transport.Callbacks{})
}

func testItems() []MissionItem {
	return []MissionItem{
		{Seq: 0, Frame: 6, Command: 16, Autocontinue: 1, X: 374125000, Y: -1219980000, Z: 55},
		{Seq: 1, Frame: 6, Command: 16, Autocontinue: 1, X: 374130000, Y: -1219982000, Z: 60},
	}
}

func TestStartUploadSendsMissionCount(t *testing.T) {
	worker := newTestWorker("udp_14550")
	m := New(func(uint8) (*transport.Worker, bool) { return worker, true }, nil, 30)
	defer m.Close()

	if err := m.StartUpload(1, 1, testItems(), ""); err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	item, ok := worker.DrainOut()
	if !ok {
		t.Fatal("expected a MISSION_COUNT to be enqueued")
	}
	mc, ok := item.Message.(*common.MessageMissionCount)
	if !ok {
		t.Fatalf("expected *MessageMissionCount, got %T", item.Message)
	}
	if mc.Count != 2 {
		t.Errorf("expected count 2, got %d", mc.Count)
	}
}

func TestUploadOutOfOrderRequestReturnsRequestedSeq(t *testing.T) {
	worker := newTestWorker("udp_14550")
	m := New(func(uint8) (*transport.Worker, bool) { return worker, true }, nil, 30)
	defer m.Close()

	m.StartUpload(1, 1, testItems(), "")
	worker.DrainOut() // discard MISSION_COUNT

	m.HandleFrame(1, &common.MessageMissionRequest{Seq: 1})

	item, ok := worker.DrainOut()
	if !ok {
		t.Fatal("expected a MISSION_ITEM_INT to be enqueued")
	}
	mi, ok := item.Message.(*common.MessageMissionItemInt)
	if !ok {
		t.Fatalf("expected *MessageMissionItemInt, got %T", item.Message)
	}
	if mi.Seq != 1 {
		t.Errorf("out-of-order MISSION_REQUEST(seq=1) must return item 1, got seq %d", mi.Seq)
	}
	if mi.X != 374130000 {
		t.Errorf("expected x=374130000 for seq 1, got %d", mi.X)
	}
}

func TestUploadCompletesOnAck(t *testing.T) {
	worker := newTestWorker("udp_14550")
	results := make(chan Result, 1)
	m := New(func(uint8) (*transport.Worker, bool) { return worker, true }, func(r Result) { results <- r }, 30)
	defer m.Close()

	m.StartUpload(1, 1, testItems(), "")
	worker.DrainOut()
	m.HandleFrame(1, &common.MessageMissionRequest{Seq: 0})
	worker.DrainOut()
	m.HandleFrame(1, &common.MessageMissionRequest{Seq: 1})
	worker.DrainOut()

	m.HandleFrame(1, &common.MessageMissionAck{Type: common.MAV_MISSION_ACCEPTED})

	select {
	case res := <-results:
		if res.Status != "completed" {
			t.Errorf("expected status completed, got %s", res.Status)
		}
		if res.ItemCount != 2 {
			t.Errorf("expected item_count 2, got %d", res.ItemCount)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upload result")
	}
}

func TestUploadFailsOnRejectedAck(t *testing.T) {
	worker := newTestWorker("udp_14550")
	results := make(chan Result, 1)
	m := New(func(uint8) (*transport.Worker, bool) { return worker, true }, func(r Result) { results <- r }, 30)
	defer m.Close()

	m.StartUpload(1, 1, testItems(), "")
	worker.DrainOut()

	m.HandleFrame(1, &common.MessageMissionAck{Type: common.MAV_MISSION_DENIED})

	select {
	case res := <-results:
		if res.Status != "failed" {
			t.Errorf("expected status failed for a denied ack, got %s", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upload result")
	}
}

func TestDownloadEmptyMissionCompletesImmediately(t *testing.T) {
	worker := newTestWorker("udp_14550")
	results := make(chan Result, 1)
	m := New(func(uint8) (*transport.Worker, bool) { return worker, true }, func(r Result) { results <- r }, 30)
	defer m.Close()

	m.StartDownload(1, 1)
	worker.DrainOut() // discard MISSION_REQUEST_LIST

	m.HandleFrame(1, &common.MessageMissionCount{Count: 0})

	select {
	case res := <-results:
		if res.Status != "completed" || res.ItemCount != 0 {
			t.Errorf("expected immediate empty completion, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for download result")
	}
}

func TestDownloadRoundTripHashMatchesUpload(t *testing.T) {
	worker := newTestWorker("udp_14550")
	downloadResults := make(chan Result, 1)

	items := testItems()
	uploadHash, err := CanonicalHash(items)
	if err != nil {
		t.Fatalf("canonicalHash: %v", err)
	}

	m := New(func(uint8) (*transport.Worker, bool) { return worker, true }, func(r Result) {
		if r.Direction == "download" {
			downloadResults <- r
		}
	}, 30)
	defer m.Close()

	m.StartDownload(2, 1)
	worker.DrainOut() // MISSION_REQUEST_LIST

	m.HandleFrame(2, &common.MessageMissionCount{Count: 2})
	worker.DrainOut() // MISSION_REQUEST_INT seq 0

	m.HandleFrame(2, &common.MessageMissionItemInt{
		Seq: 0, Frame: common.MAV_FRAME(items[0].Frame), Command: common.MAV_CMD(items[0].Command),
		Autocontinue: 1, X: items[0].X, Y: items[0].Y, Z: items[0].Z,
	})
	worker.DrainOut() // MISSION_REQUEST_INT seq 1

	m.HandleFrame(2, &common.MessageMissionItemInt{
		Seq: 1, Frame: common.MAV_FRAME(items[1].Frame), Command: common.MAV_CMD(items[1].Command),
		Autocontinue: 1, X: items[1].X, Y: items[1].Y, Z: items[1].Z,
	})

	select {
	case res := <-downloadResults:
		downloadHash, err := CanonicalHash(res.Mission)
		if err != nil {
			t.Fatalf("canonicalHash of downloaded mission: %v", err)
		}
		if downloadHash != uploadHash {
			t.Errorf("round-trip hash mismatch: upload=%s download=%s", uploadHash, downloadHash)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for download result")
	}
}
