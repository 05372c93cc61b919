package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.IncEventBuffered()
	m.IncEventDelivered()
	m.IncEventDropped()
	m.IncCallPlaced()
	m.CallOutcome("chat", "abc", "answered")
	m.CallOutcome("chat", "abc", "timeout")
	m.IncRecvByType("login")
	m.IncRecvByType("login")
	m.IncDropByReason("rate")
	m.SetCurrentConns(3)
	m.SetCurrentStreams(7)
	snap := m.Snapshot()
	if snap.Sessions.Opened != 2 || snap.Sessions.Closed != 1 || snap.Sessions.Online != 1 {
		t.Fatalf("unexpected session counts: %+v", snap.Sessions)
	}
	if snap.Events.Buffered != 1 || snap.Events.Delivered != 1 || snap.Events.Dropped != 1 {
		t.Fatalf("unexpected event counts: %+v", snap.Events)
	}
	if snap.Calls.Placed != 1 || snap.Calls.Answered != 1 || snap.Calls.TimedOut != 1 {
		t.Fatalf("unexpected call counts: %+v", snap.Calls)
	}
	if snap.RecvByType["login"] != 2 {
		t.Fatalf("expected recv_by_type login=2, got %d", snap.RecvByType["login"])
	}
	if snap.DropByReason["rate"] != 1 {
		t.Fatalf("expected drop_by_reason rate=1, got %d", snap.DropByReason["rate"])
	}
	if snap.CurrentConns != 3 || snap.CurrentStreams != 7 {
		t.Fatalf("expected conns/streams 3/7, got %d/%d", snap.CurrentConns, snap.CurrentStreams)
	}
	if len(snap.Recent) != 2 || snap.Recent[1].Outcome != "timeout" {
		t.Fatalf("unexpected recent calls: %+v", snap.Recent)
	}
}

func TestCheckedInAppsAndCallDrops(t *testing.T) {
	m := New()
	m.AppCheckedIn("chat")
	m.AppCheckedIn("chat")
	m.AppCheckedIn("files")
	m.AppCheckedOut("files")
	m.AppCheckedOut("never")
	m.IncCallDropped()
	snap := m.Snapshot()
	if len(snap.CheckedInApps) != 1 || snap.CheckedInApps["chat"] != 2 {
		t.Fatalf("unexpected checked-in apps: %+v", snap.CheckedInApps)
	}
	if snap.Calls.Dropped != 1 || snap.Events.Dropped != 0 {
		t.Fatalf("call drop counted as %+v / %+v", snap.Calls, snap.Events)
	}
}

func TestCallRecentCap(t *testing.T) {
	r := NewCallRecent(2)
	r.Add(CallRecord{App: "a"})
	r.Add(CallRecord{App: "b"})
	r.Add(CallRecord{App: "c"})
	list := r.List()
	if len(list) != 2 || list[0].App != "b" || list[1].App != "c" {
		t.Fatalf("unexpected recent list: %+v", list)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncRegistered()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.Profiles.Registered != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap.Profiles)
	}
}
