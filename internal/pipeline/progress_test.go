package pipeline

import "testing"

func TestProgressTryStartGating(t *testing.T) {
	p := NewProgress()

	id, ok := p.TryStart("scan /photos")
	if !ok || id == "" {
		t.Fatalf("TryStart = (%q, %v), want a task ID", id, ok)
	}

	if _, ok := p.TryStart("another scan"); ok {
		t.Error("second TryStart succeeded while running")
	}

	p.Finish()

	id2, ok := p.TryStart("after finish")
	if !ok {
		t.Fatal("TryStart failed after Finish")
	}
	if id2 == id {
		t.Error("task ID reused across operations")
	}
}

func TestProgressSnapshotLifecycle(t *testing.T) {
	p := NewProgress()

	if snap := p.Current(); snap.IsRunning {
		t.Error("new Progress reports running")
	}

	p.TryStart("scan")
	p.SetTotal(4)
	p.Update(1, "/photos/a.jpg")
	p.RecordError("b.jpg failed")
	p.Update(2, "/photos/c.jpg")

	snap := p.Current()
	if !snap.IsRunning {
		t.Error("IsRunning = false mid-operation")
	}
	if snap.Completed != 2 || snap.Total != 4 {
		t.Errorf("completed/total = %d/%d, want 2/4", snap.Completed, snap.Total)
	}
	if snap.CurrentTask != "/photos/c.jpg" {
		t.Errorf("CurrentTask = %q", snap.CurrentTask)
	}
	if snap.LastError != "b.jpg failed" {
		t.Errorf("LastError = %q", snap.LastError)
	}
	if snap.Percent() != 50 {
		t.Errorf("Percent = %v, want 50", snap.Percent())
	}

	p.Finish()
	snap = p.Current()
	if snap.IsRunning {
		t.Error("IsRunning = true after Finish")
	}
	// Counts stay readable for a final status query.
	if snap.Completed != 2 || snap.LastError == "" {
		t.Errorf("final snapshot lost data: %+v", snap)
	}
}

func TestPercentUnknownTotal(t *testing.T) {
	var s Snapshot
	if s.Percent() != 0 {
		t.Errorf("Percent with zero total = %v, want 0", s.Percent())
	}
}
