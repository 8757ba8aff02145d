package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaervinen/taskbridge/internal/domain"
)

func openTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "agents.json"), nil, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func TestRegisterAndGet(t *testing.T) {
	r := openTestRegistry(t)

	entry := r.Register("droid", "fast", 1234)
	if entry.Status != domain.AgentRunning || entry.PID != 1234 {
		t.Errorf("entry = %+v", entry)
	}

	got := r.Get("droid")
	if got == nil || got.Name != "droid" || got.Model != "fast" {
		t.Errorf("Get = %+v", got)
	}
	if r.Get("ghost") != nil {
		t.Error("ghost found")
	}
}

func TestReRegisterReplaces(t *testing.T) {
	r := openTestRegistry(t)
	r.Register("droid", "fast", 1)
	r.Register("droid", "slow", 2)

	all := r.GetAll()
	if len(all) != 1 {
		t.Fatalf("entries = %d, want 1", len(all))
	}
	if all[0].Model != "slow" || all[0].PID != 2 {
		t.Errorf("entry = %+v", all[0])
	}
}

func TestDeregisterTwice(t *testing.T) {
	r := openTestRegistry(t)
	r.Register("droid", "", 0)

	if !r.Deregister("droid") {
		t.Error("first deregister returned false")
	}
	if r.Deregister("droid") {
		t.Error("second deregister returned true")
	}
	if len(r.GetAll()) != 0 {
		t.Error("entry survived")
	}
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	r, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Register("droid", "fast", 42)

	// On-disk file is valid JSON equal to the in-memory state.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk []*domain.AgentEntry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("registry file not valid JSON: %v", err)
	}
	if len(onDisk) != 1 || onDisk[0].Name != "droid" {
		t.Errorf("on disk = %+v", onDisk)
	}

	r2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := r2.Get("droid"); got == nil || got.PID != 42 {
		t.Errorf("reloaded = %+v", got)
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	if err := os.WriteFile(path, []byte("{{{"), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(r.GetAll()) != 0 {
		t.Error("corrupt registry not empty")
	}
}

func TestUpdateStatusAndHeartbeat(t *testing.T) {
	r := openTestRegistry(t)
	r.Register("droid", "", 0)

	if !r.UpdateStatus("droid", domain.AgentIdle, "task-9") {
		t.Fatal("UpdateStatus returned false")
	}
	got := r.Get("droid")
	if got.Status != domain.AgentIdle || got.CurrentTask != "task-9" {
		t.Errorf("got %+v", got)
	}

	before := got.LastHeartbeat
	time.Sleep(2 * time.Millisecond)
	if !r.Heartbeat("droid") {
		t.Fatal("Heartbeat returned false")
	}
	if !r.Get("droid").LastHeartbeat.After(before) {
		t.Error("heartbeat not advanced")
	}

	if r.UpdateStatus("ghost", domain.AgentIdle, "") || r.Heartbeat("ghost") {
		t.Error("ops on missing agent returned true")
	}
}

func TestUpdateMessageCounts(t *testing.T) {
	r := openTestRegistry(t)
	r.Register("droid", "", 0)
	r.UpdateMessageCounts("droid", 3, 1)
	got := r.Get("droid")
	if got.PendingMessages != 3 || got.PendingRequests != 1 {
		t.Errorf("counts = %+v", got)
	}
}

func TestDetectDead(t *testing.T) {
	alive := map[int]bool{100: true}
	r := openTestRegistry(t, WithProbe(func(pid int) bool { return alive[pid] }))

	r.Register("living", "", 100)
	r.Register("gone", "", 200)
	r.Register("fresh", "", 300)

	// Backdate heartbeats for living and gone.
	r.mu.Lock()
	stale := time.Now().Add(-time.Minute)
	for _, a := range r.agents {
		if a.Name != "fresh" {
			a.LastHeartbeat = stale
		}
	}
	r.mu.Unlock()

	dead := r.DetectDead()
	if len(dead) != 1 || dead[0] != "gone" {
		t.Errorf("dead = %v", dead)
	}
	if r.Get("gone").Status != domain.AgentDead {
		t.Error("gone not marked dead")
	}
	if r.Get("living").Status == domain.AgentDead {
		t.Error("living marked dead despite responsive pid")
	}
	if r.Get("fresh").Status == domain.AgentDead {
		t.Error("fresh heartbeat marked dead")
	}

	// Dead entries are excluded from GetActive and prunable.
	if len(r.GetActive()) != 2 {
		t.Errorf("active = %d", len(r.GetActive()))
	}
	if n := r.PruneDeadAgents(); n != 1 {
		t.Errorf("pruned = %d", n)
	}
	if len(r.GetAll()) != 2 {
		t.Errorf("remaining = %d", len(r.GetAll()))
	}
}

func TestDetectDeadNoPID(t *testing.T) {
	r := openTestRegistry(t, WithProbe(func(int) bool { return true }))
	r.Register("nopid", "", 0)
	r.mu.Lock()
	r.agents[0].LastHeartbeat = time.Now().Add(-time.Minute)
	r.mu.Unlock()

	dead := r.DetectDead()
	if len(dead) != 1 {
		t.Errorf("agent without pid and stale heartbeat should die: %v", dead)
	}
}

func TestClear(t *testing.T) {
	r := openTestRegistry(t)
	r.Register("a", "", 0)
	r.Register("b", "", 0)
	r.Clear()
	if len(r.GetAll()) != 0 {
		t.Error("registry not cleared")
	}
}

func TestRefreshHeartbeats(t *testing.T) {
	r := openTestRegistry(t)
	r.Register("droid", "", 0)
	r.mu.Lock()
	r.agents[0].LastHeartbeat = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.RefreshHeartbeats()
	if time.Since(r.Get("droid").LastHeartbeat) > time.Minute {
		t.Error("heartbeat not refreshed")
	}
}

func TestUptime(t *testing.T) {
	r := openTestRegistry(t)
	r.Register("droid", "", 0)
	if got := r.GetUptimeSeconds("droid"); got < 0 {
		t.Errorf("uptime = %d", got)
	}
	if got := r.GetUptimeSeconds("ghost"); got != -1 {
		t.Errorf("ghost uptime = %d", got)
	}
}

func TestSaveFailureCounter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	failures := 0
	r, err := Open(path, nil, WithSaveFailureCounter(func() { failures++ }))
	if err != nil {
		t.Fatal(err)
	}
	// Remove the parent dir so the temp-file write fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	r.Register("droid", "", 0)
	if failures == 0 {
		t.Error("save failure not counted")
	}
	// In-memory state still usable.
	if r.Get("droid") == nil {
		t.Error("in-memory registration lost")
	}
}
