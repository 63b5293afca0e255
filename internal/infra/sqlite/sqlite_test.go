package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devmesh/devmesh/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newRun(t *testing.T, db *DB, id string, started time.Time) {
	t.Helper()
	err := db.CreateRun(domain.Run{
		ID:        id,
		Status:    domain.RunRunning,
		Devices:   []string{"cpu0", "cpu1"},
		Epochs:    2,
		StartedAt: started,
	})
	if err != nil {
		t.Fatalf("CreateRun(%s) error: %v", id, err)
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	newRun(t, db, "r1", time.Now())
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if _, err := db2.GetRun("r1"); err != nil {
		t.Errorf("GetRun after reopen: %v", err)
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

// ─── Runs ───────────────────────────────────────────────────────────────────

func TestRunLifecycle(t *testing.T) {
	db := newTestDB(t)
	newRun(t, db, "run-a", time.Now())

	got, err := db.GetRun("run-a")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if got.Status != domain.RunRunning {
		t.Errorf("Status = %q, want %q", got.Status, domain.RunRunning)
	}
	if len(got.Devices) != 2 || got.Devices[1] != "cpu1" {
		t.Errorf("Devices = %v, want [cpu0 cpu1]", got.Devices)
	}
	if !got.FinishedAt.IsZero() {
		t.Errorf("FinishedAt = %v, want zero", got.FinishedAt)
	}

	if err := db.FinishRun("run-a", domain.RunFailed, 1.5, errors.New("no devices")); err != nil {
		t.Fatalf("FinishRun() error: %v", err)
	}
	got, _ = db.GetRun("run-a")
	if got.Status != domain.RunFailed || got.FinalCost != 1.5 || got.Error != "no devices" {
		t.Errorf("finished run = %+v", got)
	}
	if got.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetRun("missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrRunNotFound", err)
	}
	if err := db.FinishRun("missing", domain.RunCompleted, 0, nil); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("FinishRun(missing) error = %v, want ErrRunNotFound", err)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	base := time.Now()
	newRun(t, db, "old", base.Add(-time.Hour))
	newRun(t, db, "new", base)
	newRun(t, db, "mid", base.Add(-time.Minute))

	runs, err := db.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(ListRuns(2)) = %d, want 2", len(runs))
	}
	if runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Errorf("ListRuns order = [%s %s], want [new mid]", runs[0].ID, runs[1].ID)
	}
}

// ─── Batches / Events / Epochs ──────────────────────────────────────────────

func TestBatchResults(t *testing.T) {
	db := newTestDB(t)
	newRun(t, db, "r", time.Now())

	outcomes := []domain.BatchOutcome{
		{RunID: "r", Epoch: 1, Batch: 0, Device: "cpu0", Task: "train", Status: domain.BatchOK, Cost: 0.7, Duration: 3 * time.Millisecond},
		{RunID: "r", Epoch: 1, Batch: 0, Device: "cpu1", Task: "train", Status: domain.BatchFailed, Error: "worker reported error"},
		{RunID: "r", Epoch: 1, Batch: 1, Device: "cpu0", Task: "train", Status: domain.BatchOK, Cost: 0.6},
	}
	for _, o := range outcomes {
		if err := db.RecordBatch(o); err != nil {
			t.Fatalf("RecordBatch() error: %v", err)
		}
	}

	counts, err := db.BatchCounts("r")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.BatchOK] != 2 || counts[domain.BatchFailed] != 1 {
		t.Errorf("BatchCounts = %v, want ok=2 failed=1", counts)
	}

	got, err := db.ListBatches("r")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len(ListBatches) = %d, want 3", len(got))
	}
	if got[0].Duration != 3*time.Millisecond || got[1].Error == "" {
		t.Errorf("ListBatches = %+v", got)
	}
}

func TestRecordBatch_UnknownRun(t *testing.T) {
	db := newTestDB(t)
	err := db.RecordBatch(domain.BatchOutcome{RunID: "ghost", Device: "cpu0", Task: "train", Status: domain.BatchOK})
	if err == nil {
		t.Error("RecordBatch for an unknown run succeeded, want foreign key error")
	}
}

func TestDeviceEvents(t *testing.T) {
	db := newTestDB(t)
	newRun(t, db, "r", time.Now())

	kinds := []domain.DeviceEventKind{domain.EventSpawn, domain.EventFailure, domain.EventRestart}
	for _, k := range kinds {
		if err := db.RecordEvent(domain.DeviceEvent{RunID: "r", Device: "cpu0", Kind: k}); err != nil {
			t.Fatalf("RecordEvent(%s) error: %v", k, err)
		}
	}
	events, err := db.ListEvents("r")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != len(kinds) {
		t.Fatalf("len(ListEvents) = %d, want %d", len(events), len(kinds))
	}
	for i, e := range events {
		if e.Kind != kinds[i] {
			t.Errorf("events[%d].Kind = %q, want %q", i, e.Kind, kinds[i])
		}
		if e.At.IsZero() {
			t.Errorf("events[%d].At is zero", i)
		}
	}
}

func TestEpochs_Upsert(t *testing.T) {
	db := newTestDB(t)
	newRun(t, db, "r", time.Now())

	s := domain.EpochSummary{RunID: "r", Epoch: 1, TrainCost: 1.1, EvalCost: 1.0, EvalError: 0.4, Batches: 8}
	if err := db.RecordEpoch(s); err != nil {
		t.Fatal(err)
	}
	s.EvalError = 0.2
	if err := db.RecordEpoch(s); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListEpochs("r")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EvalError != 0.2 {
		t.Errorf("ListEpochs = %+v, want one epoch with EvalError 0.2", got)
	}
}
