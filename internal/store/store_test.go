package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fentz26/mergeplane/internal/models"
)

var testBuild = models.BuildID{AppName: "search", GenerationID: 1}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(id int64, table string) *models.AdminTask {
	return &models.AdminTask{
		BuildID:         testBuild,
		TaskID:          id,
		TableName:       table,
		TaskEpochID:     int32(id),
		SourceVersionID: 5,
		BranchID:        2,
		Range:           models.Range{From: 0, To: 65535},
		DestRoot:        "/data/orders",
		Plan:            `{"operations":[]}`,
		Params:          map[string]string{"table_kind": "index"},
	}
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestTaskCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	task := newTask(10, "orders")
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.Step != models.TaskStepRunning {
		t.Errorf("Expected step running, got %s", task.Step)
	}

	got, err := s.GetTask(task.Ref())
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected task, got nil")
	}
	if got.TableName != "orders" || got.SourceVersionID != 5 || got.Range.To != 65535 {
		t.Errorf("Unexpected task: %+v", got)
	}
	if got.Params["table_kind"] != "index" {
		t.Errorf("Expected params to round trip, got %v", got.Params)
	}

	missing, err := s.GetTask(models.TaskRef{BuildID: testBuild, TaskID: 99})
	if err != nil || missing != nil {
		t.Errorf("Expected nil task for unknown id, got %v, %v", missing, err)
	}
}

func TestTaskUniquePerBuildAndTaskID(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateTask(newTask(10, "orders")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := s.CreateTask(newTask(10, "orders")); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("Expected ErrDuplicateTask, got %v", err)
	}

	// The same task id under another build is a different task.
	other := newTask(10, "orders")
	other.BuildID = models.BuildID{AppName: "search", GenerationID: 2}
	if err := s.CreateTask(other); err != nil {
		t.Errorf("Expected task in another build to be accepted, got %v", err)
	}
}

func TestClaimTask(t *testing.T) {
	s := newTestStore(t)
	task := newTask(10, "orders")
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	claimable, err := s.ListClaimable(10)
	if err != nil || len(claimable) != 1 {
		t.Fatalf("Expected one claimable task, got %d (%v)", len(claimable), err)
	}

	claimed, err := s.ClaimTask(task.Ref(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if claimed.ClaimedBy != "worker-1" {
		t.Errorf("Expected claimed_by worker-1, got %q", claimed.ClaimedBy)
	}
	if _, err := s.ClaimTask(task.Ref(), "worker-2"); !errors.Is(err, ErrTaskNotClaimable) {
		t.Errorf("Expected ErrTaskNotClaimable, got %v", err)
	}

	claimable, _ = s.ListClaimable(10)
	if len(claimable) != 0 {
		t.Errorf("Expected no claimable tasks, got %d", len(claimable))
	}

	n, err := s.ReleaseClaims()
	if err != nil || n != 1 {
		t.Errorf("Expected one released claim, got %d (%v)", n, err)
	}
	claimable, _ = s.ListClaimable(10)
	if len(claimable) != 1 {
		t.Errorf("Expected task to be claimable again, got %d", len(claimable))
	}
}

func TestFinishTaskOnlyFromRunning(t *testing.T) {
	s := newTestStore(t)
	task := newTask(10, "orders")
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := s.UpdateProgress(task.Ref(), `{"finished_op_count":1}`); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}

	ok, err := s.FinishTask(task.Ref(), models.TaskStepStopped, "", "stopped by request")
	if err != nil || !ok {
		t.Fatalf("Expected stop to apply, got %v, %v", ok, err)
	}
	ok, err = s.FinishTask(task.Ref(), models.TaskStepFinished, `{"target_version_id":6}`, "")
	if err != nil || ok {
		t.Errorf("Expected finish of stopped task to be ignored, got %v, %v", ok, err)
	}
	if _, err := s.FinishTask(task.Ref(), models.TaskStepRunning, "", ""); err == nil {
		t.Error("Expected error for non-terminal step")
	}

	got, _ := s.GetTask(task.Ref())
	if got.Step != models.TaskStepStopped || got.Error != "stopped by request" {
		t.Errorf("Unexpected task after stop: %+v", got)
	}
	if got.Progress != `{"finished_op_count":1}` {
		t.Errorf("Expected progress to persist, got %q", got.Progress)
	}

	// Progress of a terminal task is frozen.
	_ = s.UpdateProgress(task.Ref(), `{"finished_op_count":2}`)
	got, _ = s.GetTask(task.Ref())
	if got.Progress != `{"finished_op_count":1}` {
		t.Errorf("Expected frozen progress, got %q", got.Progress)
	}
}

func TestListTasksByStep(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []int64{3, 1, 2} {
		if err := s.CreateTask(newTask(id, "orders")); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}
	if _, err := s.FinishTask(models.TaskRef{BuildID: testBuild, TaskID: 2}, models.TaskStepFinished, "{}", ""); err != nil {
		t.Fatalf("FinishTask failed: %v", err)
	}

	all, err := s.ListTasks(testBuild, "")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 3 || all[0].TaskID != 1 || all[2].TaskID != 3 {
		t.Errorf("Expected tasks ordered by id, got %+v", all)
	}

	running, _ := s.ListTasks(testBuild, models.TaskStepRunning)
	if len(running) != 2 {
		t.Errorf("Expected 2 running tasks, got %d", len(running))
	}
}

func TestGenerationFatal(t *testing.T) {
	s := newTestStore(t)

	fatal, _, err := s.GetFatal(testBuild)
	if err != nil || fatal {
		t.Fatalf("Expected healthy generation, got %v (%v)", fatal, err)
	}
	if err := s.SetFatal(testBuild, "schema mismatch"); err != nil {
		t.Fatalf("SetFatal failed: %v", err)
	}
	if err := s.SetFatal(testBuild, "still broken"); err != nil {
		t.Fatalf("SetFatal twice failed: %v", err)
	}
	fatal, msg, err := s.GetFatal(testBuild)
	if err != nil || !fatal || msg != "still broken" {
		t.Errorf("Expected fatal generation, got %v %q (%v)", fatal, msg, err)
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	key := TaskKey(models.TaskRef{BuildID: testBuild, TaskID: 4})

	if _, err := s.WritePDR("start_task", "abc", "success", key, "none"); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if _, err := s.WritePDR("stop_task", "def", "success", key, ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}

	entries, err := s.ListPDR(key)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != "start_task" || entries[1].Action != "stop_task" {
		t.Errorf("Unexpected entries: %+v", entries)
	}
	if key != "search:1/4" {
		t.Errorf("Unexpected task key %q", key)
	}
}
