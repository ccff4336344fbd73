package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runner.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.sqlite")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	// Reopening re-runs the migration pass; it must be a no-op.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	var versions, distinct int
	if err := s.DB().QueryRow(`SELECT COUNT(*), COUNT(DISTINCT version) FROM schema_version`).Scan(&versions, &distinct); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if versions != len(migrations) {
		t.Errorf("expected %d applied versions, got %d", len(migrations), versions)
	}
	if versions != distinct {
		t.Errorf("duplicate schema_version rows: %d total, %d distinct", versions, distinct)
	}
}

func TestBatchConcurrentReadThenWrite(t *testing.T) {
	s := newTestStore(t)

	// Read-then-write batches from concurrent goroutines must serialize on
	// the write lock instead of failing with SQLITE_BUSY on a stale
	// snapshot.
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				err := s.Batch(func(tx *sql.Tx) error {
					var n int
					if err := tx.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
						return err
					}
					_, err := tx.Exec(`INSERT INTO jobs (id, name, schedule, script, type, enabled, overlap_policy, created_at, updated_at)
						VALUES (?, ?, '* * * * *', 'x.sh', 'script', 1, 'skip', ?, ?)`,
						fmt.Sprintf("job-%d-%d", worker, i), fmt.Sprintf("n%d", n), nowMS(), nowMS())
					return err
				})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent batch failed: %v", err)
	}
	total, err := s.CountJobs()
	if err != nil {
		t.Fatal(err)
	}
	if total != 20 {
		t.Errorf("expected 20 jobs, got %d", total)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)

	timeout := int64(5000)
	created, err := s.CreateJob(Job{
		ID:        "hello",
		Name:      "Hello",
		Schedule:  "*/5 * * * *",
		Script:    "/opt/jobs/hello.sh",
		Enabled:   true,
		TimeoutMS: &timeout,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if created.Type != JobTypeScript {
		t.Errorf("expected default type script, got %q", created.Type)
	}
	if created.OverlapPolicy != OverlapSkip {
		t.Errorf("expected default overlap skip, got %q", created.OverlapPolicy)
	}

	got, err := s.GetJob("hello")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Script != "/opt/jobs/hello.sh" || !got.Enabled {
		t.Errorf("unexpected job row: %+v", got)
	}
	if got.TimeoutMS == nil || *got.TimeoutMS != 5000 {
		t.Errorf("expected timeout 5000, got %v", got.TimeoutMS)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateJob(Job{ID: "bad", Schedule: "* * * * *", Script: "x.sh", Type: "cronless"})
	if !errors.Is(err, ErrInvalidJob) {
		t.Errorf("bad type: expected ErrInvalidJob, got %v", err)
	}

	_, err = s.CreateJob(Job{ID: "bad2", Schedule: "* * * * *", Script: "x.sh", OverlapPolicy: "merge"})
	if !errors.Is(err, ErrInvalidJob) {
		t.Errorf("bad overlap: expected ErrInvalidJob, got %v", err)
	}

	_, err = s.CreateJob(Job{ID: "", Schedule: "* * * * *", Script: "x.sh"})
	if !errors.Is(err, ErrInvalidJob) {
		t.Errorf("missing id: expected ErrInvalidJob, got %v", err)
	}
}

func TestGetEnabledJob(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateJob(Job{ID: "j1", Name: "j1", Schedule: "* * * * *", Script: "x.sh", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetEnabledJob("j1"); err != nil {
		t.Fatalf("enabled job should resolve: %v", err)
	}

	if err := s.SetJobEnabled("j1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetEnabledJob("j1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("disabled job should be invisible, got %v", err)
	}
}

func TestSetJobEnabledNotFound(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetJobEnabled("ghost", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateJobPatch(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateJob(Job{ID: "j1", Name: "old", Schedule: "* * * * *", Script: "a.sh", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	newScript := "b.sh"
	updated, err := s.UpdateJob("j1", JobPatch{Script: &newScript})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Script != "b.sh" {
		t.Errorf("expected patched script, got %q", updated.Script)
	}
	if updated.Name != "old" {
		t.Errorf("untouched field changed: %q", updated.Name)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateJob(Job{ID: "j1", Name: "j1", Schedule: "* * * * *", Script: "x.sh", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	runID, err := s.OpenRun("j1", TriggerSchedule)
	if err != nil {
		t.Fatalf("open run: %v", err)
	}

	runs, err := s.ListRuns("j1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != RunRunning {
		t.Fatalf("expected one running run, got %+v", runs)
	}

	code := 0
	if err := s.CloseRun(runID, RunClose{
		Status:     RunOK,
		DurationMS: 42,
		ExitCode:   &code,
		StdoutTail: "hello",
	}); err != nil {
		t.Fatalf("close run: %v", err)
	}

	runs, err = s.ListRuns("j1", 10)
	if err != nil {
		t.Fatal(err)
	}
	r := runs[0]
	if r.Status != RunOK || r.DurationMS == nil || *r.DurationMS != 42 {
		t.Errorf("unexpected closed run: %+v", r)
	}
	if r.ExitCode == nil || *r.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", r.ExitCode)
	}
	if r.StdoutTail == nil || *r.StdoutTail != "hello" {
		t.Errorf("expected stdout tail, got %v", r.StdoutTail)
	}
	if r.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}
}

func TestRunForeignKey(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.OpenRun("no-such-job", TriggerManual); err == nil {
		t.Fatal("expected foreign key violation for orphan run")
	}
}

func TestListJobSummaries(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateJob(Job{ID: "a", Name: "a", Schedule: "* * * * *", Script: "x.sh", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateJob(Job{ID: "b", Name: "b", Schedule: "* * * * *", Script: "y.sh", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	runID, err := s.OpenRun("a", TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CloseRun(runID, RunClose{Status: RunError, DurationMS: 1}); err != nil {
		t.Fatal(err)
	}

	summaries, err := s.ListJobSummaries()
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].ID != "a" || summaries[0].LastStatus == nil || *summaries[0].LastStatus != RunError {
		t.Errorf("job a: expected last status error, got %+v", summaries[0])
	}
	if summaries[1].LastStatus != nil {
		t.Errorf("job b: expected no runs, got %+v", summaries[1])
	}
}

func TestPruneRuns(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateJob(Job{ID: "j1", Name: "j1", Schedule: "* * * * *", Script: "x.sh", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	runID, err := s.OpenRun("j1", TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}

	// Age the run artificially.
	if _, err := s.DB().Exec(`UPDATE runs SET started_at = started_at - 90*86400000 WHERE id = ?`, runID); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneRuns(nowMS() - 30*86400000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned run, got %d", n)
	}
}

func TestCountRunsSince(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateJob(Job{ID: "j1", Name: "j1", Schedule: "* * * * *", Script: "x.sh", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	for _, status := range []string{RunOK, RunOK, RunError, RunTimeout} {
		id, err := s.OpenRun("j1", TriggerSchedule)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.CloseRun(id, RunClose{Status: status, DurationMS: 1}); err != nil {
			t.Fatal(err)
		}
	}

	since := nowMS() - 3_600_000
	ok, err := s.CountRunsSince(since, RunOK)
	if err != nil {
		t.Fatal(err)
	}
	if ok != 2 {
		t.Errorf("expected 2 ok runs, got %d", ok)
	}
	failed, err := s.CountRunsSince(since, RunError, RunTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if failed != 2 {
		t.Errorf("expected 2 failed runs, got %d", failed)
	}
}
