package queue_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pawdot/petpal_backend/config"
	"github.com/pawdot/petpal_backend/models"
	"github.com/pawdot/petpal_backend/queue"
)

func setupIntegrationDB(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "petpal_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
}

func waitForJobStatus(t *testing.T, jobId int64, want string, timeout time.Duration) models.QueueJob {
	t.Helper()
	db := config.GetDB()
	deadline := time.Now().Add(timeout)
	var job models.QueueJob
	for time.Now().Before(deadline) {
		if err := db.Where("id = ?", jobId).First(&job).Error; err == nil && job.Status == want {
			return job
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("job %d never reached %s (last status %s, attempts %d, last_error %v)",
		jobId, want, job.Status, job.Attempts, job.LastError)
	return job
}

func TestQueue_EnqueueProcessSucceeds(t *testing.T) {
	setupIntegrationDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	processed := 0
	registry := queue.NewRegistry(config.GetDB(), config.GetLogger())
	svc := registry.Register("test-queue", func(ctx context.Context, job *models.QueueJob) error {
		mu.Lock()
		processed++
		mu.Unlock()
		return nil
	}, 2)
	registry.Init(ctx)
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		registry.Shutdown(shCtx)
	}()

	jobId, err := svc.Enqueue(ctx, "hello", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForJobStatus(t, jobId, models.JobStatusSucceeded, 15*time.Second)
	if job.LockedBy != nil || job.LockedAt != nil {
		t.Fatalf("locks not cleared on success: %+v", job)
	}
	mu.Lock()
	defer mu.Unlock()
	if processed != 1 {
		t.Fatalf("handler ran %d times, want 1", processed)
	}
}

func TestQueue_FailingJobRetriesThenGoesDead(t *testing.T) {
	t.Setenv("JOB_MAX_ATTEMPTS", "2")
	t.Setenv("JOB_BASE_BACKOFF_SECONDS", "1")
	setupIntegrationDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	registry := queue.NewRegistry(config.GetDB(), config.GetLogger())
	svc := registry.Register("failing-queue", func(ctx context.Context, job *models.QueueJob) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("always fails")
	}, 1)

	failures := svc.Events().Subscribe()

	registry.Init(ctx)
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		registry.Shutdown(shCtx)
	}()

	jobId, err := svc.Enqueue(ctx, "doomed", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForJobStatus(t, jobId, models.JobStatusDead, 30*time.Second)
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
	if job.LastError == nil || !strings.Contains(*job.LastError, "always fails") {
		t.Fatalf("last_error not recorded: %v", job.LastError)
	}
	if job.NextAttemptAt != nil {
		t.Fatal("DEAD jobs must not be scheduled again")
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 2 {
		t.Fatalf("handler ran %d times, want 2", got)
	}

	// Both failures were observable on the event bus.
	failedEvents := 0
	deadlineTimer := time.After(5 * time.Second)
	for failedEvents < 2 {
		select {
		case e := <-failures:
			if e.Kind == queue.EventJobFailed && e.JobId == jobId {
				failedEvents++
			}
		case <-deadlineTimer:
			t.Fatalf("saw %d job_failed events, want 2", failedEvents)
		}
	}
}

func TestQueue_StaleLockReclaimConsumesAttempts(t *testing.T) {
	t.Setenv("JOB_MAX_ATTEMPTS", "2")
	setupIntegrationDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := config.GetDB()
	staleAt := time.Now().UTC().Add(-time.Hour)
	crashedWorker := "crashed-worker"

	// Looks held by a worker that died mid-job, with the attempt budget
	// already spent. Reclaiming it must count the crashed delivery, which
	// makes it DEAD instead of redelivering forever.
	exhausted := models.QueueJob{
		QueueName:     "reclaim-queue",
		JobName:       "crashy",
		Status:        models.JobStatusProcessing,
		Attempts:      1,
		LockedAt:      &staleAt,
		LockedBy:      &crashedWorker,
		CorrelationId: "reclaim-exhausted",
	}
	if err := db.Create(&exhausted).Error; err != nil {
		t.Fatalf("seed exhausted job: %v", err)
	}

	// Same crash, but with attempts left: this one is redelivered.
	retriable := models.QueueJob{
		QueueName:     "reclaim-queue",
		JobName:       "crashy",
		Status:        models.JobStatusProcessing,
		Attempts:      0,
		LockedAt:      &staleAt,
		LockedBy:      &crashedWorker,
		CorrelationId: "reclaim-retriable",
	}
	if err := db.Create(&retriable).Error; err != nil {
		t.Fatalf("seed retriable job: %v", err)
	}

	var mu sync.Mutex
	delivered := map[int64]int{}
	registry := queue.NewRegistry(db, config.GetLogger())
	registry.Register("reclaim-queue", func(ctx context.Context, job *models.QueueJob) error {
		mu.Lock()
		delivered[job.ID]++
		mu.Unlock()
		return nil
	}, 1)
	registry.Init(ctx)
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		registry.Shutdown(shCtx)
	}()

	dead := waitForJobStatus(t, exhausted.ID, models.JobStatusDead, 15*time.Second)
	if dead.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (reclaim counts the crashed delivery)", dead.Attempts)
	}
	if dead.LockedAt != nil || dead.LockedBy != nil {
		t.Fatalf("locks not cleared on DEAD: %+v", dead)
	}

	redone := waitForJobStatus(t, retriable.ID, models.JobStatusSucceeded, 15*time.Second)
	if redone.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", redone.Attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered[exhausted.ID] != 0 {
		t.Fatalf("exhausted job was redelivered %d times, want 0", delivered[exhausted.ID])
	}
	if delivered[retriable.ID] != 1 {
		t.Fatalf("retriable job delivered %d times, want 1", delivered[retriable.ID])
	}
}

func TestQueue_ScheduleOperations(t *testing.T) {
	setupIntegrationDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := queue.NewRegistry(config.GetDB(), config.GetLogger())
	svc := registry.Register("sched-queue", func(ctx context.Context, job *models.QueueJob) error {
		return nil
	}, 1)

	// Invalid specs are rejected before any mutation.
	if _, err := svc.UpsertSchedule(ctx, "bad", queue.RepeatSpec{}, queue.JobTemplate{JobName: "j"}); !errors.Is(err, queue.ErrInvalidSchedule) {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
	if list, err := svc.ListSchedules(ctx, 0, 10, true); err != nil || len(list) != 0 {
		t.Fatalf("invalid upsert must not create rows: %v %v", list, err)
	}

	every := int64(60_000)
	pattern := "*/5 * * * *"
	for _, s := range []struct {
		id   string
		spec queue.RepeatSpec
	}{
		{"alpha", queue.RepeatSpec{EveryMs: &every}},
		{"bravo", queue.RepeatSpec{Pattern: &pattern}},
		{"charlie", queue.RepeatSpec{EveryMs: &every}},
	} {
		if _, err := svc.UpsertSchedule(ctx, s.id, s.spec, queue.JobTemplate{JobName: "job-" + s.id}); err != nil {
			t.Fatalf("upsert %s: %v", s.id, err)
		}
	}

	// Re-upserting replaces rather than duplicates.
	faster := int64(30_000)
	if _, err := svc.UpsertSchedule(ctx, "alpha", queue.RepeatSpec{EveryMs: &faster}, queue.JobTemplate{JobName: "job-alpha"}); err != nil {
		t.Fatalf("re-upsert alpha: %v", err)
	}

	all, err := svc.ListSchedules(ctx, 0, 10, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("schedules = %d, want 3", len(all))
	}

	page, err := svc.ListSchedules(ctx, 0, 2, true)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 || page[0].SchedulerId != "alpha" || page[1].SchedulerId != "bravo" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page[0].EveryMs == nil || *page[0].EveryMs != faster {
		t.Fatalf("re-upsert did not replace the interval: %+v", page[0])
	}

	removed, err := svc.RemoveSchedule(ctx, "bravo")
	if err != nil || !removed {
		t.Fatalf("remove bravo: removed=%v err=%v", removed, err)
	}
	removed, err = svc.RemoveSchedule(ctx, "bravo")
	if err != nil || removed {
		t.Fatalf("removing an absent schedule: removed=%v err=%v", removed, err)
	}
}

func TestQueue_DispatcherEnqueuesDueSchedules(t *testing.T) {
	setupIntegrationDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	fired := 0
	registry := queue.NewRegistry(config.GetDB(), config.GetLogger())
	svc := registry.Register("tick-queue", func(ctx context.Context, job *models.QueueJob) error {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	}, 1)

	every := int64(500)
	if _, err := svc.UpsertSchedule(ctx, "ticker", queue.RepeatSpec{EveryMs: &every}, queue.JobTemplate{JobName: "tick"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	registry.Init(ctx)
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		registry.Shutdown(shCtx)
	}()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := fired
		mu.Unlock()
		if got >= 2 {
			// Every firing left a durable job row: the insert commits in the
			// same transaction that advances the schedule.
			var jobRows int64
			if err := config.GetDB().Model(&models.QueueJob{}).
				Where("queue_name = ? AND job_name = ?", "tick-queue", "tick").
				Count(&jobRows).Error; err != nil {
				t.Fatalf("count job rows: %v", err)
			}
			if jobRows < 2 {
				t.Fatalf("job rows = %d, want at least 2", jobRows)
			}
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("schedule fired %d times in 20s, want at least 2", fired)
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("petpal-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=petpal_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
