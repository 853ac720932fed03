package scheduler_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"heracles-go/internal/broker"
	"heracles-go/internal/broker/brokertest"
	"heracles-go/internal/logging"
	"heracles-go/internal/model"
	"heracles-go/internal/scheduler"
	"heracles-go/internal/settings"
	"heracles-go/internal/state"
)

func startBroker(t *testing.T) *brokertest.Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "broker.db")
	srv, err := brokertest.New(dbPath, "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = srv.Close()
	})
	return srv
}

// runFakeWorker consumes every delivery from the broker and immediately
// reports success, standing in for a real worker process executing payloads.
func runFakeWorker(t *testing.T, cfg broker.Config) {
	t.Helper()
	consumer, err := broker.ConnectConsumer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })

	go func() {
		for d := range consumer.Deliveries() {
			_ = d.Done()
		}
	}()
}

func baseSettings(brokerAddr string, stateDir string) *settings.Settings {
	return &settings.Settings{
		BrokerAddress:     brokerAddr,
		BrokerQueueName:   "q",
		BrokerDialTimeout: 2,
		StateLocation:     stateDir,
		InputChunkSize:    1024,
		InputQueueSize:    8,
		MaxConcurrentJobs: 2,
		TaskFailureLimit:  3,
		ServerPort:        0,
		ServerThreadPool:  1,
		WorkerPoolSize:    4,
		LogLevel:          "error",
	}
}

// loadTaskFiles reads every JSON task record written directly to disk under a
// job's given subdirectory (tasks; the pending_* directories hold bare task-ID
// markers, not records), bypassing the Scheduler's
// own API so tests can assert on on-disk state the Describe surface doesn't
// expose (failure_count, retry_of, per-task status).
func loadTaskFiles(t *testing.T, stateDir, jobID, sub string) []*model.Task {
	t.Helper()
	dir := filepath.Join(stateDir, "jobs", jobID, sub)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	tasks := make([]*model.Task, 0, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		var task model.Task
		require.NoError(t, json.Unmarshal(data, &task))
		tasks = append(tasks, &task)
	}
	return tasks
}

func waitForTerminal(t *testing.T, sched *scheduler.Scheduler, jobID string) *model.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state", jobID)
		default:
		}
		job, err := sched.Describe(jobID)
		require.NoError(t, err)
		if job.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduleRunsTinyJobToCompletion(t *testing.T) {
	srv := startBroker(t)
	cfg := broker.Config{Address: srv.Addr(), QueueName: "q", DialTimeout: 2}
	runFakeWorker(t, cfg)

	inputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "input.txt"), []byte("line one\nline two\n"), 0o644))

	cfgSettings := baseSettings(srv.Addr(), t.TempDir())
	store, err := state.NewFileStore(cfgSettings.StateLocation)
	require.NoError(t, err)

	logger := logging.Default()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched, err := scheduler.New(ctx, store, cfgSettings, logger)
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	jobID, err := sched.Schedule(&model.Job{
		InputKind:      model.InputKindTextNewlines,
		InputDirectory: inputDir,
		PayloadPath:    "/bin/true",
	})
	require.NoError(t, err)

	job := waitForTerminal(t, sched, jobID)
	require.Equal(t, model.JobDone, job.Status)
	require.Equal(t, job.MapTasksTotal, job.MapTasksCompleted)
}

func TestScheduleRejectsUnsupportedInputKind(t *testing.T) {
	srv := startBroker(t)
	cfgSettings := baseSettings(srv.Addr(), t.TempDir())
	store, err := state.NewFileStore(cfgSettings.StateLocation)
	require.NoError(t, err)

	ctx := context.Background()
	sched, err := scheduler.New(ctx, store, cfgSettings, logging.Default())
	require.NoError(t, err)

	_, err = sched.Schedule(&model.Job{InputKind: model.InputKindUndefined})
	require.Error(t, err)
}

func TestCancelStopsAQueuedJob(t *testing.T) {
	srv := startBroker(t)
	cfgSettings := baseSettings(srv.Addr(), t.TempDir())
	// No fake worker: the job can never finish on its own, so reaching FAILED
	// shows the cancel took effect, whether the job was still queued or already
	// waiting on an ack in its map phase.
	store, err := state.NewFileStore(cfgSettings.StateLocation)
	require.NoError(t, err)

	inputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "input.txt"), []byte("a\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched, err := scheduler.New(ctx, store, cfgSettings, logging.Default())
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	jobID, err := sched.Schedule(&model.Job{
		InputKind:      model.InputKindTextNewlines,
		InputDirectory: inputDir,
		PayloadPath:    "/bin/true",
	})
	require.NoError(t, err)
	require.NoError(t, sched.Cancel(jobID))

	job := waitForTerminal(t, sched, jobID)
	require.Equal(t, model.JobFailed, job.Status)
}

// TestRetryBelowThresholdEventuallySucceeds covers spec.md scenario 4: a task
// fails a few times, then succeeds, and the surviving task record's
// failure_count reflects every prior attempt via the RetryOf chain.
func TestRetryBelowThresholdEventuallySucceeds(t *testing.T) {
	srv := startBroker(t)
	cfg := broker.Config{Address: srv.Addr(), QueueName: "q", DialTimeout: 2}

	consumer, err := broker.ConnectConsumer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })

	var seen int32
	go func() {
		for d := range consumer.Deliveries() {
			if atomic.AddInt32(&seen, 1) <= 2 {
				_ = d.Failed()
				continue
			}
			_ = d.Done()
		}
	}()

	inputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "input.txt"), []byte("only one line\n"), 0o644))

	cfgSettings := baseSettings(srv.Addr(), t.TempDir())
	cfgSettings.InputChunkSize = 1 << 20 // one chunk, one map task, so retries chain on a single logical unit
	cfgSettings.TaskFailureLimit = 5
	store, err := state.NewFileStore(cfgSettings.StateLocation)
	require.NoError(t, err)

	sched, err := scheduler.New(context.Background(), store, cfgSettings, logging.Default())
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	jobID, err := sched.Schedule(&model.Job{
		InputKind:      model.InputKindTextNewlines,
		InputDirectory: inputDir,
		PayloadPath:    "/bin/true",
	})
	require.NoError(t, err)

	job := waitForTerminal(t, sched, jobID)
	require.Equal(t, model.JobDone, job.Status)

	tasks := loadTaskFiles(t, cfgSettings.StateLocation, jobID, "tasks")
	var successful *model.Task
	for _, task := range tasks {
		if task.Status == model.TaskDone {
			successful = task
		}
	}
	require.NotNil(t, successful, "exactly one task record must reach DONE")
	require.Equal(t, 2, successful.FailureCount, "failure_count must carry forward across retries")
	require.NotEmpty(t, successful.RetryOf, "a retried task must record the ID it superseded")
}

// TestTaskExceedsFailureThresholdFailsJob covers spec.md scenario 5: a task
// that never acks successfully exhausts task_failure_threshold and fails the
// whole job, with no reduce tasks ever emitted.
func TestTaskExceedsFailureThresholdFailsJob(t *testing.T) {
	srv := startBroker(t)
	cfg := broker.Config{Address: srv.Addr(), QueueName: "q", DialTimeout: 2}

	consumer, err := broker.ConnectConsumer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })

	go func() {
		for d := range consumer.Deliveries() {
			_ = d.Failed()
		}
	}()

	inputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "input.txt"), []byte("only one line\n"), 0o644))

	cfgSettings := baseSettings(srv.Addr(), t.TempDir())
	cfgSettings.InputChunkSize = 1 << 20
	cfgSettings.TaskFailureLimit = 2
	store, err := state.NewFileStore(cfgSettings.StateLocation)
	require.NoError(t, err)

	sched, err := scheduler.New(context.Background(), store, cfgSettings, logging.Default())
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	jobID, err := sched.Schedule(&model.Job{
		InputKind:      model.InputKindTextNewlines,
		InputDirectory: inputDir,
		PayloadPath:    "/bin/true",
	})
	require.NoError(t, err)

	job := waitForTerminal(t, sched, jobID)
	require.Equal(t, model.JobFailed, job.Status)
	require.NotEmpty(t, job.StatusDetails)
	require.Zero(t, job.ReduceTasksTotal, "a job that fails in the map phase must never emit reduce tasks")
}

// TestStartRecoversPendingTasksAfterRestart covers spec.md scenario 6: a
// manager restarts against a state store holding a job with mixed task
// progress (some DONE, some still PENDING) and re-dispatches only the tasks
// the pending index still names.
func TestStartRecoversPendingTasksAfterRestart(t *testing.T) {
	srv := startBroker(t)
	cfg := broker.Config{Address: srv.Addr(), QueueName: "q", DialTimeout: 2}

	stateDir := t.TempDir()
	store, err := state.NewFileStore(stateDir)
	require.NoError(t, err)

	job := &model.Job{
		ID:                "job-recover",
		Status:            model.JobInProgress,
		InputKind:         model.InputKindTextNewlines,
		MapTasksTotal:     2,
		MapTasksCompleted: 1,
		TimeCreated:       model.NowUnix(),
		TimeStarted:       model.NowUnix(),
	}
	require.NoError(t, store.SaveJob(job))
	require.NoError(t, store.SaveTask(&model.Task{
		ID: "t-done", JobID: job.ID, Kind: model.TaskKindMap, Status: model.TaskDone, PayloadPath: "/bin/true",
	}))
	require.NoError(t, store.SaveTask(&model.Task{
		ID: "t-pending", JobID: job.ID, Kind: model.TaskKindMap, Status: model.TaskPending, PayloadPath: "/bin/true",
	}))

	var delivered int32
	consumer, err := broker.ConnectConsumer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })
	go func() {
		for d := range consumer.Deliveries() {
			atomic.AddInt32(&delivered, 1)
			_ = d.Done()
		}
	}()

	cfgSettings := baseSettings(srv.Addr(), stateDir)

	sched, err := scheduler.New(context.Background(), store, cfgSettings, logging.Default())
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	final := waitForTerminal(t, sched, job.ID)
	require.Equal(t, model.JobDone, final.Status)
	require.Equal(t, 2, final.MapTasksCompleted)
	require.Equal(t, int32(1), atomic.LoadInt32(&delivered), "recovery must re-dispatch only the still-pending task")
}
