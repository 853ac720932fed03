// Package scheduler implements the orchestrator core: job intake, the two-phase
// Map/Reduce pipeline, fan-out to the broker, retry and failure-threshold
// handling, and crash recovery. It is the Go counterpart of the reference
// MapReduceScheduler (master/src/scheduler.rs), rebuilt around the State Store,
// Splitter and Broker Client packages in this module.
package scheduler

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/ygrebnov/workers"
	"golang.org/x/sync/semaphore"

	"heracles-go/internal/broker"
	"heracles-go/internal/herrors"
	"heracles-go/internal/logging"
	"heracles-go/internal/model"
	"heracles-go/internal/settings"
	"heracles-go/internal/splitting"
	"heracles-go/internal/state"
)

// splitterAdapter exposes LineSplitter and ReduceSplitter, both concrete value
// types in internal/splitting, through the Splitter interface.
type splitterAdapter struct {
	mapSplitter    splitting.LineSplitter
	reduceSplitter splitting.ReduceSplitter
}

func (a splitterAdapter) MapSplit(ctx context.Context, job *model.Job) ([]*model.Task, error) {
	return a.mapSplitter.Split(ctx, job)
}

func (a splitterAdapter) ReduceSplit(ctx context.Context, job *model.Job) ([]*model.Task, error) {
	return a.reduceSplitter.Split(ctx, job)
}

// Scheduler owns job intake and drives every admitted Job through its pipeline.
type Scheduler struct {
	store    state.Store
	splitter Splitter
	conn     *connManager
	settings *settings.Settings
	logger   zerolog.Logger

	intake chan string
	sem    *semaphore.Weighted

	wg sync.WaitGroup

	mu        sync.Mutex
	cancelled map[string]bool
	cancelFns map[string]context.CancelFunc

	// counterMu serializes updates to a Job's completed-task counters and
	// CPUTimeSecs, since fanOut runs many executeTask calls over the same Job
	// concurrently.
	counterMu sync.Mutex

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs a Scheduler. It dials the broker once; a failure here is
// treated as fatal startup error, matching connect()'s CONNECTION_FAILED.
func New(ctx context.Context, store state.Store, cfg *settings.Settings, logger zerolog.Logger) (*Scheduler, error) {
	conn, err := newConnManager(ctx, broker.Config{
		Address:     cfg.BrokerAddress,
		QueueName:   cfg.BrokerQueueName,
		DialTimeout: cfg.BrokerDialTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		store: store,
		splitter: splitterAdapter{
			mapSplitter: splitting.LineSplitter{ChunkSize: cfg.InputChunkSize},
		},
		conn:      conn,
		settings:  cfg,
		logger:    logger,
		intake:    make(chan string, cfg.InputQueueSize),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		cancelled: make(map[string]bool),
		cancelFns: make(map[string]context.CancelFunc),
	}, nil
}

// Start recovers unfinished jobs from the state store and begins the intake
// consume loop. Recovered jobs bypass the intake channel: each is dispatched
// directly, so Start returns only after every recoverable job's pipeline has
// been started, waiting for a max_concurrent_jobs slot for each in turn. The
// consume loop itself keeps running in the background until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	ids, err := s.store.ListJobIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := s.store.LoadJob(id)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("recovery: failed to load job, skipping")
			continue
		}
		if job.Status == model.JobQueued || job.Status == model.JobInProgress {
			s.logger.Info().Str("job_id", id).Str("status", string(job.Status)).Msg("recovering job")
			s.dispatch(id)
		}
	}

	s.wg.Add(1)
	go s.consumeLoop()
	return nil
}

// Stop cancels every running pipeline and waits for them to return.
func (s *Scheduler) Stop() {
	if s.runCancel != nil {
		s.runCancel()
	}
	s.wg.Wait()
	_ = s.conn.close()
}

func (s *Scheduler) consumeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case jobID, ok := <-s.intake:
			if !ok {
				return
			}
			s.dispatch(jobID)
		}
	}
}

// dispatch acquires a concurrency slot and runs jobID's pipeline in its own
// goroutine, tracked by s.wg.
func (s *Scheduler) dispatch(jobID string) {
	if err := s.sem.Acquire(s.runCtx, 1); err != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Fatal().Interface("panic", r).Str("job_id", jobID).
					Msg("programmer invariant violated, aborting process")
			}
		}()
		s.processJob(jobID)
	}()
}

// Schedule assigns a fresh job ID, persists the job as QUEUED, and admits it to
// the intake channel. It returns QUEUE_FULL if the channel has no spare capacity.
func (s *Scheduler) Schedule(job *model.Job) (string, error) {
	if job.InputKind != model.InputKindTextNewlines {
		return "", herrors.InvalidInput("scheduler: input_kind %q is not supported", job.InputKind)
	}

	job.ID = newJobID()
	job.Status = model.JobQueued
	job.TimeCreated = model.NowUnix()

	if err := s.store.SaveJob(job); err != nil {
		return "", err
	}

	select {
	case s.intake <- job.ID:
		return job.ID, nil
	default:
		return "", herrors.QueueFull("scheduler: intake queue at capacity (%d)", s.settings.InputQueueSize)
	}
}

// Describe returns the current state of a Job.
func (s *Scheduler) Describe(jobID string) (*model.Job, error) {
	return s.store.LoadJob(jobID)
}

// Cancel marks jobID for cancellation. A job still in the intake queue is
// stopped before its pipeline ever runs; a running job's pipeline is signalled
// to stop at its next suspension point. Tasks already published to the broker
// cannot be recalled; their eventual acks are discarded.
func (s *Scheduler) Cancel(jobID string) error {
	job, err := s.store.LoadJob(jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return herrors.InvalidInput("scheduler: job %s is already terminal", jobID)
	}

	s.mu.Lock()
	s.cancelled[jobID] = true
	cancelFn := s.cancelFns[jobID]
	s.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}

	job.Status = model.JobFailed
	job.StatusDetails = "cancelled"
	job.TimeCompleted = model.NowUnix()
	return s.store.SaveJob(job)
}

func (s *Scheduler) isCancelled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[jobID]
}

func (s *Scheduler) registerCancel(jobID string, fn context.CancelFunc) {
	s.mu.Lock()
	s.cancelFns[jobID] = fn
	s.mu.Unlock()
}

func (s *Scheduler) unregisterCancel(jobID string) {
	s.mu.Lock()
	delete(s.cancelFns, jobID)
	delete(s.cancelled, jobID)
	s.mu.Unlock()
}

// processJob runs one Job's full pipeline: step 1 through step 7 of the
// scheduling design, tolerant of resuming at any point via the pending index.
func (s *Scheduler) processJob(jobID string) {
	ctx, cancel := context.WithCancel(s.runCtx)
	s.registerCancel(jobID, cancel)
	defer cancel()
	defer s.unregisterCancel(jobID)

	log := logging.Job(s.logger, jobID)

	if s.isCancelled(jobID) {
		return
	}

	job, err := s.store.LoadJob(jobID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load job for processing")
		return
	}
	if job.IsTerminal() {
		return
	}

	if job.Status == model.JobQueued {
		job.Status = model.JobInProgress
		job.TimeStarted = model.NowUnix()
		if err := s.store.SaveJob(job); err != nil {
			log.Error().Err(err).Msg("failed to persist job start")
			return
		}
	}

	if err := s.runMapPhase(ctx, job); err != nil {
		s.failJob(log, job, err)
		return
	}
	if s.isCancelled(jobID) {
		return
	}

	if err := s.runReducePhase(ctx, job); err != nil {
		s.failJob(log, job, err)
		return
	}
	if s.isCancelled(jobID) {
		return
	}

	job.Status = model.JobDone
	job.TimeCompleted = model.NowUnix()
	if err := s.store.SaveJob(job); err != nil {
		log.Error().Err(err).Msg("failed to persist job completion")
		return
	}
	log.Info().Msg("job completed")
}

func (s *Scheduler) failJob(log zerolog.Logger, job *model.Job, cause error) {
	job.Status = model.JobFailed
	job.StatusDetails = cause.Error()
	job.TimeCompleted = model.NowUnix()
	if err := s.store.SaveJob(job); err != nil {
		log.Error().Err(err).Msg("failed to persist job failure")
		return
	}
	log.Warn().Err(cause).Msg("job failed")
}

// runMapPhase performs steps 2-4: split (if not already split), fan out, and
// retry until the map phase's pending set is empty. job.MapTasksCompleted is
// kept current throughout by runPhase, not assigned in bulk here.
func (s *Scheduler) runMapPhase(ctx context.Context, job *model.Job) error {
	pending, err := s.store.PendingMapTasks(job.ID)
	if err != nil {
		return err
	}

	if job.MapTasksTotal == 0 && len(pending) == 0 {
		tasks, err := s.splitter.MapSplit(ctx, job)
		if err != nil {
			return err
		}
		job.MapTasksTotal = len(tasks)
		if err := s.store.SaveJob(job); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := s.store.SaveTask(t); err != nil {
				return err
			}
		}
		pending = tasks
	}

	return s.runPhase(ctx, job, model.TaskKindMap, pending)
}

// runReducePhase performs steps 5-6, symmetric to runMapPhase.
func (s *Scheduler) runReducePhase(ctx context.Context, job *model.Job) error {
	pending, err := s.store.PendingReduceTasks(job.ID)
	if err != nil {
		return err
	}

	if job.ReduceTasksTotal == 0 && len(pending) == 0 && job.ReduceTasksCompleted == 0 {
		tasks, err := s.splitter.ReduceSplit(ctx, job)
		if err != nil {
			return err
		}
		job.ReduceTasksTotal = len(tasks)
		if err := s.store.SaveJob(job); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := s.store.SaveTask(t); err != nil {
				return err
			}
		}
		pending = tasks
	}

	return s.runPhase(ctx, job, model.TaskKindReduce, pending)
}

// runPhase fans the given tasks out to the broker, then retries every task that
// comes back FAILED -- provided it is still under the failure threshold --
// until either nothing is left to retry or a task exhausts its budget, which
// fails the whole job. A retried task is reissued under a fresh ID with
// RetryOf set to the superseded task's ID: the old task's record, including
// its final FAILED status and failure_count, stays on disk untouched for
// audit, and its pending marker is explicitly removed so recovery never
// re-dispatches dead work under the old ID.
func (s *Scheduler) runPhase(ctx context.Context, job *model.Job, kind model.TaskKind, tasks []*model.Task) error {
	pending := tasks
	for len(pending) > 0 {
		if s.isCancelled(job.ID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := s.fanOut(ctx, job, kind, pending)
		if err != nil {
			if herrors.Is(err, herrors.KindInvariant) {
				// Unreachable except under misconfiguration; fail fast rather
				// than fail just this job. dispatch's recover turns this into a
				// logged process exit.
				panic(err)
			}
			return err
		}

		var retry []*model.Task
		for _, t := range results {
			if t.Status != model.TaskFailed {
				continue
			}
			if t.FailureCount >= s.settings.TaskFailureLimit {
				if err := s.store.RemovePendingMarker(job.ID, t.ID, t.Kind); err != nil {
					return err
				}
				if t.FailureDetails != "" {
					return herrors.TaskNack("task %s: %s", t.ID, t.FailureDetails)
				}
				return herrors.TaskNack("task %s failed too many times", t.ID)
			}

			retryTask := &model.Task{
				ID:                    newTaskID(),
				JobID:                 t.JobID,
				Kind:                  t.Kind,
				Status:                model.TaskPending,
				PayloadPath:           t.PayloadPath,
				InputChunk:            t.InputChunk,
				OutputFile:            t.OutputFile,
				IntermediateKey:       t.IntermediateKey,
				IntermediateFilePaths: t.IntermediateFilePaths,
				TimeCreated:           model.NowUnix(),
				FailureCount:          t.FailureCount,
				RetryOf:               t.ID,
			}
			if err := s.store.SaveTask(retryTask); err != nil {
				return err
			}
			if err := s.store.RemovePendingMarker(job.ID, t.ID, t.Kind); err != nil {
				return err
			}
			retry = append(retry, retryTask)
		}
		pending = retry
	}
	return nil
}

// fanOut executes every task in parallel over the worker pool and waits for all
// of them, the all-successes barrier described in the concurrency model. An
// error here means a state-store write failed somewhere in the batch, the job's
// context was cancelled while awaiting an ack, or a task got AckUnknown (an
// invariant-kind error); a task coming back with Status == FAILED is a normal
// outcome the caller handles via the retry policy, not an error.
func (s *Scheduler) fanOut(ctx context.Context, job *model.Job, kind model.TaskKind, tasks []*model.Task) ([]*model.Task, error) {
	fns := make([]workers.Task[*model.Task], 0, len(tasks))
	for _, t := range tasks {
		task := t
		fns = append(fns, workers.TaskFunc[*model.Task](func(ctx context.Context) (*model.Task, error) {
			return s.executeTask(ctx, job, kind, task)
		}))
	}
	return workers.RunAll[*model.Task](ctx, fns)
}

// executeTask runs one task through step 3 of the pipeline: mark IN_PROGRESS,
// publish, await the ack, mark DONE or FAILED. A task that reaches DONE
// immediately updates job's completed-task counter and CPUTimeSecs, so
// Describe mid-phase reflects real progress rather than only the phase's
// final tally.
func (s *Scheduler) executeTask(ctx context.Context, job *model.Job, kind model.TaskKind, task *model.Task) (*model.Task, error) {
	task.Status = model.TaskInProgress
	task.TimeStarted = model.NowUnix()
	if err := s.store.SaveTask(task); err != nil {
		return nil, err
	}

	ackCh, sendErr := s.conn.send(ctx, task)

	var ack broker.Ack
	if sendErr != nil {
		ack = broker.AckFailure
	} else {
		select {
		case ack = <-ackCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	task.TimeDone = model.NowUnix()
	switch ack {
	case broker.AckSuccess:
		task.Status = model.TaskDone
		task.CPUTimeSecs = float64(task.TimeDone - task.TimeStarted)
	case broker.AckFailure:
		task.Status = model.TaskFailed
		task.FailureCount++
		if sendErr != nil {
			task.FailureDetails = sendErr.Error()
		} else {
			task.FailureDetails = "worker nacked task"
		}
	case broker.AckUnknown:
		// An ack-less queue is a misconfiguration: it was declared as confirming
		// and never should produce this. Reported as an invariant-kind error
		// rather than panicking here, since this runs inside the worker pool's
		// own goroutine and a panic there can't be recovered by our caller; see
		// runPhase, which promotes it to a process-aborting panic on its own
		// goroutine once fanOut returns.
		return nil, herrors.Invariant("broker: queue %q did not confirm task %s (not a confirm queue)", s.settings.BrokerQueueName, task.ID)
	}

	if err := s.store.SaveTask(task); err != nil {
		return nil, err
	}

	if task.Status == model.TaskDone {
		if err := s.recordCompletion(job, kind, task.CPUTimeSecs); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// recordCompletion increments job's per-kind completed counter and accumulated
// CPUTimeSecs as one task finishes, persisting immediately. counterMu
// serializes this against every other concurrent executeTask call fanning out
// over the same job, since the Job struct itself is not otherwise safe for
// concurrent mutation.
func (s *Scheduler) recordCompletion(job *model.Job, kind model.TaskKind, cpuTime float64) error {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	switch kind {
	case model.TaskKindMap:
		job.MapTasksCompleted++
	case model.TaskKindReduce:
		job.ReduceTasksCompleted++
	}
	job.CPUTimeSecs += cpuTime
	return s.store.SaveJob(job)
}
