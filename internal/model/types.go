// Package model defines the Job and Task records shared by every component of the
// orchestrator core: the state store persists them, the splitter produces them, the
// broker client serializes them, and the scheduler mutates them.
package model

import "time"

// InputKind enumerates the recognized shapes of a Job's input corpus.
type InputKind string

const (
	InputKindUndefined    InputKind = ""
	InputKindTextNewlines InputKind = "TEXT_NEWLINES"
)

// JobStatus is the lifecycle state of a Job. Transitions only move forward:
// QUEUED -> IN_PROGRESS -> DONE|FAILED, or QUEUED -> FAILED on cancellation.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobDone       JobStatus = "DONE"
	JobFailed     JobStatus = "FAILED"
)

// TaskKind distinguishes a Map task from a Reduce task.
type TaskKind string

const (
	TaskKindUndefined TaskKind = ""
	TaskKindMap       TaskKind = "MAP"
	TaskKindReduce    TaskKind = "REDUCE"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskUnknown    TaskStatus = "UNKNOWN"
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
	TaskFailed     TaskStatus = "FAILED"
)

// Job is a user-submitted MapReduce unit of work.
type Job struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	PayloadPath    string    `json:"payload_path"`
	InputDirectory string    `json:"input_directory"`
	OutputDir      string    `json:"output_directory"`
	InputKind      InputKind `json:"input_kind"`
	OutputFiles    []string  `json:"output_files"`

	Status        JobStatus `json:"status"`
	StatusDetails string    `json:"status_details,omitempty"`

	MapTasksTotal        int `json:"map_tasks_total"`
	MapTasksCompleted    int `json:"map_tasks_completed"`
	ReduceTasksTotal     int `json:"reduce_tasks_total"`
	ReduceTasksCompleted int `json:"reduce_tasks_completed"`

	TimeCreated   int64 `json:"time_created"`
	TimeStarted   int64 `json:"time_started,omitempty"`
	TimeCompleted int64 `json:"time_completed,omitempty"`

	CPUTimeSecs float64 `json:"cpu_time_secs"`
}

// Clone returns a deep copy so callers can mutate without racing the state store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.OutputFiles = append([]string(nil), j.OutputFiles...)
	return &c
}

// IsTerminal reports whether the Job has reached DONE or FAILED.
func (j *Job) IsTerminal() bool {
	return j.Status == JobDone || j.Status == JobFailed
}

// InputChunk identifies a byte range of a single input file assigned to one Map task.
type InputChunk struct {
	Path      string `json:"path"`
	StartByte int64  `json:"start_byte"`
	EndByte   int64  `json:"end_byte"`
}

// Task is one Map chunk or one Reduce output file, dispatched to a worker.
type Task struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Kind        TaskKind   `json:"kind"`
	Status      TaskStatus `json:"status"`
	PayloadPath string     `json:"payload_path"`

	// MAP fields.
	InputChunk *InputChunk `json:"input_chunk,omitempty"`

	// REDUCE fields.
	OutputFile            string   `json:"output_file,omitempty"`
	IntermediateKey       string   `json:"intermediate_key,omitempty"`
	IntermediateFilePaths []string `json:"intermediate_file_paths,omitempty"`

	TimeCreated int64 `json:"time_created"`
	TimeStarted int64 `json:"time_started,omitempty"`
	TimeDone    int64 `json:"time_done,omitempty"`

	FailureCount   int    `json:"failure_count"`
	FailureDetails string `json:"failure_details,omitempty"`

	AssignedWorkerID string  `json:"assigned_worker_id,omitempty"`
	CPUTimeSecs      float64 `json:"cpu_time_secs,omitempty"`

	// RetryOf records the ID of the task instance a reschedule superseded, for audit
	// trails. The original discards the old ID on reschedule; we keep it since every
	// task is already durably recorded.
	RetryOf string `json:"retry_of,omitempty"`
}

// Clone returns a deep copy so callers can mutate without racing the state store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.InputChunk != nil {
		ic := *t.InputChunk
		c.InputChunk = &ic
	}
	c.IntermediateFilePaths = append([]string(nil), t.IntermediateFilePaths...)
	return &c
}

// NowUnix is the single place that reads the wall clock, so tests can stub it.
var NowUnix = func() int64 { return time.Now().Unix() }
