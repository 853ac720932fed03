package state_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"heracles-go/internal/model"
	"heracles-go/internal/state"
)

func newStore(t *testing.T) *state.FileStore {
	t.Helper()
	s, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveAndLoadJobRoundTrip(t *testing.T) {
	s := newStore(t)
	job := &model.Job{ID: "job-1", Status: model.JobQueued, InputKind: model.InputKindTextNewlines}

	require.NoError(t, s.SaveJob(job))

	loaded, err := s.LoadJob("job-1")
	require.NoError(t, err)
	require.Equal(t, job.ID, loaded.ID)
	require.Equal(t, job.Status, loaded.Status)
}

func TestListJobIDsReturnsEveryJobDirectory(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveJob(&model.Job{ID: "a"}))
	require.NoError(t, s.SaveJob(&model.Job{ID: "b"}))

	ids, err := s.ListJobIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestPendingTaskMarkerLifecycle(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveJob(&model.Job{ID: "job-1"}))

	task := &model.Task{ID: "t1", JobID: "job-1", Kind: model.TaskKindMap, Status: model.TaskPending}
	require.NoError(t, s.SaveTask(task))

	pending, err := s.PendingMapTasks("job-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "t1", pending[0].ID)

	task.Status = model.TaskInProgress
	require.NoError(t, s.SaveTask(task))

	pending, err = s.PendingMapTasks("job-1")
	require.NoError(t, err)
	require.Len(t, pending, 1, "IN_PROGRESS must leave the pending marker untouched")

	task.Status = model.TaskDone
	require.NoError(t, s.SaveTask(task))

	pending, err = s.PendingMapTasks("job-1")
	require.NoError(t, err)
	require.Empty(t, pending, "DONE must remove the pending marker")
}

func TestSaveTaskRejectsUnknownKind(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveJob(&model.Job{ID: "job-1"}))

	task := &model.Task{ID: "t1", JobID: "job-1", Kind: model.TaskKindUndefined, Status: model.TaskPending}
	require.Error(t, s.SaveTask(task))
}

func TestSaveJobIsAtomicOnDisk(t *testing.T) {
	root := t.TempDir()
	s, err := state.NewFileStore(root)
	require.NoError(t, err)

	job := &model.Job{ID: "job-1", Status: model.JobQueued}
	require.NoError(t, s.SaveJob(job))

	requestPath := filepath.Join(root, "jobs", "job-1", "request")
	_, err = os.Stat(requestPath)
	require.NoError(t, err)

	tmpPath := requestPath + ".tmp"
	_, err = os.Stat(tmpPath)
	require.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}
