package splitting

import (
	"context"

	"github.com/google/uuid"

	"heracles-go/internal/model"
)

// ReduceSplitter derives Reduce tasks from a Job's declared output files. Unlike
// the Map split it does no I/O: every output name the Job was submitted with
// becomes exactly one REDUCE task.
type ReduceSplitter struct{}

// Split returns one PENDING Reduce task per entry in job.OutputFiles, in order.
// A Job with no declared outputs yields no tasks, which the scheduler treats as
// an empty (vacuously complete) reduce phase.
func (ReduceSplitter) Split(_ context.Context, job *model.Job) ([]*model.Task, error) {
	tasks := make([]*model.Task, 0, len(job.OutputFiles))
	for _, name := range job.OutputFiles {
		tasks = append(tasks, &model.Task{
			ID:          uuid.NewString(),
			JobID:       job.ID,
			Kind:        model.TaskKindReduce,
			Status:      model.TaskPending,
			PayloadPath: job.PayloadPath,
			OutputFile:  name,
			TimeCreated: model.NowUnix(),
		})
	}
	return tasks, nil
}
