package scheduler

import (
	"context"

	"heracles-go/internal/model"
)

// Splitter produces the Map and Reduce tasks for a Job. internal/splitting's
// LineSplitter and ReduceSplitter satisfy this through adapter methods in
// scheduler.go. New always installs that adapter; no constructor takes another
// Splitter.
type Splitter interface {
	MapSplit(ctx context.Context, job *model.Job) ([]*model.Task, error)
	ReduceSplit(ctx context.Context, job *model.Job) ([]*model.Task, error)
}
