package scheduler

import "github.com/google/uuid"

func newJobID() string { return uuid.NewString() }

func newTaskID() string { return uuid.NewString() }
