// Package logging wraps zerolog with the same structured, JSON-to-stdout shape the
// teacher's utils.LogJSON produced by hand, plus leveling and contextual fields.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing JSON lines to w (os.Stdout in production,
// a bytes.Buffer in tests) at the given level. An unrecognized level falls back
// to info, matching the reference's tolerant settings parsing elsewhere.
func New(w io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Default returns a stdout logger at info level, used where a component is built
// without an explicit logger (e.g. package-level helpers and tests).
func Default() zerolog.Logger {
	return New(os.Stdout, "info")
}

// Job returns a logger pre-populated with a job_id field, the structured-logging
// equivalent of passing ctx map[string]interface{}{"job_id": ...} to LogJSON.
func Job(base zerolog.Logger, jobID string) zerolog.Logger {
	return base.With().Str("job_id", jobID).Logger()
}

// Task returns a logger pre-populated with job_id and task_id fields.
func Task(base zerolog.Logger, jobID, taskID string) zerolog.Logger {
	return base.With().Str("job_id", jobID).Str("task_id", taskID).Logger()
}
