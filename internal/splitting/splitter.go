// Package splitting turns a Job's input directory into the set of Map tasks that
// will process it, the Go counterpart of the reference LineSplitter
// (manager/src/splitting/map/text.rs). Per-file splitting fans out across a
// worker pool the same way the original uses rayon's into_par_iter.
package splitting

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/ygrebnov/workers"

	"heracles-go/internal/herrors"
	"heracles-go/internal/model"
)

// LineSplitter splits newline-delimited text files into byte-range chunks no
// larger than ChunkSize, except where a single line exceeds it -- that line
// becomes a chunk of its own, per the oversized-line edge case in the original.
type LineSplitter struct {
	ChunkSize int64
}

// Split reads job.InputDirectory and returns one PENDING Map task per chunk
// produced across every regular file in it. Files appear in directory-listing
// order and each file's chunks in byte order; task IDs are freshly generated on
// every call.
func (s LineSplitter) Split(ctx context.Context, job *model.Job) ([]*model.Task, error) {
	if s.ChunkSize <= 0 {
		return nil, herrors.Invariant("splitting: chunk size must be positive, got %d", s.ChunkSize)
	}

	entries, err := os.ReadDir(job.InputDirectory)
	if err != nil {
		return nil, herrors.InvalidInput("splitting: open input directory %q: %v", job.InputDirectory, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(job.InputDirectory, e.Name()))
	}

	tasks, err := s.splitFilesConcurrently(ctx, paths)
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		t.ID = uuid.NewString()
		t.JobID = job.ID
		t.Status = model.TaskPending
		t.Kind = model.TaskKindMap
		t.TimeCreated = model.NowUnix()
		t.PayloadPath = job.PayloadPath
	}
	return tasks, nil
}

// splitFilesConcurrently splits every file in paths in parallel and flattens the
// results in the order of paths, mirroring the original's
// into_par_iter().map(split_file).collect().
func (s LineSplitter) splitFilesConcurrently(ctx context.Context, paths []string) ([]*model.Task, error) {
	type fileChunks struct {
		index int
		tasks []*model.Task
	}
	fileTasks := make([]workers.Task[fileChunks], 0, len(paths))
	for i, p := range paths {
		index, path := i, p
		fileTasks = append(fileTasks, workers.TaskFunc[fileChunks](func(ctx context.Context) (fileChunks, error) {
			tasks, err := s.splitFile(path)
			return fileChunks{index: index, tasks: tasks}, err
		}))
	}

	results, err := workers.RunAll[fileChunks](ctx, fileTasks)
	if err != nil {
		return nil, herrors.InvalidInput("splitting: splitting input files: %v", err)
	}
	sort.Slice(results, func(a, b int) bool { return results[a].index < results[b].index })

	var all []*model.Task
	for _, perFile := range results {
		all = append(all, perFile.tasks...)
	}
	return all, nil
}

// splitFile walks one file line by line, closing a chunk as soon as adding the
// next line would push it past ChunkSize. A chunk that is still empty when that
// happens takes the oversized line whole rather than emitting an empty chunk.
// Byte counts are exact: each line is counted with its own '\n', and a final
// line without one is counted as it stands, so the chunks cover the file
// byte for byte.
func (s LineSplitter) splitFile(path string) ([]*model.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, herrors.InvalidInput("splitting: open %q: %v", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)

	var chunks []*model.Task
	var chunkStart int64
	var chunkLen int64

	emit := func(length int64) {
		chunks = append(chunks, &model.Task{
			InputChunk: &model.InputChunk{
				Path:      path,
				StartByte: chunkStart,
				EndByte:   chunkStart + length,
			},
		})
		chunkStart += length
	}

	for {
		line, readErr := reader.ReadString('\n')
		if len(line) == 0 && readErr != nil {
			break
		}
		lineLen := int64(len(line))

		if chunkLen+lineLen > s.ChunkSize {
			if chunkLen == 0 {
				emit(lineLen)
				if readErr != nil {
					break
				}
				continue
			}
			emit(chunkLen)
			chunkLen = 0
		}
		chunkLen += lineLen

		if readErr != nil {
			if readErr != io.EOF {
				return nil, herrors.InvalidInput("splitting: read %q: %v", path, readErr)
			}
			break
		}
	}

	if chunkLen > 0 {
		emit(chunkLen)
	}
	// An empty file produces zero chunks: the union-of-ranges invariant holds
	// vacuously over [0, 0), and a zero-byte chunk would violate "chunks are
	// never empty".
	return chunks, nil
}
