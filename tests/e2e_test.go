// Package tests drives the system end-to-end through its public surface: an
// HTTP client talking to internal/server, backed by a real scheduler, a real
// broker (brokertest), a real on-disk state store, and a fake worker process
// standing in for a payload binary.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"heracles-go/internal/broker"
	"heracles-go/internal/broker/brokertest"
	"heracles-go/internal/logging"
	"heracles-go/internal/model"
	"heracles-go/internal/scheduler"
	"heracles-go/internal/server"
	"heracles-go/internal/settings"
	"heracles-go/internal/state"
)

func startCluster(t *testing.T) (baseURL string, jobInput string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "broker.db")
	brokerSrv, err := brokertest.New(dbPath, "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = brokerSrv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = brokerSrv.Close()
	})

	brokerCfg := broker.Config{Address: brokerSrv.Addr(), QueueName: "tasks", DialTimeout: 2}
	consumer, err := broker.ConnectConsumer(context.Background(), brokerCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })
	go func() {
		for d := range consumer.Deliveries() {
			_ = d.Done()
		}
	}()

	cfg := &settings.Settings{
		BrokerAddress:     brokerSrv.Addr(),
		BrokerQueueName:   "tasks",
		BrokerDialTimeout: 2,
		StateLocation:     t.TempDir(),
		InputChunkSize:    1 << 16,
		InputQueueSize:    16,
		MaxConcurrentJobs: 2,
		TaskFailureLimit:  5,
		ServerThreadPool:  4,
		WorkerPoolSize:    4,
		LogLevel:          "error",
	}

	store, err := state.NewFileStore(cfg.StateLocation)
	require.NoError(t, err)

	sched, err := scheduler.New(ctx, store, cfg, logging.Default())
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(sched.Stop)

	httpSrv := httptest.NewServer(server.New(sched, logging.Default()))
	t.Cleanup(httpSrv.Close)

	inputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "corpus.txt"), []byte("alpha\nbeta\ngamma\n"), 0o644))

	return httpSrv.URL, inputDir
}

func TestEndToEndJobSubmitAndComplete(t *testing.T) {
	baseURL, inputDir := startCluster(t)

	job := model.Job{
		InputKind:      model.InputKindTextNewlines,
		InputDirectory: inputDir,
		PayloadPath:    "/bin/true",
	}
	body, err := json.Marshal(job)
	require.NoError(t, err)

	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var submitted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	require.NotEmpty(t, submitted.JobID)

	deadline := time.Now().Add(5 * time.Second)
	var final model.Job
	for time.Now().Before(deadline) {
		statusResp, err := http.Get(baseURL + "/v1/jobs/" + submitted.JobID)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&final))
		statusResp.Body.Close()
		if final.IsTerminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.Equal(t, model.JobDone, final.Status)
}

func TestEndToEndScheduleRejectsUnsupportedInputKind(t *testing.T) {
	baseURL, _ := startCluster(t)

	job := model.Job{InputKind: model.InputKindUndefined}
	body, err := json.Marshal(job)
	require.NoError(t, err)

	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndToEndCancelReturnsNoContent(t *testing.T) {
	baseURL, inputDir := startCluster(t)

	job := model.Job{
		InputKind:      model.InputKindTextNewlines,
		InputDirectory: inputDir,
		PayloadPath:    "/bin/true",
	}
	body, err := json.Marshal(job)
	require.NoError(t, err)

	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, baseURL+"/v1/jobs/"+submitted.JobID, nil)
	require.NoError(t, err)
	cancelResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	cancelResp.Body.Close()
	require.Equal(t, http.StatusNoContent, cancelResp.StatusCode)
}
