// Command client is a CLI for talking to a running manager's HTTP API: submit
// a job, check its status, or cancel it.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var addr string

	root := &cobra.Command{
		Use:   "client",
		Short: "submits and inspects jobs on a heracles-go manager",
	}
	root.PersistentFlags().StringVar(&addr, "manager", "http://127.0.0.1:8081", "base URL of the manager's HTTP API")

	submit := &cobra.Command{
		Use:   "submit <job.json>",
		Short: "submit a new job from a JSON job definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(addr, args[0])
		},
	}

	status := &cobra.Command{
		Use:   "status <job_id>",
		Short: "show a job's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return describeJob(addr, args[0])
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cancelJob(addr, args[0])
		},
	}

	root.AddCommand(submit, status, cancel)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func submitJob(addr, filePath string) error {
	jsonData, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading job definition: %w", err)
	}

	resp, err := http.Post(addr+"/v1/jobs", "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("connecting to manager: %w", err)
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func describeJob(addr, jobID string) error {
	resp, err := http.Get(addr + "/v1/jobs/" + jobID)
	if err != nil {
		return fmt.Errorf("connecting to manager: %w", err)
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func cancelJob(addr, jobID string) error {
	req, err := http.NewRequest(http.MethodDelete, addr+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to manager: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("cancelled")
		return nil
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())

	if resp.StatusCode >= 400 {
		return fmt.Errorf("manager returned %s", resp.Status)
	}
	return nil
}
