// Command sandboxctl submits one code file for sandboxed execution, waits
// for the terminal state, and prints the structured result as JSON.
//
// Exit status is 0 only when the job was allowed to execute and exited
// zero. Any denial, backend unavailability, timeout, or non-zero sandboxed
// exit produces a non-zero status; callers must inspect the JSON to tell
// those cases apart.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"sandbox-runner/internal/models"
)

func main() {
	codePath := flag.String("code", "", "path to the code file to execute")
	image := flag.String("image", "python:3.11-slim", "container image to run the code in")
	addr := flag.String("addr", "http://localhost:8080", "base URL of the submission API")
	pollInterval := flag.Duration("poll", 500*time.Millisecond, "status poll interval")
	wait := flag.Duration("wait", 5*time.Minute, "how long to wait for a terminal state")
	flag.Parse()

	if *codePath == "" {
		fmt.Fprintln(os.Stderr, "-code is required")
		os.Exit(2)
	}

	code, err := os.ReadFile(*codePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read code file: %v\n", err)
		os.Exit(2)
	}

	jobID, err := submit(*addr, code, *image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(2)
	}

	job, err := waitTerminal(*addr, jobID, *pollInterval, *wait)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait: %v\n", err)
		os.Exit(2)
	}

	out, _ := json.MarshalIndent(job, "", "  ")
	fmt.Println(string(out))

	if job.Result != nil && job.Result.Allowed && job.Result.ExitCode == 0 {
		os.Exit(0)
	}
	os.Exit(1)
}

func submit(addr string, code []byte, image string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"payload": string(code),
		"image":   image,
	})
	if err != nil {
		return "", err
	}
	resp, err := http.Post(addr+"/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func waitTerminal(addr, jobID string, interval, wait time.Duration) (models.Job, error) {
	deadline := time.Now().Add(wait)
	for {
		resp, err := http.Get(addr + "/jobs/" + jobID)
		if err != nil {
			return models.Job{}, err
		}
		var job models.Job
		decodeErr := json.NewDecoder(resp.Body).Decode(&job)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return models.Job{}, fmt.Errorf("status request returned %d", resp.StatusCode)
		}
		if decodeErr != nil {
			return models.Job{}, decodeErr
		}
		if models.IsTerminal(job.State) {
			return job, nil
		}
		if time.Now().After(deadline) {
			return models.Job{}, fmt.Errorf("job %s still %s after %s", jobID, job.State, wait)
		}
		time.Sleep(interval)
	}
}
