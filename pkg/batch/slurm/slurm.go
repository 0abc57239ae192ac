// Package slurm implements batch.Client against a SLURM installation
// reachable from this host: sbatch to submit, squeue to poll, scancel to
// cancel. Each job gets its own scratch directory under the configured
// root; Fetch reads the output files back out of it.
package slurm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/htgrid/htgrid/pkg/batch"
)

// submitScript is the sbatch wrapper rendered per job. The trailing
// exit_status write is what lets Status distinguish finished from failed
// once the job has left the queue.
const submitScript = `#!/bin/sh
#SBATCH --job-name={{.Name}}
#SBATCH --chdir={{.Dir}}
#SBATCH --ntasks={{.Cores}}
#SBATCH --mem={{.MemoryGB}}gb
#SBATCH --time={{.WalltimeHours}}:00:00
{{- if .Partition}}
#SBATCH --partition={{.Partition}}
{{- end}}

{{.AppTag}} {{.Input}} > {{.Output}} 2>&1
echo $? > exit_status
`

var scriptTmpl = template.Must(template.New("submit.slurm").Parse(submitScript))

type Config struct {
	// Scratch is the root directory for per-job scratch dirs.
	Scratch string
	// Partition is the default partition when a run does not request one.
	Partition string
	// SubmitRetries bounds the exponential-backoff retry on sbatch failure.
	SubmitRetries int
}

// commandRunner runs an external command and returns its combined output.
// Swapped out in tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

type Client struct {
	cfg Config
	run commandRunner
}

var _ batch.Client = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.SubmitRetries <= 0 {
		cfg.SubmitRetries = 5
	}
	return &Client{
		cfg: cfg,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

type scriptData struct {
	Name          string
	Dir           string
	Cores         int
	MemoryGB      int
	WalltimeHours int
	Partition     string
	AppTag        string
	Input         string
	Output        string
}

// Submit stages the input files into a fresh scratch dir, renders the
// sbatch script, and submits it. The returned handle carries both the
// SLURM job id and the scratch dir: "<jobid>|<dir>".
func (c *Client) Submit(ctx context.Context, req batch.SubmitRequest) (string, error) {
	if len(req.InputFiles) == 0 {
		return "", fmt.Errorf("submit %s: no input files", req.Name)
	}

	dir := filepath.Join(c.cfg.Scratch, uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	var mainInput string
	for name, body := range req.InputFiles {
		if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
			return "", fmt.Errorf("stage %s: %w", name, err)
		}
		if mainInput == "" || name < mainInput {
			mainInput = name
		}
	}

	partition := req.Resource
	if partition == "" {
		partition = c.cfg.Partition
	}
	data := scriptData{
		Name:          req.Name,
		Dir:           dir,
		Cores:         max(req.Cores, 1),
		MemoryGB:      max(req.MemoryGB, 1),
		WalltimeHours: max(req.WalltimeHours, 1),
		Partition:     partition,
		AppTag:        req.AppTag,
		Input:         mainInput,
		Output:        outputName(mainInput),
	}

	var script bytes.Buffer
	if err := scriptTmpl.Execute(&script, data); err != nil {
		return "", fmt.Errorf("render submit script: %w", err)
	}
	scriptPath := filepath.Join(dir, "submit.slurm")
	if err := os.WriteFile(scriptPath, script.Bytes(), 0o755); err != nil {
		return "", fmt.Errorf("write submit script: %w", err)
	}

	out, err := c.submitWithRetry(ctx, scriptPath)
	if err != nil {
		return "", classify("sbatch", out, err)
	}
	jobid, err := ParseSubmitOutput(string(out))
	if err != nil {
		return "", err
	}
	return jobid + "|" + dir, nil
}

// submitWithRetry retries sbatch with exponential backoff; queue frontends
// drop submissions under load often enough that one attempt is not enough.
func (c *Client) submitWithRetry(ctx context.Context, scriptPath string) ([]byte, error) {
	var (
		out []byte
		err error
	)
	delay := time.Second
	for attempt := 0; attempt <= c.cfg.SubmitRetries; attempt++ {
		out, err = c.run(ctx, "sbatch", scriptPath)
		if err == nil {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return out, err
}

// Status polls squeue for the job; a job absent from the queue is resolved
// through the exit_status file its wrapper script wrote.
func (c *Client) Status(ctx context.Context, handle string) (batch.RemoteStatus, error) {
	jobid, dir, err := splitHandle(handle)
	if err != nil {
		return "", err
	}

	out, err := c.run(ctx, "squeue", "-h", "-j", jobid, "-o", "%T")
	if err != nil {
		// squeue exits nonzero for unknown ("invalid") job ids, which just
		// means the job has left the queue.
		if !strings.Contains(strings.ToLower(string(out)), "invalid job id") {
			return "", classify("squeue", out, err)
		}
	}

	if st, ok := ParseSqueueState(string(out)); ok {
		return st, nil
	}
	return resolveExited(dir)
}

// Fetch returns every regular file in the job's scratch dir. The caller's
// codec picks out what it wants.
func (c *Client) Fetch(ctx context.Context, handle string) (map[string][]byte, error) {
	_, dir, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scratch dir: %w", err)
	}
	files := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read output %s: %w", e.Name(), err)
		}
		files[e.Name()] = body
	}
	return files, nil
}

func (c *Client) Cancel(ctx context.Context, handle string) error {
	jobid, _, err := splitHandle(handle)
	if err != nil {
		return err
	}
	if out, err := c.run(ctx, "scancel", jobid); err != nil {
		return classify("scancel", out, err)
	}
	return nil
}

// ParseSubmitOutput extracts the job id from sbatch's
// "Submitted batch job N" line.
func ParseSubmitOutput(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "Submitted batch job "); ok {
			return strings.Fields(rest)[0], nil
		}
	}
	return "", fmt.Errorf("sbatch output had no job id: %q", strings.TrimSpace(out))
}

// ParseSqueueState maps squeue -o %T output onto a RemoteStatus. The second
// return is false when the job is not in the queue at all.
func ParseSqueueState(out string) (batch.RemoteStatus, bool) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "":
			continue
		case "PENDING", "CONFIGURING", "SUSPENDED", "REQUEUED":
			return batch.StatusQueued, true
		case "RUNNING", "COMPLETING":
			return batch.StatusRunning, true
		case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED":
			return batch.StatusFailed, true
		case "COMPLETED":
			return batch.StatusFinished, true
		}
	}
	return "", false
}

// resolveExited reads the wrapper's exit_status file to decide how a job
// that has left the queue ended.
func resolveExited(dir string) (batch.RemoteStatus, error) {
	body, err := os.ReadFile(filepath.Join(dir, "exit_status"))
	if err != nil {
		if os.IsNotExist(err) {
			// Left the queue without running the wrapper epilogue.
			return batch.StatusFailed, nil
		}
		return "", fmt.Errorf("read exit_status: %w", err)
	}
	if strings.TrimSpace(string(body)) == "0" {
		return batch.StatusFinished, nil
	}
	return batch.StatusFailed, nil
}

// classify wraps command failures, promoting connectivity/credential
// symptoms to batch.AuthError so the scheduler parks the run instead of
// failing it.
func classify(op string, out []byte, err error) error {
	msg := strings.ToLower(string(out)) + " " + strings.ToLower(err.Error())
	for _, marker := range []string{
		"permission denied",
		"authentication",
		"invalid user",
		"connection refused",
		"connection timed out",
		"socket timed out",
		"unable to contact slurm controller",
	} {
		if strings.Contains(msg, marker) {
			return &batch.AuthError{Op: op, Err: fmt.Errorf("%s: %s", err, strings.TrimSpace(string(out)))}
		}
	}
	return fmt.Errorf("%s: %w: %s", op, err, strings.TrimSpace(string(out)))
}

func splitHandle(handle string) (jobid, dir string, err error) {
	jobid, dir, ok := strings.Cut(handle, "|")
	if !ok || jobid == "" || dir == "" {
		return "", "", fmt.Errorf("malformed job handle %q", handle)
	}
	return jobid, dir, nil
}

func outputName(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + ".out"
}
