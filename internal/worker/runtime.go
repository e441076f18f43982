// Package worker is the Scan Worker Runtime (spec §4.9): invokes the
// opaque policy evaluator as a subprocess, injects credentials via
// environment only, enforces a wall-clock timeout, writes stdout and
// stderr to a single worker.log file in the job directory (append mode,
// not rotated; it is uploaded with the results), and places the raw
// output tree under results/{job_id}/. Subprocess invocation follows the os/exec pattern
// used for AWS CLI credential export in the retrieval pack.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/epam/syndicate-rule-engine-sub001/internal/blobstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/logging"
)

// Evaluator runs one policy evaluation invocation. The production
// implementation shells out to the external c7n-compatible binary;
// tests supply a fake.
type Evaluator interface {
	// Command returns the subprocess argv for evaluating rulesetPath
	// against regions, rooted at workDir.
	Command(rulesetPath, workDir string, regions []string) (name string, args []string)
}

// ExternalEvaluator shells out to a configured binary path.
type ExternalEvaluator struct {
	BinaryPath string
}

func (e *ExternalEvaluator) Command(rulesetPath, workDir string, regions []string) (string, []string) {
	args := []string{"run", "--ruleset", rulesetPath, "--output", workDir}
	for _, r := range regions {
		args = append(args, "--region", r)
	}
	return e.BinaryPath, args
}

// Invocation describes one job's worker run.
type Invocation struct {
	JobID       string
	RulesetPath string // local path the artifact was materialized to
	Regions     []string
	Env         map[string]string // unsealed credentials, injected via environment only
	WallClock   time.Duration
}

// Runtime executes invocations and ships results to the blob store.
type Runtime struct {
	evaluator Evaluator
	blobs     blobstore.Store
	log       *logging.Logger
	workDir   string
}

func New(evaluator Evaluator, blobs blobstore.Store, log *logging.Logger, workDir string) *Runtime {
	return &Runtime{evaluator: evaluator, blobs: blobs, log: log, workDir: workDir}
}

// Run executes one job to completion (success, failure, or wall-clock
// timeout), respecting cooperative cancellation via cancel, and
// uploads the raw output tree to results/{job_id}/.
func (r *Runtime) Run(ctx context.Context, inv Invocation, cancel <-chan struct{}) error {
	wallClock := inv.WallClock
	if wallClock <= 0 {
		wallClock = 2 * time.Hour
	}
	runCtx, stop := context.WithTimeout(ctx, wallClock)
	defer stop()

	jobDir := filepath.Join(r.workDir, inv.JobID)
	if err := os.MkdirAll(jobDir, 0o700); err != nil {
		return errors.Internal("worker: create job dir failed", err)
	}
	defer os.RemoveAll(jobDir)

	name, args := r.evaluator.Command(inv.RulesetPath, jobDir, inv.Regions)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = envSlice(inv.Env)
	cmd.Dir = jobDir

	logPath := filepath.Join(jobDir, "worker.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Internal("worker: open log sink failed", err)
	}
	defer logFile.Close()
	sink := bufio.NewWriter(logFile)
	defer sink.Flush()
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		return errors.Internal("worker: evaluator failed to start", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timedOut bool
	select {
	case <-cancel:
		_ = cmd.Process.Kill()
		<-done
		r.synthesizeFailureManifest(jobDir, "cancelled by cooperative checkpoint")
	case err := <-done:
		if runCtx.Err() == context.DeadlineExceeded {
			timedOut = true
			r.synthesizeFailureManifest(jobDir, "wall-clock timeout exceeded")
		} else if err != nil {
			r.synthesizeFailureManifest(jobDir, err.Error())
		}
	}

	if err := r.uploadTree(ctx, jobDir, inv.JobID); err != nil {
		return err
	}
	if timedOut {
		return errors.TimedOut(fmt.Sprintf("job %s", inv.JobID))
	}
	return nil
}

// synthesizeFailureManifest writes a minimal errors.log entry for the
// crash/timeout/cancellation case so the Result Ingestor always has
// something to canonicalize, per spec §4.9.
func (r *Runtime) synthesizeFailureManifest(jobDir, reason string) {
	path := filepath.Join(jobDir, "errors.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	entry := map[string]string{"kind": "INTERNAL", "message": reason, "at": time.Now().UTC().Format(time.RFC3339)}
	enc := json.NewEncoder(f)
	_ = enc.Encode(entry)
}

func (r *Runtime) uploadTree(ctx context.Context, jobDir, jobID string) error {
	return filepath.Walk(jobDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(jobDir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		key := fmt.Sprintf("results/%s/%s", jobID, filepath.ToSlash(rel))
		return r.blobs.Put(ctx, key, f, info.Size(), contentTypeFor(rel))
	})
}

func contentTypeFor(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
