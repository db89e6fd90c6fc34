package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"train-orchestrator/core/models"
	"train-orchestrator/storage"
)

// SSHExecutor runs the training job on a provisioned instance through
// the system ssh binary: it ships the job spec over, runs the trainer
// entrypoint remotely, then loads the metrics the job wrote to the
// object store. It is the collaborator boundary for failure
// classification: every error leaving Run carries a models.FailureKind.
type SSHExecutor struct {
	Store storage.ObjectStore

	// KeyPath is the private key for the instance; Workdir is where the
	// job spec lands and the trainer runs.
	KeyPath string
	Workdir string

	// ConnectTimeout bounds each ssh connection attempt; ConnectRetries
	// attempts are made before the offer is declared unusable.
	ConnectTimeout time.Duration
	ConnectRetries int
}

func (e *SSHExecutor) connectTimeout() time.Duration {
	if e.ConnectTimeout <= 0 {
		return 30 * time.Second
	}
	return e.ConnectTimeout
}

func (e *SSHExecutor) connectRetries() int {
	if e.ConnectRetries <= 0 {
		return 6
	}
	return e.ConnectRetries
}

func (e *SSHExecutor) workdir() string {
	if e.Workdir == "" {
		return "/opt/training"
	}
	return e.Workdir
}

// Run executes the job and returns its metrics. Transport that never
// comes up is ssh-hard (blacklists the offer); a non-zero exit from the
// trainer itself is fatal (retrying on new hardware cannot fix the
// job); missing metrics afterwards is fatal too.
func (e *SSHExecutor) Run(ctx context.Context, spec models.JobSpec, ep models.Endpoint) (models.Metrics, error) {
	if err := e.waitSSH(ctx, ep); err != nil {
		return nil, err
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, models.Fatal(fmt.Errorf("failed to encode job spec: %w", err))
	}

	runtimeBound := time.Duration(spec.Runtime.MaxRuntimeMinutes) * time.Minute
	runCtx, cancel := context.WithTimeout(ctx, runtimeBound)
	defer cancel()

	remote := fmt.Sprintf(
		"mkdir -p %s && cat > %s/jobspec.json && cd %s && ./run_training.sh jobspec.json",
		e.workdir(), e.workdir(), e.workdir(),
	)
	cmd := exec.CommandContext(runCtx, "ssh", e.sshArgs(ep, remote)...)
	cmd.Stdin = bytes.NewReader(specJSON)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Printf("[%s] executing trainer on %s", spec.JobID, ep.Host)
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return nil, models.Fatal(fmt.Errorf("training exceeded max runtime of %s", runtimeBound))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyRunError(err, stderr.String())
	}

	return e.loadMetrics(ctx, spec)
}

// waitSSH probes the endpoint until a trivial command succeeds. The
// whole probe budget failing is the ssh-hard class.
func (e *SSHExecutor) waitSSH(ctx context.Context, ep models.Endpoint) error {
	var lastErr error
	for attempt := 0; attempt < e.connectRetries(); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, e.connectTimeout())
		cmd := exec.CommandContext(probeCtx, "ssh", e.sshArgs(ep, "true")...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		err := cmd.Run()
		cancel()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("ssh probe failed: %s", strings.TrimSpace(stderr.String()))
		time.Sleep(5 * time.Second)
	}
	return models.SSHHard(fmt.Errorf("transport never became usable on %s: %w", ep.Host, lastErr))
}

func (e *SSHExecutor) sshArgs(ep models.Endpoint, remote string) []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(e.connectTimeout().Seconds())),
		"-o", "BatchMode=yes",
		"-p", strconv.Itoa(ep.Port),
	}
	if e.KeyPath != "" {
		args = append(args, "-i", e.KeyPath)
	}
	return append(args, ep.User+"@"+ep.Host, remote)
}

func (e *SSHExecutor) loadMetrics(ctx context.Context, spec models.JobSpec) (models.Metrics, error) {
	data, err := e.Store.Get(ctx, spec.Output.MetricsPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, models.Fatal(fmt.Errorf("trainer exited clean but wrote no metrics to %s", spec.Output.MetricsPath))
	}
	if err != nil {
		return nil, models.Retryable(fmt.Errorf("failed to load metrics: %w", err))
	}
	var metrics models.Metrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, models.Fatal(fmt.Errorf("malformed metrics at %s: %w", spec.Output.MetricsPath, err))
	}
	return metrics, nil
}

// classifyRunError assigns a kind to a failed remote run. ssh exits 255
// for transport errors, so those are retryable connection problems;
// anything else came from the trainer and is fatal.
func classifyRunError(err error, stderr string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 255 {
		return models.Retryable(fmt.Errorf("ssh transport error: %s", strings.TrimSpace(stderr)))
	}
	return models.Fatal(fmt.Errorf("trainer failed: %w (%s)", err, strings.TrimSpace(stderr)))
}
