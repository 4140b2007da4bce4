// Sandbox is the seam between the trial executor and the actual
// agent-container runtime. Container and process launch mechanics
// inside a worker stay out of the core, which specifies only the
// trial-execution contract: a writable workspace, a
// read-only task input, writable output/state, optional read-only
// deps/dataset mounts, and exactly the variant's declared environment
// variables. LocalProcessSandbox below is a runnable stand-in for
// local development and tests — a real deployment swaps in whatever
// actually launches the OCI container — so it is deliberately the
// simplest thing that honors the directory-mount and env-var contract
// without claiming to be a container runtime itself.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// SandboxSpec describes one trial's container invocation per the
// agent-container contract.
type SandboxSpec struct {
	WorkspaceDir string // rw /workspace
	TaskInputPath string // ro /in/task.json
	OutputDir    string // rw /out
	StateDir     string // rw /state
	DepsDir      string // ro /deps
	DatasetDir   string // ro /dataset
	Env          map[string]string
	Command      []string
	Timeout      time.Duration
}

// SandboxResult is what a Sandbox run produces.
type SandboxResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
}

// ErrSandboxTimeout is returned (wrapped) when Command does not exit
// within spec.Timeout.
var ErrSandboxTimeout = errors.New("executor: sandbox timeout")

// Sandbox runs one containerized command per the agent-container
// contract and reports its outcome.
type Sandbox interface {
	Run(ctx context.Context, spec SandboxSpec) (SandboxResult, error)
}

// LocalProcessSandbox runs spec.Command as a plain subprocess rooted
// at spec.WorkspaceDir, exposing the other mount points as environment
// variables (AGENTLAB_IN, AGENTLAB_OUT, AGENTLAB_STATE, AGENTLAB_DEPS,
// AGENTLAB_DATASET) since it has no real bind-mount boundary to
// enforce read-only-ness — a real container runtime backing Sandbox
// would enforce that at the mount layer instead.
type LocalProcessSandbox struct{}

// Run implements Sandbox.
func (LocalProcessSandbox) Run(ctx context.Context, spec SandboxSpec) (SandboxResult, error) {
	if len(spec.Command) == 0 {
		return SandboxResult{}, fmt.Errorf("executor: empty sandbox command")
	}
	for _, dir := range []string{spec.WorkspaceDir, spec.OutputDir, spec.StateDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return SandboxResult{}, fmt.Errorf("executor: mkdir %s: %w", dir, err)
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkspaceDir

	env := os.Environ()
	env = append(env,
		"AGENTLAB_IN="+spec.TaskInputPath,
		"AGENTLAB_OUT="+spec.OutputDir,
		"AGENTLAB_STATE="+spec.StateDir,
		"AGENTLAB_DEPS="+spec.DepsDir,
		"AGENTLAB_DATASET="+spec.DatasetDir,
	)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := SandboxResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		return result, fmt.Errorf("%w: after %s", ErrSandboxTimeout, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("executor: run command: %w", err)
	}
	return result, nil
}

func writeLogFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
