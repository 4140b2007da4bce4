// Command workerd runs a standalone remote worker daemon: an
// internal/worker/local.Backend (an in-process thread pool executing
// trials via internal/executor) fronted by internal/worker/remote's
// HTTP protocol, so a coordinator process elsewhere can dispatch to it
// as a worker.Backend over the network instead of in-process.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/agentlab/runner/internal/artifact"
	"github.com/agentlab/runner/internal/executor"
	"github.com/agentlab/runner/internal/metrics"
	"github.com/agentlab/runner/internal/obslog"
	"github.com/agentlab/runner/internal/schemacheck"
	"github.com/agentlab/runner/internal/worker/local"
	"github.com/agentlab/runner/internal/worker/remote"
)

func main() {
	var addr, tokenEnv, workDir string
	var capacity, queueDepth int
	var metricsAddr string
	args := os.Args[1:]
	next := func(i *int) string {
		*i++
		if *i >= len(args) {
			fmt.Fprintf(os.Stderr, "%s requires a value\n", args[*i-1])
			os.Exit(1)
		}
		return args[*i]
	}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			addr = next(&i)
		case "--token-env":
			tokenEnv = next(&i)
		case "--work-dir":
			workDir = next(&i)
		case "--capacity":
			fmt.Sscanf(next(&i), "%d", &capacity)
		case "--queue-depth":
			fmt.Sscanf(next(&i), "%d", &queueDepth)
		case "--metrics-addr":
			metricsAddr = next(&i)
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if addr == "" {
		addr = ":8090"
	}
	if workDir == "" {
		workDir = "./workerd-data"
	}
	if capacity <= 0 {
		capacity = 4
	}
	if queueDepth <= 0 {
		queueDepth = capacity * 4
	}

	log := obslog.New("workerd", obslog.Options{Writer: os.Stderr})

	artifactStore, err := artifact.Open(filepath.Join(workDir, "artifacts"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "workerd:", err)
		os.Exit(1)
	}
	schemas, err := schemacheck.NewRegistry()
	if err != nil {
		fmt.Fprintln(os.Stderr, "workerd:", err)
		os.Exit(1)
	}

	trialExec := executor.New(executor.Config{
		TrialsRoot:     filepath.Join(workDir, "trials"),
		PackCacheDir:   filepath.Join(workDir, "trials", ".packcache"),
		Sandbox:        executor.LocalProcessSandbox{},
		Backoff:        executor.BackoffConfig{InitialDelayMS: 500, BackoffFactor: 2.0, MaxDelayMS: 30000, Jitter: true},
		RetryPolicy:    executor.RetryPolicyConfig{MaxAttempts: 1, Triggers: []string{"error", "timeout"}},
		DefaultTimeout: 10 * time.Minute,
	}, artifactStore, schemas, log)

	backend := local.New(capacity, queueDepth, local.Execute(trialExec.Execute))
	daemon := remote.NewDaemon(remote.DaemonConfig{Addr: addr, TokenEnv: tokenEnv}, backend, log)

	if metricsAddr != "" {
		m := metrics.New()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			log.Info("metrics listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Error(err, "metrics server exited")
			}
		}()
	}

	if err := daemon.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, "workerd:", err)
		os.Exit(1)
	}
}
