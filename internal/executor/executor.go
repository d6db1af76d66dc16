// Package executor implements the launch capability described in spec.md
// §6: given an assigned job (GPUs already picked by the core), start it in
// a detached session and return quickly. None of these implementations make
// scheduling decisions — the core already decided what runs and with which
// GPUs; Execute only starts it.
package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gflowd/gflowd/internal/models"
)

// Executor launches one already-scheduled job. Implementations must return
// once the job is underway, not block for the job's lifetime.
type Executor interface {
	Execute(job *models.Job) error
}

// Config selects and parameterizes an Executor backend.
type Config struct {
	Backend string // "tmux" (default), "docker", "kubernetes"

	FinishCallbackBaseURL string // e.g. http://127.0.0.1:9090

	DockerImage string

	KubernetesNamespace  string
	KubernetesKubeconfig string
}

// renderCommand expands {param} tokens in template from job.Parameters,
// matching spec.md §6's templating rule.
func renderCommand(template string, params map[string]string) string {
	out := template
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// jobCommandLine builds the underlying shell command a job should run,
// before any executor-specific wrapping (session naming, callback posting).
func jobCommandLine(job *models.Job) string {
	if job.UsesScript() {
		return job.ScriptPath
	}
	return renderCommand(job.Command, job.Parameters)
}

// cudaVisibleDevices renders job.GpuIDs as the comma-joined value expected
// by CUDA_VISIBLE_DEVICES.
func cudaVisibleDevices(job *models.Job) string {
	parts := make([]string, len(job.GpuIDs))
	for i, idx := range job.GpuIDs {
		parts[i] = strconv.FormatUint(uint64(idx), 10)
	}
	return strings.Join(parts, ",")
}

func arrayTaskID(job *models.Job) string {
	if job.TaskID != nil {
		return strconv.Itoa(*job.TaskID)
	}
	return "0"
}

// NewFromConfig selects an Executor implementation by configured backend
// name.
func NewFromConfig(cfg Config) (Executor, error) {
	switch cfg.Backend {
	case "", "tmux":
		return NewTmuxExecutor(cfg.FinishCallbackBaseURL), nil
	case "docker":
		return NewDockerExecutor(cfg.DockerImage, cfg.FinishCallbackBaseURL)
	case "kubernetes":
		return NewKubernetesExecutor(cfg.KubernetesNamespace, cfg.KubernetesKubeconfig, cfg.FinishCallbackBaseURL)
	default:
		return nil, fmt.Errorf("executor: unknown backend %q", cfg.Backend)
	}
}
