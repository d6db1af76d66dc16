package executor

import (
	"fmt"
	"os/exec"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/gflowd/gflowd/internal/models"
)

// TmuxExecutor is the in-scope default launch backend: a detached tmux
// session per job, named after job.RunName (spec.md §6).
type TmuxExecutor struct {
	finishCallbackBaseURL string
}

// NewTmuxExecutor constructs a TmuxExecutor. finishCallbackBaseURL is the
// daemon's own HTTP base (e.g. http://127.0.0.1:9090) that the wrapped
// command POSTs back to on exit.
func NewTmuxExecutor(finishCallbackBaseURL string) *TmuxExecutor {
	return &TmuxExecutor{finishCallbackBaseURL: finishCallbackBaseURL}
}

// Execute creates `tmux new-session -d -s <run_name> <wrapped command>`. The
// wrapped command exports GFLOW_ARRAY_TASK_ID/CUDA_VISIBLE_DEVICES,
// optionally activates a conda environment, runs the job body, then POSTs
// finish or fail to this daemon depending on the exit code (spec.md §6).
func (e *TmuxExecutor) Execute(job *models.Job) error {
	shellCmd := e.wrap(job)

	cmd := exec.Command("tmux", "new-session", "-d", "-s", job.RunName, "-c", job.WorkingDir, "bash", "-c", shellCmd)
	if err := cmd.Run(); err != nil {
		logging.Log.WithError(err).WithField("run_name", job.RunName).Error("failed to start tmux session")
		return fmt.Errorf("tmux: failed to start session %s: %w", job.RunName, err)
	}
	return nil
}

func (e *TmuxExecutor) wrap(job *models.Job) string {
	body := jobCommandLine(job)

	condaPrefix := ""
	if job.CondaEnv != "" {
		condaPrefix = fmt.Sprintf("conda activate %s && ", job.CondaEnv)
	}

	finishURL := fmt.Sprintf("%s/jobs/%d/finish", e.finishCallbackBaseURL, job.ID)
	failURL := fmt.Sprintf("%s/jobs/%d/fail", e.finishCallbackBaseURL, job.ID)

	return fmt.Sprintf(
		`export GFLOW_ARRAY_TASK_ID=%s; export CUDA_VISIBLE_DEVICES=%s; %s( %s ); code=$?; if [ $code -eq 0 ]; then curl -fsS -X POST %s >/dev/null 2>&1; else curl -fsS -X POST %s >/dev/null 2>&1; fi`,
		arrayTaskID(job), cudaVisibleDevices(job), condaPrefix, body, finishURL, failURL,
	)
}
