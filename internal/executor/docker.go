package executor

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/gflowd/gflowd/internal/models"
)

// DockerExecutor launches a job inside a container instead of a bare tmux
// session, for operators who want filesystem/process isolation. It is still
// a single-node launch decision: the core already picked the GPUs, this
// just starts the container and returns (spec.md §6's "returns immediately
// after the session is created").
type DockerExecutor struct {
	client    *client.Client
	image     string
	baseURL   string
}

// NewDockerExecutor connects to the local Docker daemon using the standard
// environment-derived client options.
func NewDockerExecutor(image, finishCallbackBaseURL string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker executor: %w", err)
	}
	return &DockerExecutor{client: cli, image: image, baseURL: finishCallbackBaseURL}, nil
}

func (e *DockerExecutor) Execute(job *models.Job) error {
	ctx := context.Background()
	logger := logging.Log.WithField("job_id", job.ID)

	if err := e.ensureImage(ctx, e.image); err != nil {
		return fmt.Errorf("docker: %w", err)
	}

	env := []string{
		fmt.Sprintf("GFLOW_ARRAY_TASK_ID=%s", arrayTaskID(job)),
		fmt.Sprintf("CUDA_VISIBLE_DEVICES=%s", cudaVisibleDevices(job)),
	}
	if job.CondaEnv != "" {
		env = append(env, fmt.Sprintf("CONDA_DEFAULT_ENV=%s", job.CondaEnv))
	}

	containerName := fmt.Sprintf("gflowd-job-%d", job.ID)
	containerCfg := &container.Config{
		Image:      e.image,
		Cmd:        []string{"bash", "-c", jobCommandLine(job)},
		Env:        env,
		WorkingDir: job.WorkingDir,
		Labels: map[string]string{
			"gflowd.job_id":   fmt.Sprintf("%d", job.ID),
			"gflowd.run_name": job.RunName,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s", job.WorkingDir, job.WorkingDir)},
	}
	if len(job.GpuIDs) > 0 {
		hostCfg.Resources = container.Resources{
			DeviceRequests: []container.DeviceRequest{{
				Driver:       "nvidia",
				Count:        len(job.GpuIDs),
				Capabilities: [][]string{{"gpu"}},
			}},
		}
	}

	resp, err := e.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return fmt.Errorf("docker: create container: %w", err)
	}
	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("docker: start container: %w", err)
	}

	logger.WithField("container_id", resp.ID).Info("container started")
	go e.watch(resp.ID, job)
	return nil
}

// watch waits for the container to exit and reports the outcome back to the
// daemon over HTTP, the same role the tmux wrapper script plays inline.
func (e *DockerExecutor) watch(containerID string, job *models.Job) {
	ctx := context.Background()
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		logging.Log.WithError(err).WithField("job_id", job.ID).Error("error waiting for container")
	case status := <-statusCh:
		if status.StatusCode == 0 {
			postCallback(e.baseURL, job.ID, "finish")
		} else {
			postCallback(e.baseURL, job.ID, "fail")
		}
	}
}

func (e *DockerExecutor) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := e.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}
	rc, err := e.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer rc.Close()
	return nil
}
