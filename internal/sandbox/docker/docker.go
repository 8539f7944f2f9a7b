package docker

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	"github.com/mvajha/talon/internal/config"
	"github.com/mvajha/talon/internal/sandbox"
	"github.com/mvajha/talon/internal/service/logger"
	"github.com/mvajha/talon/model"
)

// Env vars passed through to the agent container so it can reach the
// artifact store and the log ingest endpoint.
var passthroughEnv = []string{
	"MINIO_ENDPOINT",
	"MINIO_ARTIFACT_BUCKET",
	"MINIO_ACCESS_KEY",
	"MINIO_SECRET_KEY",
	"MINIO_USE_SSL",
	"TALON_INGEST_URL",
}

type DockerLauncher struct {
	docker *client.Client
	cfg    *config.SandboxConfig
	exits  chan sandbox.ExitEvent
}

func NewDockerLauncher(cfg *config.SandboxConfig) (*DockerLauncher, error) {
	dc, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker: %w", err)
	}
	return &DockerLauncher{
		docker: dc,
		cfg:    cfg,
		exits:  make(chan sandbox.ExitEvent, 64),
	}, nil
}

// Launch creates and starts one agent container for the job. The job
// descriptor travels in the environment; the container ID is the
// execution handle.
func (d *DockerLauncher) Launch(ctx context.Context, job *model.Job) (string, error) {
	env := []string{
		"JOB_ID=" + job.ID,
		"TARGET_URL=" + job.TargetURL,
		"TIMEOUT_SECONDS=" + strconv.Itoa(job.TimeoutSeconds),
	}
	for _, key := range passthroughEnv {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}

	pl := int64(128)
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			CPUPeriod: 100000,
			CPUQuota:  int64(d.cfg.CPU_QUOTA),
			Memory:    int64(d.cfg.MEMORY_BYTES),
			PidsLimit: &pl,
		},
		// Headless chromium needs a writable shm-sized tmp.
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,mode=0777,size=268435456",
		},
	}
	cfg := &container.Config{
		Image: d.cfg.AGENT_IMAGE,
		Env:   env,
		Labels: map[string]string{
			"talon.job_id": job.ID,
		},
	}

	created, err := d.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     cfg,
		HostConfig: hostCfg,
		Name:       "talon-" + job.ID,
	})
	if err != nil {
		return "", err
	}

	if _, err := d.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		d.remove(context.Background(), created.ID)
		return "", err
	}

	go d.watch(job.ID, created.ID)

	return created.ID, nil
}

// watch blocks until the container exits, then publishes the exit event
// and removes the container.
func (d *DockerLauncher) watch(jobID, containerID string) {
	res := d.docker.ContainerWait(context.Background(), containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	var ev sandbox.ExitEvent
	select {
	case err := <-res.Error:
		ev = sandbox.ExitEvent{JobID: jobID, Handle: containerID, Err: err}
	case status := <-res.Result:
		ev = sandbox.ExitEvent{JobID: jobID, Handle: containerID, ExitCode: int(status.StatusCode)}
	}

	d.remove(context.Background(), containerID)
	d.exits <- ev
}

func (d *DockerLauncher) Terminate(ctx context.Context, handle string) error {
	timeout := 0
	_, err := d.docker.ContainerStop(ctx, handle, client.ContainerStopOptions{Timeout: &timeout})
	return err
}

func (d *DockerLauncher) remove(ctx context.Context, handle string) {
	if _, err := d.docker.ContainerRemove(ctx, handle, client.ContainerRemoveOptions{Force: true}); err != nil {
		logger.Log.Warn().Err(err).Str("container", handle).Msg("failed to remove sandbox container")
	}
}

func (d *DockerLauncher) Exits() <-chan sandbox.ExitEvent {
	return d.exits
}

func (d *DockerLauncher) Close() {
	d.docker.Close()
}

var _ sandbox.Launcher = (*DockerLauncher)(nil)
