package runner

import (
	"context"
	"io"

	containertypes "github.com/docker/docker/api/types/container"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/gitvan/khe/kherr"
)

// runShellSandboxed runs argv inside an ephemeral container on image,
// grounded on common/docker.go's ContainerRun (ContainerCreate with
// AttachStdout/AttachStderr, ContainerStart, ContainerWait, then
// ContainerLogs), generalized to set Cmd so an arbitrary argv can be run
// rather than only the image's own entrypoint.
func runShellSandboxed(ctx context.Context, image string, argv []string) (map[string]interface{}, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "creating Docker client for sandboxed Shell step")
	}
	defer cli.Close()

	resp, err := cli.ContainerCreate(
		ctx,
		&containertypes.Config{
			Image:        image,
			Cmd:          argv,
			AttachStdout: true,
			AttachStderr: true,
		},
		&containertypes.HostConfig{AutoRemove: true},
		&networktypes.NetworkingConfig{},
		&ocispec.Platform{},
		"",
	)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "creating sandbox container for Shell step")
	}

	if err := cli.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "starting sandbox container for Shell step")
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, containertypes.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, kherr.Wrap(kherr.KindIO, err, "waiting on sandbox container for Shell step")
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	out, err := cli.ContainerLogs(ctx, resp.ID, containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "reading sandbox container logs for Shell step")
	}
	defer out.Close()
	logs, err := io.ReadAll(out)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "draining sandbox container logs for Shell step")
	}

	outputs := map[string]interface{}{
		"stdout":    string(logs),
		"exit_code": exitCode,
	}
	if exitCode != 0 {
		return outputs, kherr.New(kherr.KindIO, "sandboxed shell command exited %d", exitCode)
	}
	return outputs, nil
}
