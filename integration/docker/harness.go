//go:build integration

package docker

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

const (
	imageRef       = "alpine:3.20"
	defaultTimeout = 5 * time.Minute
)

// Harness runs a throwaway sandbox container through the Docker API
type Harness struct {
	t           *testing.T
	cli         *client.Client
	containerID string
	keepOnFail  bool
}

// NewHarness connects to the Docker daemon from the environment
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("docker client: %v", err)
	}
	return &Harness{
		t:          t,
		cli:        cli,
		keepOnFail: os.Getenv("INTEGRATION_KEEP_CONTAINER") == "1",
	}
}

// Client returns the Docker client used by the harness
func (h *Harness) Client() *client.Client { return h.cli }

// ContainerID returns the running sandbox container
func (h *Harness) ContainerID() string { return h.containerID }

// StartContainer pulls the image and starts a container that idles until
// removed.
func (h *Harness) StartContainer(ctx context.Context) error {
	h.t.Helper()

	h.t.Logf("Pulling image %s", imageRef)
	rc, err := h.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()

	resp, err := h.cli.ContainerCreate(ctx, &container.Config{
		Image: imageRef,
		Cmd:   []string{"sleep", "600"},
	}, nil, nil, nil, "")
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	h.containerID = resp.ID

	if err := h.cli.ContainerStart(ctx, h.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	h.t.Logf("Container started: %s", h.containerID)
	return nil
}

// Cleanup removes the container unless the test failed and
// INTEGRATION_KEEP_CONTAINER=1 is set.
func (h *Harness) Cleanup(ctx context.Context) {
	h.t.Helper()
	defer func() {
		_ = h.cli.Close()
	}()
	if h.containerID == "" {
		return
	}

	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_CONTAINER=1, keeping container %s", h.containerID)
		h.t.Logf("To inspect: docker exec -it %s /bin/sh", h.containerID)
		return
	}

	if err := h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil {
		h.t.Logf("Warning: failed to remove container: %v", err)
	}
}

// ReadFile copies a single file out of the container
func (h *Harness) ReadFile(ctx context.Context, path string) (string, error) {
	h.t.Helper()
	if h.containerID == "" {
		return "", errors.New("container not started")
	}

	rc, _, err := h.cli.CopyFromContainer(ctx, h.containerID, path)
	if err != nil {
		return "", fmt.Errorf("copy from container: %w", err)
	}
	defer func() {
		_ = rc.Close()
	}()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}
