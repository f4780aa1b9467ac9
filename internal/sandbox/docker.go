package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"

	"github.com/schaermu/treeforge/internal/mount"
)

// DockerAPI is the subset of the Docker client used by DockerMounter.
// *client.Client satisfies it.
type DockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
}

// DockerMounter copies mount trees into a running container
type DockerMounter struct {
	docker    DockerAPI
	container string
	dest      string
	logger    *slog.Logger
	now       func() time.Time
}

// NewDockerMounter creates a mounter that extracts trees under dest inside
// the named container.
func NewDockerMounter(docker DockerAPI, containerName, dest string, logger *slog.Logger) *DockerMounter {
	return &DockerMounter{
		docker:    docker,
		container: containerName,
		dest:      dest,
		logger:    logger,
		now:       time.Now,
	}
}

// Mount streams t as a tar archive into the container. Files are
// overwritten; files missing from t are left in place.
func (m *DockerMounter) Mount(ctx context.Context, t mount.Tree) error {
	if err := m.mount(ctx, t); err != nil {
		return &MountError{Driver: "docker", Err: err}
	}
	return nil
}

func (m *DockerMounter) mount(ctx context.Context, t mount.Tree) error {
	info, err := m.docker.ContainerInspect(ctx, m.container)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s does not exist: %w", m.container, err)
		}
		return fmt.Errorf("inspect container %s: %w", m.container, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return fmt.Errorf("container %s is not running", m.container)
	}

	archive, files, err := m.archive(t)
	if err != nil {
		return fmt.Errorf("build archive: %w", err)
	}

	m.logger.Info("copying mount tree into container",
		"container", m.container,
		"dest", m.dest,
		"files", files,
		"bytes", archive.Len())

	if err := m.docker.CopyToContainer(ctx, m.container, m.dest, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container %s: %w", m.container, err)
	}
	return nil
}

// archive renders t as an uncompressed tar stream and returns the number of
// regular files in it.
func (m *DockerMounter) archive(t mount.Tree) (*bytes.Buffer, int, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	modTime := m.now()
	files := 0

	err := mount.Walk(t, func(p string, e mount.Entry) error {
		if e.IsDir() {
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     p + "/",
				Mode:     0755,
				ModTime:  modTime,
			})
		}

		body := []byte(e.File.Contents)
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     p,
			Mode:     0644,
			Size:     int64(len(body)),
			ModTime:  modTime,
		}); err != nil {
			return err
		}
		files++
		_, err := tw.Write(body)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	return &buf, files, nil
}
