package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/treeforge/internal/mount"
)

// ErrMountFailed is matched by every error returned from a Mounter
var ErrMountFailed = errors.New("mount failed")

// Mounter materializes a mount tree in a sandbox
type Mounter interface {
	Mount(ctx context.Context, t mount.Tree) error
}

// MountError reports a sandbox that refused or failed to take a mount tree.
// The project tree is unaffected; callers surface the error and may retry.
type MountError struct {
	Driver string
	Err    error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("%s mount failed: %v", e.Driver, e.Err)
}

func (e *MountError) Unwrap() []error { return []error{ErrMountFailed, e.Err} }

// Nop discards mounts; used when no sandbox is configured
type Nop struct {
	Logger *slog.Logger
}

// Mount logs the number of files and returns nil
func (n Nop) Mount(_ context.Context, t mount.Tree) error {
	if n.Logger != nil {
		n.Logger.Debug("sandbox disabled, skipping mount", "files", len(mount.Files(t)))
	}
	return nil
}
