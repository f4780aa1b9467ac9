package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/treeforge/internal/mount"
)

const stateFileName = ".treeforge-state.json"

// DirMounter materializes mount trees into a local directory. It keeps a
// state file of written hashes so remounts only touch changed files.
type DirMounter struct {
	dir    string
	prune  bool
	logger *slog.Logger
	dryRun bool
}

// NewDirMounter creates a mounter rooted at dir. With prune set, files written
// by an earlier mount but absent from the current tree are removed.
func NewDirMounter(dir string, prune bool, logger *slog.Logger, dryRun bool) *DirMounter {
	return &DirMounter{
		dir:    dir,
		prune:  prune,
		logger: logger,
		dryRun: dryRun,
	}
}

// Mount writes t under the mounter's directory
func (m *DirMounter) Mount(ctx context.Context, t mount.Tree) error {
	if err := m.mount(ctx, t); err != nil {
		return &MountError{Driver: "dir", Err: err}
	}
	return nil
}

func (m *DirMounter) mount(ctx context.Context, t mount.Tree) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create mount directory: %w", err)
	}

	prevState, err := m.loadState()
	if err != nil {
		m.logger.Warn("failed to load mount state (will rewrite all files)", "error", err)
		prevState = &State{ManagedFiles: make(map[string]ManagedFile)}
	}

	plan, err := m.buildPlan(prevState, t)
	if err != nil {
		return err
	}
	if plan.Empty() {
		m.logger.Debug("mount directory up to date", "dir", m.dir)
		return nil
	}
	m.logger.Info("mount plan",
		"dir", m.dir,
		"add", len(plan.Add),
		"update", len(plan.Update),
		"delete", len(plan.Delete))

	if m.dryRun {
		m.logPlanDetails(plan)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.applyPlan(plan); err != nil {
		return err
	}

	return m.saveState(buildState(prevState, plan))
}

// buildPlan compares the desired files against the previous state. The state
// file name is reserved at the mount root.
func (m *DirMounter) buildPlan(prevState *State, t mount.Tree) (*Plan, error) {
	desired := mount.Files(t)
	if _, ok := desired[stateFileName]; ok {
		return nil, fmt.Errorf("%s is reserved for mount state", stateFileName)
	}

	plan := &Plan{
		Add:    make([]FileOp, 0),
		Update: make([]FileOp, 0),
		Delete: make([]FileOp, 0),
	}

	for _, rel := range sortedKeys(desired) {
		contents := desired[rel]
		op := FileOp{
			RelPath:  rel,
			DestPath: filepath.Join(m.dir, filepath.FromSlash(rel)),
			Hash:     contentHash(contents),
			Contents: contents,
		}

		prev, exists := prevState.ManagedFiles[rel]
		switch {
		case !exists:
			plan.Add = append(plan.Add, op)
		case prev.Hash != op.Hash:
			plan.Update = append(plan.Update, op)
		case !fileExists(op.DestPath):
			// removed behind our back
			plan.Add = append(plan.Add, op)
		}
	}

	if m.prune {
		for _, rel := range sortedKeys(prevState.ManagedFiles) {
			if _, ok := desired[rel]; !ok {
				plan.Delete = append(plan.Delete, FileOp{
					RelPath:  rel,
					DestPath: filepath.Join(m.dir, filepath.FromSlash(rel)),
				})
			}
		}
	}

	return plan, nil
}

// applyPlan executes the plan
func (m *DirMounter) applyPlan(plan *Plan) error {
	for _, op := range plan.Add {
		m.logger.Debug("adding file", "dest", op.DestPath)
		if err := writeFileAtomic(op.DestPath, op.Contents); err != nil {
			return fmt.Errorf("failed to add file %s: %w", op.RelPath, err)
		}
	}

	for _, op := range plan.Update {
		m.logger.Debug("updating file", "dest", op.DestPath)
		if err := writeFileAtomic(op.DestPath, op.Contents); err != nil {
			return fmt.Errorf("failed to update file %s: %w", op.RelPath, err)
		}
	}

	for _, op := range plan.Delete {
		m.logger.Debug("deleting file", "dest", op.DestPath)
		if err := os.Remove(op.DestPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file %s: %w", op.RelPath, err)
		}
		m.removeEmptyParents(op.DestPath)
	}

	return nil
}

// removeEmptyParents removes the directories above p that are left empty,
// stopping at the mount root
func (m *DirMounter) removeEmptyParents(p string) {
	root := filepath.Clean(m.dir)
	for dir := filepath.Dir(p); dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		m.logger.Debug("removed empty directory", "dir", dir)
	}
}

func (m *DirMounter) logPlanDetails(plan *Plan) {
	for _, op := range plan.Add {
		m.logger.Info("[dry-run] would add", "dest", op.DestPath)
	}
	for _, op := range plan.Update {
		m.logger.Info("[dry-run] would update", "dest", op.DestPath)
	}
	for _, op := range plan.Delete {
		m.logger.Info("[dry-run] would delete", "dest", op.DestPath)
	}
}

func buildState(prevState *State, plan *Plan) *State {
	state := &State{ManagedFiles: make(map[string]ManagedFile)}
	for rel, managed := range prevState.ManagedFiles {
		state.ManagedFiles[rel] = managed
	}
	for _, op := range plan.Delete {
		delete(state.ManagedFiles, op.RelPath)
	}
	for _, op := range append(plan.Add, plan.Update...) {
		state.ManagedFiles[op.RelPath] = ManagedFile{Hash: op.Hash}
	}
	return state
}

func (m *DirMounter) statePath() string {
	return filepath.Join(m.dir, stateFileName)
}

func (m *DirMounter) loadState() (*State, error) {
	data, err := os.ReadFile(m.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{ManagedFiles: make(map[string]ManagedFile)}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.ManagedFiles == nil {
		state.ManagedFiles = make(map[string]ManagedFile)
	}
	return &state, nil
}

func (m *DirMounter) saveState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.statePath(), string(data)); err != nil {
		return fmt.Errorf("failed to save mount state: %w", err)
	}
	return nil
}

// writeFileAtomic writes contents to a temp file next to dst and renames it
// into place.
func writeFileAtomic(dst, contents string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".treeforge-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.WriteString(contents); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

func contentHash(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
