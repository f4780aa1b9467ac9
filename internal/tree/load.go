package tree

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/treeforge/internal/artifact"
)

// LoadDir builds a tree from the files under dir. Hidden files and
// directories (names starting with ".") are skipped, as are empty
// directories since the tree only creates folders on behalf of files.
func LoadDir(dir string) (Tree, error) {
	var actions []artifact.Action

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		actions = append(actions, artifact.Action{
			Kind:    artifact.KindFile,
			Path:    filepath.ToSlash(rel),
			Payload: string(data),
			Seq:     len(actions),
		})
		return nil
	})
	if err != nil {
		return Tree{}, fmt.Errorf("failed to load %s: %w", dir, err)
	}

	var t Tree
	res := ApplyInPlace(&t, actions)
	if len(res.Rejected) > 0 {
		return Tree{}, fmt.Errorf("failed to load %s: %w", dir, res.Rejected[0].Err)
	}
	return t, nil
}
