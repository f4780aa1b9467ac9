package mount

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/schaermu/treeforge/internal/tree"
)

// Tree is the nested descriptor handed to a sandbox mount call. Keys are
// entry names relative to the enclosing directory.
type Tree map[string]Entry

// Entry is either a directory or a file; exactly one field is set
type Entry struct {
	Directory Tree
	File      *File
}

// File carries a file body. Contents is always present, empty files included.
type File struct {
	Contents string `json:"contents"`
}

// IsDir reports whether e describes a directory
func (e Entry) IsDir() bool { return e.File == nil }

type dirJSON struct {
	Directory Tree `json:"directory"`
}

type fileJSON struct {
	File *File `json:"file"`
}

// MarshalJSON emits {"directory":{...}} or {"file":{"contents":"..."}}
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.File != nil {
		return json.Marshal(fileJSON{File: e.File})
	}
	dir := e.Directory
	if dir == nil {
		dir = Tree{}
	}
	return json.Marshal(dirJSON{Directory: dir})
}

// UnmarshalJSON accepts the shapes produced by MarshalJSON
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Directory *Tree `json:"directory"`
		File      *File `json:"file"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.File != nil && raw.Directory != nil:
		return fmt.Errorf("mount entry has both file and directory")
	case raw.File != nil:
		*e = Entry{File: raw.File}
	case raw.Directory != nil:
		*e = Entry{Directory: *raw.Directory}
	default:
		return fmt.Errorf("mount entry has neither file nor directory")
	}
	return nil
}

// Project converts a project tree into a mount tree. Files without content
// are projected with an empty body.
func Project(t tree.Tree) Tree {
	return projectNodes(t.Nodes)
}

func projectNodes(nodes []*tree.Node) Tree {
	out := make(Tree, len(nodes))
	for _, n := range nodes {
		if n.Kind == tree.KindFolder {
			out[n.Name] = Entry{Directory: projectNodes(n.Children)}
			continue
		}
		out[n.Name] = Entry{File: &File{Contents: n.Text()}}
	}
	return out
}

// Walk visits entries depth-first with names sorted, passing the slash
// separated path relative to the mount root.
func Walk(t Tree, fn func(p string, e Entry) error) error {
	return walk("", t, fn)
}

func walk(prefix string, t Tree, fn func(p string, e Entry) error) error {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := t[name]
		p := path.Join(prefix, name)
		if err := fn(p, e); err != nil {
			return err
		}
		if e.IsDir() {
			if err := walk(p, e.Directory, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Files flattens t into a map of relative path to contents
func Files(t Tree) map[string]string {
	files := make(map[string]string)
	_ = Walk(t, func(p string, e Entry) error {
		if !e.IsDir() {
			files[p] = e.File.Contents
		}
		return nil
	})
	return files
}
