package tree

import (
	"errors"
	"fmt"
	"strings"
)

// NodeKind distinguishes files from folders
type NodeKind string

const (
	KindFile   NodeKind = "file"
	KindFolder NodeKind = "folder"
)

var (
	// ErrPathConflict is returned when a path segment is already used by a
	// node of the other kind.
	ErrPathConflict = errors.New("path resolution conflict")
	// ErrInvalidPath is returned for empty paths or paths escaping the root.
	ErrInvalidPath = errors.New("invalid path")
)

// ConflictError reports an action that addressed an existing node as the wrong kind
type ConflictError struct {
	Path     string   // node that blocked the action
	Existing NodeKind // kind already in the tree
	Wanted   NodeKind // kind the action needed
	Target   string   // full target path of the action
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot use %s %s as %s while writing %s", e.Existing, e.Path, e.Wanted, e.Target)
}

func (e *ConflictError) Unwrap() error { return ErrPathConflict }

// Node is one entry of the project tree. Content is nil for folders and for
// files that have not been populated yet.
type Node struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Kind     NodeKind `json:"type"`
	Content  *string  `json:"content,omitempty"`
	Children []*Node  `json:"children,omitempty"`
}

// Text returns the file content, or "" when absent
func (n *Node) Text() string {
	if n == nil || n.Content == nil {
		return ""
	}
	return *n.Content
}

// IsFile reports whether n is a file node
func (n *Node) IsFile() bool { return n != nil && n.Kind == KindFile }

func (n *Node) clone() *Node {
	c := &Node{Name: n.Name, Path: n.Path, Kind: n.Kind}
	if n.Content != nil {
		content := *n.Content
		c.Content = &content
	}
	if n.Kind == KindFolder {
		c.Children = cloneNodes(n.Children)
	}
	return c
}

// Tree is the project tree, represented by the root's children
type Tree struct {
	Nodes []*Node `json:"nodes"`
}

// Clone returns a deep copy of t
func (t Tree) Clone() Tree {
	return Tree{Nodes: cloneNodes(t.Nodes)}
}

func cloneNodes(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.clone()
	}
	return out
}

// Find returns the node whose path equals p, or nil
func (t Tree) Find(p string) *Node {
	canonical, err := CanonicalPath(p)
	if err != nil {
		return nil
	}

	siblings := t.Nodes
	prefix := ""
	segments := strings.Split(strings.TrimPrefix(canonical, "/"), "/")
	for i, seg := range segments {
		prefix += "/" + seg
		n := findByPath(siblings, prefix)
		if n == nil {
			return nil
		}
		if i == len(segments)-1 {
			return n
		}
		siblings = n.Children
	}
	return nil
}

// Walk visits every node depth-first in insertion order. Returning an error
// from fn stops the walk.
func (t Tree) Walk(fn func(n *Node) error) error {
	return walkNodes(t.Nodes, fn)
}

func walkNodes(nodes []*Node, fn func(n *Node) error) error {
	for _, n := range nodes {
		if err := fn(n); err != nil {
			return err
		}
		if n.Kind == KindFolder {
			if err := walkNodes(n.Children, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Files returns the paths of all file nodes in walk order
func (t Tree) Files() []string {
	var paths []string
	_ = t.Walk(func(n *Node) error {
		if n.Kind == KindFile {
			paths = append(paths, n.Path)
		}
		return nil
	})
	return paths
}

// CanonicalPath normalizes a slash-delimited relative path to "/seg1/seg2"
func CanonicalPath(raw string) (string, error) {
	var segments []string
	for _, seg := range strings.Split(raw, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q escapes the project root", ErrInvalidPath, raw)
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: %q has no segments", ErrInvalidPath, raw)
	}
	return "/" + strings.Join(segments, "/"), nil
}

func findByPath(siblings []*Node, p string) *Node {
	for _, n := range siblings {
		if n.Path == p {
			return n
		}
	}
	return nil
}
