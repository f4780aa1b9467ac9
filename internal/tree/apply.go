package tree

import (
	"strings"

	"github.com/schaermu/treeforge/internal/artifact"
)

// Rejection pairs an action with the structural error that stopped it
type Rejection struct {
	Action artifact.Action
	Err    error
}

// Result summarizes a fold of several actions
type Result struct {
	// Affected holds canonical file paths in first-touch order, without duplicates
	Affected []string
	Rejected []Rejection
}

// Apply returns a copy of t with the action folded in. The input tree is
// never modified. Non-file actions return t unchanged.
func Apply(t Tree, a artifact.Action) (Tree, error) {
	if a.Kind != artifact.KindFile {
		return t, nil
	}
	out := t.Clone()
	if _, err := upsert(&out, a); err != nil {
		return t, err
	}
	return out, nil
}

// ApplyAll folds actions into a copy of t in order. Actions that fail
// structurally are skipped and reported; the rest still apply.
func ApplyAll(t Tree, actions []artifact.Action) (Tree, Result) {
	out := t.Clone()
	res := ApplyInPlace(&out, actions)
	return out, res
}

// ApplyInPlace folds actions into t, mutating it. Callers own t exclusively.
func ApplyInPlace(t *Tree, actions []artifact.Action) Result {
	var res Result
	seen := make(map[string]bool)
	for _, a := range actions {
		if a.Kind != artifact.KindFile {
			continue
		}
		p, err := upsert(t, a)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Action: a, Err: err})
			continue
		}
		if !seen[p] {
			seen[p] = true
			res.Affected = append(res.Affected, p)
		}
	}
	return res
}

// upsert creates missing folders in segment order and writes the file. The
// conflict check runs before any node is created so a rejected action leaves
// no partial folders behind.
func upsert(t *Tree, a artifact.Action) (string, error) {
	target, err := CanonicalPath(a.Path)
	if err != nil {
		return "", err
	}
	if err := checkConflict(*t, target); err != nil {
		return "", err
	}

	segments := strings.Split(strings.TrimPrefix(target, "/"), "/")
	siblings := &t.Nodes
	prefix := ""
	for i, seg := range segments {
		prefix += "/" + seg
		n := findByPath(*siblings, prefix)

		if i == len(segments)-1 {
			content := a.Payload
			if n == nil {
				*siblings = append(*siblings, &Node{Name: seg, Path: prefix, Kind: KindFile, Content: &content})
			} else {
				n.Content = &content
			}
			return target, nil
		}

		if n == nil {
			n = &Node{Name: seg, Path: prefix, Kind: KindFolder, Children: []*Node{}}
			*siblings = append(*siblings, n)
		}
		siblings = &n.Children
	}
	return target, nil
}

func checkConflict(t Tree, target string) error {
	segments := strings.Split(strings.TrimPrefix(target, "/"), "/")
	siblings := t.Nodes
	prefix := ""
	for i, seg := range segments {
		prefix += "/" + seg
		n := findByPath(siblings, prefix)
		if n == nil {
			return nil
		}

		wanted := KindFolder
		if i == len(segments)-1 {
			wanted = KindFile
		}
		if n.Kind != wanted {
			return &ConflictError{Path: prefix, Existing: n.Kind, Wanted: wanted, Target: target}
		}
		siblings = n.Children
	}
	return nil
}
