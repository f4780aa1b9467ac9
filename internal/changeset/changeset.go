package changeset

import (
	"errors"
	"slices"

	"github.com/schaermu/treeforge/internal/artifact"
	"github.com/schaermu/treeforge/internal/tree"
)

var (
	// ErrNoPendingChangeSet is returned by Accept and Reject when nothing is open
	ErrNoPendingChangeSet = errors.New("no pending change set")
	// ErrChangeSetOpen is returned by ApplyDirect while a change set is open;
	// new steps must extend the open change set instead.
	ErrChangeSetOpen = errors.New("change set already open")
)

// Rejection reports a step whose action could not be folded into the tree
type Rejection struct {
	Step *Step
	Err  error
}

// ChangeSet pairs the accepted tree at the moment review started with the
// tree that results from the pending steps. Callers must treat both trees as
// read-only.
type ChangeSet struct {
	Original tree.Tree
	Proposed tree.Tree
	// Affected lists file paths in the order they were first touched
	Affected []string
	Steps    []*Step
}

// Coordinator owns the accepted tree, the active step list and at most one
// open change set. It is not safe for concurrent use.
type Coordinator struct {
	accepted tree.Tree
	steps    []*Step
	open     *ChangeSet
}

// New returns a coordinator whose accepted tree is base
func New(base tree.Tree) *Coordinator {
	return &Coordinator{accepted: base.Clone()}
}

// Accepted returns the accepted tree
func (c *Coordinator) Accepted() tree.Tree { return c.accepted }

// Current returns the open change set, or nil
func (c *Coordinator) Current() *ChangeSet { return c.open }

// Open reports whether a change set is awaiting review
func (c *Coordinator) Open() bool { return c.open != nil }

// Tree returns the tree that is authoritative for display: the proposed tree
// while a change set is open, the accepted tree otherwise.
func (c *Coordinator) Tree() tree.Tree {
	if c.open != nil {
		return c.open.Proposed
	}
	return c.accepted
}

// Steps returns the active step list in arrival order
func (c *Coordinator) Steps() []*Step {
	out := make([]*Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// ApplyDirect folds pending steps straight into the accepted tree and marks
// them completed. Steps whose action conflicts with the tree are discarded
// and returned.
func (c *Coordinator) ApplyDirect(steps []*Step) ([]Rejection, error) {
	if c.open != nil {
		return nil, ErrChangeSetOpen
	}

	admitted := c.admit(steps, nil)
	if len(admitted) == 0 {
		return nil, nil
	}

	next := c.accepted.Clone()
	_, applied, rejected := fold(&next, admitted)
	c.accepted = next

	for _, s := range applied {
		s.Status = StatusCompleted
	}
	c.drop(rejected)
	return rejected, nil
}

// BeginOrExtend opens a change set for the pending steps, or folds them into
// the already open one. Steps that are not pending, or already belong to the
// open change set, are ignored so an action is never applied twice.
func (c *Coordinator) BeginOrExtend(steps []*Step) []Rejection {
	admitted := c.admit(steps, c.open)
	if len(admitted) == 0 {
		return nil
	}

	cs := c.open
	if cs == nil {
		cs = &ChangeSet{
			Original: c.accepted.Clone(),
			Proposed: c.accepted.Clone(),
		}
	}

	affected, applied, rejected := fold(&cs.Proposed, admitted)
	for _, p := range affected {
		if !slices.Contains(cs.Affected, p) {
			cs.Affected = append(cs.Affected, p)
		}
	}
	cs.Steps = append(cs.Steps, applied...)
	c.drop(rejected)

	if len(cs.Steps) > 0 {
		c.open = cs
	}
	return rejected
}

// Accept makes the proposed tree the accepted tree and completes its steps
func (c *Coordinator) Accept() ([]*Step, error) {
	cs := c.open
	if cs == nil {
		return nil, ErrNoPendingChangeSet
	}

	c.accepted = cs.Proposed
	for _, s := range cs.Steps {
		s.Status = StatusCompleted
	}
	c.open = nil
	return cs.Steps, nil
}

// Reject discards the proposed tree. Its steps are marked discarded and
// removed from the active step list.
func (c *Coordinator) Reject() ([]*Step, error) {
	cs := c.open
	if cs == nil {
		return nil, ErrNoPendingChangeSet
	}

	for _, s := range cs.Steps {
		s.Status = StatusDiscarded
	}
	c.removeSteps(cs.Steps)
	c.open = nil
	return cs.Steps, nil
}

// SelectDefaultFocus returns the first affected path of the open change set
func (c *Coordinator) SelectDefaultFocus() (string, bool) {
	if c.open == nil || len(c.open.Affected) == 0 {
		return "", false
	}
	return c.open.Affected[0], true
}

// admit filters steps down to pending ones not yet folded and registers new
// ones in the active list.
func (c *Coordinator) admit(steps []*Step, cs *ChangeSet) []*Step {
	var admitted []*Step
	for _, s := range steps {
		if s == nil || s.Status != StatusPending {
			continue
		}
		if cs != nil && containsStep(cs.Steps, s) {
			continue
		}
		if !containsStep(c.steps, s) {
			c.steps = append(c.steps, s)
		}
		admitted = append(admitted, s)
	}
	return admitted
}

func (c *Coordinator) drop(rejected []Rejection) {
	if len(rejected) == 0 {
		return
	}
	steps := make([]*Step, 0, len(rejected))
	for _, r := range rejected {
		r.Step.Status = StatusDiscarded
		steps = append(steps, r.Step)
	}
	c.removeSteps(steps)
}

func (c *Coordinator) removeSteps(remove []*Step) {
	kept := c.steps[:0]
	for _, s := range c.steps {
		if !containsStep(remove, s) {
			kept = append(kept, s)
		}
	}
	clear(c.steps[len(kept):])
	c.steps = kept
}

// fold applies each step's action to t in order. Non-file actions are
// recorded as applied without touching the tree.
func fold(t *tree.Tree, steps []*Step) (affected []string, applied []*Step, rejected []Rejection) {
	for _, s := range steps {
		res := tree.ApplyInPlace(t, []artifact.Action{s.Action})
		if len(res.Rejected) > 0 {
			rejected = append(rejected, Rejection{Step: s, Err: res.Rejected[0].Err})
			continue
		}
		applied = append(applied, s)
		for _, p := range res.Affected {
			if !slices.Contains(affected, p) {
				affected = append(affected, p)
			}
		}
	}
	return affected, applied, rejected
}

func containsStep(steps []*Step, s *Step) bool {
	for _, x := range steps {
		if x.ID == s.ID {
			return true
		}
	}
	return false
}
