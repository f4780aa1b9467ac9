package changeset

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/treeforge/internal/artifact"
	"github.com/schaermu/treeforge/internal/tree"
)

func doc(actions ...artifact.Action) artifact.Document {
	for i := range actions {
		actions[i].Seq = i
	}
	return artifact.Document{Title: "test", Actions: actions}
}

func fileAction(path, content string) artifact.Action {
	return artifact.Action{Kind: artifact.KindFile, Path: path, Payload: content}
}

// templated returns a coordinator whose accepted tree holds the starter files
func templated(t *testing.T) *Coordinator {
	t.Helper()
	c := New(tree.Tree{})
	rejected, err := c.ApplyDirect(NewSteps(doc(
		fileAction("index.html", "<html></html>\n"),
		fileAction("src/main.js", "console.log('v1')\n"),
	), 0))
	if err != nil || len(rejected) != 0 {
		t.Fatalf("ApplyDirect: rejected=%v err=%v", rejected, err)
	}
	return c
}

func TestApplyDirect_CompletesSteps(t *testing.T) {
	c := templated(t)

	if got := c.Accepted().Find("/src/main.js").Text(); got != "console.log('v1')\n" {
		t.Errorf("content = %q", got)
	}
	for _, s := range c.Steps() {
		if s.Status != StatusCompleted {
			t.Errorf("step %s status = %s, want completed", s.Title, s.Status)
		}
	}
	if c.Open() {
		t.Error("direct application must not open a change set")
	}
}

func TestNewSteps_Titles(t *testing.T) {
	steps := NewSteps(doc(
		fileAction("a.txt", "a"),
		artifact.Action{Kind: artifact.KindShell, Payload: "npm run dev"},
		artifact.Action{Kind: artifact.KindUnknown, Reason: "unsupported action type \"x\""},
	), 3)

	want := []string{"Create a.txt", "Run command", "Unrecognized action"}
	for i, s := range steps {
		if s.Title != want[i] {
			t.Errorf("step[%d].Title = %q, want %q", i, s.Title, want[i])
		}
		if s.Batch != 3 || s.Status != StatusPending {
			t.Errorf("step[%d] = %+v", i, s)
		}
	}
	if steps[1].Description != "npm run dev" {
		t.Errorf("shell description = %q", steps[1].Description)
	}
	if steps[0].ID == steps[1].ID {
		t.Error("step IDs must be unique")
	}
}

func TestBeginOrExtend_Scenario(t *testing.T) {
	c := templated(t)
	before := c.Accepted().Clone()

	followUp := NewSteps(doc(fileAction("src/main.js", "X")), 1)
	if rejected := c.BeginOrExtend(followUp); len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejected)
	}

	cs := c.Current()
	if cs == nil {
		t.Fatal("expected an open change set")
	}
	if diff := cmp.Diff([]string{"/src/main.js"}, cs.Affected); diff != "" {
		t.Errorf("affected mismatch:\n%s", diff)
	}
	if got := cs.Proposed.Find("/src/main.js").Text(); got != "X" {
		t.Errorf("proposed content = %q, want X", got)
	}
	if diff := cmp.Diff(before, c.Accepted()); diff != "" {
		t.Errorf("accepted tree changed while under review:\n%s", diff)
	}
	if diff := cmp.Diff(before, cs.Original); diff != "" {
		t.Errorf("original snapshot differs from accepted tree:\n%s", diff)
	}
	if c.Tree().Find("/src/main.js").Text() != "X" {
		t.Error("display tree should be the proposed tree while review is open")
	}
	if focus, ok := c.SelectDefaultFocus(); !ok || focus != "/src/main.js" {
		t.Errorf("SelectDefaultFocus() = %q, %v", focus, ok)
	}
}

func TestAccept(t *testing.T) {
	c := templated(t)
	c.BeginOrExtend(NewSteps(doc(fileAction("src/main.js", "X")), 1))
	proposed := c.Current().Proposed.Clone()

	steps, err := c.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Status != StatusCompleted {
		t.Errorf("accepted steps = %+v", steps)
	}
	if c.Open() {
		t.Error("change set still open after accept")
	}
	if diff := cmp.Diff(proposed, c.Accepted()); diff != "" {
		t.Errorf("accepted tree differs from proposed (-proposed +accepted):\n%s", diff)
	}
	if got := c.Accepted().Find("/src/main.js").Text(); got != "X" {
		t.Errorf("accepted content = %q, want X", got)
	}
}

func TestReject(t *testing.T) {
	c := templated(t)
	before := c.Accepted().Clone()
	stepsBefore := len(c.Steps())

	pending := NewSteps(doc(fileAction("src/main.js", "X"), fileAction("src/new.js", "n")), 1)
	c.BeginOrExtend(pending)

	steps, err := c.Reject()
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("rejected %d steps, want 2", len(steps))
	}
	for _, s := range pending {
		if s.Status != StatusDiscarded {
			t.Errorf("step %s status = %s, want discarded", s.Title, s.Status)
		}
	}
	if diff := cmp.Diff(before, c.Accepted()); diff != "" {
		t.Errorf("reject changed the accepted tree:\n%s", diff)
	}
	if got := len(c.Steps()); got != stepsBefore {
		t.Errorf("active steps = %d, want %d", got, stepsBefore)
	}
	if c.Open() {
		t.Error("change set still open after reject")
	}
}

func TestAcceptReject_NoPendingChangeSet(t *testing.T) {
	c := New(tree.Tree{})
	if _, err := c.Accept(); !errors.Is(err, ErrNoPendingChangeSet) {
		t.Errorf("Accept() error = %v, want ErrNoPendingChangeSet", err)
	}
	if _, err := c.Reject(); !errors.Is(err, ErrNoPendingChangeSet) {
		t.Errorf("Reject() error = %v, want ErrNoPendingChangeSet", err)
	}
}

func TestBeginOrExtend_ExtendsOpenChangeSet(t *testing.T) {
	c := templated(t)

	first := NewSteps(doc(fileAction("src/main.js", "X")), 1)
	c.BeginOrExtend(first)
	opened := c.Current()
	original := opened.Original.Clone()

	second := NewSteps(doc(fileAction("src/util.js", "u"), fileAction("src/main.js", "Y")), 2)
	c.BeginOrExtend(second)

	cs := c.Current()
	if cs != opened {
		t.Fatal("second call replaced the open change set")
	}
	if diff := cmp.Diff([]string{"/src/main.js", "/src/util.js"}, cs.Affected); diff != "" {
		t.Errorf("affected mismatch:\n%s", diff)
	}
	if len(cs.Steps) != 3 {
		t.Errorf("pending steps = %d, want 3", len(cs.Steps))
	}
	if got := cs.Proposed.Find("/src/main.js").Text(); got != "Y" {
		t.Errorf("proposed content = %q, want Y", got)
	}
	if diff := cmp.Diff(original, cs.Original); diff != "" {
		t.Errorf("original snapshot changed on extend:\n%s", diff)
	}
}

func TestBeginOrExtend_StepsAppliedOnce(t *testing.T) {
	c := templated(t)
	steps := NewSteps(doc(fileAction("src/main.js", "X")), 1)

	c.BeginOrExtend(steps)
	c.BeginOrExtend(steps)
	if n := len(c.Current().Steps); n != 1 {
		t.Errorf("step folded %d times, want 1", n)
	}

	if _, err := c.Accept(); err != nil {
		t.Fatal(err)
	}
	c.BeginOrExtend(steps)
	if c.Open() {
		t.Error("completed steps must not reopen a change set")
	}
}

func TestBeginOrExtend_Conflict(t *testing.T) {
	c := templated(t)

	steps := NewSteps(doc(
		fileAction("index.html/child.txt", "bad"),
		fileAction("src/ok.js", "ok"),
	), 1)
	rejected := c.BeginOrExtend(steps)

	if len(rejected) != 1 || rejected[0].Step != steps[0] {
		t.Fatalf("rejected = %+v", rejected)
	}
	if !errors.Is(rejected[0].Err, tree.ErrPathConflict) {
		t.Errorf("rejection error = %v, want ErrPathConflict", rejected[0].Err)
	}
	if steps[0].Status != StatusDiscarded {
		t.Errorf("conflicting step status = %s", steps[0].Status)
	}
	for _, s := range c.Steps() {
		if s.ID == steps[0].ID {
			t.Error("conflicting step still in the active list")
		}
	}
	if diff := cmp.Diff([]string{"/src/ok.js"}, c.Current().Affected); diff != "" {
		t.Errorf("affected mismatch:\n%s", diff)
	}
}

func TestBeginOrExtend_OnlyConflictsDoesNotOpen(t *testing.T) {
	c := templated(t)
	c.BeginOrExtend(NewSteps(doc(fileAction("index.html/x", "bad")), 1))
	if c.Open() {
		t.Error("a batch with only conflicting steps must not open a change set")
	}
}

func TestApplyDirect_RefusedWhileOpen(t *testing.T) {
	c := templated(t)
	c.BeginOrExtend(NewSteps(doc(fileAction("a", "a")), 1))

	if _, err := c.ApplyDirect(NewSteps(doc(fileAction("b", "b")), 2)); !errors.Is(err, ErrChangeSetOpen) {
		t.Errorf("ApplyDirect() error = %v, want ErrChangeSetOpen", err)
	}
}

func TestShellStepsRecordedWithoutMutation(t *testing.T) {
	c := templated(t)
	before := c.Accepted().Clone()

	c.BeginOrExtend(NewSteps(doc(artifact.Action{Kind: artifact.KindShell, Payload: "npm test"}), 1))
	cs := c.Current()
	if cs == nil || len(cs.Steps) != 1 {
		t.Fatalf("shell step should be pending review, got %+v", cs)
	}
	if len(cs.Affected) != 0 {
		t.Errorf("affected = %v, want none", cs.Affected)
	}
	if diff := cmp.Diff(before, cs.Proposed); diff != "" {
		t.Errorf("shell step changed the tree:\n%s", diff)
	}
	if _, ok := c.SelectDefaultFocus(); ok {
		t.Error("no focus expected without affected files")
	}
}
