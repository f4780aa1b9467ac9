package ui

import (
	"errors"
	"strings"
	"testing"

	"github.com/schaermu/treeforge/internal/artifact"
	"github.com/schaermu/treeforge/internal/changeset"
	"github.com/schaermu/treeforge/internal/diff"
	"github.com/schaermu/treeforge/internal/tree"
)

func TestDiff(t *testing.T) {
	out := Diff(diff.Compute("a\nb\n", "a\nc", "src/main.js"))

	for _, want := range []string{
		"--- a/src/main.js",
		"+++ b/src/main.js",
		"@@ -1,2 +1,2 @@",
		"-b",
		"+c",
		`\ No newline at end of file`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("diff output missing %q:\n%s", want, out)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("diff output should end with a newline")
	}
}

func TestDiffSummary(t *testing.T) {
	got := DiffSummary(diff.Compute("a\nb\n", "a\nc\nd\n", "x.txt"))
	for _, want := range []string{"+2", "-1", "x.txt"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary %q missing %q", got, want)
		}
	}

	same := DiffSummary(diff.Compute("a\n", "a\n", "y.txt"))
	if !strings.Contains(same, "unchanged") || strings.Contains(same, "+0") {
		t.Errorf("summary of identical content = %q", same)
	}
}

func TestTree(t *testing.T) {
	tr, res := tree.ApplyAll(tree.Tree{}, []artifact.Action{
		{Kind: artifact.KindFile, Path: "index.html", Payload: "<html>"},
		{Kind: artifact.KindFile, Path: "src/main.js", Payload: "main"},
	})
	if len(res.Rejected) != 0 {
		t.Fatalf("unexpected rejections: %+v", res.Rejected)
	}

	out := Tree(tr, "project", "/src/main.js")
	for _, want := range []string{"project", "index.html", "src/", "main.js *"} {
		if !strings.Contains(out, want) {
			t.Errorf("tree output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "index.html *") {
		t.Errorf("unchanged file marked:\n%s", out)
	}
}

func TestSteps(t *testing.T) {
	steps := []changeset.Step{
		{Title: "Create src/main.js", Description: "Starter (src/main.js)", Status: changeset.StatusCompleted},
		{Title: "Run command", Description: "npm install\nnpm run dev", Status: changeset.StatusPending},
		{Title: "Create src", Status: changeset.StatusDiscarded},
	}

	out := Steps(steps)
	for _, want := range []string{"STEP", "Create src/main.js", "Run command", "npm install …", "✓", "●", "✗"} {
		if !strings.Contains(out, want) {
			t.Errorf("steps output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "npm run dev") {
		t.Errorf("multi-line description not truncated:\n%s", out)
	}

	if got := Steps(nil); !strings.Contains(got, "no steps") {
		t.Errorf("Steps(nil) = %q", got)
	}
}

func TestRejections(t *testing.T) {
	out := Rejections([]changeset.Rejection{
		{Step: &changeset.Step{Title: "Create src"}, Err: errors.New("path conflict")},
	})
	if !strings.Contains(out, "Create src: path conflict") {
		t.Errorf("rejections output = %q", out)
	}
}
