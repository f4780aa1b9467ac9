package workspace

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/schaermu/treeforge/internal/artifact"
	"github.com/schaermu/treeforge/internal/changeset"
	"github.com/schaermu/treeforge/internal/journal"
	"github.com/schaermu/treeforge/internal/mount"
	"github.com/schaermu/treeforge/internal/sandbox"
	"github.com/schaermu/treeforge/internal/testutil"
	"github.com/schaermu/treeforge/internal/tree"
)

const templateMain = "const app = document.querySelector('#app');\nif (app && 1 < 2) {\n  app.textContent = \"hello &amp; welcome\";\n}\n"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("workspace-test"), recorder
}

// fakeRecorder keeps journal events in memory
type fakeRecorder struct {
	events []journal.Event
	err    error
}

func (f *fakeRecorder) RecordDocument(_ context.Context, body string) error {
	f.events = append(f.events, journal.Event{Seq: int64(len(f.events) + 1), Kind: journal.EventDocument, Body: body})
	return f.err
}

func (f *fakeRecorder) RecordDecision(_ context.Context, kind journal.EventKind) error {
	f.events = append(f.events, journal.Event{Seq: int64(len(f.events) + 1), Kind: kind})
	return f.err
}

// fakeMounter records every mounted tree
type fakeMounter struct {
	mounts []mount.Tree
	err    error
}

func (f *fakeMounter) Mount(_ context.Context, t mount.Tree) error {
	f.mounts = append(f.mounts, t)
	if f.err != nil {
		return &sandbox.MountError{Driver: "fake", Err: f.err}
	}
	return nil
}

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	return New(tree.Tree{}, opts)
}

func ingest(t *testing.T, s *Session, fixture string) IngestResult {
	t.Helper()
	res, err := s.Ingest(context.Background(), testutil.Fixture(t, fixture))
	if err != nil {
		t.Fatalf("Ingest(%s): %v", fixture, err)
	}
	return res
}

func followupMain(t *testing.T) string {
	t.Helper()
	doc := artifact.Parse(testutil.Fixture(t, "followup.md"))
	return doc.Actions[0].Payload
}

func TestSession_TemplateAppliedDirectly(t *testing.T) {
	s := newSession(t, Options{Review: true})

	res := ingest(t, s, "template.xml")
	if res.Review || res.Opened {
		t.Errorf("template went through review: %+v", res)
	}
	if s.Pending() {
		t.Error("template opened a change set")
	}

	sel, err := s.SelectFile("/src/main.js")
	if err != nil {
		t.Fatalf("SelectFile: %v", err)
	}
	if sel.Content != templateMain {
		t.Errorf("content = %q, want %q", sel.Content, templateMain)
	}
	if sel.Diff != nil {
		t.Error("selection carries a diff without a change set")
	}

	for _, st := range s.Steps() {
		if st.Status != changeset.StatusCompleted {
			t.Errorf("step %q status = %s, want completed", st.Title, st.Status)
		}
	}
}

func TestSession_ReviewThenReject(t *testing.T) {
	s := newSession(t, Options{Review: true})
	ingest(t, s, "template.xml")
	before := s.AcceptedTree()

	res := ingest(t, s, "followup.md")
	if !res.Review || !res.Opened {
		t.Fatalf("follow-up should open a change set: %+v", res)
	}
	if res.Focus != "/src/main.js" {
		t.Errorf("focus = %q, want /src/main.js", res.Focus)
	}
	if diff := cmp.Diff([]string{"/src/main.js"}, s.Affected()); diff != "" {
		t.Errorf("affected mismatch (-want +got):\n%s", diff)
	}

	want := followupMain(t)
	if got := s.Tree().Find("/src/main.js").Text(); got != want {
		t.Errorf("proposed content = %q, want %q", got, want)
	}
	if got := s.AcceptedTree().Find("/src/main.js").Text(); got != templateMain {
		t.Errorf("accepted content changed before accept: %q", got)
	}

	selected, diffOpen := s.Selected()
	if selected != "/src/main.js" || !diffOpen {
		t.Errorf("Selected() = %q, %v; want /src/main.js, true", selected, diffOpen)
	}
	sel, err := s.SelectFile("src/main.js")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Diff == nil || !sel.Diff.Changed() {
		t.Errorf("selection diff = %+v, want a change", sel.Diff)
	}

	if len(s.Steps()) != 4 {
		t.Fatalf("active steps = %d, want 4", len(s.Steps()))
	}

	rejected, err := s.Reject(context.Background())
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if len(rejected) != 1 || rejected[0].Status != changeset.StatusDiscarded {
		t.Errorf("rejected steps = %+v", rejected)
	}
	if diff := cmp.Diff(before, s.AcceptedTree()); diff != "" {
		t.Errorf("accepted tree changed by reject (-want +got):\n%s", diff)
	}
	if len(s.Steps()) != 3 {
		t.Errorf("active steps after reject = %d, want 3", len(s.Steps()))
	}
	if s.Pending() {
		t.Error("change set still open after reject")
	}
}

func TestSession_ReviewThenAccept(t *testing.T) {
	s := newSession(t, Options{Review: true})
	ingest(t, s, "template.xml")
	ingest(t, s, "followup.md")

	accepted, err := s.Accept(context.Background())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if len(accepted) != 1 || accepted[0].Status != changeset.StatusCompleted {
		t.Errorf("accepted steps = %+v", accepted)
	}

	if got := s.AcceptedTree().Find("/src/main.js").Text(); got != followupMain(t) {
		t.Errorf("accepted content = %q", got)
	}
	if _, diffOpen := s.Selected(); diffOpen {
		t.Error("diff view still open after accept")
	}
	if got := s.AcceptedTree().Find("/index.html"); got == nil {
		t.Error("accept lost /index.html")
	}
}

func TestSession_OpenChangeSetIsExtended(t *testing.T) {
	s := newSession(t, Options{Review: true})
	ingest(t, s, "template.xml")
	ingest(t, s, "followup.md")

	res, err := s.Ingest(context.Background(),
		`<boltArtifact id="styles" title="Styles"><boltAction type="file" filePath="src/style.css">body {}</boltAction></boltArtifact>`)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Review || res.Opened {
		t.Errorf("second follow-up should extend, got %+v", res)
	}
	if diff := cmp.Diff([]string{"/src/main.js", "/src/style.css"}, s.Affected()); diff != "" {
		t.Errorf("affected mismatch (-want +got):\n%s", diff)
	}

	selected, _ := s.Selected()
	if selected != "/src/main.js" {
		t.Errorf("extending moved the selection to %q", selected)
	}
	if s.AcceptedTree().Find("/src/style.css") != nil {
		t.Error("extension leaked into the accepted tree")
	}
}

func TestSession_WithoutReviewAppliesDirectly(t *testing.T) {
	s := newSession(t, Options{})
	ingest(t, s, "template.xml")
	res := ingest(t, s, "followup.md")

	if res.Review || s.Pending() {
		t.Error("document went through review with review disabled")
	}
	if got := s.AcceptedTree().Find("/src/main.js").Text(); got != followupMain(t) {
		t.Errorf("accepted content = %q", got)
	}
	if _, err := s.Accept(context.Background()); !errors.Is(err, changeset.ErrNoPendingChangeSet) {
		t.Errorf("Accept() error = %v, want ErrNoPendingChangeSet", err)
	}
}

func TestSession_ConflictIsRejected(t *testing.T) {
	s := newSession(t, Options{Review: true})
	ingest(t, s, "template.xml")

	res, err := s.Ingest(context.Background(),
		`<boltArtifact id="bad"><boltAction type="file" filePath="src">oops</boltAction></boltArtifact>`)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rejected) != 1 || !errors.Is(res.Rejected[0].Err, tree.ErrPathConflict) {
		t.Fatalf("rejected = %+v, want one path conflict", res.Rejected)
	}
	if s.Pending() {
		t.Error("a fully rejected document opened a change set")
	}
	if n := s.Tree().Find("/src"); n == nil || n.IsFile() {
		t.Error("conflict coerced /src into a file")
	}
	if len(s.Steps()) != 3 {
		t.Errorf("active steps = %d, want 3", len(s.Steps()))
	}
}

func TestSession_DocumentWithoutActions(t *testing.T) {
	s := newSession(t, Options{Review: true})
	res, err := s.Ingest(context.Background(), "no artifacts here")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Steps) != 0 {
		t.Errorf("steps = %+v", res.Steps)
	}

	// the template still counts as the first document
	ingest(t, s, "template.xml")
	if s.Pending() {
		t.Error("template went through review after an empty document")
	}
}

func TestSession_SelectFileErrors(t *testing.T) {
	s := newSession(t, Options{})
	ingest(t, s, "template.xml")

	if _, err := s.SelectFile("/src"); !errors.Is(err, ErrNotAFile) {
		t.Errorf("SelectFile(/src) error = %v, want ErrNotAFile", err)
	}
	if _, err := s.SelectFile("/missing.js"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SelectFile(/missing.js) error = %v, want ErrNotFound", err)
	}
	if _, err := s.SelectFile("../escape"); !errors.Is(err, tree.ErrInvalidPath) {
		t.Errorf("SelectFile(../escape) error = %v, want ErrInvalidPath", err)
	}
}

func TestSession_CloseDiffViewKeepsChangeSet(t *testing.T) {
	s := newSession(t, Options{Review: true})
	ingest(t, s, "template.xml")
	ingest(t, s, "followup.md")

	s.CloseDiffView()

	sel, err := s.SelectFile("/src/main.js")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Diff != nil {
		t.Error("diff attached after closing the diff view")
	}
	if sel.Content != followupMain(t) {
		t.Errorf("content = %q, want proposed content", sel.Content)
	}
	if !s.Pending() {
		t.Error("closing the diff view closed the change set")
	}

	d, err := s.Diff("/src/main.js")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if d.Label != "src/main.js" || !d.Changed() {
		t.Errorf("diff = %+v", d)
	}
}

func TestSession_DiffWithoutChangeSet(t *testing.T) {
	s := newSession(t, Options{})
	ingest(t, s, "template.xml")
	if _, err := s.Diff("/src/main.js"); !errors.Is(err, changeset.ErrNoPendingChangeSet) {
		t.Errorf("Diff() error = %v, want ErrNoPendingChangeSet", err)
	}
}

func TestSession_AutoMountsDisplayTree(t *testing.T) {
	m := &fakeMounter{}
	s := newSession(t, Options{Review: true, AutoMount: true, Mounter: m})
	ingest(t, s, "template.xml")
	ingest(t, s, "followup.md")
	if _, err := s.Reject(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(m.mounts) != 3 {
		t.Fatalf("mounts = %d, want 3", len(m.mounts))
	}
	if got := mount.Files(m.mounts[1])["src/main.js"]; got != followupMain(t) {
		t.Errorf("review mount carried %q, want proposed content", got)
	}
	if got := mount.Files(m.mounts[2])["src/main.js"]; got != templateMain {
		t.Errorf("mount after reject carried %q, want accepted content", got)
	}
}

func TestSession_MountFailure(t *testing.T) {
	m := &fakeMounter{err: errors.New("sandbox gone")}
	s := newSession(t, Options{AutoMount: true, Mounter: m})

	res, err := s.Ingest(context.Background(), testutil.Fixture(t, "template.xml"))
	if !errors.Is(err, sandbox.ErrMountFailed) {
		t.Fatalf("Ingest() error = %v, want ErrMountFailed", err)
	}
	if len(res.Steps) != 3 {
		t.Errorf("steps = %d, want 3", len(res.Steps))
	}
	if s.AcceptedTree().Find("/index.html") == nil {
		t.Error("fold was undone by the mount failure")
	}

	projected, err := s.Mount(context.Background())
	if !errors.Is(err, sandbox.ErrMountFailed) {
		t.Errorf("Mount() error = %v", err)
	}
	if _, ok := projected["index.html"]; !ok {
		t.Error("projection missing after mount failure")
	}
}

func TestSession_RecordAndReplay(t *testing.T) {
	rec := &fakeRecorder{}
	s := newSession(t, Options{Review: true, Recorder: rec})
	ingest(t, s, "template.xml")
	ingest(t, s, "followup.md")
	if _, err := s.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, _ = s.Ingest(context.Background(),
		`<boltArtifact id="x"><boltAction type="file" filePath="README.md"># hi</boltAction></boltArtifact>`)

	kinds := make([]journal.EventKind, 0, len(rec.events))
	for _, ev := range rec.events {
		kinds = append(kinds, ev.Kind)
	}
	wantKinds := []journal.EventKind{journal.EventDocument, journal.EventDocument, journal.EventAccept, journal.EventDocument}
	if !slices.Equal(kinds, wantKinds) {
		t.Fatalf("recorded kinds = %v, want %v", kinds, wantKinds)
	}

	replayRec := &fakeRecorder{}
	replayed := newSession(t, Options{Review: true, Recorder: replayRec})
	if err := replayed.Replay(context.Background(), rec.events); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayRec.events) != 0 {
		t.Errorf("replay recorded %d events", len(replayRec.events))
	}

	if diff := cmp.Diff(s.AcceptedTree(), replayed.AcceptedTree()); diff != "" {
		t.Errorf("accepted tree mismatch (-live +replayed):\n%s", diff)
	}
	if diff := cmp.Diff(s.Tree(), replayed.Tree()); diff != "" {
		t.Errorf("display tree mismatch (-live +replayed):\n%s", diff)
	}
	if !replayed.Pending() {
		t.Error("replayed session lost the open change set")
	}
}

func TestSession_ReplayUnmatchedDecision(t *testing.T) {
	s := newSession(t, Options{Review: true})
	err := s.Replay(context.Background(), []journal.Event{{Seq: 1, Kind: journal.EventAccept}})
	if !errors.Is(err, changeset.ErrNoPendingChangeSet) {
		t.Errorf("Replay() error = %v, want ErrNoPendingChangeSet", err)
	}
}

func TestSession_RecorderFailureIsNotFatal(t *testing.T) {
	s := newSession(t, Options{Recorder: &fakeRecorder{err: errors.New("disk full")}})
	if _, err := s.Ingest(context.Background(), testutil.Fixture(t, "template.xml")); err != nil {
		t.Errorf("Ingest() error = %v, want nil", err)
	}
}

func TestSession_Spans(t *testing.T) {
	tracer, recorder := newTestTracer()
	m := &fakeMounter{}
	s := newSession(t, Options{Review: true, AutoMount: true, Mounter: m, Tracer: tracer})

	ingest(t, s, "template.xml")
	ingest(t, s, "followup.md")
	if _, err := s.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reject(context.Background()); err == nil {
		t.Fatal("Reject() without change set should fail")
	}

	var names []string
	var rejectSpan sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
		if span.Name() == "workspace.reject" {
			rejectSpan = span
		}
	}
	for _, want := range []string{"workspace.ingest", "workspace.mount", "workspace.accept", "workspace.reject"} {
		if !slices.Contains(names, want) {
			t.Errorf("missing span %s in %v", want, names)
		}
	}
	if rejectSpan == nil || rejectSpan.Status().Code != codes.Error {
		t.Error("failed reject should end with an error status")
	}
}
