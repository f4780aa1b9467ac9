package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/schaermu/treeforge/internal/artifact"
	"github.com/schaermu/treeforge/internal/changeset"
	"github.com/schaermu/treeforge/internal/diff"
	"github.com/schaermu/treeforge/internal/journal"
	"github.com/schaermu/treeforge/internal/mount"
	"github.com/schaermu/treeforge/internal/sandbox"
	"github.com/schaermu/treeforge/internal/tree"
)

var (
	// ErrNotFound is returned when a path does not exist in the display tree
	ErrNotFound = errors.New("path not found")
	// ErrNotAFile is returned when a selected path names a folder
	ErrNotAFile = errors.New("path is not a file")
)

// Recorder receives the inputs of a session. *journal.Store satisfies it.
type Recorder interface {
	RecordDocument(ctx context.Context, body string) error
	RecordDecision(ctx context.Context, kind journal.EventKind) error
}

// Options configures a Session
type Options struct {
	// Review routes every document after the first through a change set
	Review bool
	// AutoMount remounts the display tree after every ingest and decision
	AutoMount bool
	Mounter   sandbox.Mounter
	Recorder  Recorder
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// IngestResult describes what one document did to the session
type IngestResult struct {
	Document artifact.Document
	Steps    []changeset.Step
	Rejected []changeset.Rejection
	// Review is set when the document went into a change set
	Review bool
	// Opened is set when the document opened a new change set
	Opened bool
	Focus  string
}

// Selection is the file currently shown to the user
type Selection struct {
	Path    string         `json:"path"`
	Content string         `json:"content"`
	Diff    *diff.FileDiff `json:"diff,omitempty"`
}

// View is a consistent snapshot of what the user is looking at
type View struct {
	Tree     tree.Tree `json:"tree"`
	Pending  bool      `json:"pending"`
	Affected []string  `json:"affected,omitempty"`
	Selected string    `json:"selected,omitempty"`
	DiffOpen bool      `json:"diff_open"`
}

// Session decides when documents are folded directly and when they go
// through review. All methods are safe for concurrent use; they run one at a
// time.
type Session struct {
	mu sync.Mutex

	coord    *changeset.Coordinator
	mounter  sandbox.Mounter
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer

	review    bool
	autoMount bool
	replaying bool

	batches  int
	selected string
	diffOpen bool
}

// New creates a session whose accepted tree starts as base
func New(base tree.Tree, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("treeforge/workspace")
	}
	mounter := opts.Mounter
	if mounter == nil {
		mounter = sandbox.Nop{Logger: logger}
	}

	return &Session{
		coord:     changeset.New(base),
		mounter:   mounter,
		recorder:  opts.Recorder,
		logger:    logger,
		tracer:    tracer,
		review:    opts.Review,
		autoMount: opts.AutoMount,
	}
}

// Ingest parses text and folds its actions. The first document is applied
// directly. Later documents open or extend a change set when review is
// enabled; a document arriving while a change set is open always extends it.
// A non-nil error with a populated result means the fold succeeded but the
// automatic mount failed.
func (s *Session) Ingest(ctx context.Context, text string) (IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "workspace.ingest")
	defer span.End()

	if !s.replaying && s.recorder != nil {
		if err := s.recorder.RecordDocument(ctx, text); err != nil {
			s.logger.Warn("failed to record document", "error", err)
		}
	}

	res := s.ingest(text)
	span.SetAttributes(
		attribute.String("artifact.id", res.Document.ID),
		attribute.Int("steps", len(res.Steps)),
		attribute.Int("rejected", len(res.Rejected)),
		attribute.Bool("review", res.Review),
	)

	if len(res.Steps) == 0 {
		return res, nil
	}
	return res, endSpan(span, s.autoMountLocked(ctx))
}

func (s *Session) ingest(text string) IngestResult {
	doc := artifact.Parse(text)
	res := IngestResult{Document: doc}
	if len(doc.Actions) == 0 {
		s.logger.Debug("document carries no actions, ignoring")
		return res
	}

	batch := s.batches
	s.batches++
	steps := changeset.NewSteps(doc, batch)

	switch {
	case s.coord.Open():
		res.Review = true
		res.Rejected = s.coord.BeginOrExtend(steps)
	case batch == 0 || !s.review:
		// ApplyDirect only fails while a change set is open
		res.Rejected, _ = s.coord.ApplyDirect(steps)
	default:
		res.Review = true
		res.Rejected = s.coord.BeginOrExtend(steps)
		if s.coord.Open() {
			res.Opened = true
			if focus, ok := s.coord.SelectDefaultFocus(); ok {
				s.selected = focus
				res.Focus = focus
			}
			s.diffOpen = true
		}
	}

	for _, st := range steps {
		res.Steps = append(res.Steps, *st)
	}
	for _, r := range res.Rejected {
		s.logger.Warn("action rejected",
			"artifact", doc.ID,
			"path", r.Step.Action.Path,
			"error", r.Err)
	}

	s.logger.Info("document ingested",
		"artifact", doc.ID,
		"batch", batch,
		"steps", len(steps),
		"rejected", len(res.Rejected),
		"review", res.Review)
	return res
}

// SelectFile resolves p against the display tree and makes it the current
// selection. While the diff view is open the selection carries the diff.
func (s *Session) SelectFile(p string) (Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical, err := tree.CanonicalPath(p)
	if err != nil {
		return Selection{}, err
	}

	n := s.coord.Tree().Find(canonical)
	if n == nil {
		return Selection{}, fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	if !n.IsFile() {
		return Selection{}, fmt.Errorf("%w: %s", ErrNotAFile, canonical)
	}

	s.selected = canonical
	sel := Selection{Path: canonical, Content: n.Text()}
	if s.diffOpen && s.coord.Open() {
		d, err := s.diff(canonical)
		if err != nil {
			return Selection{}, err
		}
		sel.Diff = &d
	}
	return sel, nil
}

// Selected returns the selected path and whether the diff view is open
func (s *Session) Selected() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.diffOpen && s.coord.Open()
}

// CloseDiffView switches back to the plain file view. The change set stays
// open.
func (s *Session) CloseDiffView() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diffOpen = false
}

// Diff compares a path between the accepted and proposed trees of the open
// change set.
func (s *Session) Diff(p string) (diff.FileDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical, err := tree.CanonicalPath(p)
	if err != nil {
		return diff.FileDiff{}, err
	}
	return s.diff(canonical)
}

func (s *Session) diff(canonical string) (diff.FileDiff, error) {
	cs := s.coord.Current()
	if cs == nil {
		return diff.FileDiff{}, changeset.ErrNoPendingChangeSet
	}

	before := cs.Original.Find(canonical)
	after := cs.Proposed.Find(canonical)
	if before == nil && after == nil {
		return diff.FileDiff{}, fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	if (before != nil && !before.IsFile()) || (after != nil && !after.IsFile()) {
		return diff.FileDiff{}, fmt.Errorf("%w: %s", ErrNotAFile, canonical)
	}
	return diff.Compute(before.Text(), after.Text(), strings.TrimPrefix(canonical, "/")), nil
}

// Affected returns the paths touched by the open change set
func (s *Session) Affected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.coord.Current()
	if cs == nil {
		return nil
	}
	out := make([]string, len(cs.Affected))
	copy(out, cs.Affected)
	return out
}

// Accept promotes the open change set
func (s *Session) Accept(ctx context.Context) ([]changeset.Step, error) {
	return s.decide(ctx, "workspace.accept", journal.EventAccept)
}

// Reject discards the open change set
func (s *Session) Reject(ctx context.Context) ([]changeset.Step, error) {
	return s.decide(ctx, "workspace.reject", journal.EventReject)
}

func (s *Session) decide(ctx context.Context, spanName string, kind journal.EventKind) ([]changeset.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, spanName)
	defer span.End()

	steps, err := s.decideLocked(kind)
	if err != nil {
		return nil, endSpan(span, err)
	}
	span.SetAttributes(attribute.Int("steps", len(steps)))

	if !s.replaying && s.recorder != nil {
		if err := s.recorder.RecordDecision(ctx, kind); err != nil {
			s.logger.Warn("failed to record decision", "decision", kind, "error", err)
		}
	}

	return steps, endSpan(span, s.autoMountLocked(ctx))
}

func (s *Session) decideLocked(kind journal.EventKind) ([]changeset.Step, error) {
	var (
		steps []*changeset.Step
		err   error
	)
	if kind == journal.EventAccept {
		steps, err = s.coord.Accept()
	} else {
		steps, err = s.coord.Reject()
	}
	if err != nil {
		return nil, err
	}

	s.diffOpen = false
	if s.selected != "" && s.coord.Tree().Find(s.selected) == nil {
		s.selected = ""
	}

	out := make([]changeset.Step, 0, len(steps))
	for _, st := range steps {
		out = append(out, *st)
	}
	s.logger.Info("change set decided", "decision", kind, "steps", len(out))
	return out, nil
}

// Mount projects the display tree and hands it to the configured mounter.
// The projection is returned even when mounting fails.
func (s *Session) Mount(ctx context.Context) (mount.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mountLocked(ctx)
}

func (s *Session) mountLocked(ctx context.Context) (mount.Tree, error) {
	ctx, span := s.tracer.Start(ctx, "workspace.mount")
	defer span.End()

	projected := mount.Project(s.coord.Tree())
	span.SetAttributes(attribute.Int("files", len(mount.Files(projected))))
	if err := s.mounter.Mount(ctx, projected); err != nil {
		s.logger.Error("mount failed", "error", err)
		return projected, endSpan(span, err)
	}
	return projected, nil
}

func (s *Session) autoMountLocked(ctx context.Context) error {
	if !s.autoMount || s.replaying {
		return nil
	}
	_, err := s.mountLocked(ctx)
	return err
}

// Steps returns a snapshot of the active step list
func (s *Session) Steps() []changeset.Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.coord.Steps()
	out := make([]changeset.Step, 0, len(active))
	for _, st := range active {
		out = append(out, *st)
	}
	return out
}

// Tree returns a copy of the display tree: the proposed tree while a change
// set is open, the accepted tree otherwise.
func (s *Session) Tree() tree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord.Tree().Clone()
}

// AcceptedTree returns a copy of the accepted tree
func (s *Session) AcceptedTree() tree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord.Accepted().Clone()
}

// View returns the display tree together with the review state
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		Tree:     s.coord.Tree().Clone(),
		Pending:  s.coord.Open(),
		Selected: s.selected,
		DiffOpen: s.diffOpen && s.coord.Open(),
	}
	if cs := s.coord.Current(); cs != nil {
		v.Affected = append([]string(nil), cs.Affected...)
	}
	return v
}

// Pending reports whether a change set is awaiting review
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord.Open()
}

// Replay feeds recorded events back through the session without recording
// or mounting them again.
func (s *Session) Replay(ctx context.Context, events []journal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.replaying = true
	defer func() { s.replaying = false }()

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch ev.Kind {
		case journal.EventDocument:
			s.ingest(ev.Body)
		case journal.EventAccept, journal.EventReject:
			if _, err := s.decideLocked(ev.Kind); err != nil {
				return fmt.Errorf("replay event %d (%s): %w", ev.Seq, ev.Kind, err)
			}
		default:
			return fmt.Errorf("replay event %d: unknown kind %q", ev.Seq, ev.Kind)
		}
	}

	s.logger.Info("session replayed", "events", len(events), "pending", s.coord.Open())
	return nil
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	return err
}
