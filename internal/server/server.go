package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/schaermu/treeforge/internal/changeset"
	"github.com/schaermu/treeforge/internal/config"
	"github.com/schaermu/treeforge/internal/diff"
	"github.com/schaermu/treeforge/internal/mount"
	"github.com/schaermu/treeforge/internal/sandbox"
	"github.com/schaermu/treeforge/internal/tree"
	"github.com/schaermu/treeforge/internal/workspace"
)

// SignatureHeader carries "sha256=<hex>" of the request body when a secret
// is configured
const SignatureHeader = "X-Treeforge-Signature-256"

const maxDocumentBytes = 4 << 20

// Server exposes a workspace session over HTTP
type Server struct {
	cfg     *config.Config
	session *workspace.Session
	logger  *slog.Logger
	secret  []byte
}

type errorResponse struct {
	Error string `json:"error"`
}

type rejectionJSON struct {
	Step  changeset.Step `json:"step"`
	Error string         `json:"error"`
}

type ingestResponse struct {
	ArtifactID string           `json:"artifact_id,omitempty"`
	Title      string           `json:"title,omitempty"`
	Steps      []changeset.Step `json:"steps"`
	Rejected   []rejectionJSON  `json:"rejected,omitempty"`
	Review     bool             `json:"review"`
	Opened     bool             `json:"opened"`
	Focus      string           `json:"focus,omitempty"`
	MountError string           `json:"mount_error,omitempty"`
}

type decisionResponse struct {
	Steps      []changeset.Step `json:"steps"`
	MountError string           `json:"mount_error,omitempty"`
}

// NewServer creates a server for session. When serve.secret_file is set,
// POST requests must carry a valid signature.
func NewServer(cfg *config.Config, session *workspace.Session, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		session: session,
		logger:  logger,
	}

	if cfg.Serve.SecretFile != "" {
		secret, err := os.ReadFile(cfg.Serve.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
	}

	return s, nil
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /documents", s.handleDocument)
	mux.HandleFunc("POST /accept", s.handleAccept)
	mux.HandleFunc("POST /reject", s.handleReject)
	mux.HandleFunc("POST /diff/close", s.handleCloseDiff)
	mux.HandleFunc("GET /files", s.handleFile)
	mux.HandleFunc("GET /diff", s.handleDiff)
	mux.HandleFunc("GET /tree", s.handleTree)
	mux.HandleFunc("GET /mount", s.handleProjection)
	mux.HandleFunc("POST /mount", s.handleMount)
	mux.HandleFunc("GET /steps", s.handleSteps)
	return mux
}

// Serve runs the HTTP server on l until ctx is cancelled
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", l.Addr().String())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes+1))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read body")
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()
	if len(body) > maxDocumentBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting document with invalid signature")
		s.writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	res, err := s.session.Ingest(r.Context(), string(body))
	resp := ingestResponse{
		ArtifactID: res.Document.ID,
		Title:      res.Document.Title,
		Steps:      res.Steps,
		Review:     res.Review,
		Opened:     res.Opened,
		Focus:      res.Focus,
	}
	if resp.Steps == nil {
		resp.Steps = []changeset.Step{}
	}
	for _, rej := range res.Rejected {
		resp.Rejected = append(resp.Rejected, rejectionJSON{Step: *rej.Step, Error: rej.Err.Error()})
	}

	status := http.StatusOK
	if err != nil {
		// the fold stands even when the sandbox could not be updated
		status = http.StatusBadGateway
		resp.MountError = err.Error()
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.session.Accept)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.session.Reject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn func(context.Context) ([]changeset.Step, error)) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read body")
		return
	}
	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting decision with invalid signature", "path", r.URL.Path)
		s.writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	steps, err := fn(r.Context())
	switch {
	case errors.Is(err, changeset.ErrNoPendingChangeSet):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sandbox.ErrMountFailed):
		s.writeJSON(w, http.StatusBadGateway, decisionResponse{Steps: steps, MountError: err.Error()})
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, decisionResponse{Steps: steps})
	}
}

func (s *Server) handleCloseDiff(w http.ResponseWriter, r *http.Request) {
	if !s.verifySignature(nil, r.Header.Get(SignatureHeader)) {
		s.writeError(w, http.StatusForbidden, "invalid signature")
		return
	}
	s.session.CloseDiffView()
	w.WriteHeader(http.StatusNoContent)
}

// handleFile is the selection interface: a successful lookup also moves the
// session's selected file, which later diffs and decisions follow.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	sel, err := s.session.SelectFile(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sel)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	d, err := s.session.Diff(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}

	if r.URL.Query().Get("format") == "unified" {
		w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, d.String())
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		diff.FileDiff
		Added   int `json:"added"`
		Removed int `json:"removed"`
	}{d, d.Added(), d.Removed()})
}

func (s *Server) handleTree(w http.ResponseWriter, _ *http.Request) {
	view := s.session.View()
	if view.Tree.Nodes == nil {
		view.Tree.Nodes = []*tree.Node{}
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleProjection returns the mount tree of the displayed tree without
// touching the sandbox
func (s *Server) handleProjection(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, mount.Project(s.session.Tree()))
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read body")
		return
	}
	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting mount with invalid signature")
		s.writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	projected, err := s.session.Mount(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, projected)
}

func (s *Server) handleSteps(w http.ResponseWriter, _ *http.Request) {
	steps := s.session.Steps()
	s.writeJSON(w, http.StatusOK, steps)
}

// verifySignature checks body against the configured secret. Without a
// secret every request is accepted.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if len(s.secret) == 0 {
		return true
	}

	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(hexSig), []byte(expected))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrNotAFile), errors.Is(err, tree.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, changeset.ErrNoPendingChangeSet):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrMountFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
