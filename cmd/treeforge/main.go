package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/schaermu/treeforge/internal/activation"
	"github.com/schaermu/treeforge/internal/artifact"
	"github.com/schaermu/treeforge/internal/config"
	"github.com/schaermu/treeforge/internal/journal"
	"github.com/schaermu/treeforge/internal/mount"
	"github.com/schaermu/treeforge/internal/sandbox"
	"github.com/schaermu/treeforge/internal/server"
	"github.com/schaermu/treeforge/internal/tree"
	"github.com/schaermu/treeforge/internal/ui"
	"github.com/schaermu/treeforge/internal/workspace"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	baseDir   string

	// Command flags
	jsonOutput  bool
	allDocs     bool
	unified     bool
	dryRun      bool
	mountDir    string
	journalPath string
	listenAddr  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "treeforge",
	Short: "Fold assistant artifact documents into a reviewable project tree",
	Long: `treeforge reads artifact documents produced by a coding assistant, folds their
file actions into a virtual project tree and keeps proposed changes apart from
accepted state until they are reviewed.

The tree can be diffed, listed, and mounted into a sandbox directory or a
running container.`,
	SilenceUsage: true,
}

var parseCmd = &cobra.Command{
	Use:   "parse FILE",
	Short: "Print the actions of an artifact document",
	Long: `Parse reads one artifact document (use - for stdin) and prints the actions of
its first artifact in order. With --all every artifact in the reply is printed.
Malformed elements are listed with the reason they were not recognized.`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

var buildCmd = &cobra.Command{
	Use:   "build FILE...",
	Short: "Fold documents into a tree and print it",
	Long: `Build applies every document in order, without review, on top of the base
directory (if any) and prints the resulting tree. With --json the mount tree is
printed instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBuild,
}

var diffCmd = &cobra.Command{
	Use:   "diff TEMPLATE FILE...",
	Short: "Show what the last document would change",
	Long: `Diff accepts every document but the last, then stages the last one for review
and prints the diff of every file it touches. The first document is the
template and is always applied directly, so at least two are required.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runDiff,
}

var mountCmd = &cobra.Command{
	Use:   "mount FILE...",
	Short: "Fold documents and mount the result into the sandbox",
	Long: `Mount applies every document in order and hands the resulting tree to the
configured sandbox driver. --dir overrides the configuration with a directory
mount.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMount,
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild a session from its journal",
	Long: `Replay reads every document and decision from the session journal, feeds them
through a fresh session and prints the resulting tree, step list and any pending
changes.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose a session over HTTP",
	Long: `Serve starts a long-running HTTP server that accepts artifact documents and
review decisions. When a journal is configured, the previous session is replayed
first and every new input is recorded.

Systemd socket activation is used when present.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "treeforge %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/treeforge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base", "", "directory to seed the accepted tree from (overrides session.base_dir)")

	parseCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the parsed document as JSON")
	parseCmd.Flags().BoolVar(&allDocs, "all", false, "print every artifact in the document, not just the first")
	buildCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the mount tree as JSON")
	diffCmd.Flags().BoolVar(&unified, "unified", false, "print plain unified diff text")
	mountCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be written without making changes (dir driver)")
	mountCmd.Flags().StringVar(&mountDir, "dir", "", "mount into this directory instead of the configured sandbox")
	replayCmd.Flags().StringVar(&journalPath, "journal", "", "journal database (overrides journal.path)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides serve.listen_addr)")
	serveCmd.Flags().StringVar(&journalPath, "journal", "", "journal database (overrides journal.path)")

	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	text, err := readDocument(cmd, args[0])
	if err != nil {
		return err
	}
	docs := []artifact.Document{artifact.Parse(text)}
	if allDocs {
		docs = artifact.Extract(text)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if allDocs {
			return writeJSON(out, docs)
		}
		return writeJSON(out, docs[0])
	}

	for _, doc := range docs {
		_, _ = fmt.Fprintln(out, ui.InfoMsg("%s %s (%d files)", ui.BoldStyle.Render(doc.ID), doc.Title, len(doc.Files())))
		for _, a := range doc.Actions {
			switch a.Kind {
			case artifact.KindFile:
				_, _ = fmt.Fprintln(out, ui.SuccessMsg("file  %s (%d bytes)", a.Path, len(a.Payload)))
			case artifact.KindShell:
				_, _ = fmt.Fprintln(out, ui.SuccessMsg("shell %s", a.Payload))
			default:
				_, _ = fmt.Fprintln(out, ui.WarnMsg("unknown action: %s", a.Reason))
			}
		}
	}
	return nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	session, err := newSession(cfg, workspace.Options{Logger: logger})
	if err != nil {
		return err
	}
	if err := ingestAll(ctx, cmd, session, args); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, mount.Project(session.Tree()))
	}
	_, _ = fmt.Fprint(out, ui.Tree(session.Tree(), "project"))
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	session, err := newSession(cfg, workspace.Options{Review: true, Logger: logger})
	if err != nil {
		return err
	}

	last := len(args) - 1
	for _, p := range args[:last] {
		if err := ingestAll(ctx, cmd, session, []string{p}); err != nil {
			return err
		}
		if session.Pending() {
			if _, err := session.Accept(ctx); err != nil {
				return err
			}
		}
	}
	if err := ingestAll(ctx, cmd, session, args[last:]); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !session.Pending() {
		_, _ = fmt.Fprintln(out, ui.InfoMsg("no pending changes"))
		return nil
	}

	for _, p := range session.Affected() {
		d, err := session.Diff(p)
		if err != nil {
			return err
		}
		if unified {
			_, _ = fmt.Fprint(out, d.String())
			continue
		}
		_, _ = fmt.Fprintln(out, ui.DiffSummary(d))
		_, _ = fmt.Fprint(out, ui.Diff(d))
	}
	return nil
}

func runMount(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if mountDir != "" {
		abs, err := filepath.Abs(mountDir)
		if err != nil {
			return fmt.Errorf("resolve --dir: %w", err)
		}
		cfg.Sandbox.Driver = config.DriverDir
		cfg.Sandbox.Dir = abs
	}

	mounter, closeMounter, err := newMounter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeMounter()

	session, err := newSession(cfg, workspace.Options{Mounter: mounter, Logger: logger})
	if err != nil {
		return err
	}
	if err := ingestAll(ctx, cmd, session, args); err != nil {
		return err
	}

	projected, err := session.Mount(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("mounted %d files via %s", len(mount.Files(projected)), cfg.Sandbox.Driver))
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := journalFile(cfg)
	if path == "" {
		return fmt.Errorf("no journal configured (set journal.path or --journal)")
	}
	store, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	session, err := newSession(cfg, workspace.Options{Review: cfg.Session.Review, Logger: logger})
	if err != nil {
		return err
	}
	events, err := store.Events(ctx)
	if err != nil {
		return err
	}
	if err := session.Replay(ctx, events); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	view := session.View()
	_, _ = fmt.Fprint(out, ui.Tree(view.Tree, "project", view.Affected...))
	_, _ = fmt.Fprint(out, ui.Steps(session.Steps()))
	for _, p := range view.Affected {
		d, err := session.Diff(p)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, ui.DiffSummary(d))
	}
	if p, diffOpen := session.Selected(); p != "" {
		view := "file view"
		if diffOpen {
			view = "diff view"
		}
		_, _ = fmt.Fprintln(out, ui.InfoMsg("selected %s (%s)", p, view))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Serve.ListenAddr = listenAddr
	}

	mounter, closeMounter, err := newMounter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeMounter()

	tel := newTelemetry(logger)
	defer tel.Close()

	opts := workspace.Options{
		Review:    cfg.Session.Review,
		AutoMount: cfg.Session.AutoMount,
		Mounter:   mounter,
		Logger:    logger,
		Tracer:    tel.Tracer("treeforge/workspace"),
	}

	var events []journal.Event
	if path := journalFile(cfg); path != "" {
		store, err := journal.Open(path)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()
		if events, err = store.Events(ctx); err != nil {
			return err
		}
		opts.Recorder = store
		logger.Info("journal opened", "path", path, "events", len(events))
	}

	session, err := newSession(cfg, opts)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		if err := session.Replay(ctx, events); err != nil {
			return fmt.Errorf("failed to resume session: %w", err)
		}
	}

	srv, err := server.NewServer(cfg, session, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	l, activated, err := activation.Listen(cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		logger.Info("using socket-activated listener", "addr", l.Addr().String())
	}

	return srv.Serve(ctx, l)
}

// newSession seeds the accepted tree from the base directory, if any
func newSession(cfg *config.Config, opts workspace.Options) (*workspace.Session, error) {
	dir := cfg.Session.BaseDir
	if baseDir != "" {
		dir = baseDir
	}

	base := tree.Tree{}
	if dir != "" {
		var err error
		if base, err = tree.LoadDir(dir); err != nil {
			return nil, fmt.Errorf("failed to load base directory: %w", err)
		}
	}
	return workspace.New(base, opts), nil
}

// newMounter builds the configured sandbox driver and a func releasing it
func newMounter(cfg *config.Config, logger *slog.Logger) (sandbox.Mounter, func(), error) {
	if !cfg.SandboxEnabled() {
		return sandbox.Nop{Logger: logger}, func() {}, nil
	}

	switch cfg.Sandbox.Driver {
	case config.DriverDir:
		return sandbox.NewDirMounter(cfg.Sandbox.Dir, cfg.Sandbox.Prune, logger, dryRun), func() {}, nil
	case config.DriverDocker:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		closeFn := func() {
			_ = cli.Close()
		}
		return sandbox.NewDockerMounter(cli, cfg.Sandbox.Container, cfg.Sandbox.ContainerPath, logger), closeFn, nil
	default:
		return sandbox.Nop{Logger: logger}, func() {}, nil
	}
}

func ingestAll(ctx context.Context, cmd *cobra.Command, session *workspace.Session, paths []string) error {
	for _, p := range paths {
		text, err := readDocument(cmd, p)
		if err != nil {
			return err
		}
		res, err := session.Ingest(ctx, text)
		if err != nil {
			return err
		}
		if len(res.Rejected) > 0 {
			_, _ = fmt.Fprint(cmd.ErrOrStderr(), ui.Rejections(res.Rejected))
		}
	}
	return nil
}

func readDocument(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	return string(data), nil
}

func journalFile(cfg *config.Config) string {
	if journalPath != "" {
		return journalPath
	}
	return cfg.Journal.Path
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout carries command output
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig reads --config, or the default path when it exists. A missing
// default file yields the built-in defaults.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	explicit := configPath != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "treeforge", "config.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no configuration file, using defaults", "path", configPath)
			return config.Default(), nil
		}
		return nil, err
	}

	logger.Debug("configuration loaded",
		"path", configPath,
		"review", cfg.Session.Review,
		"sandbox", cfg.Sandbox.Driver,
		"journal", cfg.Journal.Path)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
