// Package workspace keeps tenants apart. Every workspace owns its own job
// queue, event bus, kanban board, worktree base and log directory; nothing
// is shared between workspaces except the process itself.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/skybridge-io/skybridge/internal/events"
	"github.com/skybridge-io/skybridge/internal/kanban"
	"github.com/skybridge-io/skybridge/internal/metrics"
	"github.com/skybridge-io/skybridge/internal/queue"
	"github.com/skybridge-io/skybridge/internal/worktree"
)

// DefaultID is the workspace requests land in when they name none.
const DefaultID = "core"

// Header carries the workspace selection on HTTP requests.
const Header = "X-Workspace"

// ErrUnknown reports a workspace id that is not registered.
var ErrUnknown = errors.New("unknown workspace")

// Config declares one workspace at startup.
type Config struct {
	ID       string `json:"id"`
	RepoPath string `json:"repo_path"`
	Enabled  bool   `json:"enabled"`
}

// Paths holds the base directories workspace state fans out under.
type Paths struct {
	QueueBase      string
	WorkspacesBase string
	WorktreesBase  string
	LogsBase       string
}

// Workspace bundles everything scoped to one tenant.
type Workspace struct {
	ID        string
	RepoPath  string
	Queue     *queue.Queue
	Bus       *events.Bus
	Kanban    *kanban.Store
	Worktrees *worktree.Manager
	Metrics   *metrics.Registry
	Logger    *zap.Logger
	LogDir    string

	closeLog func()
}

// BuildOptions carries the cross-workspace settings Build needs.
type BuildOptions struct {
	BaseLogger    *zap.Logger
	RecoveryGrace time.Duration
}

// Build opens all per-workspace state under the configured bases.
func Build(cfg Config, paths Paths, opts BuildOptions) (*Workspace, error) {
	if err := validateID(cfg.ID); err != nil {
		return nil, err
	}
	base := opts.BaseLogger
	if base == nil {
		base = zap.NewNop()
	}

	logDir := filepath.Join(paths.LogsBase, cfg.ID)
	logger, closeLog := fileLogger(base.With(zap.String("workspace", cfg.ID)), logDir)

	reg := metrics.NewRegistry()

	q, err := queue.Open(filepath.Join(paths.QueueBase, cfg.ID), opts.RecoveryGrace, reg, logger)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("opening queue for %s: %w", cfg.ID, err)
	}

	store, err := kanban.Open(filepath.Join(paths.WorkspacesBase, cfg.ID, "data", "kanban.db"), logger)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("opening kanban store for %s: %w", cfg.ID, err)
	}

	ws := &Workspace{
		ID:        cfg.ID,
		RepoPath:  cfg.RepoPath,
		Queue:     q,
		Bus:       events.NewBus(cfg.ID, logger),
		Kanban:    store,
		Worktrees: worktree.NewManager(cfg.RepoPath, filepath.Join(paths.WorktreesBase, cfg.ID), logger),
		Metrics:   reg,
		Logger:    logger,
		LogDir:    logDir,
		closeLog:  closeLog,
	}
	return ws, nil
}

// Close flushes and releases the workspace's resources.
func (w *Workspace) Close(ctx context.Context) error {
	var errs []error
	if w.Bus != nil {
		if err := w.Bus.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if w.Kanban != nil {
		if err := w.Kanban.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.closeLog != nil {
		w.closeLog()
	}
	return errors.Join(errs...)
}

func validateID(id string) error {
	if id == "" {
		return errors.New("workspace id is empty")
	}
	if id != filepath.Base(id) || strings.ContainsAny(id, " /\\") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("workspace id %q is not path safe", id)
	}
	return nil
}

// fileLogger tees the workspace logger into a dated file under dir. On any
// filesystem trouble it warns once and keeps the process logger only.
func fileLogger(base *zap.Logger, dir string) (*zap.Logger, func()) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		base.Warn("workspace file logging disabled", zap.String("dir", dir), zap.Error(err))
		return base, func() {}
	}
	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		base.Warn("workspace file logging disabled", zap.String("path", path), zap.Error(err))
		return base, func() {}
	}

	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	fileCore := zapcore.NewCore(enc, zapcore.AddSync(f), zapcore.InfoLevel)
	logger := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return logger, func() { _ = f.Close() }
}

// Registry resolves workspace ids, including the implicit default.
type Registry struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	logger     *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		workspaces: make(map[string]*Workspace),
		logger:     logger.Named("workspace"),
	}
}

// Add registers a workspace. Ids are unique.
func (r *Registry) Add(ws *Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workspaces[ws.ID]; ok {
		return fmt.Errorf("workspace %q already registered", ws.ID)
	}
	r.workspaces[ws.ID] = ws
	r.logger.Info("workspace registered", zap.String("workspace", ws.ID))
	return nil
}

// Get resolves an id. Empty means the default workspace.
func (r *Registry) Get(id string) (*Workspace, error) {
	if id == "" {
		id = DefaultID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return ws, nil
}

// FromRequest resolves the workspace named by the request header. A missing
// header selects the default workspace; an unknown one is an error.
func (r *Registry) FromRequest(req *http.Request) (*Workspace, error) {
	return r.Get(req.Header.Get(Header))
}

// List returns all workspaces sorted by id.
func (r *Registry) List() []*Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every workspace.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, ws := range r.List() {
		if err := ws.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", ws.ID, err))
		}
	}
	return errors.Join(errs...)
}
