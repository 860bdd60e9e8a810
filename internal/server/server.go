// Package server assembles the dispatcher daemon: webhook intake, the
// per-workspace orchestrators, kanban projection, notifications, scheduled
// maintenance, the operator HTTP and MCP surfaces and the optional tunnel,
// all torn down together on shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skybridge-io/skybridge/internal/agent"
	"github.com/skybridge-io/skybridge/internal/config"
	"github.com/skybridge-io/skybridge/internal/intake"
	"github.com/skybridge-io/skybridge/internal/kanban"
	"github.com/skybridge-io/skybridge/internal/maintenance"
	"github.com/skybridge-io/skybridge/internal/mcpserver"
	"github.com/skybridge-io/skybridge/internal/notify"
	"github.com/skybridge-io/skybridge/internal/orchestrator"
	"github.com/skybridge-io/skybridge/internal/signature"
	"github.com/skybridge-io/skybridge/internal/skills"
	"github.com/skybridge-io/skybridge/internal/tunnel"
	"github.com/skybridge-io/skybridge/internal/workspace"
)

// drainTimeout bounds shutdown: it must outlast the agent grace period so a
// canceled run can still exit cleanly and be recorded.
const drainTimeout = 35 * time.Second

// Server owns every long-lived component of the daemon.
type Server struct {
	cfg           config.Config
	version       string
	logger        *zap.Logger
	registry      *workspace.Registry
	intake        *intake.Service
	catalog       *skills.Catalog
	orchestrators []*orchestrator.Orchestrator
	janitor       *maintenance.Janitor
	tunnel        *tunnel.Supervisor
	mcp           *mcpserver.MCPServer
	handler       http.Handler
	started       time.Time
}

// New builds the daemon from configuration. Every enabled workspace is
// opened eagerly; a workspace that cannot open fails startup rather than
// silently dropping a tenant.
func New(cfg config.Config, version string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	catalog, err := skills.Load(cfg.Agent.SkillsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading skill catalog: %w", err)
	}

	cli, err := agent.NewCLI(agent.CLIConfig{
		Binary:        cfg.Agent.Binary,
		Args:          cfg.Agent.Args,
		PromptPath:    cfg.Agent.PromptPath,
		ShutdownGrace: cfg.ShutdownGrace(),
	}, catalog, logger)
	if err != nil {
		return nil, fmt.Errorf("building agent runtime: %w", err)
	}

	var opener orchestrator.PROpener
	if cfg.Orchestrator.PRHookURL != "" {
		opener = orchestrator.NewHookPROpener(cfg.Orchestrator.PRHookURL, logger)
	}
	router := notify.BuildRouter(cfg.Notify, logger)

	s := &Server{
		cfg:      cfg,
		version:  version,
		logger:   logger.Named("server"),
		registry: workspace.NewRegistry(logger),
		catalog:  catalog,
		started:  time.Now().UTC(),
	}

	for _, wsCfg := range cfg.EnabledWorkspaces() {
		ws, err := workspace.Build(wsCfg, cfg.Paths(), workspace.BuildOptions{
			BaseLogger:    logger,
			RecoveryGrace: cfg.RecoveryGrace(),
		})
		if err != nil {
			_ = s.registry.Close(context.Background())
			return nil, fmt.Errorf("building workspace %s: %w", wsCfg.ID, err)
		}
		if err := s.registry.Add(ws); err != nil {
			_ = ws.Close(context.Background())
			_ = s.registry.Close(context.Background())
			return nil, err
		}

		kanban.NewProjector(ws.Kanban, catalog, ws.Logger).Register(ws.Bus)
		notify.NewSink(router, ws.Logger).Register(ws.Bus)

		s.orchestrators = append(s.orchestrators, orchestrator.New(ws, cli, orchestrator.Options{
			Autonomy:    cfg.Autonomy(),
			Workers:     cfg.Orchestrator.Workers,
			MaxAttempts: cfg.Orchestrator.MaxAttempts,
			PROpener:    opener,
		}))
	}

	s.intake = intake.NewService(
		signature.NewVerifier(cfg.Webhooks.Secrets),
		catalog,
		cfg.Webhooks.EnabledSources,
		logger,
	)
	s.mcp = mcpserver.New(s.registry, version, logger)
	s.janitor = maintenance.NewJanitor(s.registry, cfg.Janitor.Schedule, cfg.Retention(), logger)

	if cfg.Ngrok.Enabled {
		port, err := listenPort(cfg.ListenAddr)
		if err != nil {
			_ = s.registry.Close(context.Background())
			return nil, fmt.Errorf("tunnel needs a numeric listen port: %w", err)
		}
		s.tunnel = tunnel.NewSupervisor(tunnel.Options{
			Port:      port,
			AuthToken: cfg.Ngrok.AuthToken,
			Domain:    cfg.Ngrok.Domain,
		}, logger)
	}

	s.handler = instrument(bodyLimit(s.routes()))
	return s, nil
}

// Handler exposes the composed HTTP surface, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts everything and blocks until ctx is canceled, then drains:
// orchestrators get the agent grace period, stores close last.
func (s *Server) Run(ctx context.Context) error {
	for _, ws := range s.registry.List() {
		n, err := ws.Queue.Recover()
		if err != nil {
			ws.Logger.Warn("startup recovery failed", zap.Error(err))
			continue
		}
		if n > 0 {
			ws.Logger.Info("jobs recovered at startup", zap.Int("count", n))
		}
	}

	for _, o := range s.orchestrators {
		o.Start(ctx)
	}
	if err := s.janitor.Start(); err != nil {
		return fmt.Errorf("starting janitor: %w", err)
	}

	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting dispatcher",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", s.version),
		zap.Int("workspaces", len(s.registry.List())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.tunnel != nil {
		g.Go(func() error {
			return s.tunnel.Run(gctx)
		})
	}

	runErr := g.Wait()

	s.logger.Info("draining")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for _, o := range s.orchestrators {
		if err := o.Stop(drainCtx); err != nil {
			s.logger.Warn("orchestrator drain incomplete", zap.Error(err))
		}
	}
	s.janitor.Stop(drainCtx)
	closeErr := s.registry.Close(drainCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return errors.Join(runErr, closeErr)
	}
	return closeErr
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
