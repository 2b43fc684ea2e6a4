package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/easzlab/ezsocklb/pkg/config"
	"github.com/easzlab/ezsocklb/pkg/control"
	"github.com/easzlab/ezsocklb/pkg/hook"
	"github.com/easzlab/ezsocklb/pkg/ipvssource"
	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"github.com/easzlab/ezsocklb/pkg/metrics"
	"github.com/easzlab/ezsocklb/pkg/redirect"
	"github.com/easzlab/ezsocklb/pkg/sockdiag"
	"go.uber.org/zap"
)

const (
	ipvsResyncInterval = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr  *config.Manager
	store      lbmap.Store
	reconciler *control.Reconciler
	engine     *redirect.Engine
	sockets    *sockdiag.Watcher
	ipvs       *ipvssource.Source
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server
	attacher   *hook.Attacher
	level      *zap.AtomicLevel
	logger     *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLogLevel lets the server apply global.log_level to the logger.
func WithLogLevel(level *zap.AtomicLevel) Option {
	return func(s *Server) { s.level = level }
}

// withIPVSHandle replaces the kernel IPVS handle; used by tests.
func withIPVSHandle(handle ipvssource.Handle) Option {
	return func(s *Server) { s.ipvs = ipvssource.NewSource(handle, s.logger.Named("ipvs")) }
}

// NewServer initializes all modules and returns a ready-to-run Server.
func NewServer(configPath string, logger *zap.Logger, opts ...Option) (*Server, error) {
	// Initialize config manager
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	store, err := openStore(configMgr.GetConfig().Store, logger.Named("lbmap"))
	if err != nil {
		return nil, err
	}

	server, err := newServerWithStore(configMgr, store, logger, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return server, nil
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (lbmap.Store, error) {
	switch cfg.Type {
	case config.StoreBPF:
		store, err := lbmap.NewBPFStore(cfg.PinPath, cfg.MaxEntries, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open BPF tables: %w", err)
		}
		return store, nil
	default:
		return lbmap.NewMemStore(cfg.MaxEntries), nil
	}
}

// newServerWithStore initializes a Server with a pre-created Store.
// This allows tests to inject an in-memory store.
func newServerWithStore(configMgr *config.Manager, store lbmap.Store, logger *zap.Logger, opts ...Option) (*Server, error) {
	cfg := configMgr.GetConfig()

	server := &Server{
		configMgr:  configMgr,
		store:      store,
		reconciler: control.NewReconciler(store, logger.Named("reconciler")),
		metrics:    metrics.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(server)
	}

	engineOpts := []redirect.Option{
		redirect.WithObserver(server.metrics.ObserveVerdict),
		redirect.WithLogger(logger.Named("redirect")),
	}
	if cfg.Hairpin.Enabled {
		server.sockets = sockdiag.NewWatcher(cfg.Hairpin.Netns, cfg.Hairpin.GetRefresh(), logger.Named("sockdiag"))
		engineOpts = append(engineOpts, redirect.WithSocketLookup(server.sockets))
	}
	server.engine = redirect.NewEngine(store, engineOpts...)

	if cfg.IPVS.Import && server.ipvs == nil {
		handle, err := ipvssource.NewHandle("")
		if err != nil {
			return nil, fmt.Errorf("failed to open IPVS handle: %w", err)
		}
		server.ipvs = ipvssource.NewSource(handle, logger.Named("ipvs"))
	}

	return server, nil
}

// Run starts the server in daemon mode: performs initial reconcile, attaches
// the connect hook, starts config watching, then enters the main event loop
// until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configMgr.GetConfig()
	s.applyLogLevel(cfg)

	if cfg.Global.MetricsListen != "" {
		metricsSrv, err := metrics.Serve(s.metrics, cfg.Global.MetricsListen, s.logger.Named("metrics"))
		if err != nil {
			s.shutdown()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		s.metricsSrv = metricsSrv
	}

	if s.sockets != nil {
		s.refreshSockets()
		go s.sockets.Run(ctx)
	}

	// Perform initial reconcile
	if err := s.reconcile(cfg); err != nil {
		s.logger.Error("initial reconcile failed", zap.Error(err))
	}

	// The hook is attached after the first reconcile so that it never
	// sees tables the config has not been applied to.
	if cfg.Hook.Object != "" {
		if err := s.attachHook(cfg.Hook); err != nil {
			s.shutdown()
			return err
		}
	}

	// Start config file watching
	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	var resync <-chan time.Time
	if s.ipvs != nil {
		ticker := time.NewTicker(ipvsResyncInterval)
		defer ticker.Stop()
		resync = ticker.C
	}

	// Main event loop
	s.logger.Info("server started, entering main loop")
	for {
		select {
		case <-s.configMgr.OnChange():
			s.logger.Info("config change detected, triggering reconcile")
			newCfg := s.configMgr.GetConfig()
			s.applyLogLevel(newCfg)
			if err := s.reconcile(newCfg); err != nil {
				s.logger.Error("reconcile after config change failed", zap.Error(err))
			}

		case <-resync:
			if err := s.reconcile(s.configMgr.GetConfig()); err != nil {
				s.logger.Error("reconcile after ipvs resync failed", zap.Error(err))
			}

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			s.shutdown()
			return nil
		}
	}
}

// RunOnce performs a single reconcile pass and then shuts down.
// With the bpf store the entries stay pinned for a kernel hook to use.
func (s *Server) RunOnce() error {
	cfg := s.configMgr.GetConfig()

	err := s.reconcile(cfg)
	s.shutdown()

	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	return nil
}

// Decide returns the verdict for one connection attempt. The in-memory
// tables are filled from config first; pinned BPF tables are read as they
// are.
func (s *Server) Decide(req redirect.Request) (redirect.Verdict, error) {
	if err := s.prepareTables(); err != nil {
		return redirect.Verdict{}, err
	}
	return s.engine.Decide(req), nil
}

// Connect dials address through the engine, preparing the tables as Decide
// does, and returns the verdict that dial applied. decided is false when the
// destination was not looked up at all, such as a host name.
func (s *Server) Connect(ctx context.Context, network, address string) (conn net.Conn, verdict redirect.Verdict, decided bool, err error) {
	if err := s.prepareTables(); err != nil {
		return nil, redirect.Verdict{}, false, err
	}
	recorder := &verdictRecorder{decider: s.engine}
	conn, err = hook.NewDialer(recorder, nil, s.logger.Named("hook")).DialContext(ctx, network, address)
	return conn, recorder.verdict, recorder.decided, err
}

func (s *Server) prepareTables() error {
	if _, ok := s.store.(*lbmap.MemStore); ok {
		if err := s.reconcile(s.configMgr.GetConfig()); err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
	}
	if s.sockets != nil {
		s.refreshSockets()
	}
	return nil
}

// verdictRecorder keeps the verdict of the single Decide call a dial makes.
type verdictRecorder struct {
	decider hook.Decider
	verdict redirect.Verdict
	decided bool
}

func (r *verdictRecorder) Decide(req redirect.Request) redirect.Verdict {
	r.verdict = r.decider.Decide(req)
	r.decided = true
	return r.verdict
}

// Cleanup removes every entry from the tables and, for the bpf store,
// unpins them from bpffs. The server is closed afterwards.
func (s *Server) Cleanup() error {
	err := s.reconciler.Reconcile(nil)
	if bpfStore, ok := s.store.(*lbmap.BPFStore); ok {
		if unpinErr := bpfStore.Unpin(); unpinErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to unpin tables: %w", unpinErr))
		}
	}
	s.shutdown()
	return err
}

// Dialer returns a dialer that connects through the engine.
func (s *Server) Dialer() *hook.Dialer {
	return hook.NewDialer(s.engine, nil, s.logger.Named("hook"))
}

// Close releases every module without running.
func (s *Server) Close() {
	s.shutdown()
}

// reconcile applies cfg, plus imported IPVS services, to the tables.
func (s *Server) reconcile(cfg *config.Config) error {
	services := cfg.Services
	if s.ipvs != nil && cfg.IPVS.Import {
		imported, err := s.ipvs.Services()
		if err != nil {
			s.logger.Error("failed to import ipvs services, using configured services only", zap.Error(err))
		} else {
			services = ipvssource.Merge(cfg.Services, imported, s.logger.Named("ipvs"))
		}
	}

	err := s.reconciler.Reconcile(services)
	s.metrics.ObserveReconcile(err)
	s.updateTableMetrics()
	return err
}

func (s *Server) updateTableMetrics() {
	services, err := s.store.Services()
	if err != nil {
		s.logger.Warn("failed to count service entries", zap.Error(err))
		return
	}
	backends, err := s.store.Backends()
	if err != nil {
		s.logger.Warn("failed to count backend entries", zap.Error(err))
		return
	}
	s.metrics.SetTableEntries(len(services), len(backends))
}

func (s *Server) refreshSockets() {
	if err := s.sockets.Refresh(); err != nil {
		s.logger.Warn("failed to list local sockets, hairpin detection sees none", zap.Error(err))
	}
}

func (s *Server) attachHook(cfg config.HookConfig) error {
	bpfStore, ok := s.store.(*lbmap.BPFStore)
	if !ok {
		return errors.New("the connect hook needs the bpf store")
	}
	attacher, err := hook.Attach(cfg.Object, cfg.CgroupPath, bpfStore, s.logger.Named("hook"))
	if err != nil {
		return fmt.Errorf("failed to attach connect hook: %w", err)
	}
	s.attacher = attacher
	return nil
}

func (s *Server) applyLogLevel(cfg *config.Config) {
	if s.level == nil || cfg.Global.LogLevel == "" {
		return
	}
	if err := s.level.UnmarshalText([]byte(cfg.Global.LogLevel)); err != nil {
		s.logger.Warn("invalid log level, keeping current level",
			zap.String("log_level", cfg.Global.LogLevel),
			zap.Error(err),
		)
	}
}

// shutdown gracefully stops all modules.
func (s *Server) shutdown() {
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to stop metrics server", zap.Error(err))
		}
		cancel()
		s.metricsSrv = nil
	}
	if s.attacher != nil {
		if err := s.attacher.Close(); err != nil {
			s.logger.Warn("failed to detach connect hook", zap.Error(err))
		}
		s.attacher = nil
	}
	if s.ipvs != nil {
		s.ipvs.Close()
		s.ipvs = nil
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close tables", zap.Error(err))
	}
	s.logger.Info("server stopped")
}
