// Package app wires one butler's subsystems into a running daemon, the
// same composition-root role an app.App plays in an agent daemon's process layout
// for its own control plane: New() opens the database, constructs every
// subsystem in dependency order, and Run() blocks serving until the
// process is signaled to stop.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsbutler/butler/common/crypto"
	"github.com/opsbutler/butler/internal/approvals"
	"github.com/opsbutler/butler/internal/config"
	"github.com/opsbutler/butler/internal/executor"
	"github.com/opsbutler/butler/internal/identity"
	"github.com/opsbutler/butler/internal/module"
	approvalsmodule "github.com/opsbutler/butler/internal/modules/approvals"
	"github.com/opsbutler/butler/internal/modules/calendar"
	"github.com/opsbutler/butler/internal/modules/contacts"
	"github.com/opsbutler/butler/internal/modules/memory"
	"github.com/opsbutler/butler/internal/notifier"
	"github.com/opsbutler/butler/internal/scheduler"
	"github.com/opsbutler/butler/internal/spawner"
	"github.com/opsbutler/butler/internal/spawner/runtime/docker"
	"github.com/opsbutler/butler/internal/spawner/runtime/subprocess"
	"github.com/opsbutler/butler/internal/storage"
	"github.com/opsbutler/butler/internal/switchboard"
	"github.com/opsbutler/butler/internal/switchboard/connector/matrix"
	"github.com/opsbutler/butler/internal/switchboard/connector/webhook"
)

// Config configures one butler daemon instance.
type Config struct {
	ButlerName     string
	ConfigPath     string
	DatabasePath   string
	WorkerCommand  []string
	RuntimeBackend string // "subprocess" | "docker"
	DockerImage    string

	// Matrix connector settings; MatrixHomeserver empty disables the
	// connector entirely (a butler can run ingest-free, driven only by the
	// scheduler).
	MatrixHomeserver  string
	MatrixUserID      string
	MatrixAccessToken string
	MatrixRooms       []string

	OwnerChannelType string
	OwnerDestination string
}

// webhookSources and webhookAddr are read off the butler's own TOML config
// (config.Config.WebhookSources / Switchboard.WebhookAddr) inside New,
// rather than on app.Config — unlike the Matrix connector's credentials,
// which are process secrets, a butler's webhook endpoints are routing
// topology and belong in the same document as [[switchboard.routes]].

// App bundles one butler's running subsystems.
type App struct {
	cfg *Config
	log *slog.Logger

	db       *sql.DB
	resolver *identity.Resolver
	registry *module.Registry
	gate     *approvals.Gate
	exec     *executor.Registry

	schedulerStore *scheduler.Store
	scheduler      *scheduler.Scheduler
	switchStore    *switchboard.Store
	router         *switchboard.Router
	matrixConn     *matrix.Connector
	webhookConn    *webhook.Connector
	spawnerStore   *spawner.Store
	spawner        *spawner.Spawner
	notifier       *notifier.Notifier
}

// New opens the database, loads the butler's TOML config, constructs every
// subsystem, and reconciles the scheduler's static tasks. It does not yet
// start any background loops — call Run for that.
func New(cfg *Config, log *slog.Logger) (*App, error) {
	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}

	resolver := identity.New(db)
	registry := module.NewRegistry()

	sessionsStore := spawner.NewStore(db)
	schedulerStore := scheduler.NewStore(db)
	switchStore := switchboard.NewStore(db)

	exec := executor.NewRegistry()
	approvalsStore := approvals.NewStore(db)

	// The approvals module registers before its Gate exists (SetGate below):
	// the registered tool set is needed first, to validate [modules.approvals
	// .gated_tools] against real tool names.
	approvalsMod := approvalsmodule.New(nil)
	calendarMod := calendar.New()
	contactsMod := contacts.New(resolver)
	memoryMod := memory.New()

	for _, m := range []module.Module{approvalsMod, calendarMod, contactsMod, memoryMod} {
		if err := registry.Register(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("app: register module %s: %w", m.Name(), err)
		}
	}

	if err := storage.ApplyModuleMigrations(db, registry.Migrations()); err != nil {
		db.Close()
		return nil, fmt.Errorf("app: apply module migrations: %w", err)
	}
	if err := registry.StartAll(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("app: module startup: %w", err)
	}

	knownTools := make(map[string]bool)
	for name := range registry.Tools() {
		knownTools[name] = true
	}

	butlerCfg, err := config.Load(cfg.ConfigPath, knownTools)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	gate := approvals.NewGate(approvalsStore, resolver, butlerCfg.GateConfig(), exec.Handlers())
	approvalsMod.SetGate(gate)

	// Approved actions with no recorded execution result were left behind by
	// a process that stopped between approval and execution; they are flagged
	// for operator reconciliation and never re-run.
	if stale, err := approvalsStore.ListApprovedBefore(context.Background(), time.Now()); err != nil {
		log.Warn("list unexecuted approved actions failed", "error", err)
	} else if err := approvalsStore.MarkNeedsReconciliation(context.Background(), stale); err != nil {
		log.Warn("flag actions for reconciliation failed", "error", err)
	}

	for name, desc := range registry.Tools() {
		if desc.Handler == nil {
			continue
		}
		if err := exec.Register(name, approvals.ToolHandler(desc.Handler)); err != nil {
			db.Close()
			return nil, fmt.Errorf("app: register executor handler %s: %w", name, err)
		}
	}

	var backend spawner.Backend
	switch cfg.RuntimeBackend {
	case "docker":
		dockerBackend, err := docker.New(cfg.DockerImage)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("app: docker backend: %w", err)
		}
		backend = dockerBackend
	default:
		backend = subprocess.New()
	}

	// A missing/invalid master key just means resolveCredential always
	// degrades to an empty value (fail-open, logged) — not a startup error,
	// since plenty of butlers load every credential their modules need
	// straight from the process environment instead.
	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		log.Warn("no master key configured, secured credential channels unavailable", "error", err)
		masterKey = nil
	}

	spawnerInst := spawner.New(sessionsStore, spawner.Config{
		Butler:    cfg.ButlerName,
		WorkerCmd: cfg.WorkerCommand,
		Registry:  registry,
		Gate:      gate,
		Executors: exec,
		Backend:   backend,
		Log:       log,
		Resolver:  resolver,
		MasterKey: masterKey,
	})

	// The owner notification transport is a Matrix connector when one is
	// configured, bound via matrixSender once the connector itself exists
	// further down — the connector depends on the router, which depends on
	// this Notifier, so the sender is constructed first and wired in two
	// steps rather than reordering the whole dependency chain.
	matrixSend := &matrixSender{}
	var ownerSender notifier.Sender = noopSender{}
	if cfg.MatrixHomeserver != "" {
		ownerSender = matrixSend
	}

	notif := notifier.New(ownerSender, notifier.Config{
		OwnerChannelType: cfg.OwnerChannelType,
		OwnerDestination: cfg.OwnerDestination,
	}, log)

	sched := scheduler.New(schedulerStore, spawnerInst, log).WithFailureNotifier(notif)

	taskSpecs, err := butlerCfg.TaskSpecs()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("app: scheduler task specs: %w", err)
	}
	if err := sched.Reconcile(context.Background(), taskSpecs, time.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("app: reconcile scheduler: %w", err)
	}

	router := switchboard.NewRouter(switchStore, resolver, spawnerInst, notif, switchboard.Config{
		Routes:    butlerCfg.RoutingRules(),
		RateLimit: butlerCfg.Switchboard.RateLimit,
	}, log)

	var matrixConn *matrix.Connector
	if cfg.MatrixHomeserver != "" {
		matrixConn, err = matrix.New(&matrix.Config{
			Homeserver:  cfg.MatrixHomeserver,
			UserID:      cfg.MatrixUserID,
			AccessToken: cfg.MatrixAccessToken,
			Rooms:       cfg.MatrixRooms,
			DB:          db,
			Gate:        gate,
		}, router, log)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("app: matrix connector: %w", err)
		}
		matrixSend.conn = matrixConn
	}

	var webhookConn *webhook.Connector
	if butlerCfg.Switchboard.WebhookAddr != "" {
		webhookConn = webhook.New(webhook.Config{
			Addr:    butlerCfg.Switchboard.WebhookAddr,
			Sources: butlerCfg.WebhookSources(),
		}, router, log)
	}

	return &App{
		cfg:            cfg,
		log:            log,
		db:             db,
		resolver:       resolver,
		registry:       registry,
		gate:           gate,
		exec:           exec,
		schedulerStore: schedulerStore,
		scheduler:      sched,
		switchStore:    switchStore,
		router:         router,
		matrixConn:     matrixConn,
		webhookConn:    webhookConn,
		spawnerStore:   sessionsStore,
		spawner:        spawnerInst,
		notifier:       notif,
	}, nil
}

// Run starts the scheduler tick loop and the ingress connector (if
// configured), and blocks until SIGINT/SIGTERM or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.scheduler.Run(ctx)

	if a.matrixConn != nil {
		if err := a.matrixConn.Start(ctx); err != nil {
			return fmt.Errorf("app: start matrix connector: %w", err)
		}
	}
	if a.webhookConn != nil {
		a.webhookConn.Start()
	}

	<-ctx.Done()
	a.log.Info("shutting down", "butler", a.cfg.ButlerName)
	return a.Stop(context.Background())
}

// Stop shuts down every subsystem in reverse dependency order.
func (a *App) Stop(ctx context.Context) error {
	if a.matrixConn != nil {
		a.matrixConn.Stop()
	}
	if a.webhookConn != nil {
		a.webhookConn.Stop()
	}
	if err := a.registry.ShutdownAll(ctx); err != nil {
		a.log.Error("module shutdown error", "error", err)
	}
	return a.db.Close()
}

// DB exposes the underlying database handle.
func (a *App) DB() *sql.DB { return a.db }

// Gate exposes the approval gate, for dashboard wiring.
func (a *App) Gate() *approvals.Gate { return a.gate }

// SchedulerStore exposes the scheduled-task store, for dashboard wiring.
func (a *App) SchedulerStore() *scheduler.Store { return a.schedulerStore }

// SpawnerStore exposes the session store, for dashboard wiring.
func (a *App) SpawnerStore() *spawner.Store { return a.spawnerStore }

// SpawnForSchedule exposes a manual one-shot trigger path for the CLI's
// "run <butler>" subcommand — it spawns a worker directly from a synthetic
// task rather than waiting for a scheduler tick.
func (a *App) SpawnForSchedule(ctx context.Context, task *scheduler.Task) (string, error) {
	return a.spawner.SpawnForSchedule(ctx, task)
}

// noopSender is the default notification transport when no channel
// connector is configured to carry owner notifications; it logs instead of
// silently discarding, since a butler with no Matrix connector configured
// still runs its scheduler and should not panic composing a Notifier.
type noopSender struct{}

func (noopSender) Send(_ context.Context, channelType, destination, message string) error {
	slog.Warn("notifier: no transport configured, dropping notification", "channel", channelType, "destination", destination, "message", message)
	return nil
}

// matrixSender adapts a matrix.Connector into a notifier.Sender so the
// Notifier can deliver owner notifications over the same Matrix room a
// connector already maintains, instead of only logging them. Its conn field
// is set after the connector is constructed, not at matrixSender creation
// time, since the connector itself depends on the router, which in turn
// depends on the Notifier this sender is built for.
type matrixSender struct {
	conn *matrix.Connector
}

func (s *matrixSender) Send(_ context.Context, channelType, destination, message string) error {
	if channelType != "matrix" {
		return fmt.Errorf("notifier: no transport configured for channel %q", channelType)
	}
	if s.conn == nil {
		return fmt.Errorf("notifier: matrix connector not configured")
	}
	return s.conn.Reply(destination, message)
}
