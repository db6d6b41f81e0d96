package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/netconverge/netconverge/pkg/config"
	"github.com/netconverge/netconverge/pkg/engine"
	"github.com/netconverge/netconverge/pkg/gateway"
	"github.com/netconverge/netconverge/pkg/inspector"
	"github.com/netconverge/netconverge/pkg/policy"
	"github.com/netconverge/netconverge/pkg/stores"
	"github.com/netconverge/netconverge/pkg/telemetry"
	"github.com/netconverge/netconverge/pkg/transports/ssh"
)

// app holds the components one command invocation needs.
type app struct {
	cfg       *config.AppConfig
	telemetry *telemetry.Telemetry
	documents *config.DocumentLoader

	// set by openStore
	store *stores.SQLiteStore

	// set by openBackend
	gateway      *gateway.Gateway
	inspector    *inspector.Inspector
	guard        *policy.Guard
	orchestrator *engine.Orchestrator

	closers []func() error
}

// newApp loads configuration and starts telemetry.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	documents, err := config.NewDocumentLoader(0)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	a := &app{cfg: cfg, telemetry: tel, documents: documents}
	a.closers = append(a.closers, func() error {
		return tel.Shutdown(context.Background())
	})
	return a, nil
}

// openStore opens and migrates the ledger database.
func (a *app) openStore(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.LedgerPath), 0o700); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.LedgerPath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}

	a.store = store
	// closers run in reverse, so the store closes before telemetry flushes
	a.closers = append(a.closers, store.Close)
	return nil
}

// openBackend builds the gateway, inspector, plan guard and orchestrator.
// The ledger must already be open.
func (a *app) openBackend(ctx context.Context) error {
	if a.store == nil {
		return errors.New("ledger is not open")
	}

	runner, err := a.newRunner()
	if err != nil {
		return err
	}

	metrics := a.telemetry.Metrics
	a.gateway = gateway.New(runner,
		gateway.WithBinary(a.cfg.Backend.Binary),
		gateway.WithRecorder(metrics),
	)
	a.inspector = inspector.New(a.gateway,
		inspector.WithConcurrency(a.cfg.Inspector.Concurrency),
		inspector.WithRecorder(metrics),
	)

	executor := engine.NewPlanExecutor(a.gateway, a.store, engine.ExecutorConfig{
		MaxRetries:  a.cfg.Executor.MaxRetries,
		BaseBackoff: a.cfg.Executor.InitialBackoff,
		MaxBackoff:  a.cfg.Executor.MaxBackoff,
		OpTimeout:   a.cfg.Executor.OpTimeout,
	}).WithRecorder(metrics)

	if err := a.openGuard(ctx); err != nil {
		return err
	}
	// a nil *policy.Guard must not become a non-nil PlanGuard
	var guard engine.PlanGuard
	if a.guard != nil {
		guard = a.guard
	}

	a.orchestrator = engine.NewOrchestrator(a.inspector, executor, a.store, a.store, guard)
	return nil
}

// openGuard compiles the built-in and configured policies. It leaves the
// guard nil when policies are disabled.
func (a *app) openGuard(ctx context.Context) error {
	if !a.cfg.Policy.Enabled || a.guard != nil {
		return nil
	}
	g, err := policy.NewGuard(a.telemetry.Logger.Zerolog())
	if err != nil {
		return err
	}
	if err := g.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
		return err
	}
	a.guard = g
	return nil
}

func (a *app) newRunner() (gateway.Runner, error) {
	backend := a.cfg.Backend
	if backend.Kind != "ssh" {
		return &gateway.LocalRunner{UseSudo: backend.UseSudo}, nil
	}

	sshCfg := ssh.DefaultConfig(backend.SSH.Host, backend.SSH.User)
	if backend.SSH.Port != 0 {
		sshCfg.Port = backend.SSH.Port
	}
	if backend.SSH.AuthMethod != "" {
		sshCfg.AuthMethod = ssh.AuthMethod(backend.SSH.AuthMethod)
	}
	sshCfg.Password = backend.SSH.Password
	sshCfg.PrivateKeyPath = backend.SSH.PrivateKeyPath
	if backend.SSH.KnownHostsPath != "" {
		sshCfg.KnownHostsPath = backend.SSH.KnownHostsPath
	}
	sshCfg.StrictHostKeyChecking = backend.SSH.StrictHostKeyChecking
	if backend.SSH.ConnectionTimeout > 0 {
		sshCfg.ConnectionTimeout = backend.SSH.ConnectionTimeout
	}
	if backend.SSH.StagingDir != "" {
		sshCfg.StagingDir = backend.SSH.StagingDir
	}

	client, err := ssh.NewClient(sshCfg)
	if err != nil {
		return nil, fmt.Errorf("invalid ssh backend: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	log.Debug().Str("host", sshCfg.Address()).Str("user", sshCfg.User).Msg("Using SSH backend")
	return ssh.NewRunner(client, backend.UseSudo), nil
}

// loadDocument reads and validates a desired-state document.
func (a *app) loadDocument(ctx context.Context, path string) (*engine.DesiredState, error) {
	desired, err := a.documents.LoadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return desired, nil
}

// Close releases everything the app opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
