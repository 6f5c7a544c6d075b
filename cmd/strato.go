package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/authorization/lua"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/backend/memory"
	prometheusMiddleware "github.com/jdillenkofer/strato/internal/backend/middlewares/prometheus"
	tracingMiddleware "github.com/jdillenkofer/strato/internal/backend/middlewares/tracing"
	s3Backend "github.com/jdillenkofer/strato/internal/backend/s3"
	sqlBackend "github.com/jdillenkofer/strato/internal/backend/sql"
	"github.com/jdillenkofer/strato/internal/backend/sql/database"
	"github.com/jdillenkofer/strato/internal/eventloop"
	"github.com/jdillenkofer/strato/internal/failuremonitor"
	"github.com/jdillenkofer/strato/internal/http/server"
	"github.com/jdillenkofer/strato/internal/http/server/authentication"
	"github.com/jdillenkofer/strato/internal/ledger"
	"github.com/jdillenkofer/strato/internal/lifecycle"
	"github.com/jdillenkofer/strato/internal/metadata"
	"github.com/jdillenkofer/strato/internal/reaper"
	"github.com/jdillenkofer/strato/internal/settings"
	"github.com/jdillenkofer/strato/internal/task"
	"github.com/jdillenkofer/strato/internal/telemetry"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const defaultAuthorizationCode = `
function authorizeRequest(request)
  return true
end
`

const subcommandServe = "serve"
const subcommandReap = "reap"

const shutdownTimeout = 30 * time.Second
const reaperJoinTimeout = 10 * time.Second

var errShuttingDown = errors.New("shutting down")
var errStoreStopped = errors.New("backend store is not running")

func main() {
	var programLevel = new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     programLevel,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	if len(os.Args) < 2 {
		slog.Info(fmt.Sprintf("Usage: %s %s|%s [options]\n", os.Args[0], subcommandServe, subcommandReap))
		os.Exit(1)
	}

	settings, err := settings.LoadSettings(os.Args[2:])
	if err != nil {
		slog.Error(fmt.Sprint("Error while loading settings: ", err))
		os.Exit(1)
	}
	setLogLevel(programLevel, settings.LogLevel())

	subcommand := os.Args[1]
	switch subcommand {
	case subcommandServe:
		err = serve(ctx, settings)
	case subcommandReap:
		err = reap(ctx, settings)
	default:
		slog.Error(fmt.Sprintf("Invalid subcommand: %s. Expected one of '%s', '%s'.\n", subcommand, subcommandServe, subcommandReap))
		os.Exit(1)
	}
	if err != nil {
		slog.Error(fmt.Sprintf("%s failed: %s", subcommand, err))
		os.Exit(1)
	}
}

func setLogLevel(programLevel *slog.LevelVar, name string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		slog.Warn(fmt.Sprintf("Unknown log level %q, keeping %s", name, programLevel.Level()))
		return
	}
	programLevel.Set(level)
}

func loadRequestAuthorizer(authorizerPath string) (*lua.LuaAuthorizer, error) {
	authorizerCode, err := os.ReadFile(authorizerPath)
	if err != nil {
		slog.Warn(fmt.Sprint("Couldn't load authorizer: ", err))
		slog.Warn("Using defaultAuthorizationCode (which allows every operation) as fallback")
		authorizerCode = []byte(defaultAuthorizationCode)
	}
	return lua.NewLuaAuthorizer(string(authorizerCode))
}

func openDatabase(s *settings.Settings) (database.Database, error) {
	switch s.Backend() {
	case settings.BackendSqlite:
		if err := os.MkdirAll(filepath.Dir(s.DbPath()), 0o755); err != nil {
			return nil, err
		}
		return database.OpenSqliteDatabase(s.DbPath())
	case settings.BackendPostgres:
		return database.OpenPostgresDatabase(s.DbUrl())
	}
	return nil, fmt.Errorf("unknown backend %q", s.Backend())
}

// openExecutor builds the executor chain for the configured backend. The
// returned databases must be closed by the caller.
func openExecutor(ctx context.Context, s *settings.Settings, registerer prometheus.Registerer) (backend.Executor, []database.Database, error) {
	var dbs []database.Database
	var executor backend.Executor
	if s.Backend() == settings.BackendMemory {
		executor = memory.New()
	} else {
		db, err := openDatabase(s)
		if err != nil {
			return nil, nil, err
		}
		dbs = append(dbs, db)
		executor = sqlBackend.New(db)
	}

	switch s.ObjectBackend() {
	case settings.ObjectBackendDb:
	case settings.ObjectBackendS3:
		client, err := s3Backend.NewClient(ctx, s.S3Endpoint(), s.S3Region(), s.S3AccessKeyId(), s.S3SecretAccessKey(), s.S3UsePathStyle())
		if err != nil {
			return nil, dbs, err
		}
		executor = &backend.Route{
			Objects: tracingMiddleware.NewExecutorMiddleware("S3Executor", s3Backend.New(client, s.S3Bucket(), s.S3Prefix())),
			Indexes: executor,
		}
	default:
		return nil, dbs, fmt.Errorf("unknown object backend %q", s.ObjectBackend())
	}

	executor = tracingMiddleware.NewExecutorMiddleware("Backend", executor)
	executor, err := prometheusMiddleware.NewExecutorMiddleware(executor, registerer)
	if err != nil {
		return nil, dbs, err
	}
	return executor, dbs, nil
}

func closeDatabases(dbs []database.Database) error {
	var err error
	for _, db := range dbs {
		err = errors.Join(err, db.Close())
	}
	return err
}

// application is a running control loop with its backend store, ready to
// serve S3 requests.
type application struct {
	settings          *settings.Settings
	dbs               []database.Database
	store             *backend.Store
	loop              *eventloop.Loop
	cancelLoop        context.CancelFunc
	signal            *lifecycle.ShutdownSignal
	metrics           *telemetry.Metrics
	instance          metadata.Instance
	handler           http.Handler
	monitoringHandler http.Handler
	reaperTask        *task.TaskHandle
}

// newApplication registers instanceId in the instance index. Ledger records
// written by this process carry it.
func newApplication(ctx context.Context, s *settings.Settings, instanceId string, registerer prometheus.Registerer) (*application, error) {
	metrics, err := telemetry.NewMetrics(registerer)
	if err != nil {
		return nil, err
	}
	executor, dbs, err := openExecutor(ctx, s, registerer)
	if err != nil {
		return nil, errors.Join(err, closeDatabases(dbs))
	}
	store, err := backend.NewStore(executor, s.BackendWorkers(), s.BackendQueueSize(), s.BackendStopTimeout())
	if err != nil {
		return nil, errors.Join(err, closeDatabases(dbs))
	}
	err = store.Start(ctx)
	if err != nil {
		return nil, errors.Join(err, closeDatabases(dbs))
	}

	hostname, _ := os.Hostname()
	instance := metadata.Instance{
		InstanceId: instanceId,
		Hostname:   hostname,
		StartedAt:  time.Now().UTC(),
	}
	err = metadata.RegisterInstance(ctx, store, instance)
	if err != nil {
		return nil, errors.Join(err, store.Stop(ctx), closeDatabases(dbs))
	}

	requestAuthorizer, err := loadRequestAuthorizer(s.AuthorizerPath())
	if err != nil {
		return nil, errors.Join(err, store.Stop(ctx), closeDatabases(dbs))
	}

	loop := eventloop.New()
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	go func() {
		err := loop.Run(loopCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error(fmt.Sprintf("Event loop stopped: %s", err))
		}
	}()

	shutdownSignal := lifecycle.NewShutdownSignal()
	monitor := failuremonitor.New(s.FailureThreshold(), s.FailureWindow(), shutdownSignal, metrics)
	engine := asyncop.NewEngine(loop, store, monitor, metrics)
	deps := &action.Dependencies{
		Engine:                 engine,
		Ledger:                 ledger.New(engine, instance.InstanceId),
		Signal:                 shutdownSignal,
		Metrics:                metrics,
		Authorizer:             requestAuthorizer,
		MaxCollisionRetryCount: s.MaxCollisionRetryCount(),
		RetryAfterSeconds:      s.RetryAfterSeconds(),
	}

	var verifier *authentication.Verifier
	if credentials := s.Credentials(); credentials != nil {
		authCredentials := make([]authentication.Credentials, 0, len(credentials))
		for _, c := range credentials {
			authCredentials = append(authCredentials, authentication.Credentials{AccessKeyId: c.AccessKeyId, SecretAccessKey: c.SecretAccessKey})
		}
		verifier = authentication.NewVerifier(authCredentials, s.Region())
	} else {
		slog.Warn("No credentials configured, request signatures are not checked")
	}

	app := &application{
		settings:   s,
		dbs:        dbs,
		store:      store,
		loop:       loop,
		cancelLoop: cancelLoop,
		signal:     shutdownSignal,
		metrics:    metrics,
		instance:   instance,
		handler:    server.SetupServer(verifier, s.Domain(), deps),
	}
	app.monitoringHandler = server.SetupMonitoringServer(app.healthChecks())

	if s.ReaperEnabled() {
		r := reaper.New(store, metrics, s.ReaperGracePeriod(), s.ReaperRecordsPerSecond(), reaper.DefaultBatchSize)
		app.reaperTask = task.Start(func(cancelTask *atomic.Bool) {
			r.RunLoop(cancelTask, s.ReaperInterval())
		})
	}
	slog.Info(fmt.Sprintf("Started instance %s with %s backend", instance.InstanceId, s.Backend()))
	return app, nil
}

func (a *application) healthChecks() []server.HealthCheck {
	checks := []server.HealthCheck{
		func(ctx context.Context) error {
			if a.signal.IsShuttingDown() {
				return errShuttingDown
			}
			if !a.store.IsRunning() {
				return errStoreStopped
			}
			return nil
		},
	}
	for _, db := range a.dbs {
		checks = append(checks, db.PingContext)
	}
	return checks
}

// shutdown drains admitted pipelines before the store goes away. Callers
// must have stopped accepting requests.
func (a *application) shutdown(ctx context.Context) error {
	a.signal.Trigger("server stopped")
	if a.reaperTask != nil {
		a.reaperTask.Cancel()
		if a.reaperTask.JoinWithTimeout(reaperJoinTimeout) {
			slog.Warn("Reaper did not stop in time")
		}
	}

	a.loop.Drain()
	select {
	case <-a.loop.Stopped():
	case <-ctx.Done():
		slog.Warn(fmt.Sprintf("Cancelling event loop with %d pipelines in flight", a.loop.Holds()))
		a.cancelLoop()
		<-a.loop.Stopped()
	}
	a.cancelLoop()

	var err error
	deregisterErr := metadata.DeregisterInstance(ctx, a.store, a.instance.InstanceId)
	if deregisterErr != nil {
		err = errors.Join(err, fmt.Errorf("couldn't deregister instance: %w", deregisterErr))
	}
	err = errors.Join(err, a.store.Stop(ctx), closeDatabases(a.dbs))
	return err
}

func serve(ctx context.Context, s *settings.Settings) error {
	instanceId := ulid.Make().String()
	tracing, err := telemetry.SetupTracing(ctx, s, instanceId)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			slog.Error(fmt.Sprintf("Couldn't flush traces: %s", err))
		}
	}()

	app, err := newApplication(ctx, s, instanceId, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(signalCtx)

	addr := fmt.Sprintf("%v:%v", s.BindAddress(), s.Port())
	httpServer := &http.Server{
		BaseContext: func(net.Listener) context.Context { return ctx },
		Addr:        addr,
		Handler:     app.handler,
	}
	servers := []*http.Server{httpServer}
	g.Go(func() error {
		slog.Info(fmt.Sprintf("Listening with s3 api on http://%v\n", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.MonitoringPortEnabled() {
		monitoringAddr := fmt.Sprintf("%v:%v", s.BindAddress(), s.MonitoringPort())
		httpMonitoringServer := &http.Server{
			BaseContext: func(net.Listener) context.Context { return ctx },
			Addr:        monitoringAddr,
			Handler:     app.monitoringHandler,
		}
		servers = append(servers, httpMonitoringServer)
		g.Go(func() error {
			slog.Info(fmt.Sprintf("Listening with monitoring api on http://%v\n", monitoringAddr))
			if err := httpMonitoringServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-app.signal.Done():
			slog.Warn(fmt.Sprintf("Shutting down: %s", app.signal.Reason()))
		}
		app.signal.Trigger("received stop signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var err error
		for _, srv := range servers {
			err = errors.Join(err, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(err, app.shutdown(shutdownCtx))
	})

	return g.Wait()
}

func reap(ctx context.Context, s *settings.Settings) error {
	if s.Backend() == settings.BackendMemory {
		return errors.New("reap needs the sqlite or postgres backend")
	}
	metrics, err := telemetry.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	executor, dbs, err := openExecutor(ctx, s, prometheus.NewRegistry())
	if err != nil {
		return errors.Join(err, closeDatabases(dbs))
	}
	defer func() {
		if err := closeDatabases(dbs); err != nil {
			slog.Error(fmt.Sprint("Couldn't close database: ", err))
		}
	}()
	store, err := backend.NewStore(executor, s.BackendWorkers(), s.BackendQueueSize(), s.BackendStopTimeout())
	if err != nil {
		return err
	}
	err = store.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Stop(ctx); err != nil {
			slog.Error(fmt.Sprint("Couldn't stop backend store: ", err))
		}
	}()

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	slog.Info("Reaper pass started")
	stats, err := reaper.New(store, metrics, s.ReaperGracePeriod(), s.ReaperRecordsPerSecond(), reaper.DefaultBatchSize).RunOnce(signalCtx)
	if err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Reaper pass finished: %d deleted, %d released, %d kept, %d corrupted, %d failed", stats.Deleted, stats.Released, stats.Kept, stats.Corrupted, stats.Failed))
	return nil
}
