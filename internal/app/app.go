// Package app builds the sync subsystem from configuration. Both commands
// share it: the CLI runs single operations, the local agent runs the
// orchestrator and the connectivity source until it is stopped.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dinovending/dino/backend/internal/config"
	"github.com/dinovending/dino/backend/internal/connectivity"
	"github.com/dinovending/dino/backend/internal/db"
	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/remote"
	"github.com/dinovending/dino/backend/internal/remote/memremote"
	"github.com/dinovending/dino/backend/internal/remote/postgres"
	"github.com/dinovending/dino/backend/internal/remote/postgrest"
	"github.com/dinovending/dino/backend/internal/session"
	syncpkg "github.com/dinovending/dino/backend/internal/sync"
	"github.com/dinovending/dino/backend/internal/sync/conflict"
	"github.com/dinovending/dino/backend/internal/sync/queue"
	"github.com/dinovending/dino/backend/internal/sync/scheduler"
)

// App holds the wired components.
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	DB           *db.DB
	Store        *db.Store
	Remote       remote.DataService
	Session      *session.Manager
	Network      connectivity.Source
	Client       *syncpkg.Client
	Puller       *syncpkg.Puller
	Queue        *queue.Queue
	Orchestrator *scheduler.Orchestrator

	// manual is the settable flag behind Network. It is nil unless the
	// connectivity mode is manual.
	manual  *connectivity.Manual
	runners []func(context.Context) error
	closers []func()

	mu sync.Mutex

	// owner is the user the local data belongs to. It outlives a sign-out
	// that keeps the queue.
	owner *session.Session
}

// Options overrides parts of the wiring. Tests use it to inject an
// in-memory remote.
type Options struct {
	Remote remote.DataService
	Logger *logging.Logger
}

// New validates cfg and builds every component. The local database is
// opened and migrated. The returned App must be closed.
func New(ctx context.Context, cfg *config.Config, opts *Options) (_ *App, err error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: opts.Logger}
	if a.Logger == nil {
		a.Logger = logging.New(logging.Output(logging.FileOptions{Path: cfg.LogFile}), logging.ParseLevel(cfg.LogLevel))
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(); err != nil {
		return nil, err
	}

	a.Session = session.NewManager([]byte(cfg.JWTSecret))
	if cfg.AccessToken != "" {
		if a.owner, err = a.Session.SignIn(cfg.AccessToken); err != nil {
			return nil, fmt.Errorf("invalid ACCESS_TOKEN: %w", err)
		}
	}

	a.Remote = opts.Remote
	if a.Remote == nil {
		if a.Remote, err = a.connectRemote(ctx); err != nil {
			return nil, err
		}
	}

	a.setupConnectivity(ctx)

	strategy, err := conflict.ParseStrategy(cfg.ConflictStrategy)
	if err != nil {
		return nil, err
	}

	a.Client = &syncpkg.Client{
		Store:          a.Store,
		Remote:         a.Remote,
		Session:        a.Session,
		Network:        a.Network,
		Logger:         a.Logger,
		RequestTimeout: cfg.RequestTimeout,
	}
	a.Puller = syncpkg.NewPuller(a.Client, conflict.NewResolver(strategy, a.Store))
	a.Queue = queue.NewQueue(a.Client, queue.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseBackoff: cfg.RetryBaseBackoff,
		MaxBackoff:  cfg.RetryMaxBackoff,
	})

	orchConfig := scheduler.DefaultOrchestratorConfig()
	orchConfig.SyncInterval = cfg.SyncInterval
	a.Orchestrator = scheduler.NewOrchestrator(a.Client, a.Puller, a.Queue, orchConfig)
	a.Queue.SetTrigger(a.Orchestrator.TriggerUpload)

	a.Logger.Component("app").Info("sync subsystem ready", map[string]interface{}{
		"db_path":      cfg.DBPath,
		"backend":      cfg.RemoteBackend,
		"connectivity": cfg.ConnectivityMode,
		"strategy":     string(strategy),
	})
	return a, nil
}

func (a *App) openStore() error {
	if dir := filepath.Dir(a.Config.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	database, err := db.OpenPath(a.Config.DBPath)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to open local store", err)
	}
	a.DB = database
	a.closers = append(a.closers, func() { database.Close() })

	if err := db.Migrate(database.DB); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to migrate local store", err)
	}
	a.Store = db.NewStore(database.DB)
	return nil
}

func (a *App) connectRemote(ctx context.Context) (remote.DataService, error) {
	switch a.Config.RemoteBackend {
	case config.BackendPostgREST:
		return postgrest.NewClient(&postgrest.Config{
			BaseURL: a.Config.SupabaseURL,
			APIKey:  a.Config.SupabaseKey,
			Token:   a.Session.Token,
			Timeout: a.Config.RequestTimeout,
		}), nil
	case config.BackendPostgres:
		client, err := postgres.Connect(ctx, a.Config.DatabaseURL)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "failed to connect to remote database", err)
		}
		a.closers = append(a.closers, client.Close)
		return client, nil
	case config.BackendMemory:
		return memremote.New(), nil
	default:
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, fmt.Sprintf("unknown REMOTE_BACKEND %q", a.Config.RemoteBackend))
	}
}

// setupConnectivity picks the connectivity source. The probe is checked
// once so single commands start with a real answer.
func (a *App) setupConnectivity(ctx context.Context) {
	switch connectivity.Mode(a.Config.ConnectivityMode) {
	case connectivity.ModeProbe:
		probe := connectivity.NewProbe(a.Config.ProbeURL(), a.Config.ConnectivityProbeInterval)
		probe.Check(ctx)
		a.Network = probe
		a.runners = append(a.runners, probe.Run)
	case connectivity.ModeFile:
		flag := connectivity.NewFlagFile(a.Config.ConnectivityFlagFile)
		a.Network = flag
		a.runners = append(a.runners, flag.Run)
	default:
		a.manual = connectivity.NewManual(true)
		a.Network = a.manual
	}
}

// Run starts the orchestrator and the connectivity source and blocks until
// ctx is done or a source fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, run := range a.runners {
		run := run
		g.Go(func() error { return run(ctx) })
	}
	g.Go(func() error {
		a.Orchestrator.Start(ctx)
		<-ctx.Done()
		a.Orchestrator.Stop()
		return nil
	})
	return g.Wait()
}

// SignIn establishes a session from an access token and schedules a full
// sync. Switching to a different user or tenant clears the mirrored tables
// first; it is refused while the queue still holds the previous owner's
// mutations, which must be synced or purged before the switch.
func (a *App) SignIn(ctx context.Context, token string) (*session.Session, error) {
	s, err := session.ParseToken(token, []byte(a.Config.JWTSecret))
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.Logger.Component("app")
	if a.owner != nil && ownerChanged(a.owner, s) {
		stats, err := a.Store.QueueStats(ctx)
		if err != nil {
			return nil, err
		}
		if queued := stats.Pending + stats.Failed; queued > 0 {
			return nil, apperrors.New(apperrors.ErrSessionConflict,
				fmt.Sprintf("%d queued mutations belong to user %s; sync them or sign out with purge first", queued, a.owner.UserID))
		}
		if err := a.Store.ClearAll(ctx, false); err != nil {
			return nil, err
		}
		log.Info("user switched, local data cleared", map[string]interface{}{
			"previous_user_id": a.owner.UserID,
			"user_id":          s.UserID,
		})
	}

	if _, err := a.Session.SignIn(token); err != nil {
		return nil, err
	}
	a.owner = s
	log.Info("session established", map[string]interface{}{"user_id": s.UserID})
	a.Orchestrator.SessionEstablished()
	return s, nil
}

// ownerChanged reports whether next belongs to another user or, when both
// tokens carry one, another tenant.
func ownerChanged(prev, next *session.Session) bool {
	if prev.UserID != next.UserID {
		return true
	}
	return prev.TenantID != "" && next.TenantID != "" && prev.TenantID != next.TenantID
}

// SignOut ends the session and clears the mirrored tables. Queued
// mutations survive unless purge is set; until then they stay tied to the
// signed-out user.
func (a *App) SignOut(ctx context.Context, purge bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Session.SignOut()
	if err := a.Store.ClearAll(ctx, purge); err != nil {
		return err
	}
	if purge {
		a.owner = nil
	}
	a.Logger.Component("app").Info("session ended, local data cleared", map[string]interface{}{"purge_queue": purge})
	return nil
}

// SetOnline sets the connectivity flag. Only the manual mode accepts it.
func (a *App) SetOnline(online bool) error {
	if a.manual == nil {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("connectivity is managed by the %s source", a.Config.ConnectivityMode))
	}
	a.manual.Set(online)
	return nil
}

// Close releases the database and remote connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
