// Package app assembles the ledger, adapters, engines and HTTP handlers
// from a Config. Every entry point builds its process through New.
package app

import (
	"context"
	"fmt"

	"github.com/arnavshah/rota-swap-go/pkg/auth"
	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/database"
	"github.com/arnavshah/rota-swap-go/pkg/handlers"
	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/notify"
	"github.com/arnavshah/rota-swap-go/pkg/projection"
	"github.com/arnavshah/rota-swap-go/pkg/reconciler"
	"github.com/arnavshah/rota-swap-go/pkg/scheduler"
	"github.com/arnavshah/rota-swap-go/pkg/source"
	"github.com/arnavshah/rota-swap-go/pkg/swap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds the wired components of one process
type App struct {
	Config     *config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	Ledger     *ledger.Store
	Static     *source.Static
	Projector  projection.Projector
	Outbox     *notify.Outbox
	Reconciler *reconciler.Reconciler
	Swaps      *swap.Engine
	Driver     *scheduler.Driver
	History    *database.HistoryRepo
	Auth       *auth.Service
}

// New opens the database and builds every component
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithDB(ctx, cfg, db, log)
}

// NewWithDB builds every component on an already opened database
func NewWithDB(ctx context.Context, cfg *config.Config, db *gorm.DB, log *zap.Logger) (*App, error) {
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate admin tables: %w", err)
	}
	if err := ledger.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	if err := notify.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate notifications: %w", err)
	}

	a := &App{
		Config:  cfg,
		Log:     log,
		DB:      db,
		Ledger:  ledger.NewStore(db),
		Static:  source.NewStatic(),
		Outbox:  &notify.Outbox{DB: db, Log: log.Named("outbox")},
		History: &database.HistoryRepo{DB: db},
		Auth: &auth.Service{
			DB:           db,
			JWTSecret:    []byte(cfg.JWTSecret),
			MasterSecret: []byte(cfg.APIMasterSecret),
		},
	}

	mux := source.Mux{
		config.SourceCSV:  source.CSVFile{},
		config.SourcePush: a.Static,
	}
	if cfg.GoogleCredentialsFile != "" {
		reader, err := source.NewGoogleSheets(ctx, cfg.GoogleCredentialsFile)
		if err != nil {
			return nil, err
		}
		mux[config.SourceSheets] = &source.Sheets{Reader: reader, Log: log.Named("sheets")}

		cal, err := projection.NewGoogleCalendar(ctx, cfg.GoogleCredentialsFile, cfg.CalendarQPS, log.Named("calendar"))
		if err != nil {
			return nil, err
		}
		a.Projector = cal
	} else {
		log.Warn("GOOGLE_APPLICATION_CREDENTIALS not set, calendar projection is in-memory only")
		a.Projector = projection.NewMemory()
	}

	syncer := &projection.Syncer{Projector: a.Projector, Ledger: a.Ledger, Timeout: cfg.AdapterTimeout}
	notifier := notify.Fanout{a.Outbox, notify.Log{Logger: log.Named("notify")}}
	locks := ledger.NewKeyLocker()

	a.Reconciler = reconciler.New(a.Ledger, mux, syncer, notifier, locks, log.Named("reconciler"))
	a.Reconciler.FetchTimeout = cfg.AdapterTimeout
	a.Swaps = swap.NewEngine(a.Ledger, syncer, notifier, locks, cfg.Scope, cfg.SwapTTL, log.Named("swap"))
	a.Driver = scheduler.NewDriver(cfg, a.Reconciler, a.Swaps, a.History, log.Named("scheduler"))
	return a, nil
}

// EnsureAdmin creates the configured admin user if none exists
func (a *App) EnsureAdmin() error {
	return a.Auth.EnsureAdminExists(a.Config.AdminUsername, a.Config.AdminPassword, a.Log)
}

// Handler returns the route handlers bound to this app
func (a *App) Handler() *handlers.Handler {
	return &handlers.Handler{
		DB:         a.DB,
		Auth:       a.Auth,
		Config:     a.Config,
		Ledger:     a.Ledger,
		Swaps:      a.Swaps,
		Reconciler: a.Reconciler,
		Driver:     a.Driver,
		Static:     a.Static,
		History:    a.History,
		Outbox:     a.Outbox,
		Log:        a.Log.Named("http"),
	}
}

// Router builds the HTTP router
func (a *App) Router() *gin.Engine {
	if a.Config.GinMode == "" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(a.Config.GinMode)
	}
	return handlers.NewRouter(a.Handler())
}

// Scope resolves a scope by name or returns an error naming the known ones
func (a *App) Scope(name string) (config.Scope, error) {
	if s, ok := a.Config.Scope(name); ok {
		return s, nil
	}
	names := make([]string, 0, len(a.Config.Scopes))
	for _, s := range a.Config.Scopes {
		names = append(names, s.Name)
	}
	return config.Scope{}, fmt.Errorf("unknown scope %q (configured: %v)", name, names)
}

// Close releases the database connection
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
