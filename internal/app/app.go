// Package app wires the tracker components together and builds the HTTP
// engine.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/config"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/connection"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/events"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/feed"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/handler"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/middleware"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/roster"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/service"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/spatial"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/storage"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracker"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracking"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// rosterTimeout bounds one roster HTTP fetch.
const rosterTimeout = 10 * time.Second

// DBError represents a database-related error.
type DBError struct {
	Op  string
	Err error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("db error during %q: %v", e.Op, e.Err)
}

func (e *DBError) Unwrap() error { return e.Err }

// App holds the application-level dependencies.
type App struct {
	Router  *gin.Engine
	Store   *tracking.Store
	Events  *events.Distributor
	Tracker *tracker.Tracker
	// Upstream is nil when no upstream channel is configured.
	Upstream *connection.Manager
	// Positions is nil when persistence is disabled.
	Positions storage.PositionsRepository

	sink   *storage.PositionSink
	cfg    *config.Config
	log    logrus.FieldLogger
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New initializes the application: opens the optional position store, wires
// the tracker and its upstream channels, and configures the HTTP engine.
func New(cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	tuning, err := config.LoadTuning(cfg.TrackerConfig)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, Events: events.New()}

	// --- Store ---
	a.Store = tracking.NewStore(a.Events,
		tracking.WithFilter(location.Filter{
			MinDistanceMeters: tuning.Filter.MinDistanceMeters,
			MinInterval:       tuning.Filter.MinInterval,
		}),
		tracking.WithRemovalMemory(tuning.Tracker.RemovalMemory),
		tracking.WithLogger(log.WithField("component", "store")),
	)

	// --- Persistence ---
	if cfg.DBDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		repo, err := storage.Open(ctx, cfg.DBDSN, log.WithField("component", "storage"))
		if err != nil {
			a.Events.Close()
			return nil, &DBError{Op: "open", Err: err}
		}
		a.Positions = repo
		a.sink = storage.NewPositionSink(repo, storage.WithSinkLogger(log.WithField("component", "sink")))
		a.sink.Attach(a.Events)
		log.Info("position persistence enabled")
	}

	// --- Roster ---
	var chain roster.Chain
	if cfg.RosterURL != "" {
		decode, err := feed.DecoderFor(cfg.RosterFormat)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: roster: %w", err)
		}
		chain = append(chain, roster.NewHTTPSource(cfg.RosterURL, feed.NewFetcher(rosterTimeout, cfg.Upstream.Token), decode))
	}
	if a.Positions != nil {
		chain = append(chain, roster.NewRepositorySource(a.Positions))
	}

	// --- Tracker ---
	trackerOpts := []tracker.Option{tracker.WithLogger(log.WithField("component", "tracker"))}
	if len(chain) > 0 {
		trackerOpts = append(trackerOpts, tracker.WithRoster(chain))
	}
	a.Tracker = tracker.New(a.Store, a.Events, TrackerOptions(tuning), trackerOpts...)

	// --- Upstream ---
	factories, err := Factories(cfg.Upstream, log)
	if err != nil {
		a.close()
		return nil, err
	}
	if len(factories) > 0 {
		a.Upstream = connection.New(connection.RoleViewer, factories, ConnectionOptions(tuning),
			connection.WithLogger(log.WithField("component", "connection")),
			connection.WithDistributor(a.Events),
		)
		a.Tracker.Attach(a.Upstream)
	}

	// --- HTTP engine ---
	auth := service.NewAuthService(cfg.JWTSecret, cfg.AccessTokenTTL)
	a.Router = NewRouter(RouterDeps{
		Store:          a.Store,
		Events:         a.Events,
		Ingest:         a.Tracker,
		Reporters:      a.Tracker,
		Upstream:       a.upstreamSource(),
		Auth:           auth,
		Positions:      a.Positions,
		Tuning:         tuning,
		RequestTimeout: cfg.RequestTimeout,
		Log:            log,
	})

	return a, nil
}

// upstreamSource avoids handing a typed nil to interface consumers.
func (a *App) upstreamSource() tracker.StatusSource {
	if a.Upstream == nil {
		return nil
	}
	return a.Upstream
}

// Start runs the tracker loop and opens the upstream channels. It returns
// immediately.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		if err := a.Tracker.Run(ctx); err != nil {
			a.log.WithError(err).Error("tracker stopped")
		}
	}()

	if a.Upstream != nil {
		if err := a.Upstream.Connect(ctx); err != nil {
			return fmt.Errorf("app: connect upstream: %w", err)
		}
	}
	return nil
}

// Shutdown stops the tracker and releases every resource. It is safe to call
// more than once.
func (a *App) Shutdown() {
	a.once.Do(func() {
		if a.Upstream != nil {
			a.Upstream.Close()
		}
		if a.cancel != nil {
			a.cancel()
			<-a.done
		}
		a.close()
		a.log.Info("tracker stopped")
	})
}

func (a *App) close() {
	if a.sink != nil {
		a.sink.Detach()
	}
	a.Events.Close()
	if a.Positions != nil {
		a.Positions.Close()
		a.log.Info("position store closed")
	}
}

// ConnectionOptions converts tuning into connection manager options.
func ConnectionOptions(t config.Tuning) connection.Options {
	return connection.Options{
		BaseDelay:            t.Connection.BaseDelay,
		MaxDelay:             t.Connection.MaxDelay,
		StabilityWindow:      t.Connection.StabilityWindow,
		ConnectTimeout:       t.Connection.ConnectTimeout,
		Jitter:               t.Connection.Jitter,
		MaxStuckReplacements: t.Connection.MaxStuckReplacements,
	}
}

// TrackerOptions converts tuning into tracker options.
func TrackerOptions(t config.Tuning) tracker.Options {
	return tracker.Options{
		ColdStartGrace: t.Tracker.ColdStartGrace,
		RetryBudget:    t.Tracker.RetryBudget,
		RosterCooldown: t.Tracker.RosterCooldown,
		RosterTimeout:  rosterTimeout,
		EvictAfter:     t.Tracker.EvictAfter,
		SweepInterval:  t.Tracker.SweepInterval,
	}
}

// Clusterer converts tuning into the clustering policy.
func Clusterer(t config.Tuning) spatial.Clusterer {
	return spatial.Clusterer{
		RadiusPixels: t.Clustering.RadiusPixels,
		MaxZoom:      t.Clustering.MaxZoom,
		Thresholds:   t.Clustering.Thresholds,
	}
}

// Factories builds one channel factory per configured upstream endpoint.
func Factories(u config.Upstream, log logrus.FieldLogger) ([]transport.Factory, error) {
	var out []transport.Factory
	for _, url := range u.PushURLs {
		out = append(out, connection.PushFactory(connection.RoleViewer, url, u.Token, log))
	}
	if u.NATSURL != "" {
		out = append(out, connection.BrokerFactory(u.NATSURL, u.NATSSubject, u.Token, log))
	}
	if u.PollURL != "" {
		f, err := connection.PollFactory(u.PollURL, u.PollFormat, u.Token, u.PollInterval, rosterTimeout)
		if err != nil {
			return nil, fmt.Errorf("app: poll channel: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// RouterDeps are the dependencies of NewRouter. Upstream, Reporters and
// Positions may be nil.
type RouterDeps struct {
	Store          handler.VehicleReader
	Events         *events.Distributor
	Ingest         handler.Ingest
	Reporters      handler.ReporterLister
	Upstream       tracker.StatusSource
	Auth           *service.AuthService
	Positions      storage.PositionsRepository
	Tuning         config.Tuning
	RequestTimeout time.Duration
	Log            logrus.FieldLogger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestLogger(d.Log.WithField("component", "http")))
	router.Use(gin.Recovery())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		resp := gin.H{"status": "ok", "vehicles": d.Store.Len(), "database": "disabled"}
		if d.Positions != nil {
			resp["database"] = "ok"
			if err := d.Positions.Ping(c.Request.Context()); err != nil {
				resp["status"] = "degraded"
				resp["database"] = "unreachable"
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	clusterer := Clusterer(d.Tuning)
	index := spatial.GeohashIndex{}

	trackingOpts := []handler.TrackingOption{
		handler.WithSpatial(index, clusterer, d.Tuning.Clustering.Enabled),
	}
	hubOpts := []handler.HubOption{
		handler.WithHubLogger(d.Log.WithField("component", "ws")),
		handler.WithEngineOptions(
			spatial.WithIndex(index),
			spatial.WithClusterer(clusterer),
			spatial.WithClustering(d.Tuning.Clustering.Enabled),
		),
	}
	if d.Upstream != nil {
		trackingOpts = append(trackingOpts, handler.WithUpstream(d.Upstream))
		hubOpts = append(hubOpts, handler.WithHubUpstream(d.Upstream))
	}
	if d.Reporters != nil {
		trackingOpts = append(trackingOpts, handler.WithReporters(d.Reporters))
	}

	th := handler.NewTrackingHandler(d.Store, trackingOpts...)
	dh := handler.NewDriverHandler(d.Ingest)
	adminH := handler.NewAdminHandler(d.Auth)
	hub := handler.NewHub(d.Store, d.Events, d.Ingest, d.Auth, hubOpts...)

	// API v1 routes. WebSocket routes stay outside the timeout middleware.
	api := router.Group("/api/v1")
	api.Use(middleware.Timeout(d.RequestTimeout))
	{
		api.GET("/vehicles", th.ListVehicles)
		api.GET("/vehicles/visible", th.VisibleVehicles)
		api.GET("/vehicles/:id", th.GetVehicle)
		api.GET("/connection", th.ConnectionStatus)

		// Protected endpoints: reporter role.
		driver := api.Group("/driver")
		driver.Use(middleware.JWTAuth(d.Auth))
		driver.Use(middleware.RequireRole(service.RoleReporter))
		{
			driver.POST("/position", dh.ReportPosition)
			driver.POST("/approach", dh.ReportApproach)
			driver.POST("/disconnect", dh.Disconnect)
		}

		// Protected endpoints: admin role.
		admin := api.Group("/admin")
		admin.Use(middleware.JWTAuth(d.Auth))
		admin.Use(middleware.RequireRole(service.RoleAdmin))
		{
			admin.POST("/tokens", adminH.IssueToken)
		}
	}

	ws := router.Group("/ws")
	{
		ws.GET("/reporter", hub.Reporter)
		ws.GET("/viewer", hub.Viewer)
		ws.GET("/feed", hub.Feed)
	}

	return router
}
