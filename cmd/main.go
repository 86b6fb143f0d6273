package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ukydev/fieldtrack/internal/auth"
	"github.com/ukydev/fieldtrack/internal/claims"
	"github.com/ukydev/fieldtrack/internal/config"
	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/events"
	"github.com/ukydev/fieldtrack/internal/handlers"
	"github.com/ukydev/fieldtrack/internal/idempotency"
	"github.com/ukydev/fieldtrack/internal/middleware"
	"github.com/ukydev/fieldtrack/internal/socket"
	"github.com/ukydev/fieldtrack/internal/tracker"
)

// restoreLookback bounds how far back the engine looks for last positions
// when it starts.
const restoreLookback = 24 * time.Hour

// app is the wired service. Optional backends fall back to in-process
// implementations when their address is empty.
type app struct {
	cfg      config.Config
	logger   *log.Logger
	engine   *tracker.Engine
	live     *tracker.Aggregator
	limiter  *middleware.RateLimitMiddleware
	listener *events.LocationListener
	handler  http.Handler
	closers  []func()
}

func build(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	store, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.publisher()
	if err != nil {
		return nil, err
	}
	idem, err := a.idempotency()
	if err != nil {
		return nil, err
	}

	a.engine = tracker.New(store, pub, tracker.PolicyFromConfig(cfg.Policy), logger.WithField("component", "tracker"))
	if err := a.engine.Restore(ctx, restoreLookback); err != nil {
		return nil, err
	}
	claimsService := claims.NewService(store, idem, a.engine, pub, logger.WithField("component", "claims"), claims.WithKeyTTL(cfg.Redis.KeyTTL))

	hub := socket.NewHub(logger.WithField("component", "socket"))
	a.live = tracker.NewAggregator(a.engine, cfg.Live.Interval, hub, logger.WithField("component", "live"))

	authService, err := auth.NewService(cfg.JWT.Secret, cfg.JWT.Expiration)
	if err != nil {
		return nil, err
	}
	if cfg.Server.RateLimit > 0 {
		a.limiter = middleware.NewRateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}

	if cfg.MQTT.Broker != "" {
		a.listener = events.NewLocationListener(events.ListenerConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, a.engine, logger.WithField("component", "mqtt"))
	}

	h := handlers.New(handlers.Deps{
		Engine:      a.engine,
		Claims:      claimsService,
		Store:       store,
		Live:        a.live,
		Hub:         hub,
		Auth:        middleware.NewAuthMiddleware(authService),
		Limiter:     a.limiter,
		Logger:      logger.WithField("component", "http"),
		Concurrency: cfg.Audit.Concurrency,
	})
	a.handler = otelhttp.NewHandler(h.Routes(), "fieldtrack")
	ok = true
	return a, nil
}

func (a *app) store(ctx context.Context) (db.Store, error) {
	if a.cfg.Mongo.URI == "" {
		a.logger.Warn("mongo.uri is empty, keeping state in memory")
		return db.NewMemoryStore(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := db.ConnectMongo(connectCtx, a.cfg.Mongo.URI)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			a.logger.WithError(err).Warn("mongo disconnect")
		}
	})
	store := db.NewMongoStore(client.Database(a.cfg.Mongo.DBName))
	if err := store.EnsureIndexes(connectCtx); err != nil {
		return nil, err
	}
	a.logger.WithField("db", a.cfg.Mongo.DBName).Info("connected to MongoDB")
	return store, nil
}

func (a *app) publisher() (events.Publisher, error) {
	if a.cfg.NATS.URL == "" {
		return events.LogPublisher{Logger: a.logger.WithField("component", "events")}, nil
	}
	pub, err := events.NewNATSPublisher(a.cfg.NATS.URL, a.cfg.NATS.SubjectPrefix, a.logger.WithField("component", "nats"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := pub.Close(); err != nil {
			a.logger.WithError(err).Warn("nats drain")
		}
	})
	return pub, nil
}

func (a *app) idempotency() (idempotency.Store, error) {
	if a.cfg.Redis.Addr == "" {
		return idempotency.NewMemoryStore(), nil
	}
	store, err := idempotency.NewRedisStore(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { store.Close() })
	return store, nil
}

// run serves until ctx is cancelled, then drains in-flight requests.
func (a *app) run(ctx context.Context) error {
	if a.listener != nil {
		if err := a.listener.Start(); err != nil {
			return err
		}
		defer a.listener.Stop()
	}
	go a.live.Run(ctx)
	if a.limiter != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a.limiter.Sweep(10 * time.Minute)
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + a.cfg.Server.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.WithField("port", a.cfg.Server.Port).Info("HTTP server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func main() {
	configDir := os.Getenv("FIELDTRACK_CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		log.WithError(err).Fatal("Failed to build logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start")
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		logger.WithError(err).Error("server stopped")
	}
}
