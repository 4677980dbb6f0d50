package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"marketplace-api/internal/appoint"
	"marketplace-api/internal/cache"
	"marketplace-api/internal/checkout"
	"marketplace-api/internal/config"
	"marketplace-api/internal/database"
	"marketplace-api/internal/events"
	"marketplace-api/internal/features"
	"marketplace-api/internal/handler"
	"marketplace-api/internal/middleware"
	"marketplace-api/internal/registry"
	"marketplace-api/internal/service"
	"marketplace-api/internal/stock"
	"marketplace-api/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "main")

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
	})
	if err != nil {
		log.WithError(err).Fatal("initialize tracing")
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("initialize database")
	}
	defer db.Close()

	flags := features.NewManager()
	flags.Register(features.FlagCacheEnabled, cfg.Cache.Enabled, "read cache for store views and history")
	flags.Register(features.FlagEventHooksEnabled, true, "domain event publication")
	flags.Register(features.FlagStrictStockContracts, cfg.StrictStockContracts, "panic on reservation contract violations")

	var ledgerOpts []stock.Option
	if flags.IsEnabled(features.FlagStrictStockContracts) {
		ledgerOpts = append(ledgerOpts, stock.WithStrictContracts())
	}
	ledger := stock.NewLedger(ledgerOpts...)

	reg, protocol, err := reload(db, ledger)
	if err != nil {
		log.WithError(err).Fatal("reload persisted state")
	}

	var store cache.Cache
	if cfg.Cache.Enabled && cfg.Cache.RedisAddr != "" {
		redisCache, err := cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPass, cfg.Cache.RedisDB)
		if err != nil {
			log.WithError(err).Fatal("connect to redis")
		}
		defer redisCache.Close()
		store = redisCache
	} else {
		store = cache.NewMemoryCache()
	}

	eventBus := events.NewManager(flags.IsEnabled(features.FlagEventHooksEnabled))
	defer eventBus.Shutdown()

	gateway := checkout.NewCardValidator(cfg.Payment.Blacklist...)
	orch := checkout.NewOrchestrator(reg, ledger, gateway, db)

	svc := service.New(service.Deps{
		Registry: reg,
		Ledger:   ledger,
		Protocol: protocol,
		Checkout: orch,
		DB:       db,
		Cache:    store,
		CacheTTL: time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Features: flags,
		Events:   eventBus,
		Users:    service.NewStaticDirectory(cfg.Admins...),
	})

	h := handler.NewWithOptions(svc, handler.Options{MaxBodySize: cfg.Security.MaxRequestBodySize})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
	defer limiter.Stop()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	if cfg.RateLimit.Enabled {
		r.Use(middleware.RateLimit(limiter))
	}
	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing())
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.Security.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.RegisterRoutes(r)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: r,
	}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(err).Error("shutdown server")
		}
		if err := shutdownTracing(ctx); err != nil {
			log.WithError(err).Error("shutdown tracing")
		}
	}()

	log.WithFields(logrus.Fields{
		"addr":     server.Addr,
		"database": cfg.Database.Path,
	}).Info("server starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
}

// reload rebuilds the in-memory registry, stock ledger and appointment
// protocol from the database on process start.
func reload(db *database.DB, ledger *stock.Ledger) (*registry.Registry, *appoint.Protocol, error) {
	reg := registry.NewRegistry()

	stores, err := db.LoadStores()
	if err != nil {
		return nil, nil, err
	}
	for _, s := range stores {
		reg.AddStore(s)
		for name, p := range s.Inventory {
			if err := ledger.Track(stock.ProductKey{StoreID: s.ID, Product: name}, p.Quantity); err != nil {
				return nil, nil, err
			}
		}
	}

	protocol := appoint.NewProtocol()
	appts, err := db.LoadAppointments()
	if err != nil {
		return nil, nil, err
	}
	for _, a := range appts {
		protocol.Restore(a)
	}
	logrus.WithFields(logrus.Fields{
		"stores":       len(stores),
		"appointments": len(appts),
	}).Info("state reloaded")
	return reg, protocol, nil
}
