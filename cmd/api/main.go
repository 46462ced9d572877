package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront/internal/auth"
	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/checkout"
	"github.com/ariefcatur/go-storefront/internal/config"
	"github.com/ariefcatur/go-storefront/internal/docstore"
	"github.com/ariefcatur/go-storefront/internal/httpx"
	"github.com/ariefcatur/go-storefront/internal/invalidate"
	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/logger"
	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/postgres"
	"github.com/ariefcatur/go-storefront/internal/redisx"
	"github.com/ariefcatur/go-storefront/internal/stock"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger.Init(cfg.ServiceName, cfg.Development())
	logger.SetLevel(cfg.LogLevel)
	log := logger.Named("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store open failed")
	}
	defer closeStore()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	authn := auth.New(cfg.JWTSecret, cfg.ServiceName)
	cache := &invalidate.Cache{Redis: rdb}

	// Kafka producers, one per topic
	created := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024, logger.Named("producer"))
	changed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024, logger.Named("producer"))
	producers := []*kafkax.Producer{created, changed}

	var notifier invalidate.Notifier
	switch cfg.InvalidationMode {
	case "http":
		notifier = &invalidate.HTTPNotifier{
			URL:    cfg.RevalidateURL,
			Token:  authn.ServiceToken(cfg.ServiceName),
			Client: &http.Client{Timeout: 5 * time.Second},
		}
	case "kafka":
		p := kafkax.NewProducer(cfg.KafkaBrokers, invalidate.TopicCacheInvalidate, 1024, logger.Named("producer"))
		producers = append(producers, p)
		notifier = &invalidate.KafkaNotifier{Producer: p, Service: cfg.ServiceName}
	case "local":
		notifier = invalidate.CacheNotifier{Cache: cache}
	default:
		notifier = invalidate.Nop{}
	}
	for _, p := range producers {
		p.Start(ctx)
	}
	dispatcher := invalidate.NewDispatcher(notifier, 256, logger.Named("invalidate"), met)
	dispatcher.Start(ctx)

	// Domain
	cat := &catalog.Catalog{Store: store, Redis: rdb, Invalidator: dispatcher, Log: logger.Named("catalog")}
	ledger := &stock.Ledger{Store: store}
	mgr := &orders.Manager{
		Store:       store,
		Ledger:      ledger,
		Redis:       rdb,
		Events:      orders.EventRouter{orders.TopicOrderCreated: created, orders.TopicOrderStatusChanged: changed},
		Invalidator: dispatcher,
		Metrics:     met,
		Log:         logger.Named("orders"),
		Service:     cfg.ServiceName,
	}

	policy, err := cart.ParseMergePolicy(cfg.CartMergePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("cart config")
	}
	carts := &cart.Registry{
		Local:   &cart.RedisLocalStore{Redis: rdb, TTL: redisx.TTLLocalCart},
		Profile: &cart.DocProfileStore{Store: store},
		Stock:   cat,
		Policy:  policy,
		Metrics: met,
		Log:     logger.Named("cart"),
	}
	go carts.Run(ctx, cfg.CartSessionTTL/2, cfg.CartSessionTTL)

	co := &checkout.Service{
		Catalog:      cat,
		Orders:       mgr,
		Currency:     cfg.Currency,
		PaymentKeyID: cfg.PaymentKeyID,
		Metrics:      met,
		Log:          logger.Named("checkout"),
	}

	// HTTP
	router := httpx.NewRouter(httpx.RouterConfig{
		Log:      logger.Named("http"),
		Metrics:  met,
		Gatherer: reg,
		Auth:     authn,
	})
	(&httpx.CatalogHandler{Catalog: cat, Ledger: ledger}).Register(router)
	(&httpx.CartHandler{Carts: carts, Catalog: cat}).Register(router)
	(&httpx.CheckoutHandler{Checkout: co, Carts: carts}).Register(router)
	(&httpx.OrdersHandler{Orders: mgr}).Register(router)
	(&httpx.RevalidateHandler{Cache: cache, Metrics: met}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreBackend).Str("invalidation", cfg.InvalidationMode).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// dispatcher first: the kafka notifier still needs its producer open
	dispatcher.Close()
	dispatcher.WaitClosed()
	for _, p := range producers {
		p.Close()
	}
	cancel()
	for _, p := range producers {
		p.WaitClosed()
	}
}

func openStore(ctx context.Context, cfg config.Config) (docstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return docstore.NewMemStore().WithMaxAttempts(cfg.TxMaxAttempts), func() {}, nil
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return &docstore.PGStore{DB: db, MaxAttempts: cfg.TxMaxAttempts}, db.Close, nil
	}
	return nil, nil, errors.New("unknown store backend " + cfg.StoreBackend)
}
