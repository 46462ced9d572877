package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ariefcatur/go-storefront/internal/config"
	"github.com/ariefcatur/go-storefront/internal/invalidate"
	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/logger"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/redisx"
	"github.com/joho/godotenv"
)

// invalidator drops cached product and order entries in response to
// cache.invalidate messages and to order events.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-invalidator"
	logger.Init(service, cfg.Development())
	logger.SetLevel(cfg.LogLevel)
	log := logger.Named("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := &invalidate.Cache{Redis: rdb}

	direct := &invalidate.Consumer{Cache: cache, Redis: rdb, Service: service, Log: logger.Named("invalidate")}
	projector := &orders.CacheProjector{Cache: cache, Redis: rdb, Service: service + "-orders", Log: logger.Named("projector")}

	routes := []struct {
		topic string
		h     kafkax.Handler
	}{
		{invalidate.TopicCacheInvalidate, direct.Handle},
		{orders.TopicOrderCreated, projector.Handle},
		{orders.TopicOrderStatusChanged, projector.Handle},
	}

	var wg sync.WaitGroup
	for _, rt := range routes {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.InvalidatorGroup, rt.topic, cfg.InvalidatorWorkers, logger.Named("consumer"))
		wg.Add(1)
		go func(topic string, h kafkax.Handler) {
			defer wg.Done()
			log.Info().Str("group", cfg.InvalidatorGroup).Str("topic", topic).Int("workers", cfg.InvalidatorWorkers).Msg("consumer started")
			if err := cons.Start(ctx, h); err != nil {
				log.Error().Err(err).Str("topic", topic).Msg("consumer exit")
				cancel()
			}
		}(rt.topic, rt.h)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down consumers")
	cancel()
	wg.Wait()
}
