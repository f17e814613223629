// README: Entry point; loads config, wires services, starts HTTP server and the expiry sweeper.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kuany4953/wasil-sub001/internal/config"
	httptransport "github.com/Kuany4953/wasil-sub001/internal/http"
	"github.com/Kuany4953/wasil-sub001/internal/infra"
	"github.com/Kuany4953/wasil-sub001/internal/logging"
	"github.com/Kuany4953/wasil-sub001/internal/modules/dispatch"
	"github.com/Kuany4953/wasil-sub001/internal/modules/geo"
	"github.com/Kuany4953/wasil-sub001/internal/modules/pricing"
	"github.com/Kuany4953/wasil-sub001/internal/modules/ride"
	"github.com/Kuany4953/wasil-sub001/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Error("postgres init failed", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		logger.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	var notifier notify.Notifier
	if cfg.AMQP.URL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			logger.Error("rabbitmq init failed", "error", err)
			os.Exit(1)
		}
		defer func() { _ = amqpNotifier.Close() }()
		notifier = amqpNotifier
	} else {
		logger.Warn("WASIL_AMQP_URL not set; notifications go to the log only")
		notifier = notify.NewLogNotifier(logger)
	}

	pricingSvc := pricing.NewService(pricing.NewStore(dbPool))
	geoSvc := geo.NewService(geo.NewStore(dbPool, redisClient), cfg.Geo.StalenessWindow, logger)

	rideStore := ride.NewStore(dbPool)
	dispatchSvc := dispatch.NewService(
		dispatch.NewStore(dbPool),
		dispatch.NewCache(redisClient),
		rideStore,
		geoSvc,
		notifier,
		cfg.Dispatch,
		logger,
		dispatch.WithAvgSpeed(cfg.Geo.AvgSpeedKmh),
	)
	rideSvc := ride.NewService(rideStore, pricingSvc, notifier, logger,
		ride.WithDriverPool(geoSvc),
		ride.WithRequestCloser(dispatchSvc),
		ride.WithAvgSpeed(cfg.Geo.AvgSpeedKmh),
	)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Rides:       rideSvc,
		Dispatch:    dispatchSvc,
		Geo:         geoSvc,
		Pricing:     pricingSvc,
		AvgSpeedKmh: cfg.Geo.AvgSpeedKmh,
		Log:         logger,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, logger)

	go dispatchSvc.RunExpirySweeper(ctx)

	if err := server.Run(ctx); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
