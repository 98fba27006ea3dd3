package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polyflow/config"
	"polyflow/feed"
	"polyflow/logger"
	"polyflow/repository"
	"polyflow/service"
	"polyflow/storage"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	seedToken := flag.String("token", "", "Seed token ID to subscribe at startup")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Polyflow.Name,
		"version": cfg.Polyflow.Version,
		"backend": cfg.Storage.Backend,
	}).Info("starting polyflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fsys storage.FileSystem
	var repo repository.OrderBookRepository
	var parquetRepo *repository.ParquetRepository

	switch cfg.Storage.Backend {
	case "memory":
		repo = repository.NewMemoryRepository()
	case "local":
		lfs, err := storage.NewLocalFileSystem(cfg.Storage.DataDirectory)
		if err != nil {
			log.WithError(err).Error("failed to open data directory")
			os.Exit(1)
		}
		fsys = lfs
	case "s3":
		s3fs, err := storage.NewS3FileSystem(ctx, storage.S3Options{
			Bucket:           cfg.Storage.S3.Bucket,
			Prefix:           cfg.Storage.S3.Prefix,
			Region:           cfg.Storage.S3.Region,
			EndpointOverride: cfg.Storage.S3.EndpointOverride,
			Scheme:           cfg.Storage.S3.Scheme,
			PathStyle:        cfg.Storage.S3.PathStyle,
			AccessKeyID:      cfg.Storage.S3.AccessKeyID,
			SecretAccessKey:  cfg.Storage.S3.SecretAccessKey,
		})
		if err != nil {
			log.WithError(err).Error("failed to create S3 filesystem")
			os.Exit(1)
		}
		fsys = s3fs
	}

	if fsys != nil {
		parquetRepo = repository.NewParquetRepository(fsys, repository.ParquetOptions{
			WriteBufferSize: cfg.Storage.WriteBufferSize,
			Compression:     cfg.Storage.Compression,
		})
		repo = parquetRepo
	}

	marketFeed := feed.NewPolymarketFeed(cfg.Feed.URL, cfg.Feed.PingInterval())
	svc := service.NewOrderBookService(repo, marketFeed, cfg.Service.SnapshotInterval)

	if *seedToken != "" {
		svc.Subscribe(*seedToken)
	}

	var discovery *feed.MarketDiscovery
	if cfg.Discovery.Enabled && fsys != nil {
		discovery = feed.NewMarketDiscovery(fsys, feed.DiscoveryOptions{
			GammaAPIBaseURL:   cfg.Discovery.GammaAPIBaseURL,
			MarketsPerPoll:    cfg.Discovery.MarketsPerPoll,
			MaxTrackedMarkets: cfg.Discovery.MaxTrackedMarkets,
		})
		if err := discovery.Load(ctx); err != nil {
			log.WithError(err).Warn("failed to load tracked markets")
		}
		for _, id := range discovery.TrackedTokenIDs() {
			svc.Subscribe(id)
		}
		log.WithFields(logger.Fields{"tracked": discovery.TrackedCount()}).Info("restored tracked markets")
	}

	if *seedToken == "" && discovery == nil {
		log.Error("no seed token and discovery disabled; nothing to track")
		os.Exit(1)
	}

	if err := svc.Start(); err != nil {
		log.WithError(err).Error("failed to start feed")
		os.Exit(1)
	}
	log.Info("all components started successfully")

	if discovery != nil {
		go func() {
			ticker := time.NewTicker(cfg.Discovery.PollInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					added, err := discovery.Poll(ctx, func(tokenIDs []string) {
						for _, id := range tokenIDs {
							svc.Subscribe(id)
						}
					})
					if err != nil {
						log.WithComponent("market_discovery").WithError(err).Warn("discovery poll failed")
						continue
					}
					if added > 0 {
						log.WithComponent("market_discovery").WithFields(logger.Fields{
							"added":   added,
							"tracked": discovery.TrackedCount(),
						}).Info("tracking new markets")
					}
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping feed")
	svc.Stop()

	if parquetRepo != nil {
		log.Info("flushing repository buffers")
		if err := parquetRepo.Close(); err != nil {
			log.WithError(err).Warn("failed to flush repository")
		}
	}

	log.WithFields(logger.Fields{
		"events": svc.EventCount(),
		"books":  svc.BookCount(),
	}).Info("polyflow stopped")
}
