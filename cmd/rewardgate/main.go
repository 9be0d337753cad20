package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/layer-3/rewardgate/adapters/escrow"
	"github.com/layer-3/rewardgate/adapters/events"
	"github.com/layer-3/rewardgate/adapters/guard"
	"github.com/layer-3/rewardgate/adapters/signature"
	"github.com/layer-3/rewardgate/adapters/store"
	"github.com/layer-3/rewardgate/adapters/tokenizer"
	"github.com/layer-3/rewardgate/internal/config"
	"github.com/layer-3/rewardgate/internal/logging"
	"github.com/layer-3/rewardgate/internal/metrics"
	"github.com/layer-3/rewardgate/ports"
	"github.com/layer-3/rewardgate/service"
	httptransport "github.com/layer-3/rewardgate/transport/http"
)

const kickoffConsumerGroup = "rewardgate-kickoff"

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.Setup("rewardgate", cfg.Environment, logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("rewardgate stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openDatabase(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access database pool: %w", err)
	}
	defer sqlDB.Close()
	if err := store.AutoMigrate(db); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	signKey, err := loadSigningKey(cfg.Auth.SessionKeyFile)
	if err != nil {
		return err
	}
	if cfg.Auth.SessionKeyFile == "" {
		logger.Warn("no session key file configured, sessions will not survive a restart")
	}

	var (
		nonces     ports.NonceStore
		sessions   ports.SessionStore
		attempts   ports.AttemptGuard
		publisher  message.Publisher
		subscriber message.Subscriber
	)
	wmLogger := watermill.NewSlogLogger(logger)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}

		nonces = store.NewRedisNonceStore(redisClient, cfg.Auth.NonceTTL)
		sessions = store.NewRedisSessionStore(redisClient)
		attempts = guard.NewRedisGuard(redisClient, cfg.Auth.VerifyTimeout+5*time.Second, logger)

		publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create redis publisher: %w", err)
		}
		subscriber, err = redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        redisClient,
			ConsumerGroup: kickoffConsumerGroup,
		}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create redis subscriber: %w", err)
		}
	} else {
		logger.Warn("no redis configured, using in-process stores suitable for a single instance")
		memNonces := store.NewMemoryNonceStore(cfg.Auth.NonceTTL, nil)
		go sweepNonces(ctx, memNonces, cfg.Auth.NonceTTL)

		nonces = memNonces
		sessions = store.NewMemorySessionStore(nil)
		attempts = guard.NewMemoryGuard(nil)

		pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLogger)
		publisher = pubSub
		subscriber = pubSub
	}
	defer publisher.Close()
	defer subscriber.Close()

	eventPub := events.NewWatermillPublisher(publisher)

	authService := service.NewAuthService(service.AuthDeps{
		Nonces:    nonces,
		Sessions:  sessions,
		Accounts:  store.NewGormAccountStore(db),
		Tokenizer: tokenizer.NewJWTTokenizer(signKey, "rewardgate"),
		Verifier:  signature.NewPersonalSignVerifier(),
		Guard:     attempts,
		Events:    eventPub,
		Metrics:   m,
		Logger:    logger,
	}, service.AuthConfig{
		AppName:       cfg.Auth.AppName,
		ChainID:       cfg.Auth.ChainID,
		SessionTTL:    cfg.Auth.SessionTTL,
		MessageMaxAge: cfg.Auth.MessageMaxAge,
		ClockSkew:     cfg.Auth.ClockSkew,
		VerifyTimeout: cfg.Auth.VerifyTimeout,
	})

	releaser, err := openEscrow(ctx, cfg, logger)
	if err != nil {
		return err
	}
	maxReward, err := cfg.Settlement.MaxReward()
	if err != nil {
		return err
	}

	settlementStore := store.NewGormSettlementStore(db)
	reconciler := service.NewReconciler(settlementStore, eventPub, m, logger)
	settlements := service.NewSettlementService(service.SettlementDeps{
		Store:  settlementStore,
		Escrow: releaser,
		Watcher: service.NewConfirmationWatcher(releaser, service.WatchConfig{
			PollInterval:          cfg.Settlement.PollInterval,
			RequiredConfirmations: cfg.Settlement.RequiredConfirmations,
			Timeout:               cfg.Settlement.WatchTimeout,
			RetryBudget:           cfg.Settlement.RetryBudget,
		}, logger),
		Reconciler: reconciler,
		Metrics:    m,
		Logger:     logger,
	}, maxReward)
	sweeper := service.NewSweeper(settlementStore, releaser, reconciler, service.SweeperConfig{
		Interval:              cfg.Settlement.SweepInterval,
		RecheckAfter:          cfg.Settlement.RecheckAfter,
		DropAfter:             cfg.Settlement.DropAfter,
		RequiredConfirmations: cfg.Settlement.RequiredConfirmations,
	}, logger)
	go sweeper.Start(ctx)
	if releaser != nil && cfg.Settlement.InternalAPIKey == "" {
		logger.Warn("no internal api key configured, settlement endpoints reject every request")
	}

	if cfg.Kickoff.URL != "" {
		router, err := events.NewRouter(logger)
		if err != nil {
			return err
		}
		events.NewKickoffForwarder(events.KickoffConfig{
			URL:        cfg.Kickoff.URL,
			APIKey:     cfg.Kickoff.APIKey,
			MaxRetries: cfg.Kickoff.MaxRetries,
		}, logger).Register(router, subscriber)

		go func() {
			if err := events.RunRouter(ctx, router); err != nil {
				logger.Error("kickoff forwarder stopped", "error", err)
			}
		}()
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httptransport.SetupRouter(httptransport.RouterDeps{
			Auth:        authService,
			Settlements: settlements,
			Sweeper:     sweeper,
			Limiter:     httptransport.NewRateLimiter(cfg.Auth.RateLimitPerMinute, cfg.Auth.RateLimitBurst),
			Gatherer:    registry,
			Logger:      logger,
			InternalKey: cfg.Settlement.InternalAPIKey,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("rewardgate listening", "addr", cfg.ListenAddr, "settlement_enabled", settlements.Enabled())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if err := settlements.Shutdown(shutdownCtx); err != nil {
		logger.Warn("settlement watchers did not stop in time, the sweeper resumes them on restart", "error", err)
	}
	return nil
}

func openDatabase(url string, logger *slog.Logger) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.NewSlogLogger(logger.With("component", "gorm"), gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
		LogLevel:                  gormlogger.Warn,
	})}

	var dialector gorm.Dialector
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialector = postgres.Open(url)
	} else {
		dialector = sqlite.Open(url)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access database pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// openEscrow returns the configured escrow, or nil when settlement is disabled
func openEscrow(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ports.Escrow, error) {
	s := cfg.Settlement
	switch {
	case s.OnChain():
		signer, err := crypto.HexToECDSA(strings.TrimPrefix(s.SignerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse signer key: %w", err)
		}
		client, err := ethclient.DialContext(ctx, s.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rpc: %w", err)
		}
		chainID, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
		if chainID.Uint64() != cfg.Auth.ChainID {
			return nil, fmt.Errorf("rpc serves chain %s, configured chain is %d", chainID, cfg.Auth.ChainID)
		}

		e, err := escrow.NewEthereumEscrow(client, escrow.Config{
			Contract:  common.HexToAddress(s.EscrowContract),
			ChainID:   new(big.Int).SetUint64(cfg.Auth.ChainID),
			SignerKey: signer,
			GasLimit:  s.GasLimit,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("escrow settlement enabled", "contract", strings.ToLower(s.EscrowContract), "sender", e.Sender().Hex())
		return e, nil

	case s.OffchainDev:
		logger.Warn("off-chain development escrow enabled, no funds are moved")
		return escrow.NewOffchainEscrow(), nil

	default:
		logger.Warn("no escrow contract configured, settlement endpoints are disabled")
		return nil, nil
	}
}

// loadSigningKey reads an ECDSA P-256 key from a PEM file, or generates one when path is empty
func loadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("session key %s is not PEM encoded", path)
	}

	var key *ecdsa.PrivateKey
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		key = ecKey
	} else {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse session key: %w", err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("session key must be an ECDSA key")
		}
		key = ecKey
	}
	if key.Curve != elliptic.P256() {
		return nil, errors.New("session key must use the P-256 curve")
	}
	return key, nil
}

func sweepNonces(ctx context.Context, nonces *store.MemoryNonceStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nonces.Sweep()
		}
	}
}
