package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"mailsync_server/adapter/out/memory"
	"mailsync_server/adapter/out/messaging"
	"mailsync_server/adapter/out/mongodb"
	"mailsync_server/adapter/out/persistence"
	"mailsync_server/adapter/out/provider"
	"mailsync_server/adapter/out/storage"
	"mailsync_server/config"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/core/service/mail"
	"mailsync_server/core/service/mailsync"
	"mailsync_server/infra/database"
	"mailsync_server/pkg/crypto"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
	"mailsync_server/pkg/ratelimit"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

// ConsumerGroup is the Redis Streams group shared by every worker process.
const ConsumerGroup = "mailsync-workers"

type Dependencies struct {
	Config  *config.Config
	DB      *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	// Persistence
	Accounts   *persistence.AccountAdapter
	SyncStates *persistence.SyncStateAdapter
	Gateway    *persistence.Gateway
	Blobs      out.BlobStore

	// Provider
	GmailProvider *provider.GmailAdapter

	// Messaging
	Queue *messaging.RedisQueue

	// Services
	Credentials  *auth.CredentialService
	Orchestrator *mailsync.Orchestrator
	Processor    *mail.Processor
	Debouncer    *ratelimit.Debouncer
}

// NewLogger builds the zerolog logger used by long-running components.
func NewLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var zlog zerolog.Logger
	if cfg.IsDevelopment() {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "mailsync").Logger()
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config:  cfg,
		Metrics: metrics.New(),
		Log:     NewLogger(cfg),
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Database (sqlx on pgx)
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fail(fmt.Errorf("connect postgres: %w", err))
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })
	deps.Metrics.RegisterDB("postgres", db.DB)

	if err := persistence.Migrate(ctx, db); err != nil {
		return fail(fmt.Errorf("migrate: %w", err))
	}
	logger.Info("PostgreSQL connected and migrated")

	// Redis carries the job queue, so it is required.
	redisClient, err := database.NewRedis(ctx, cfg.RedisURL, cfg.RedisPoolSize)
	if err != nil {
		return fail(fmt.Errorf("connect redis: %w", err))
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { redisClient.Close() })

	// Tokens at rest
	var cipher *crypto.TokenCipher
	if cfg.EncryptionKey != "" {
		cipher, err = crypto.NewTokenCipher(cfg.EncryptionKey)
		if err != nil {
			return fail(fmt.Errorf("token cipher: %w", err))
		}
	} else if cfg.IsProduction() {
		return fail(fmt.Errorf("ENCRYPTION_KEY is required in production"))
	} else {
		logger.Warn("ENCRYPTION_KEY not set, OAuth tokens are stored in plaintext")
	}

	deps.Accounts = persistence.NewAccountAdapter(db, cipher)
	deps.SyncStates = persistence.NewSyncStateAdapter(db)
	deps.Gateway = persistence.NewGateway(db, deps.Accounts)

	blobs, mongoClient, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	deps.Blobs = blobs
	if mongoClient != nil {
		deps.MongoDB = mongoClient
		cleanups = append(cleanups, func() { _ = mongoClient.Disconnect(context.Background()) })
	}

	deps.GmailProvider = provider.NewGmailAdapter(provider.GmailConfig{
		ClientID:            cfg.GoogleClientID,
		ClientSecret:        cfg.GoogleClientSecret,
		CallTimeout:         cfg.ProviderCallTimeout,
		HistoryExpiredCodes: cfg.HistoryExpiredStatusCodes,
		Concurrency:         cfg.WorkerMax,
	}, deps.Metrics)

	deps.Queue = messaging.NewRedisQueue(redisClient, ConsumerGroup, messaging.Retention{
		CompletedMaxLen: cfg.CompletedMaxLen,
		CompletedMaxAge: cfg.CompletedMaxAge,
		FailedMaxLen:    cfg.FailedMaxLen,
		FailedMaxAge:    cfg.FailedMaxAge,
	})

	deps.Credentials = auth.NewCredentialService(deps.Accounts, deps.GmailProvider, ratelimit.NewCooldown(redisClient))

	syncConfig := mailsync.DefaultConfig()
	syncConfig.FullSyncMaxResults = cfg.FullSyncMaxResults
	deps.Orchestrator = mailsync.NewOrchestrator(
		deps.SyncStates,
		deps.GmailProvider,
		deps.Queue,
		deps.Gateway,
		deps.Credentials,
		deps.Metrics,
		syncConfig,
	)

	deps.Processor = mail.NewProcessor(
		deps.GmailProvider,
		deps.Gateway,
		deps.Queue,
		deps.Blobs,
		deps.Credentials,
		deps.Orchestrator,
		deps.Metrics,
	)

	deps.Debouncer = ratelimit.NewDebouncer(redisClient, cfg.WebhookDebounce)

	return deps, cleanup, nil
}

// newBlobStore selects the attachment byte store named by ATTACHMENT_STORE.
// The mongo client is returned so the caller can disconnect it.
func newBlobStore(ctx context.Context, cfg *config.Config) (out.BlobStore, *mongo.Client, error) {
	switch cfg.AttachmentStore {
	case "mongo":
		client, err := mongodb.NewClient(ctx, cfg.MongoDBURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		adapter := mongodb.NewBlobAdapter(client.Database(cfg.MongoDBName))
		if err := adapter.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("Failed to ensure attachment blob indexes")
		}
		logger.Info("Attachment store: MongoDB (%s)", cfg.MongoDBName)
		return adapter, client, nil

	case "s3":
		store, err := storage.NewS3BlobStore(storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Bucket:          cfg.S3Bucket,
			UseSSL:          cfg.S3UseSSL,
			Region:          cfg.S3Region,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 blob store: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure bucket %s: %w", cfg.S3Bucket, err)
		}
		logger.Info("Attachment store: S3 bucket %s", cfg.S3Bucket)
		return store, nil, nil

	default:
		logger.Warn("Attachment store: in-memory, bytes are lost on restart")
		return memory.NewBlobStore(), nil, nil
	}
}
