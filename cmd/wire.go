package cmd

import (
	"context"
	"errors"
	"fmt"

	"duo-sync-backend/internal/blobstore"
	"duo-sync-backend/internal/config"
	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/notify"
	"duo-sync-backend/internal/repository"
	"duo-sync-backend/internal/services"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// app is the fully wired service graph
type app struct {
	cfg   *config.Config
	store *docstore.Store
	pool  *pgxpool.Pool
	blobs blobstore.Store

	userService    *services.UserService
	pairService    *services.PairService
	unlinkService  *services.UnlinkService
	photoService   *services.PhotoService
	messageService *services.MessageService
	hub            *services.WSHub
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Store.Driver == "postgres" {
		pool, err := connectPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.pool = pool
	}

	store, err := a.buildStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	blobs, err := a.buildBlobs(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.blobs = blobs

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	userRepo := repository.NewUserRepository(store)
	pairRepo := repository.NewPairRepository(store)
	photoRepo := repository.NewPhotoRepository(store)
	messageRepo := repository.NewMessageRepository(store)

	pusher := services.NewPusher(userRepo, notifier)
	a.userService = services.NewUserService(userRepo, cfg.JWT.Secret)
	a.pairService = services.NewPairService(store, pairRepo, userRepo, pusher)
	a.unlinkService = services.NewUnlinkService(store, pairRepo, a.pairService, pusher)
	a.photoService = services.NewPhotoService(photoRepo, pairRepo, a.pairService, blobs, pusher)
	a.messageService = services.NewMessageService(messageRepo, a.pairService, pusher)
	a.hub = services.NewWSHub(a.pairService, a.photoService, a.messageService)
	return a, nil
}

// Close releases the store and database pool
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close document store")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func connectPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info().Str("host", cfg.Database.Host).Msg("Database connection established")
	return pool, nil
}

func (a *app) buildStore(ctx context.Context) (*docstore.Store, error) {
	cfg := a.cfg

	var backend docstore.Backend
	switch cfg.Store.Driver {
	case "memory":
		backend = docstore.NewMemoryBackend()
	case "postgres":
		backend = docstore.NewPostgresBackend(a.pool)
	case "dynamodb":
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dynamo := docstore.NewDynamoBackend(dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		}), cfg.DynamoDB.Table)
		if cfg.DynamoDB.CreateTable {
			if err := dynamo.EnsureTable(ctx); err != nil {
				return nil, err
			}
		}
		backend = dynamo
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	var feed docstore.Feed
	switch cfg.Store.Feed {
	case "local":
		feed = docstore.NewLocalFeed()
	case "postgres":
		feed = docstore.NewPostgresFeed(a.pool, cfg.Database.Channel)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		feed = docstore.NewRedisFeed(client, cfg.Redis.Channel)
	default:
		return nil, fmt.Errorf("unknown store feed %q", cfg.Store.Feed)
	}

	log.Info().Str("driver", cfg.Store.Driver).Str("feed", cfg.Store.Feed).Msg("Document store ready")
	return docstore.NewStore(backend, feed), nil
}

func (a *app) buildBlobs(ctx context.Context) (blobstore.Store, error) {
	cfg := a.cfg
	switch cfg.Blob.Driver {
	case "fs":
		return blobstore.NewFSStore(afero.NewOsFs(), cfg.Blob.Dir, cfg.Blob.PublicBaseURL), nil
	case "s3":
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
				o.UsePathStyle = true
			}
		})
		return blobstore.NewS3Store(client, cfg.AWS.S3Bucket, cfg.Blob.PublicBaseURL, cfg.Blob.URLTTL), nil
	}
	return nil, fmt.Errorf("unknown blob driver %q", cfg.Blob.Driver)
}

func (a *app) buildNotifier(ctx context.Context) (notify.Notifier, error) {
	cfg := a.cfg
	switch cfg.Push.Driver {
	case "none":
		return notify.Noop{}, nil
	case "apns":
		return notify.NewAPNs(notify.APNsConfig{
			KeyFile:    cfg.Push.APNs.KeyFile,
			KeyID:      cfg.Push.APNs.KeyID,
			TeamID:     cfg.Push.APNs.TeamID,
			Topic:      cfg.Push.APNs.Topic,
			Production: cfg.Push.APNs.Production,
		})
	case "sns":
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return notify.NewSNS(sns.NewFromConfig(awsCfg)), nil
	}
	return nil, errors.New("unknown push driver " + cfg.Push.Driver)
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKey, cfg.AWS.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}
