package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "tranchebot/internal/blob/s3"
	"tranchebot/internal/cache/redis"
	"tranchebot/internal/config"
	"tranchebot/internal/domain"
	"tranchebot/internal/metrics"
	"tranchebot/internal/notify"
	"tranchebot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function. Fields are nil when the configured mode does not
// need them; the engine and monitor degrade gracefully around nil
// collaborators.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	BracketStore  domain.BracketStore
	Journal       domain.EventJournal

	// Cross-process coordination
	Halt        domain.HaltFlag
	EventStream *redis.EventStream
	Heartbeat   *redis.Heartbeat
	SessionLock *redis.SessionLock

	// Closed-position archive
	Archiver domain.PositionArchiver

	// Notifications
	Notifier *notify.Notifier

	// Metrics
	Metrics *metrics.Collector
}

// needsPostgres returns true for modes that require persisted position truth.
// Backtests run entirely in memory so replays stay deterministic.
func needsPostgres(mode string) bool {
	switch mode {
	case "live", "monitor":
		return true
	default:
		return false
	}
}

// needsRedis returns true for modes that participate in cross-process
// coordination (halt flag, event stream, heartbeat, session lock).
func needsRedis(mode string) bool {
	switch mode {
	case "live", "monitor":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that archive closed positions.
func needsS3(mode string) bool {
	return mode == "live"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.BracketStore = postgres.NewBracketStore(pool)
		deps.Journal = postgres.NewEventStore(pool)
	}

	// --- Redis ---
	if needsRedis(cfg.Mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Halt = redis.NewHaltFlag(redisClient)
		deps.EventStream = redis.NewEventStream(redisClient)
		deps.Heartbeat = redis.NewHeartbeat(redisClient)
		deps.SessionLock = redis.NewSessionLock(redisClient)
	}

	// --- S3 archive ---
	if needsS3(cfg.Mode) && cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.NewCollector()
	}

	return deps, cleanup, nil
}
