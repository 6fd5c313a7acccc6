package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"dealroom/internal/config"
	"dealroom/internal/server"
	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/pkg/escrow"
	"dealroom/pkg/invite"
	"dealroom/pkg/notify"
	"dealroom/pkg/realtime"
	"dealroom/pkg/session"
	"dealroom/pkg/storage"
	"dealroom/pkg/store"
	"dealroom/pkg/token"
)

// App assembles the storage, session, invitation, realtime and escrow
// components and supervises their background work.
type App struct {
	cfg    config.FileConfig
	logger *slog.Logger

	store    store.Store
	redis    *redis.Client
	hub      *realtime.Hub
	registry *session.Registry
	guard    *invite.Guard
	escrow   *escrow.Service
	outbox   *notify.RedisOutbox
	amqp     *notify.AMQPPublisher
	srv      *http.Server

	heartbeatIdle  time.Duration
	purgeAfter     time.Duration
	connectionIdle time.Duration
	sweepInterval  time.Duration
}

// fanoutPublisher delivers each event to every configured sink.
type fanoutPublisher struct {
	sinks []any
}

func (f *fanoutPublisher) PublishPresence(roomID string, change domain.PresenceChange) {
	for _, s := range f.sinks {
		if p, ok := s.(session.PresencePublisher); ok {
			p.PublishPresence(roomID, change)
		}
	}
}

func (f *fanoutPublisher) PublishTransaction(roomID string, tx domain.Transaction) {
	for _, s := range f.sinks {
		if p, ok := s.(escrow.EventPublisher); ok {
			p.PublishTransaction(roomID, tx)
		}
	}
}

func (f *fanoutPublisher) PublishFileVerification(roomID string, tx domain.Transaction, file domain.TransactionFile) {
	for _, s := range f.sinks {
		if p, ok := s.(escrow.EventPublisher); ok {
			p.PublishFileVerification(roomID, tx, file)
		}
	}
}

// New wires the application from configuration.
func New(cfg config.FileConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var dataStore store.Store
	if cfg.DatabaseURL != "" {
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gs
	} else {
		logger.Warn("no databaseURL configured, using in-memory store")
		dataStore = store.NewMemoryStore()
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	tokenKey, err := hex.DecodeString(cfg.InviteTokenKey)
	if err != nil || len(tokenKey) != 32 {
		return nil, errors.New("inviteTokenKey must be 64 hex characters (32 bytes)")
	}
	codec, err := token.NewCodec(tokenKey, token.Options{})
	if err != nil {
		return nil, err
	}

	sessionTTL, err := config.ParseDuration(cfg.SessionTTL, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	signer, err := session.NewTokenSigner([]byte(cfg.SessionSecret), session.TokenSignerOptions{TTL: sessionTTL})
	if err != nil {
		return nil, err
	}

	hub, err := realtime.NewHub(realtime.HubConfig{Store: dataStore, Logger: logger})
	if err != nil {
		return nil, err
	}

	var (
		outbox *notify.RedisOutbox
		amqp   *notify.AMQPPublisher
	)
	presence := session.PresencePublisher(hub)
	events := escrow.EventPublisher(hub)
	if cfg.AMQPURL != "" {
		amqp, err = notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, fmt.Errorf("init amqp publisher: %w", err)
		}
		outbox, err = notify.NewRedisOutbox(notify.OutboxConfig{Client: redisClient})
		if err != nil {
			return nil, err
		}
		mirror := &notify.Mirror{Outbox: outbox, Logger: logger}
		fan := &fanoutPublisher{sinks: []any{hub, mirror}}
		presence = fan
		events = fan
	}

	registry, err := session.NewRegistry(session.Config{
		Store:    dataStore,
		Signer:   signer,
		Presence: presence,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	joinTokenTTL, err := config.ParseDuration(cfg.JoinTokenTTL, token.DefaultJoinTTL)
	if err != nil {
		return nil, err
	}
	guard, err := invite.NewGuard(invite.GuardConfig{
		Store:   dataStore,
		Client:  redisClient,
		Codec:   codec,
		JoinTTL: joinTokenTTL,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	escrowSvc, err := escrow.NewService(escrow.ServiceConfig{
		Store:  dataStore,
		Events: events,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	} else {
		logger.Warn("no minio endpoint configured, using in-memory object store")
		objects = storage.NewMemoryObjectStore()
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}

	heartbeatIdle, err := config.ParseDuration(cfg.HeartbeatIdleTimeout, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	purgeAfter, err := config.ParseDuration(cfg.SessionPurgeAfter, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	connectionIdle, err := config.ParseDuration(cfg.ConnectionIdleTimeout, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := config.ParseDuration(cfg.SweepInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}
	longPollWait, err := config.ParseDuration(cfg.LongPollWait, 25*time.Second)
	if err != nil {
		return nil, err
	}

	// Long-poll deltas ride the hub by default; an explicit poll interval
	// switches them to store-backed polling (the shapes are identical).
	var eventSource realtime.EventSource
	if cfg.EventPollInterval != "" {
		pollInterval, err := config.ParseDuration(cfg.EventPollInterval, 2*time.Second)
		if err != nil {
			return nil, err
		}
		eventSource = &realtime.PollSource{Store: dataStore, Interval: pollInterval}
	}

	httpServer, err := server.New(server.Config{
		Store:                  dataStore,
		Registry:               registry,
		Guard:                  guard,
		Escrow:                 escrowSvc,
		Hub:                    hub,
		Events:                 eventSource,
		Objects:                objects,
		Redis:                  redisClient,
		JoinRateLimitPerMinute: cfg.JoinRateLimitPerMinute,
		PinRateLimitPerMinute:  cfg.PinRateLimitPerMinute,
		TrustedProxies:         trusted,
		MaxUploadBytes:         cfg.MaxUploadBytes,
		AllowedExtensions:      cfg.AllowedFileExtensions,
		LongPollWait:           longPollWait,
	})
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		store:          dataStore,
		redis:          redisClient,
		hub:            hub,
		registry:       registry,
		guard:          guard,
		escrow:         escrowSvc,
		outbox:         outbox,
		amqp:           amqp,
		srv:            srv,
		heartbeatIdle:  heartbeatIdle,
		purgeAfter:     purgeAfter,
		connectionIdle: connectionIdle,
		sweepInterval:  sweepInterval,
	}, nil
}

// Run serves HTTP and supervises the sweep loops until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.outbox != nil && a.amqp != nil {
		a.outbox.Start(ctx, 2, a.amqp.Deliver)
	}

	g.Go(func() error {
		a.logger.Info("dealroom server listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(a.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.registry.ExpireIdleSessions(a.heartbeatIdle, a.purgeAfter)
				if removed := a.hub.CleanupInactiveConnections(a.connectionIdle); removed > 0 {
					a.logger.Info("idle connections removed", "count", removed)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown failed", "error", err)
		}
		if a.amqp != nil {
			_ = a.amqp.Close()
		}
		return nil
	})

	return g.Wait()
}
