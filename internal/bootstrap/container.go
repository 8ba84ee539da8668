package bootstrap

import (
	"context"
	"log"
	"time"

	"ai-studychat-be/internal/config"
	"ai-studychat-be/internal/controller"
	"ai-studychat-be/internal/handler"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/realtime"
	"ai-studychat-be/internal/repository/implementation"
	"ai-studychat-be/internal/repository/memory"
	"ai-studychat-be/internal/repository/unitofwork"
	"ai-studychat-be/internal/service"
	"ai-studychat-be/pkg/chat/finalize"
	"ai-studychat-be/pkg/chat/prompt"
	"ai-studychat-be/pkg/chat/reconcile"
	"ai-studychat-be/pkg/chat/stream"
	"ai-studychat-be/pkg/chat/title"
	"ai-studychat-be/pkg/events"
	"ai-studychat-be/pkg/llm/factory"
	"ai-studychat-be/pkg/llm/usage"

	pktNats "ai-studychat-be/pkg/nats"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	// Controllers
	ChatController controller.IChatController
	ChatWsHandler  *handler.ChatWsHandler

	// Background workers, started by Start
	Reconciler   *reconcile.Reconciler
	Cancellation *realtime.CancellationBus

	Logger        *logger.ZapLogger
	DurabilityLog *logger.ZapLogger

	tokenCounter *usage.TiktokenCounter
	closers      []func()
}

const tokenizerPreloadTimeout = 30 * time.Second

func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core Facades
	uowFactory := unitofwork.NewRepositoryFactory(db)
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	durabilityLogger := logger.NewIsolatedLogger(cfg.App.DurabilityLogPath)

	c := &Container{Logger: sysLogger, DurabilityLog: durabilityLogger, tokenCounter: usage.NewTiktokenCounter()}

	// 2. Event Bus: NATS JetStream when configured, in-process otherwise
	var (
		publisher  events.Publisher
		subscriber events.Subscriber
	)
	if cfg.App.NatsURL != "" {
		natsPub, pubErr := pktNats.NewPublisher(cfg.App.NatsURL, sysLogger)
		natsSub, subErr := pktNats.NewSubscriber(cfg.App.NatsURL, sysLogger)
		if pubErr == nil && subErr == nil {
			publisher, subscriber = natsPub, natsSub
			c.closers = append(c.closers, natsPub.Close, natsSub.Close)
			log.Printf("[INFO] Using NATS event bus (%s)", cfg.App.NatsURL)
		} else {
			log.Printf("[WARN] Failed to connect to NATS (publisher: %v, subscriber: %v). Falling back to local bus", pubErr, subErr)
			if natsPub != nil {
				natsPub.Close()
			}
			if natsSub != nil {
				natsSub.Close()
			}
		}
	}
	if publisher == nil {
		localBus := events.NewLocalBus(sysLogger)
		publisher, subscriber = localBus, localBus
		c.closers = append(c.closers, func() { _ = localBus.Close() })
	}

	// 3. Redis (optional) for cross-instance cancellation
	var rdb *redis.Client
	if cfg.App.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.App.RedisURL)
		if err != nil {
			log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
			opt = &redis.Options{Addr: cfg.App.RedisURL}
		}
		rdb = redis.NewClient(opt)
		if _, err := rdb.Ping(context.Background()).Result(); err != nil {
			log.Printf("[WARN] Failed to connect to Redis: %v. Cancellation stays local", err)
			_ = rdb.Close()
			rdb = nil
		} else {
			c.closers = append(c.closers, func() { _ = rdb.Close() })
		}
	}

	// 4. LLM Provider
	llmProvider, err := factory.NewLLMProvider(cfg.Ai)
	if err != nil {
		log.Fatalf("[FATAL] Failed to initialize LLM Provider: %v", err)
	}
	log.Printf("[INFO] Using LLM Provider: %s (%s)", cfg.Ai.LLMProvider, cfg.Ai.LLMModel)

	// 5. Chat components
	store := service.NewConversationStore(uowFactory, sysLogger)
	registry := memory.NewStreamRegistry()
	c.Cancellation = realtime.NewCancellationBus(registry, rdb, sysLogger)

	finalizer := finalize.NewFinalizer(store, publisher, sysLogger, durabilityLogger)
	c.Reconciler = reconcile.NewReconciler(
		store,
		implementation.NewMessageRepository(db),
		subscriber,
		sysLogger,
		durabilityLogger,
		cfg.Chat.ReconcileInterval,
		cfg.Chat.ReconcileLookback,
	)

	chatService := service.NewChatService(
		store,
		prompt.NewContextBuilder(uowFactory, sysLogger),
		title.NewGenerator(llmProvider, sysLogger, cfg.Chat.TitleTimeout, cfg.Chat.TitleMaxLength),
		stream.NewCoordinator(llmProvider, sysLogger, c.tokenCounter, cfg.Chat.StreamBuffer),
		finalizer,
		registry,
		c.Cancellation,
		sysLogger,
		cfg.Ai,
		cfg.Chat,
	)

	// 6. Controllers
	c.ChatController = controller.NewChatController(chatService, memory.NewRateLimitStore(cfg.Chat.RateLimitPerMinute), sysLogger)
	c.ChatWsHandler = handler.NewChatWsHandler(chatService, sysLogger)

	return c
}

// Start runs the background workers until ctx is done.
func (c *Container) Start(ctx context.Context) error {
	go c.Cancellation.Run(ctx)
	go c.preloadTokenizer(ctx)
	return c.Reconciler.Start(ctx)
}

func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	_ = c.Logger.Sync()
	_ = c.DurabilityLog.Sync()
}

func (c *Container) preloadTokenizer(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, tokenizerPreloadTimeout)
	defer cancel()
	if err := c.tokenCounter.Preload(ctx); err != nil {
		c.Logger.Warn("Container", "Token encoding not ready, usage estimates use the heuristic", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
