package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"agentbridge/internal/agent"
	"agentbridge/internal/attachment"
	"agentbridge/internal/cache"
	"agentbridge/internal/config"
	"agentbridge/internal/model"
	mysqlClient "agentbridge/internal/platform/mysql"
	rabbitmqClient "agentbridge/internal/platform/rabbitmq"
	redisClient "agentbridge/internal/platform/redis"
	"agentbridge/internal/repository"
	"agentbridge/internal/vision"
	"agentbridge/internal/worker"

	appsvc "agentbridge/internal/app"
)

type App struct {
	Config         *config.Config
	Logger         *zap.Logger
	MySQL          *gorm.DB
	Redis          *redis.Client
	MQConn         *amqp.Connection
	ChatController *appsvc.ChatController
	MessageWorker  *worker.MessagePersistWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	logger, err := newLogger(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("build logger failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(&model.User{}, &model.Conversation{}, &model.Message{}); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	conversationRepo := repository.NewConversationRepository(mysqlDB)
	messageRepo := repository.NewMessageRepository(mysqlDB)

	publisher := rabbitmqClient.NewMessagePublisher(mqConn, cfg.RabbitMQ.MessagePersistQueue)
	historyCache := cache.NewHistoryCache(
		redisCli,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)

	var labeler attachment.ImageLabeler
	if cfg.Attachment.VisionModelPath != "" {
		labeler = vision.NewLabeler(
			cfg.Attachment.VisionModelPath,
			cfg.Attachment.VisionLabelsPath,
			cfg.Attachment.ONNXSharedLibPath,
			cfg.Attachment.VisionTopK,
		)
	}
	inspector := attachment.NewInspector(
		cfg.Attachment.MaxSizeBytes,
		cfg.Attachment.PDFExcerptChars,
		labeler,
		logger,
	)

	agentClient := agent.New(agent.Config{
		EndpointURL: cfg.Agent.EndpointURL,
		APIKey:      cfg.Agent.APIKey,
	})

	controller := appsvc.NewChatController(
		conversationRepo,
		messageRepo,
		publisher,
		historyCache,
		agentClient,
		inspector,
		appsvc.ControllerOptions{
			Streaming: cfg.Agent.Streaming,
			Timeout:   cfg.Agent.Timeout(),
			Logger:    logger,
		},
	)

	messageWorker := worker.NewMessagePersistWorker(
		mqConn,
		messageRepo,
		conversationRepo,
		cfg.RabbitMQ.MessagePersistQueue,
		logger,
	)
	if err := messageWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start message worker failed: %w", err)
	}

	return &App{
		Config:         cfg,
		Logger:         logger,
		MySQL:          mysqlDB,
		Redis:          redisCli,
		MQConn:         mqConn,
		ChatController: controller,
		MessageWorker:  messageWorker,
		StartedAt:      time.Now(),
	}, nil
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return closeErr
}
