package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"carelink-escalation/internal/clock"
	"carelink-escalation/internal/config"
	"carelink-escalation/internal/consumer"
	"carelink-escalation/internal/database"
	"carelink-escalation/internal/dedup"
	"carelink-escalation/internal/dispatcher"
	"carelink-escalation/internal/models"
	"carelink-escalation/internal/policy"
	"carelink-escalation/internal/repository"
	"carelink-escalation/internal/scheduler"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// EscalationService 报警升级服务（整合各层）
type EscalationService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
	tenantID    string

	// 各层组件
	policies        *policy.Table
	alertRepo       *repository.AlertRecordsRepository
	deduplicator    *dedup.Deduplicator
	asyncDispatcher *dispatcher.AsyncDispatcher
	scheduler       *scheduler.Scheduler
	eventConsumer   *consumer.EventConsumer
}

// NewEscalationService 创建升级服务
func NewEscalationService(cfg *config.Config, logger *zap.Logger, tenantID string) (*EscalationService, error) {
	// 1. 加载升级策略表（非法配置在启动期拒绝）
	policies, err := policy.Load(cfg.Escalation.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation policy: %w", err)
	}

	// 2. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 3. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 4. 创建 Repository 层
	alertRepo := repository.NewAlertRecordsRepository(db, logger)

	// 5. 创建去重器
	deduplicator := dedup.NewDeduplicator(
		redisClient,
		cfg.Escalation.Dedup.KeyPrefix,
		time.Duration(cfg.Escalation.Dedup.WindowHours)*time.Hour,
		logger,
	)

	// 6. 创建通知派发链（后端 -> 异步队列）
	backend, err := dispatcher.Build(cfg, redisClient, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build notification dispatcher: %w", err)
	}
	asyncDispatcher := dispatcher.NewAsyncDispatcher(
		backend,
		cfg.Escalation.Dispatch.QueueSize,
		time.Duration(cfg.Escalation.Dispatch.EnqueueWaitMS)*time.Millisecond,
		logger,
	)

	// 7. 创建调度器
	sched := scheduler.NewScheduler(cfg, tenantID, policies, alertRepo, asyncDispatcher, clock.New(), logger)

	svc := &EscalationService{
		config:          cfg,
		db:              db,
		redisClient:     redisClient,
		logger:          logger,
		tenantID:        tenantID,
		policies:        policies,
		alertRepo:       alertRepo,
		deduplicator:    deduplicator,
		asyncDispatcher: asyncDispatcher,
		scheduler:       sched,
	}

	// 8. 创建事件消费者（服务自身作为事件处理器）
	svc.eventConsumer = consumer.NewEventConsumer(
		redisClient,
		svc,
		deduplicator,
		logger,
		cfg.Escalation.Streams.LifecycleStream,
		cfg.Escalation.Streams.LifecycleGroup,
	)

	return svc, nil
}

// Start 启动服务（阻塞直到 ctx 取消）
func (s *EscalationService) Start(ctx context.Context) error {
	s.logger.Info("Starting escalation service",
		zap.String("tenant_id", s.tenantID),
	)

	// 1. 崩溃恢复：重放数据库中的未关闭报警
	if err := s.scheduler.RecoverOnStartup(ctx); err != nil {
		return fmt.Errorf("failed to recover alerts on startup: %w", err)
	}

	// 2. 启动各组件
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.asyncDispatcher.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scheduler.Run(ctx)
	}()

	consumerErrChan := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.eventConsumer.Start(ctx); err != nil {
			consumerErrChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		wg.Wait()
		return nil
	case err := <-consumerErrChan:
		return fmt.Errorf("event consumer failed: %w", err)
	}
}

// Stop 停止服务
func (s *EscalationService) Stop() error {
	s.logger.Info("Stopping escalation service")

	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}

// ============================================
// 生命周期事件处理（consumer.EventHandler 实现）
// ============================================

// OnAlertCreated 处理报警创建事件
// 重复注册（同一 alert_id 的重放）按成功处理：已有升级链不受影响
func (s *EscalationService) OnAlertCreated(ctx context.Context, event *models.AlertLifecycleEvent) error {
	alert := &models.Alert{
		AlertID:      event.AlertID,
		TenantID:     event.TenantID,
		RoomID:       event.RoomID,
		UrgencyLevel: event.UrgencyLevel,
		CreatedAt:    event.At,
	}
	if alert.TenantID == "" {
		alert.TenantID = s.tenantID
	}

	if err := s.scheduler.RegisterAlert(ctx, alert); err != nil {
		if errors.Is(err, scheduler.ErrDuplicateAlert) {
			s.logger.Warn("Duplicate alert registration ignored",
				zap.String("alert_id", event.AlertID),
			)
			return nil
		}
		return err
	}
	return nil
}

// OnAlertAcknowledged 处理报警确认事件
func (s *EscalationService) OnAlertAcknowledged(ctx context.Context, event *models.AlertLifecycleEvent) error {
	return s.scheduler.Acknowledge(ctx, event.AlertID, event.Actor, event.At)
}

// OnAlertResolved 处理报警解决事件
func (s *EscalationService) OnAlertResolved(ctx context.Context, event *models.AlertLifecycleEvent) error {
	return s.scheduler.Resolve(ctx, event.AlertID, event.Actor, event.At)
}
