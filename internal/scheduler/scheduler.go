package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"carelink-escalation/internal/clock"
	"carelink-escalation/internal/config"
	"carelink-escalation/internal/logger"
	"carelink-escalation/internal/models"
	"carelink-escalation/internal/policy"

	"go.uber.org/zap"
)

// lockShards 按报警分片的锁数量
const lockShards = 32

// AlertStore 报警记录存储接口（repository.AlertRecordsRepository 实现）
type AlertStore interface {
	CreateAlert(ctx context.Context, tenantID string, alert *models.Alert) error
	SaveAlertState(ctx context.Context, tenantID string, alert *models.Alert, expectedTier int) error
	LoadActiveAlerts(ctx context.Context, tenantID string) ([]*models.Alert, error)
}

// Dispatcher 升级通知派发接口
type Dispatcher interface {
	Dispatch(ctx context.Context, n *models.EscalationNotification) error
}

// Scheduler 升级调度器
// 内存状态是定时器行为的唯一权威：注册/确认后定时器立即生效，
// 不依赖持久化结果；数据库仅用于崩溃恢复与外部查询。
// 并发模型：
//  1. 单一 Run 循环消费定时器堆，同一时刻最多一个到期批次在处理
//  2. 每个报警的生命周期操作（注册/触发/确认/解决）经分片锁串行化
//  3. s.mu 只保护堆、条目索引和报警表的短临界区
//
// 锁序固定为 分片锁 -> s.mu，不允许反向持有
type Scheduler struct {
	store      AlertStore
	dispatcher Dispatcher
	policies   *policy.Table
	clk        clock.Clock
	logger     *zap.Logger
	fatalLog   *zap.Logger
	tenantID   string

	// 持久化重试参数
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	retryDelay  time.Duration

	mu      sync.Mutex
	alerts  map[string]*models.Alert // 非终态报警（内存权威状态）
	timers  timerHeap
	entries map[string]*timerEntry // alert_id -> 当前布防条目
	wakeCh  chan struct{}          // 堆顶变更唤醒主循环

	shards [lockShards]sync.Mutex
}

// NewScheduler 创建升级调度器
func NewScheduler(cfg *config.Config, tenantID string, policies *policy.Table, store AlertStore, dispatcher Dispatcher, clk clock.Clock, log *zap.Logger) *Scheduler {
	maxAttempts := cfg.Escalation.Persist.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := time.Duration(cfg.Escalation.Persist.BackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	maxBackoff := time.Duration(cfg.Escalation.Persist.MaxBackoffMS) * time.Millisecond
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Second
	}
	retryDelay := time.Duration(cfg.Escalation.Persist.RetryDelaySec) * time.Second
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}

	return &Scheduler{
		store:       store,
		dispatcher:  dispatcher,
		policies:    policies,
		clk:         clk,
		logger:      log,
		fatalLog:    logger.NewFatalSafeLogger(log),
		tenantID:    tenantID,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		retryDelay:  retryDelay,
		alerts:      make(map[string]*models.Alert),
		entries:     make(map[string]*timerEntry),
		wakeCh:      make(chan struct{}, 1),
	}
}

// shardFor 报警对应的分片锁
func (s *Scheduler) shardFor(alertID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(alertID))
	return &s.shards[h.Sum32()%lockShards]
}

// ============================================
// 生命周期操作
// ============================================

// RegisterAlert 注册新报警并布防首档升级定时器
// 同一 alert_id 重复注册返回 ErrDuplicateAlert（已有状态不受影响）；
// 持久化创建失败时不注册内存状态，错误原样返回由事件层重投
func (s *Scheduler) RegisterAlert(ctx context.Context, alert *models.Alert) error {
	dwell, ok := s.policies.TimeoutFor(alert.UrgencyLevel, 1)
	if !ok {
		return fmt.Errorf("no escalation policy for urgency level %d", alert.UrgencyLevel)
	}

	lock := s.shardFor(alert.AlertID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	_, exists := s.alerts[alert.AlertID]
	s.mu.Unlock()
	if exists {
		return ErrDuplicateAlert
	}

	now := s.clk.Now()
	a := alert.Clone()
	a.Status = models.AlertStatusActive
	a.EscalationTier = 1
	deadline := a.CreatedAt.Add(dwell)
	a.NextEscalationAt = &deadline
	a.AcknowledgedAt = nil
	a.AcknowledgedBy = nil
	a.UpdatedAt = now

	if err := s.store.CreateAlert(ctx, a.TenantID, a); err != nil {
		return fmt.Errorf("failed to persist new alert %s: %w", a.AlertID, err)
	}

	s.mu.Lock()
	s.alerts[a.AlertID] = a
	s.armLocked(a.AlertID, deadline)
	s.mu.Unlock()

	s.logger.Info("Alert registered",
		zap.String("alert_id", a.AlertID),
		zap.String("room_id", a.RoomID),
		zap.Int("urgency_level", a.UrgencyLevel),
		zap.Time("next_escalation_at", deadline),
	)
	return nil
}

// Acknowledge 确认报警
// 定时器取消同步生效：返回后该报警不会再触发升级。
// 未知或已终态的报警按成功处理（幂等，重复事件常见）
func (s *Scheduler) Acknowledge(ctx context.Context, alertID, actor string, at time.Time) error {
	return s.terminate(ctx, alertID, models.AlertStatusAcknowledged, actor, at)
}

// Resolve 解决报警（与确认同构，终态不同）
func (s *Scheduler) Resolve(ctx context.Context, alertID, actor string, at time.Time) error {
	return s.terminate(ctx, alertID, models.AlertStatusResolved, actor, at)
}

// terminate 将报警迁移到终态并撤防定时器
func (s *Scheduler) terminate(ctx context.Context, alertID string, status models.AlertStatus, actor string, at time.Time) error {
	lock := s.shardFor(alertID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	a := s.alerts[alertID]
	if a == nil {
		s.mu.Unlock()
		s.logger.Debug("Terminal transition on unknown alert, treated as no-op",
			zap.String("alert_id", alertID),
			zap.String("status", string(status)),
		)
		return nil
	}
	s.cancelTimerLocked(alertID)
	s.mu.Unlock()

	prevTier := a.EscalationTier
	a.Status = status
	a.NextEscalationAt = nil
	// acknowledged_at/by 只在首次确认时写入；未经确认直接 resolve 保持为空
	if status == models.AlertStatusAcknowledged {
		a.AcknowledgedAt = &at
		if actor != "" {
			a.AcknowledgedBy = &actor
		}
	}
	a.UpdatedAt = s.clk.Now()

	// 终态落盘失败不回滚：内存已撤防，重启后由数据库旧状态
	// 导致的多余一次升级属于可接受退化（延迟/多发，绝不丢失）
	s.persistWithRetry(ctx, a, prevTier)

	s.mu.Lock()
	delete(s.alerts, alertID)
	s.mu.Unlock()

	s.logger.Info("Alert closed",
		zap.String("alert_id", alertID),
		zap.String("status", string(status)),
		zap.String("actor", actor),
		zap.Int("final_tier", prevTier),
	)
	return nil
}

// GetAlert 查询报警当前内存状态快照（不存在返回 false）
func (s *Scheduler) GetAlert(alertID string) (*models.Alert, bool) {
	lock := s.shardFor(alertID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.alerts[alertID]
	if a == nil {
		return nil, false
	}
	return a.Clone(), true
}

// ActiveCount 当前跟踪的非终态报警数
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

// ============================================
// 崩溃恢复
// ============================================

// RecoverOnStartup 从数据库恢复未关闭报警并原样重新布防
// 存储的 next_escalation_at 逐字恢复为定时器 deadline：
// 已过期的 deadline 会在主循环启动后立即触发（恰好一次），
// 升级链基于逻辑 deadline 续算，不因停机时长漂移
func (s *Scheduler) RecoverOnStartup(ctx context.Context) error {
	stored, err := s.store.LoadActiveAlerts(ctx, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to load active alerts for recovery: %w", err)
	}

	recovered := 0
	s.mu.Lock()
	for _, a := range stored {
		if a.Status.IsTerminal() || a.NextEscalationAt == nil {
			continue
		}
		cp := a.Clone()
		s.alerts[cp.AlertID] = cp
		s.armLocked(cp.AlertID, *cp.NextEscalationAt)
		recovered++
	}
	s.mu.Unlock()

	s.logger.Info("Alert recovery completed",
		zap.Int("recovered", recovered),
		zap.Int("loaded", len(stored)),
	)
	return nil
}

// ============================================
// 定时器布防 / 撤防（调用方持有 s.mu）
// ============================================

// armLocked 为报警布防定时器（已有条目先撤防，保证每报警至多一个）
func (s *Scheduler) armLocked(alertID string, deadline time.Time) {
	if old := s.entries[alertID]; old != nil {
		old.canceled = true
	}
	e := &timerEntry{alertID: alertID, deadline: deadline}
	heap.Push(&s.timers, e)
	s.entries[alertID] = e

	// 非阻塞唤醒：主循环可能正睡在一个更晚的 deadline 上
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// cancelTimerLocked 撤防报警定时器（条目惰性保留在堆中）
func (s *Scheduler) cancelTimerLocked(alertID string) {
	if e := s.entries[alertID]; e != nil {
		e.canceled = true
		delete(s.entries, alertID)
	}
}

// ============================================
// 主循环
// ============================================

// Run 运行调度主循环（阻塞直到 ctx 取消）
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Escalation scheduler started")

	for {
		if fired := s.runOnce(ctx); fired > 0 {
			// 处理期间可能有新的条目到期，立即复查
			continue
		}

		wait, ok := s.nextWait()
		if !ok {
			select {
			case <-ctx.Done():
				s.logger.Info("Escalation scheduler stopped")
				return
			case <-s.wakeCh:
			}
			continue
		}

		timer := s.clk.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Escalation scheduler stopped")
			return
		case <-s.wakeCh:
			timer.Stop()
		case <-timer.C():
		}
	}
}

// runOnce 弹出并处理所有已到期条目，返回触发数量
func (s *Scheduler) runOnce(ctx context.Context) int {
	s.mu.Lock()
	now := s.clk.Now()
	var due []*timerEntry
	for s.timers.Len() > 0 {
		e := s.timers.peek()
		if e.canceled {
			heap.Pop(&s.timers)
			continue
		}
		if e.deadline.After(now) {
			break
		}
		heap.Pop(&s.timers)
		if s.entries[e.alertID] == e {
			delete(s.entries, e.alertID)
		}
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e)
	}
	return len(due)
}

// nextWait 距最早未取消条目的等待时长（堆为空返回 false）
func (s *Scheduler) nextWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.timers.Len() > 0 {
		e := s.timers.peek()
		if e.canceled {
			heap.Pop(&s.timers)
			continue
		}
		d := e.deadline.Sub(s.clk.Now())
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// fire 处理单个到期条目
// 与确认/解决的竞争靠分片锁裁决：先拿到锁的一方生效，
// 升级先行时确认方会看到已升级的档位（多发一次可接受），
// 确认先行时本条目已被标记取消，这里直接丢弃
func (s *Scheduler) fire(ctx context.Context, e *timerEntry) {
	lock := s.shardFor(e.alertID)
	lock.Lock()
	defer lock.Unlock()

	if e.canceled {
		return
	}

	s.mu.Lock()
	a := s.alerts[e.alertID]
	s.mu.Unlock()
	if a == nil || a.Status.IsTerminal() {
		return
	}

	// 逻辑 deadline 取报警记录的 next_escalation_at（持久化重试
	// 的延迟条目携带的是墙钟重试时刻，续算必须回到逻辑时间轴）
	logicalDeadline := e.deadline
	if a.NextEscalationAt != nil {
		logicalDeadline = *a.NextEscalationAt
	}

	dwell, hasNext := s.policies.TimeoutFor(a.UrgencyLevel, a.EscalationTier+1)
	if !hasNext {
		s.fireTerminal(ctx, a, logicalDeadline)
		return
	}

	prevTier := a.EscalationTier
	prevStatus := a.Status
	prevDeadline := a.NextEscalationAt

	a.EscalationTier = prevTier + 1
	a.Status = models.AlertStatusEscalated
	// 下一 deadline 基于逻辑 deadline 续算，而非当前墙钟，
	// 触发延迟（停机、负载）不会在升级链上累积漂移
	nextDeadline := logicalDeadline.Add(dwell)
	a.NextEscalationAt = &nextDeadline
	a.UpdatedAt = s.clk.Now()

	if !s.persistWithRetry(ctx, a, prevTier) {
		// 回滚内存迁移，延迟后重试同一档位升级
		a.EscalationTier = prevTier
		a.Status = prevStatus
		a.NextEscalationAt = prevDeadline

		retryAt := s.clk.Now().Add(s.retryDelay)
		s.mu.Lock()
		s.armLocked(a.AlertID, retryAt)
		s.mu.Unlock()

		s.fatalLog.Fatal("Escalation persist failed after retries, escalation delayed",
			zap.String("alert_id", a.AlertID),
			zap.Int("tier", prevTier),
			zap.Duration("retry_delay", s.retryDelay),
		)
		return
	}

	targetRole, _ := s.policies.TargetRoleFor(a.UrgencyLevel, a.EscalationTier)
	notification := &models.EscalationNotification{
		AlertID:      a.AlertID,
		TenantID:     a.TenantID,
		RoomID:       a.RoomID,
		UrgencyLevel: a.UrgencyLevel,
		Tier:         a.EscalationTier,
		TargetRole:   targetRole,
		EscalatedAt:  logicalDeadline,
	}
	if err := s.dispatcher.Dispatch(ctx, notification); err != nil {
		// 通知尽力而为：派发失败记日志，升级事实已落盘
		s.logger.Error("Failed to dispatch escalation notification",
			zap.String("alert_id", a.AlertID),
			zap.Int("tier", a.EscalationTier),
			zap.Error(err),
		)
	}

	s.mu.Lock()
	s.armLocked(a.AlertID, nextDeadline)
	s.mu.Unlock()

	s.logger.Info("Alert escalated",
		zap.String("alert_id", a.AlertID),
		zap.String("room_id", a.RoomID),
		zap.Int("urgency_level", a.UrgencyLevel),
		zap.Int("tier", a.EscalationTier),
		zap.String("target_role", string(targetRole)),
		zap.Time("next_escalation_at", nextDeadline),
	)
}

// fireTerminal 终档触发：档位不再变更，落盘终档状态，不布防新定时器
// 报警保持 escalated 直到人工确认/解决，next_escalation_at 保留
// （非终态报警该字段恒非空，重启恢复会再触发一次终档落盘，幂等）
func (s *Scheduler) fireTerminal(ctx context.Context, a *models.Alert, deadline time.Time) {
	a.UpdatedAt = s.clk.Now()
	if !s.persistWithRetry(ctx, a, a.EscalationTier) {
		s.fatalLog.Fatal("Terminal tier persist failed after retries",
			zap.String("alert_id", a.AlertID),
			zap.Int("tier", a.EscalationTier),
		)
	}

	s.logger.Warn("Alert reached terminal escalation tier without acknowledgment",
		zap.String("alert_id", a.AlertID),
		zap.String("room_id", a.RoomID),
		zap.Int("urgency_level", a.UrgencyLevel),
		zap.Int("tier", a.EscalationTier),
		zap.Time("deadline", deadline),
	)
}

// persistWithRetry 有界重试落盘报警状态
// 指数退避直到 maxAttempts 耗尽；ctx 取消立即放弃。
// 返回 false 表示重试预算耗尽，由调用方决定回滚与延迟重试
func (s *Scheduler) persistWithRetry(ctx context.Context, a *models.Alert, expectedTier int) bool {
	backoff := s.backoff
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.store.SaveAlertState(ctx, a.TenantID, a, expectedTier)
		if err == nil {
			return true
		}

		s.logger.Warn("Failed to persist alert state",
			zap.String("alert_id", a.AlertID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Error(err),
		)

		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
	return false
}
