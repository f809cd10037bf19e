package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"carelink-escalation/internal/clock"
	"carelink-escalation/internal/config"
	"carelink-escalation/internal/models"
	"carelink-escalation/internal/policy"
	"carelink-escalation/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubStore 内存报警存储（服务层测试用）
type stubStore struct {
	mu    sync.Mutex
	saved map[string]*models.Alert
}

func newStubStore() *stubStore {
	return &stubStore{saved: make(map[string]*models.Alert)}
}

func (s *stubStore) CreateAlert(_ context.Context, _ string, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[alert.AlertID] = alert.Clone()
	return nil
}

func (s *stubStore) SaveAlertState(_ context.Context, _ string, alert *models.Alert, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[alert.AlertID] = alert.Clone()
	return nil
}

func (s *stubStore) LoadActiveAlerts(_ context.Context, _ string) ([]*models.Alert, error) {
	return nil, nil
}

func (s *stubStore) get(alertID string) *models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[alertID]
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(_ context.Context, _ *models.EscalationNotification) error {
	return nil
}

var serviceBaseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*EscalationService, *stubStore) {
	t.Helper()
	cfg := &config.Config{}
	store := newStubStore()
	fc := clock.NewFake(serviceBaseTime)
	sched := scheduler.NewScheduler(cfg, "tenant-1", policy.Default(), store, noopDispatcher{}, fc, zap.NewNop())

	svc := &EscalationService{
		config:    cfg,
		logger:    zap.NewNop(),
		tenantID:  "tenant-1",
		scheduler: sched,
	}
	return svc, store
}

func createdEvent(eventID, alertID string) *models.AlertLifecycleEvent {
	return &models.AlertLifecycleEvent{
		EventID:      eventID,
		EventType:    models.EventTypeCreated,
		AlertID:      alertID,
		TenantID:     "tenant-1",
		RoomID:       "room-302",
		UrgencyLevel: 5,
		At:           serviceBaseTime,
	}
}

func TestEscalationService_OnAlertCreated(t *testing.T) {
	svc, store := newTestService(t)

	require.NoError(t, svc.OnAlertCreated(context.Background(), createdEvent("evt-1", "alert-1")))

	saved := store.get("alert-1")
	require.NotNil(t, saved)
	assert.Equal(t, models.AlertStatusActive, saved.Status)
	assert.Equal(t, 1, saved.EscalationTier)
	require.NotNil(t, saved.NextEscalationAt)
	assert.Equal(t, serviceBaseTime.Add(3*time.Minute), *saved.NextEscalationAt)
}

func TestEscalationService_OnAlertCreated_DuplicateSwallowed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.OnAlertCreated(ctx, createdEvent("evt-1", "alert-1")))

	// 同一 alert_id 的重放注册对调用方是成功，不触发重投
	assert.NoError(t, svc.OnAlertCreated(ctx, createdEvent("evt-2", "alert-1")))
}

func TestEscalationService_OnAlertCreated_FillsTenantFromService(t *testing.T) {
	svc, store := newTestService(t)

	event := createdEvent("evt-1", "alert-1")
	event.TenantID = ""
	require.NoError(t, svc.OnAlertCreated(context.Background(), event))

	saved := store.get("alert-1")
	require.NotNil(t, saved)
	assert.Equal(t, "tenant-1", saved.TenantID)
}

func TestEscalationService_OnAlertAcknowledged(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.OnAlertCreated(ctx, createdEvent("evt-1", "alert-1")))
	require.NoError(t, svc.OnAlertAcknowledged(ctx, &models.AlertLifecycleEvent{
		EventID:   "evt-2",
		EventType: models.EventTypeAcknowledged,
		AlertID:   "alert-1",
		TenantID:  "tenant-1",
		Actor:     "nurse-7",
		At:        serviceBaseTime.Add(time.Minute),
	}))

	saved := store.get("alert-1")
	require.NotNil(t, saved)
	assert.Equal(t, models.AlertStatusAcknowledged, saved.Status)
	require.NotNil(t, saved.AcknowledgedBy)
	assert.Equal(t, "nurse-7", *saved.AcknowledgedBy)
}

func TestEscalationService_OnAlertResolved_UnknownAlert(t *testing.T) {
	svc, _ := newTestService(t)

	// 未知报警的 resolved 事件是静默成功的 no-op
	assert.NoError(t, svc.OnAlertResolved(context.Background(), &models.AlertLifecycleEvent{
		EventID:   "evt-1",
		EventType: models.EventTypeResolved,
		AlertID:   "ghost",
		TenantID:  "tenant-1",
		At:        serviceBaseTime,
	}))
}
