package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"carelink-escalation/internal/config"
	"carelink-escalation/internal/models"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testNotification() *models.EscalationNotification {
	return &models.EscalationNotification{
		AlertID:      "alert-1",
		TenantID:     "tenant-1",
		RoomID:       "room-302",
		UrgencyLevel: 5,
		Tier:         2,
		TargetRole:   models.RoleDoctor,
		EscalatedAt:  time.Now(),
	}
}

// fakeDispatcher 记录收到的通知（测试用）
type fakeDispatcher struct {
	mu       sync.Mutex
	received []*models.EscalationNotification
	err      error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, n *models.EscalationNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.received = append(f.received, n)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

// ============================================
// StreamDispatcher 测试
// ============================================

func TestStreamDispatcher_Dispatch(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	d := NewStreamDispatcher(redisClient, "escalation:notifications", zap.NewNop())

	n := testNotification()
	err := d.Dispatch(context.Background(), n)
	require.NoError(t, err)

	// 验证消息已写入流
	msgs, err := redisClient.XRange(context.Background(), "escalation:notifications", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, "alert-1", msgs[0].Values["alert_id"])
	assert.Equal(t, "2", msgs[0].Values["tier"])
	assert.Equal(t, "doctor", msgs[0].Values["target_role"])

	var decoded models.EscalationNotification
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, n.AlertID, decoded.AlertID)
	assert.Equal(t, n.TargetRole, decoded.TargetRole)
}

func TestStreamDispatcher_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	d := NewStreamDispatcher(redisClient, "escalation:notifications", zap.NewNop())

	err := d.Dispatch(context.Background(), testNotification())
	assert.Error(t, err)
}

// ============================================
// MQTTDispatcher 测试
// ============================================

// fakeToken 实现 mqtt.Token（测试用）
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

// fakePublisher 记录发布调用（测试用）
type fakePublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.([]byte))
	return newFakeToken(p.err)
}

func TestMQTTDispatcher_Dispatch(t *testing.T) {
	pub := &fakePublisher{}
	d := &MQTTDispatcher{client: pub, qos: 1, logger: zap.NewNop()}

	err := d.Dispatch(context.Background(), testNotification())
	require.NoError(t, err)

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "carelink/tenant-1/escalations", pub.topics[0])

	var decoded models.EscalationNotification
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "alert-1", decoded.AlertID)
	assert.Equal(t, 2, decoded.Tier)
}

func TestMQTTDispatcher_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	d := &MQTTDispatcher{client: pub, qos: 1, logger: zap.NewNop()}

	err := d.Dispatch(context.Background(), testNotification())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")
}

// ============================================
// MultiDispatcher 测试
// ============================================

func TestMultiDispatcher_AllBackends(t *testing.T) {
	f1 := &fakeDispatcher{}
	f2 := &fakeDispatcher{}
	d := NewMultiDispatcher(zap.NewNop(), f1, f2)

	err := d.Dispatch(context.Background(), testNotification())
	require.NoError(t, err)

	assert.Equal(t, 1, f1.count())
	assert.Equal(t, 1, f2.count())
}

func TestMultiDispatcher_PartialFailure(t *testing.T) {
	f1 := &fakeDispatcher{err: errors.New("backend down")}
	f2 := &fakeDispatcher{}
	d := NewMultiDispatcher(zap.NewNop(), f1, f2)

	// 单个后端失败不阻止其余后端
	err := d.Dispatch(context.Background(), testNotification())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "1/2 backends")
	assert.Equal(t, 1, f2.count())
}

// ============================================
// AsyncDispatcher 测试
// ============================================

func TestAsyncDispatcher_DeliversInBackground(t *testing.T) {
	next := &fakeDispatcher{}
	d := NewAsyncDispatcher(next, 16, 100*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()

	require.NoError(t, d.Dispatch(context.Background(), testNotification()))
	require.NoError(t, d.Dispatch(context.Background(), testNotification()))

	assert.Eventually(t, func() bool {
		return next.count() == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestAsyncDispatcher_DrainsOnShutdown(t *testing.T) {
	next := &fakeDispatcher{}
	d := NewAsyncDispatcher(next, 16, 100*time.Millisecond, zap.NewNop())

	// worker 未启动时先入队
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Dispatch(context.Background(), testNotification()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	<-done

	// 退出前清空已入队的通知
	assert.Equal(t, 5, next.count())
}

func TestAsyncDispatcher_QueueFull(t *testing.T) {
	next := &fakeDispatcher{}
	d := NewAsyncDispatcher(next, 1, 10*time.Millisecond, zap.NewNop())

	// worker 未启动，队列容量 1
	require.NoError(t, d.Dispatch(context.Background(), testNotification()))

	err := d.Dispatch(context.Background(), testNotification())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

// ============================================
// 工厂测试
// ============================================

func TestBuild_DefaultStream(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{}
	cfg.Escalation.Streams.NotificationStream = "escalation:notifications"

	d, err := Build(cfg, redisClient, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &StreamDispatcher{}, d)
}

func TestBuild_UnknownBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{}
	cfg.Escalation.Dispatch.Backends = []string{"carrier-pigeon"}

	_, err := Build(cfg, redisClient, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dispatch backend")
}

func TestBuild_MQTTWithoutBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{}
	cfg.Escalation.Dispatch.Backends = []string{"mqtt"}

	_, err := Build(cfg, redisClient, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTT_BROKER is empty")
}
