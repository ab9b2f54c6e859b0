package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/domain"
	"relay/backend/internal/events"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/provider/sqs"
	"relay/backend/internal/service"
	"relay/backend/internal/sns"
	"relay/backend/internal/storage/memory"
)

const workerTopic = "arn:aws:sns:us-east-1:123456789012:inbound-email"

// fakeQueue 顺序吐出预置批次的队列替身
type fakeQueue struct {
	mu      sync.Mutex
	batches [][]sqs.Message
	deleted []string
	counts  sqs.Counts
	pollErr error
}

func (q *fakeQueue) Poll(context.Context) ([]sqs.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pollErr != nil {
		return nil, q.pollErr
	}
	if len(q.batches) == 0 {
		return nil, nil
	}
	batch := q.batches[0]
	q.batches = q.batches[1:]
	return batch, nil
}

func (q *fakeQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *fakeQueue) BacklogCounts(context.Context) (sqs.Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts, nil
}

func (q *fakeQueue) deletedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

// fakeContent 对象存储替身，可阻塞或注入错误
type fakeContent struct {
	fail  error
	block chan struct{}
}

func (c *fakeContent) Fetch(context.Context, string, string) ([]byte, error) {
	if c.block != nil {
		<-c.block
	}
	if c.fail != nil {
		return nil, c.fail
	}
	return nil, errors.New("no content")
}

func (c *fakeContent) Delete(context.Context, string, string) error { return nil }

type noopDispatcher struct{}

func (noopDispatcher) SendRaw(context.Context, string, []string, []byte) (string, error) {
	return "id", nil
}

func workerConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Processing: config.ProcessingConfig{
			MaxSecondsPerMessage: 30 * time.Second,
			HealthcheckPath:      filepath.Join(t.TempDir(), "healthcheck.json"),
		},
		Relay: config.RelayConfig{
			MaskDomain:            "test.com",
			ReplyDomain:           "default.com",
			ReplyAddress:          "replies@default.com",
			FromAddress:           "replies@default.com",
			NoReplyPrefix:         "noreply",
			HardBounceAllowedDays: 30,
			SoftBounceAllowedDays: 1,
		},
	}
}

func newTestWorker(queue Queue, cfg *config.Config, content service.ContentStore) *Worker {
	store := memory.NewStore()
	log := zap.NewNop()
	metrics := monitoring.NewMetricsWithRegistry(prometheus.NewRegistry())
	emitter := events.NewEmitter(log)
	dispatcher := noopDispatcher{}
	verifier := sns.NewVerifier([]string{workerTopic}, sns.WithoutSignatureCheck())
	resolver := service.NewResolverService(store, domain.NewMaskValidator(nil), cfg, metrics, emitter, log)
	policy := service.NewPolicyEngine(store, store, cfg, log)
	forwarder := service.NewForwardService(store, policy, dispatcher, service.StaticFlags{}, cfg, metrics, emitter, log)
	notifier := service.NewNotifier(dispatcher, cfg, log)
	replySvc := service.NewReplyService(store, store, dispatcher, notifier, cfg, metrics, emitter, log)
	sink := service.NewSinkService(store, resolver, notifier, service.StaticFlags{}, cfg, metrics, log)
	processor := service.NewProcessor(verifier, content, resolver, policy, forwarder, replySvc, sink,
		cfg, metrics, emitter, log)
	return New(queue, processor, cfg, metrics, log)
}

// confirmationMessage 构造一条可通过分类的订阅确认消息
func confirmationMessage(t *testing.T, handle string) sqs.Message {
	t.Helper()
	raw, err := json.Marshal(domain.SNSEnvelope{
		Type:         domain.SNSTypeSubscriptionConfirmation,
		TopicArn:     workerTopic,
		SubscribeURL: "https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription",
	})
	assert.NoError(t, err)
	return sqs.Message{ID: "msg-" + handle, ReceiptHandle: handle, Body: string(raw)}
}

// storedEmailMessage 构造一条正文在对象存储里的收信通知
func storedEmailMessage(t *testing.T, handle string) sqs.Message {
	t.Helper()
	inner, err := json.Marshal(&domain.SESMessage{
		NotificationType: domain.NotificationReceived,
		Mail:             &domain.SESMail{Destination: []string{"abc123xyz@test.com"}},
		Receipt: &domain.SESReceipt{
			Recipients: []string{"abc123xyz@test.com"},
			Action:     &domain.SESAction{Type: "S3", BucketName: "inbound-bucket", ObjectKey: "emails/" + handle},
		},
	})
	assert.NoError(t, err)
	raw, err := json.Marshal(domain.SNSEnvelope{
		Type:     domain.SNSTypeNotification,
		TopicArn: workerTopic,
		Message:  string(inner),
	})
	assert.NoError(t, err)
	return sqs.Message{ID: "msg-" + handle, ReceiptHandle: handle, Body: string(raw)}
}

func TestWorkerCycle(t *testing.T) {
	t.Run("处理成功后删除消息", func(t *testing.T) {
		queue := &fakeQueue{
			batches: [][]sqs.Message{{confirmationMessage(t, "handle-1")}},
			counts:  sqs.Counts{Visible: 3},
		}
		cfg := workerConfig(t)
		w := newTestWorker(queue, cfg, &fakeContent{})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		defer w.runner.Stop()
		w.startedAt = time.Now()

		w.cycle(ctx)

		assert.Equal(t, []string{"handle-1"}, queue.deletedHandles())
		snapshot := w.stats.Snapshot()
		assert.Equal(t, 1, snapshot.Cycles)
		assert.Equal(t, 1, snapshot.TotalMessages)
		assert.Zero(t, snapshot.FailedMessages)

		backlog, ok := w.Backlog()
		assert.True(t, ok)
		assert.Equal(t, 3, backlog)
	})

	t.Run("不可重试失败仍然出队", func(t *testing.T) {
		badEnvelope, err := json.Marshal(domain.SNSEnvelope{
			Type:     domain.SNSTypeNotification,
			TopicArn: "arn:aws:sns:us-east-1:999:other-topic",
			Message:  "{}",
		})
		assert.NoError(t, err)
		queue := &fakeQueue{batches: [][]sqs.Message{{
			{ID: "msg-1", ReceiptHandle: "handle-1", Body: string(badEnvelope)},
		}}}
		cfg := workerConfig(t)
		w := newTestWorker(queue, cfg, &fakeContent{})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		defer w.runner.Stop()
		w.startedAt = time.Now()

		w.cycle(ctx)

		assert.Equal(t, []string{"handle-1"}, queue.deletedHandles())
		assert.Equal(t, 1, w.stats.Snapshot().FailedMessages)
	})

	t.Run("可重试失败保留消息", func(t *testing.T) {
		queue := &fakeQueue{batches: [][]sqs.Message{{storedEmailMessage(t, "handle-1")}}}
		cfg := workerConfig(t)
		w := newTestWorker(queue, cfg, &fakeContent{fail: errors.New("connection timeout")})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		defer w.runner.Stop()
		w.startedAt = time.Now()

		w.cycle(ctx)

		assert.Empty(t, queue.deletedHandles())
		assert.Equal(t, 1, w.stats.Snapshot().FailedMessages)
	})

	t.Run("配置允许时失败也出队", func(t *testing.T) {
		queue := &fakeQueue{batches: [][]sqs.Message{{storedEmailMessage(t, "handle-1")}}}
		cfg := workerConfig(t)
		cfg.Processing.DeleteFailedMessages = true
		w := newTestWorker(queue, cfg, &fakeContent{fail: errors.New("connection timeout")})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		defer w.runner.Stop()
		w.startedAt = time.Now()

		w.cycle(ctx)

		assert.Equal(t, []string{"handle-1"}, queue.deletedHandles())
	})

	t.Run("看门狗超时保留消息", func(t *testing.T) {
		queue := &fakeQueue{batches: [][]sqs.Message{{storedEmailMessage(t, "handle-1")}}}
		cfg := workerConfig(t)
		cfg.Processing.MaxSecondsPerMessage = 100 * time.Millisecond
		release := make(chan struct{})
		w := newTestWorker(queue, cfg, &fakeContent{block: release})

		ctx, cancel := context.WithCancel(context.Background())
		w.startedAt = time.Now()

		w.cycle(ctx)

		assert.Empty(t, queue.deletedHandles())
		assert.Equal(t, 1, w.stats.Snapshot().FailedMessages)

		close(release)
		cancel()
		w.runner.Stop()
	})

	t.Run("挂死消息超时后不拖累后续消息", func(t *testing.T) {
		queue := &fakeQueue{batches: [][]sqs.Message{
			{storedEmailMessage(t, "handle-stuck")},
			{confirmationMessage(t, "handle-next")},
		}}
		cfg := workerConfig(t)
		cfg.Processing.MaxSecondsPerMessage = 100 * time.Millisecond
		// 对象取回永久阻塞且无视语境取消
		w := newTestWorker(queue, cfg, &fakeContent{block: make(chan struct{})})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		w.startedAt = time.Now()

		w.cycle(ctx)
		w.cycle(ctx)

		// 第一条被遗弃留在队列上，第二条照常处理出队
		assert.Equal(t, []string{"handle-next"}, queue.deletedHandles())
		assert.Equal(t, 1, w.stats.Snapshot().FailedMessages)

		// 收尾不等待被遗弃的协程
		stopped := make(chan struct{})
		go func() {
			w.runner.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("Stop blocked on abandoned message")
		}
	})

	t.Run("轮询失败计入暂停", func(t *testing.T) {
		queue := &fakeQueue{pollErr: errors.New("access denied")}
		cfg := workerConfig(t)
		w := newTestWorker(queue, cfg, &fakeContent{})

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)
		w.startedAt = time.Now()

		w.cycle(ctx)

		assert.Equal(t, 1, w.stats.Snapshot().PauseCount)
	})

	t.Run("健康戳文件形态", func(t *testing.T) {
		queue := &fakeQueue{
			batches: [][]sqs.Message{{confirmationMessage(t, "handle-1")}},
			counts:  sqs.Counts{Visible: 42, Delayed: 3, NotVisible: 7},
		}
		cfg := workerConfig(t)
		w := newTestWorker(queue, cfg, &fakeContent{})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		defer w.runner.Stop()
		w.startedAt = time.Now()

		w.cycle(ctx)

		data, err := os.ReadFile(cfg.Processing.HealthcheckPath)
		assert.NoError(t, err)

		var payload map[string]any
		assert.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, float64(1), payload["cycles"])
		assert.Equal(t, float64(1), payload["total_messages"])
		assert.Equal(t, float64(0), payload["failed_messages"])
		assert.Equal(t, float64(42), payload["queue_count"])
		assert.Equal(t, float64(3), payload["queue_count_delayed"])
		assert.Equal(t, float64(7), payload["queue_count_not_visible"])
		assert.NotEmpty(t, payload["timestamp"])
	})
}

func TestWorkerRun(t *testing.T) {
	t.Run("上下文取消退出", func(t *testing.T) {
		queue := &fakeQueue{}
		cfg := workerConfig(t)
		w := newTestWorker(queue, cfg, &fakeContent{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.Equal(t, "interrupt", w.Run(ctx))
	})

	t.Run("到达最长运行时长退出", func(t *testing.T) {
		queue := &fakeQueue{}
		cfg := workerConfig(t)
		cfg.Processing.MaxSeconds = 100 * time.Millisecond
		w := newTestWorker(queue, cfg, &fakeContent{})

		assert.Equal(t, "max_seconds", w.Run(context.Background()))
	})
}

func TestBacklog(t *testing.T) {
	t.Run("观测前不可用", func(t *testing.T) {
		w := newTestWorker(&fakeQueue{}, workerConfig(t), &fakeContent{})

		_, ok := w.Backlog()
		assert.False(t, ok)
	})
}
