package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/pool"
	"relay/backend/internal/provider/sqs"
	"relay/backend/internal/service"
)

// Queue 队列客户端的窄视图
type Queue interface {
	Poll(ctx context.Context) ([]sqs.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	BacklogCounts(ctx context.Context) (sqs.Counts, error)
}

// Stats 运行统计，供健康探针与告警规则读取
type Stats struct {
	mu             sync.Mutex
	Cycles         int
	TotalMessages  int
	FailedMessages int
	PauseCount     int
}

// Snapshot 返回当前统计的副本
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Cycles:         s.Cycles,
		TotalMessages:  s.TotalMessages,
		FailedMessages: s.FailedMessages,
		PauseCount:     s.PauseCount,
	}
}

// Worker 长轮询队列并逐条处理通知的主循环
type Worker struct {
	queue       Queue
	processor   *service.Processor
	runner      *pool.TaskRunner
	cfg         *config.Config
	metrics     *monitoring.Metrics
	logger      *zap.Logger
	stats       Stats
	lastBacklog atomic.Int64
	startedAt   time.Time
}

// New 创建队列 worker
func New(queue Queue, processor *service.Processor, cfg *config.Config,
	metrics *monitoring.Metrics, logger *zap.Logger) *Worker {
	w := &Worker{
		queue:     queue,
		processor: processor,
		runner:    pool.NewTaskRunner(1),
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
	w.lastBacklog.Store(-1)
	return w
}

// Stats 暴露统计给告警规则
func (w *Worker) Stats() *Stats { return &w.stats }

// Run 执行主循环直到上下文取消或到达最长运行时长。
// 返回值描述退出原因。
func (w *Worker) Run(ctx context.Context) string {
	w.startedAt = time.Now()
	defer w.runner.Stop()

	var deadline <-chan time.Time
	if w.cfg.Processing.MaxSeconds > 0 {
		timer := time.NewTimer(w.cfg.Processing.MaxSeconds)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker exiting", zap.String("exit_reason", "interrupt"))
			return "interrupt"
		case <-deadline:
			w.logger.Info("worker exiting", zap.String("exit_reason", "max_seconds"))
			return "max_seconds"
		default:
		}

		w.cycle(ctx)
	}
}

// cycle 一轮：长轮询一批消息、逐条处理、写健康戳
func (w *Worker) cycle(ctx context.Context) {
	loadStart := time.Now()
	messages, err := w.queue.Poll(ctx)
	w.metrics.RecordQueueLoad(time.Since(loadStart))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.stats.mu.Lock()
		w.stats.PauseCount++
		w.stats.mu.Unlock()
		w.logger.Error("failed to poll queue", zap.Error(err))
		w.metrics.RecordError("queue_poll", "worker")
		// 原地退避，避免对故障中的队列打转
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return
	}

	for _, msg := range messages {
		w.processMessage(ctx, msg)
	}

	w.stats.mu.Lock()
	w.stats.Cycles++
	w.stats.mu.Unlock()
	w.metrics.UpdateSystemUptime(time.Since(w.startedAt))

	counts, err := w.queue.BacklogCounts(ctx)
	if err != nil {
		w.logger.Warn("failed to read queue backlog", zap.Error(err))
		counts = sqs.Counts{}
	} else {
		w.metrics.UpdateQueueBacklog(counts.Visible, counts.Delayed, counts.NotVisible)
		w.lastBacklog.Store(int64(counts.Visible))
	}
	w.writeHealthcheck(counts)
}

// processMessage 在看门狗下处理单条消息并决定是否删除
func (w *Worker) processMessage(ctx context.Context, msg sqs.Message) {
	budget := w.cfg.Processing.MaxSecondsPerMessage
	start := time.Now()

	var outcome *service.Outcome
	var perr *service.ProcessError
	taskCtx, cancel := context.WithTimeout(ctx, budget)
	task := w.runner.Submit(taskCtx, func(c context.Context) error {
		var err *service.ProcessError
		outcome, err = w.processor.Process(c, []byte(msg.Body))
		if err != nil {
			return err
		}
		return nil
	})
	finished := task.PollWait(time.Second, budget)
	cancel()

	w.metrics.RecordMessageProcess(time.Since(start))
	w.stats.mu.Lock()
	w.stats.TotalMessages++
	w.stats.mu.Unlock()

	if !finished {
		// 超时：消息留在队列上等可见性超时后重投
		w.recordFailure()
		w.logger.Error("message processing watchdog fired",
			zap.String("message_id", msg.ID),
			zap.String("error", fmt.Sprintf("Timed out after %d seconds.", int(budget.Seconds()))),
		)
		return
	}

	if err := task.Err(); err != nil {
		if !errors.As(err, &perr) {
			perr = service.NewProcessError(service.ReasonErrorStorage, 503, true, err)
		}
	}

	switch {
	case perr == nil:
		if outcome != nil && outcome.Reason != "" {
			w.logger.Info("message dropped",
				zap.String("message_id", msg.ID),
				zap.String("reason", outcome.Reason),
			)
		}
		w.delete(ctx, msg)
	case !perr.Retryable:
		w.recordFailure()
		w.logger.Error("message failed permanently",
			zap.String("message_id", msg.ID),
			zap.String("reason", perr.Reason),
			zap.Error(perr),
		)
		w.delete(ctx, msg)
	default:
		w.recordFailure()
		w.logger.Error("message failed, will retry",
			zap.String("message_id", msg.ID),
			zap.String("reason", perr.Reason),
			zap.Error(perr),
		)
		if w.cfg.Processing.DeleteFailedMessages {
			w.delete(ctx, msg)
		}
	}
}

func (w *Worker) recordFailure() {
	w.stats.mu.Lock()
	w.stats.FailedMessages++
	w.stats.mu.Unlock()
}

func (w *Worker) delete(ctx context.Context, msg sqs.Message) {
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Error("failed to delete message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

// Backlog 返回最近一次观测到的队列积压
func (w *Worker) Backlog() (int, bool) {
	v := w.lastBacklog.Load()
	if v < 0 {
		return 0, false
	}
	return int(v), true
}

// healthcheckPayload 健康戳文件的固定形态
type healthcheckPayload struct {
	Timestamp            string `json:"timestamp"`
	Cycles               int    `json:"cycles"`
	TotalMessages        int    `json:"total_messages"`
	FailedMessages       int    `json:"failed_messages"`
	PauseCount           int    `json:"pause_count"`
	QueueCount           int    `json:"queue_count"`
	QueueCountDelayed    int    `json:"queue_count_delayed"`
	QueueCountNotVisible int    `json:"queue_count_not_visible"`
}

// writeHealthcheck 每轮把运行状态写到本地文件，供存活探针读取
func (w *Worker) writeHealthcheck(counts sqs.Counts) {
	snapshot := w.stats.Snapshot()
	payload := healthcheckPayload{
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		Cycles:               snapshot.Cycles,
		TotalMessages:        snapshot.TotalMessages,
		FailedMessages:       snapshot.FailedMessages,
		PauseCount:           snapshot.PauseCount,
		QueueCount:           counts.Visible,
		QueueCountDelayed:    counts.Delayed,
		QueueCountNotVisible: counts.NotVisible,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := os.WriteFile(w.cfg.Processing.HealthcheckPath, data, 0o644); err != nil {
		w.logger.Warn("failed to write healthcheck file", zap.Error(err))
	}
}
