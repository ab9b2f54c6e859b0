package pool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TaskRunner 受限宽度的任务执行器
//
// 队列工作进程以宽度 1 使用它：外层循环把每条消息交给执行器，
// 再按固定节拍轮询完成状态。超出预算的任务被遗弃，工位立即
// 回收，病态消息（挂死的解析、失控的正则）不会卡死外层循环。
type TaskRunner struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

// Task 一次已提交任务的句柄
type Task struct {
	done    chan struct{}
	mu      sync.Mutex
	err     error
	release func()
}

// Done 任务完成信号
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err 任务返回的错误，完成前读取返回 nil
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// PollWait 以固定节拍轮询任务完成状态，直到预算耗尽
//
// 返回 true 表示任务在预算内完成；false 表示超时，任务被遗弃：
// 工位立即回收给后续提交，残留协程由其语境的取消信号收尾，
// Stop 也不再等待它。
func (t *Task) PollWait(tick, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return true
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				t.release()
				return false
			}
		}
	}
}

// NewTaskRunner 创建任务执行器
//
// 参数:
//   - width: 最大并发工位数
func NewTaskRunner(width int) *TaskRunner {
	return &TaskRunner{slots: make(chan struct{}, width)}
}

// Submit 提交任务，所有工位被占用时阻塞
//
// 每个任务在独立协程上执行，执行语境由调用方提供，超时与取消
// 都挂在上面。等待工位期间语境被取消时返回携带取消错误的已完成句柄。
func (r *TaskRunner) Submit(ctx context.Context, fn func(context.Context) error) *Task {
	task := &Task{done: make(chan struct{})}

	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		task.err = ctx.Err()
		task.release = func() {}
		close(task.done)
		return task
	}

	r.wg.Add(1)
	var once sync.Once
	task.release = func() {
		once.Do(func() {
			<-r.slots
			r.wg.Done()
		})
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				task.mu.Lock()
				task.err = fmt.Errorf("task panicked: %v", rec)
				task.mu.Unlock()
			}
			close(task.done)
			task.release()
		}()

		err := fn(ctx)
		task.mu.Lock()
		task.err = err
		task.mu.Unlock()
	}()

	return task
}

// Stop 等待在途任务结束。已遗弃的任务不在等待范围内。
func (r *TaskRunner) Stop() {
	r.wg.Wait()
}
