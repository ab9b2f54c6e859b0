package redis

import (
	"context"
	"time"
)

// 滥用上限使用滚动一天的计数键；一次性通知标记使用 SETNX。
// 两类键都带 TTL，不需要额外的清理任务。

// IncrementDailyCounter 递增滚动窗口计数并返回递增后的值。
// 首次递增时设置过期时间，窗口到期后键自动消失。
func (c *Client) IncrementDailyCounter(key string, delta int64, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// MarkOnce 写入一次性标记；首次写入返回 true，已存在返回 false。
func (c *Client) MarkOnce(key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	return c.rdb.SetNX(ctx, key, 1, ttl).Result()
}
