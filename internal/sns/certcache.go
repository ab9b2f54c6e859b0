package sns

import (
	"sync"
	"time"
)

// certCache 签名证书的本地内存缓存
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - 支持 TTL 过期，过期条目读取时惰性删除
// - 同一证书 URL 在队列高峰期会被反复引用，缓存避免每条消息都拉取证书
type certCache struct {
	data sync.Map
	ttl  time.Duration
}

type certEntry struct {
	pem       []byte
	expiresAt time.Time
}

// newCertCache 创建证书缓存
func newCertCache(ttl time.Duration) *certCache {
	return &certCache{ttl: ttl}
}

// Get 获取缓存的证书 PEM
func (c *certCache) Get(url string) ([]byte, bool) {
	val, ok := c.data.Load(url)
	if !ok {
		return nil, false
	}
	entry := val.(*certEntry)
	if time.Now().After(entry.expiresAt) {
		c.data.Delete(url)
		return nil, false
	}
	return entry.pem, true
}

// Set 缓存证书 PEM
func (c *certCache) Set(url string, pem []byte) {
	c.data.Store(url, &certEntry{
		pem:       pem,
		expiresAt: time.Now().Add(c.ttl),
	})
}
