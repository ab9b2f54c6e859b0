package sql

import (
	"time"

	"relay/backend/internal/domain"
	"relay/backend/internal/storage"
)

// ========== Reply Repository ==========

// SaveReply 保存回复记录
func (s *Store) SaveReply(reply *domain.Reply) error {
	return s.db.Create(reply).Error
}

// GetReplyByLookup 按查找键查询回复记录
func (s *Store) GetReplyByLookup(lookup string) (*domain.Reply, error) {
	var reply domain.Reply
	if err := s.db.Where("lookup = ?", lookup).First(&reply).Error; err != nil {
		return nil, notFound(err, storage.ErrReplyNotFound)
	}
	return &reply, nil
}

// DeleteRepliesBefore 回收保留窗口外的回复记录
func (s *Store) DeleteRepliesBefore(before time.Time) (int, error) {
	result := s.db.Where("created_at < ?", before).Delete(&domain.Reply{})
	return int(result.RowsAffected), result.Error
}
