package sql

import (
	"strings"

	"gorm.io/gorm"

	"relay/backend/internal/domain"
	"relay/backend/internal/storage"
)

// ========== User Repository ==========

// CreateUser 创建新用户
func (s *Store) CreateUser(user *domain.User) error {
	user.Email = strings.ToLower(user.Email)
	return s.db.Create(user).Error
}

// GetUserByID 根据 ID 获取用户
func (s *Store) GetUserByID(id string) (*domain.User, error) {
	var user domain.User
	if err := s.db.Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err, storage.ErrUserNotFound)
	}
	return &user, nil
}

// GetUserByEmail 根据邮箱获取用户（大小写不敏感）
func (s *Store) GetUserByEmail(email string) (*domain.User, error) {
	var user domain.User
	if err := s.db.Where("email = ?", strings.ToLower(email)).First(&user).Error; err != nil {
		return nil, notFound(err, storage.ErrUserNotFound)
	}
	return &user, nil
}

// UpdateUser 更新用户
func (s *Store) UpdateUser(user *domain.User) error {
	user.Email = strings.ToLower(user.Email)
	return s.db.Save(user).Error
}

// SaveProfile 持久化档案。
// server_storage=false 时在同一事务内清空该用户所有掩码的备注字段，
// 保证档案保存后不变量恢复成立。
func (s *Store) SaveProfile(profile *domain.Profile) error {
	if profile.Subdomain != nil {
		lowered := strings.ToLower(*profile.Subdomain)
		profile.Subdomain = &lowered
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(profile).Error; err != nil {
			return err
		}
		if profile.ServerStorage {
			return nil
		}
		if err := tx.Model(&domain.RelayAddress{}).
			Where("user_id = ?", profile.UserID).
			Updates(map[string]interface{}{
				"description":   "",
				"generated_for": "",
				"used_on":       "",
			}).Error; err != nil {
			return err
		}
		return tx.Model(&domain.DomainAddress{}).
			Where("user_id = ?", profile.UserID).
			Updates(map[string]interface{}{
				"description": "",
				"used_on":     "",
			}).Error
	})
}

// GetProfileByUserID 按用户 ID 获取档案
func (s *Store) GetProfileByUserID(userID string) (*domain.Profile, error) {
	var profile domain.Profile
	if err := s.db.Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return nil, notFound(err, storage.ErrProfileNotFound)
	}
	return &profile, nil
}

// GetProfileBySubdomain 按子域获取档案
func (s *Store) GetProfileBySubdomain(subdomain string) (*domain.Profile, error) {
	var profile domain.Profile
	if err := s.db.Where("subdomain = ?", strings.ToLower(subdomain)).First(&profile).Error; err != nil {
		return nil, notFound(err, storage.ErrProfileNotFound)
	}
	return &profile, nil
}
