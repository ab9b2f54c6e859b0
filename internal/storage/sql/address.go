package sql

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"relay/backend/internal/domain"
	"relay/backend/internal/storage"
)

// ========== Mask Repository ==========

// SaveRelayAddress 保存随机掩码
func (s *Store) SaveRelayAddress(addr *domain.RelayAddress) error {
	addr.Address = strings.ToLower(addr.Address)
	return s.db.Save(addr).Error
}

// GetRelayAddress 按 (本地部分, 域名ID) 查询随机掩码
func (s *Store) GetRelayAddress(local string, domainID domain.DomainID) (*domain.RelayAddress, error) {
	var addr domain.RelayAddress
	err := s.db.Where("address = ? AND domain_id = ?", strings.ToLower(local), domainID).First(&addr).Error
	if err != nil {
		return nil, notFound(err, storage.ErrAddressNotFound)
	}
	return &addr, nil
}

// GetRelayAddressByID 按 ID 查询随机掩码
func (s *Store) GetRelayAddressByID(id uint) (*domain.RelayAddress, error) {
	var addr domain.RelayAddress
	if err := s.db.First(&addr, id).Error; err != nil {
		return nil, notFound(err, storage.ErrAddressNotFound)
	}
	return &addr, nil
}

// SaveDomainAddress 保存子域掩码
func (s *Store) SaveDomainAddress(addr *domain.DomainAddress) error {
	addr.Address = strings.ToLower(addr.Address)
	return s.db.Save(addr).Error
}

// GetDomainAddress 按 (用户ID, 本地部分) 查询子域掩码
func (s *Store) GetDomainAddress(userID, local string) (*domain.DomainAddress, error) {
	var addr domain.DomainAddress
	err := s.db.Where("user_id = ? AND address = ?", userID, strings.ToLower(local)).First(&addr).Error
	if err != nil {
		return nil, notFound(err, storage.ErrAddressNotFound)
	}
	return &addr, nil
}

// GetDomainAddressByID 按 ID 查询子域掩码
func (s *Store) GetDomainAddressByID(id uint) (*domain.DomainAddress, error) {
	var addr domain.DomainAddress
	if err := s.db.First(&addr, id).Error; err != nil {
		return nil, notFound(err, storage.ErrAddressNotFound)
	}
	return &addr, nil
}

// ListMasksByUserID 返回用户的全部掩码
func (s *Store) ListMasksByUserID(userID string) ([]domain.Mask, error) {
	var relays []domain.RelayAddress
	if err := s.db.Where("user_id = ?", userID).Find(&relays).Error; err != nil {
		return nil, err
	}
	var domains []domain.DomainAddress
	if err := s.db.Where("user_id = ?", userID).Find(&domains).Error; err != nil {
		return nil, err
	}

	masks := make([]domain.Mask, 0, len(relays)+len(domains))
	for i := range relays {
		masks = append(masks, &relays[i])
	}
	for i := range domains {
		masks = append(masks, &domains[i])
	}
	return masks, nil
}

// DeleteMask 在同一事务内删除掩码并写入墓碑
func (s *Store) DeleteMask(mask domain.Mask, addressHash string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var numForwarded, numBlocked int

		switch m := mask.(type) {
		case *domain.RelayAddress:
			var stored domain.RelayAddress
			if err := tx.First(&stored, m.ID).Error; err != nil {
				return notFound(err, storage.ErrAddressNotFound)
			}
			numForwarded, numBlocked = stored.NumForwarded, stored.NumBlocked
			if err := tx.Delete(&stored).Error; err != nil {
				return err
			}
		case *domain.DomainAddress:
			var stored domain.DomainAddress
			if err := tx.First(&stored, m.ID).Error; err != nil {
				return notFound(err, storage.ErrAddressNotFound)
			}
			numForwarded, numBlocked = stored.NumForwarded, stored.NumBlocked
			if err := tx.Delete(&stored).Error; err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported mask type %T", mask)
		}

		return tx.Create(&domain.DeletedAddress{
			AddressHash:  addressHash,
			NumForwarded: numForwarded,
			NumBlocked:   numBlocked,
		}).Error
	})
}

// maskModel 返回掩码对应的 gorm 查询对象
func (s *Store) maskModel(mask domain.Mask) (*gorm.DB, error) {
	switch m := mask.(type) {
	case *domain.RelayAddress:
		return s.db.Model(&domain.RelayAddress{}).Where("id = ?", m.ID), nil
	case *domain.DomainAddress:
		return s.db.Model(&domain.DomainAddress{}).Where("id = ?", m.ID), nil
	default:
		return nil, fmt.Errorf("unsupported mask type %T", mask)
	}
}

// IncrementForwarded 转发成功后递增计数并刷新 last_used_at
func (s *Store) IncrementForwarded(mask domain.Mask, at time.Time, trackersBlocked int) error {
	model, err := s.maskModel(mask)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"num_forwarded": gorm.Expr("num_forwarded + 1"),
		"last_used_at":  at,
	}
	if trackersBlocked > 0 {
		updates["num_level_one_trackers_blocked"] = gorm.Expr("num_level_one_trackers_blocked + ?", trackersBlocked)
	}
	return model.Updates(updates).Error
}

// IncrementBlocked 递增拦截计数
func (s *Store) IncrementBlocked(mask domain.Mask) error {
	model, err := s.maskModel(mask)
	if err != nil {
		return err
	}
	return model.Update("num_blocked", gorm.Expr("num_blocked + 1")).Error
}

// IncrementReplied 回复成功后递增计数并刷新 last_used_at
func (s *Store) IncrementReplied(mask domain.Mask, at time.Time) error {
	model, err := s.maskModel(mask)
	if err != nil {
		return err
	}
	return model.Updates(map[string]interface{}{
		"num_replied":  gorm.Expr("num_replied + 1"),
		"last_used_at": at,
	}).Error
}

// IncrementSpam 递增垃圾邮件计数
func (s *Store) IncrementSpam(mask domain.Mask) error {
	model, err := s.maskModel(mask)
	if err != nil {
		return err
	}
	return model.Update("num_spam", gorm.Expr("num_spam + 1")).Error
}

// UpdateMaskEnabled 启用/停用掩码
func (s *Store) UpdateMaskEnabled(mask domain.Mask, enabled bool) error {
	model, err := s.maskModel(mask)
	if err != nil {
		return err
	}
	return model.Update("enabled", enabled).Error
}

// ========== DeletedAddress Repository ==========

// SaveDeletedAddress 写入墓碑记录
func (s *Store) SaveDeletedAddress(tombstone *domain.DeletedAddress) error {
	return s.db.Create(tombstone).Error
}

// CountDeletedAddresses 返回匹配哈希的墓碑条数
func (s *Store) CountDeletedAddresses(addressHash string) (int, error) {
	var count int64
	err := s.db.Model(&domain.DeletedAddress{}).
		Where("address_hash = ?", addressHash).
		Count(&count).Error
	return int(count), err
}

// ========== Subdomain Repository ==========

// SaveRegisteredSubdomain 登记子域哈希
func (s *Store) SaveRegisteredSubdomain(record *domain.RegisteredSubdomain) error {
	return s.db.Create(record).Error
}

// SubdomainTaken 判断子域哈希是否已被占用
func (s *Store) SubdomainTaken(subdomainHash string) (bool, error) {
	var count int64
	err := s.db.Model(&domain.RegisteredSubdomain{}).
		Where("subdomain_hash = ?", subdomainHash).
		Count(&count).Error
	return count > 0, err
}
