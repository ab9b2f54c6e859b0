package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"relay/backend/internal/domain"
	"relay/backend/internal/storage"
)

func newTestUser(store *Store, t *testing.T) *domain.User {
	t.Helper()
	user := &domain.User{
		ID:    "user-1",
		FxaID: "fxa-1",
		Email: "Owner@Example.com",
		Tier:  domain.TierFree,
	}
	assert.NoError(t, store.CreateUser(user))
	return user
}

func TestUserRepository(t *testing.T) {
	t.Run("创建与查询用户", func(t *testing.T) {
		store := NewStore()
		user := newTestUser(store, t)

		got, err := store.GetUserByID(user.ID)
		assert.NoError(t, err)
		assert.Equal(t, user.FxaID, got.FxaID)
	})

	t.Run("邮箱查询大小写不敏感", func(t *testing.T) {
		store := NewStore()
		newTestUser(store, t)

		got, err := store.GetUserByEmail("owner@example.com")
		assert.NoError(t, err)
		assert.Equal(t, "user-1", got.ID)
	})

	t.Run("重复邮箱创建失败", func(t *testing.T) {
		store := NewStore()
		newTestUser(store, t)

		err := store.CreateUser(&domain.User{ID: "user-2", FxaID: "fxa-2", Email: "owner@example.com"})
		assert.ErrorIs(t, err, storage.ErrAddressExists)
	})

	t.Run("不存在的用户返回哨兵错误", func(t *testing.T) {
		store := NewStore()
		_, err := store.GetUserByID("missing")
		assert.ErrorIs(t, err, storage.ErrUserNotFound)
	})
}

func TestProfileRepository(t *testing.T) {
	t.Run("保存与按用户查询", func(t *testing.T) {
		store := NewStore()
		user := newTestUser(store, t)

		profile := &domain.Profile{ID: "profile-1", UserID: user.ID, ServerStorage: true}
		assert.NoError(t, store.SaveProfile(profile))

		got, err := store.GetProfileByUserID(user.ID)
		assert.NoError(t, err)
		assert.Equal(t, profile.ID, got.ID)
	})

	t.Run("按子域查询大小写不敏感", func(t *testing.T) {
		store := NewStore()
		user := newTestUser(store, t)

		sub := "MyCorp"
		profile := &domain.Profile{ID: "profile-1", UserID: user.ID, ServerStorage: true, Subdomain: &sub}
		assert.NoError(t, store.SaveProfile(profile))

		got, err := store.GetProfileBySubdomain("mycorp")
		assert.NoError(t, err)
		assert.Equal(t, "profile-1", got.ID)
	})

	t.Run("关闭服务端存储清空掩码备注", func(t *testing.T) {
		store := NewStore()
		user := newTestUser(store, t)
		profile := &domain.Profile{ID: "profile-1", UserID: user.ID, ServerStorage: true}
		assert.NoError(t, store.SaveProfile(profile))

		addr := &domain.RelayAddress{
			UserID:       user.ID,
			Address:      "abc123xyz",
			DomainID:     domain.DomainMask,
			Enabled:      true,
			Description:  "newsletter signups",
			GeneratedFor: "shop.example",
		}
		assert.NoError(t, store.SaveRelayAddress(addr))

		profile.ServerStorage = false
		assert.NoError(t, store.SaveProfile(profile))

		got, err := store.GetRelayAddressByID(addr.ID)
		assert.NoError(t, err)
		assert.Empty(t, got.Description)
		assert.Empty(t, got.GeneratedFor)
	})
}

func TestMaskRepository(t *testing.T) {
	t.Run("随机掩码按本地部分与域查询", func(t *testing.T) {
		store := NewStore()
		user := newTestUser(store, t)

		addr := &domain.RelayAddress{UserID: user.ID, Address: "AbC123xyz", DomainID: domain.DomainMask, Enabled: true}
		assert.NoError(t, store.SaveRelayAddress(addr))
		assert.NotZero(t, addr.ID)

		got, err := store.GetRelayAddress("abc123xyz", domain.DomainMask)
		assert.NoError(t, err)
		assert.Equal(t, addr.ID, got.ID)

		_, err = store.GetRelayAddress("abc123xyz", domain.DomainRelay)
		assert.ErrorIs(t, err, storage.ErrAddressNotFound)
	})

	t.Run("子域掩码同用户同名冲突", func(t *testing.T) {
		store := NewStore()
		user := newTestUser(store, t)

		first := &domain.DomainAddress{UserID: user.ID, Address: "wildcard", Subdomain: "mycorp", Enabled: true}
		assert.NoError(t, store.SaveDomainAddress(first))

		dup := &domain.DomainAddress{UserID: user.ID, Address: "Wildcard", Subdomain: "mycorp"}
		assert.ErrorIs(t, store.SaveDomainAddress(dup), storage.ErrAddressExists)
	})

	t.Run("计数器递增", func(t *testing.T) {
		store := NewStore()
		user := newTestUser(store, t)
		addr := &domain.RelayAddress{UserID: user.ID, Address: "abc123xyz", DomainID: domain.DomainMask, Enabled: true}
		assert.NoError(t, store.SaveRelayAddress(addr))

		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		assert.NoError(t, store.IncrementForwarded(addr, at, 3))
		assert.NoError(t, store.IncrementBlocked(addr))
		assert.NoError(t, store.IncrementReplied(addr, at))

		got, err := store.GetRelayAddressByID(addr.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, got.NumForwarded)
		assert.Equal(t, 1, got.NumBlocked)
		assert.Equal(t, 1, got.NumReplied)
		assert.Equal(t, 3, got.NumLevelOneTrackersBlocked)
		assert.Equal(t, at, *got.LastUsedAt)
	})

	t.Run("停用掩码", func(t *testing.T) {
		store := NewStore()
		user := newTestUser(store, t)
		addr := &domain.RelayAddress{UserID: user.ID, Address: "abc123xyz", DomainID: domain.DomainMask, Enabled: true}
		assert.NoError(t, store.SaveRelayAddress(addr))

		assert.NoError(t, store.UpdateMaskEnabled(addr, false))
		got, err := store.GetRelayAddressByID(addr.ID)
		assert.NoError(t, err)
		assert.False(t, got.Enabled)
	})

	t.Run("删除掩码写入墓碑", func(t *testing.T) {
		store := NewStore()
		user := newTestUser(store, t)
		addr := &domain.RelayAddress{UserID: user.ID, Address: "abc123xyz", DomainID: domain.DomainMask, Enabled: true}
		assert.NoError(t, store.SaveRelayAddress(addr))
		assert.NoError(t, store.IncrementForwarded(addr, time.Now(), 0))

		hash := domain.HashAddress("abc123xyz@test.com", "salt")
		assert.NoError(t, store.DeleteMask(addr, hash))

		_, err := store.GetRelayAddress("abc123xyz", domain.DomainMask)
		assert.ErrorIs(t, err, storage.ErrAddressNotFound)

		count, err := store.CountDeletedAddresses(hash)
		assert.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("同一哈希允许多条墓碑", func(t *testing.T) {
		store := NewStore()
		hash := domain.HashAddress("dup@test.com", "salt")
		assert.NoError(t, store.SaveDeletedAddress(&domain.DeletedAddress{AddressHash: hash}))
		assert.NoError(t, store.SaveDeletedAddress(&domain.DeletedAddress{AddressHash: hash}))

		count, err := store.CountDeletedAddresses(hash)
		assert.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestReplyRepository(t *testing.T) {
	t.Run("按查找键往返", func(t *testing.T) {
		store := NewStore()
		id := uint(7)
		reply := &domain.Reply{Lookup: "lookup-key", EncryptedMetadata: "sealed", RelayAddressID: &id}
		assert.NoError(t, store.SaveReply(reply))

		got, err := store.GetReplyByLookup("lookup-key")
		assert.NoError(t, err)
		assert.Equal(t, "sealed", got.EncryptedMetadata)
		assert.Equal(t, id, *got.RelayAddressID)
	})

	t.Run("不存在的查找键返回哨兵错误", func(t *testing.T) {
		store := NewStore()
		_, err := store.GetReplyByLookup("missing")
		assert.ErrorIs(t, err, storage.ErrReplyNotFound)
	})

	t.Run("回收保留窗口外的记录", func(t *testing.T) {
		store := NewStore()
		old := &domain.Reply{Lookup: "old", CreatedAt: time.Now().Add(-91 * 24 * time.Hour)}
		fresh := &domain.Reply{Lookup: "fresh", CreatedAt: time.Now()}
		assert.NoError(t, store.SaveReply(old))
		assert.NoError(t, store.SaveReply(fresh))

		count, err := store.DeleteRepliesBefore(time.Now().Add(-90 * 24 * time.Hour))
		assert.NoError(t, err)
		assert.Equal(t, 1, count)

		_, err = store.GetReplyByLookup("old")
		assert.ErrorIs(t, err, storage.ErrReplyNotFound)
		_, err = store.GetReplyByLookup("fresh")
		assert.NoError(t, err)
	})
}

func TestRateLimitRepository(t *testing.T) {
	t.Run("滚动计数累加", func(t *testing.T) {
		store := NewStore()
		n, err := store.IncrementDailyCounter("k", 1, time.Hour)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = store.IncrementDailyCounter("k", 2, time.Hour)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("一次性标记", func(t *testing.T) {
		store := NewStore()
		first, err := store.MarkOnce("notice", time.Hour)
		assert.NoError(t, err)
		assert.True(t, first)

		second, err := store.MarkOnce("notice", time.Hour)
		assert.NoError(t, err)
		assert.False(t, second)
	})
}
