package models

import (
	"context"
	"fmt"
	"time"

	"github.com/pawdot/petpal_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type User struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Username  string          `gorm:"size:100;uniqueIndex;not null" json:"username"`
	Email     string          `gorm:"size:255" json:"email"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"balance"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetUserById(ctx context.Context, id int) (*User, error) {
	var user User
	err := config.GetDB().WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func UserBalanceCacheKey(userId int) string {
	return fmt.Sprintf("cache:user-balance:%d", userId)
}

// GetUserBalance reads the balance through the redis cache. Every balance
// mutation must invalidate the key, so a cache hit is never lower than the
// authoritative value; callers doing money checks still re-read under a row
// lock.
func GetUserBalance(ctx context.Context, userId int) (decimal.Decimal, error) {
	var cached string
	if ok, err := config.GetRedisObject(UserBalanceCacheKey(userId), &cached); err == nil && ok {
		if d, derr := decimal.NewFromString(cached); derr == nil {
			return d, nil
		}
	}

	user, err := GetUserById(ctx, userId)
	if err != nil {
		return decimal.Zero, err
	}
	_ = config.SetRedisObject(UserBalanceCacheKey(userId), user.Balance.String(), 5*time.Minute)
	return user.Balance, nil
}

// UserItem is one inventory slot: how many of an item a user owns.
// Quantity is only mutated inside the economy transaction and never goes
// below zero (checked before decrement).
type UserItem struct {
	ID        int       `gorm:"primary_key" json:"id"`
	UserId    int       `gorm:"not null;index:uniq_user_item,unique" json:"user_id"`
	ItemId    string    `gorm:"size:64;not null;index:uniq_user_item,unique" json:"item_id"`
	Quantity  int       `gorm:"not null;default:0" json:"quantity"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TransactionRecord is the append-only audit trail for balance changes.
// Rows are written once inside the economy transaction and never updated or
// deleted.
type TransactionRecord struct {
	ID          int64           `gorm:"primary_key" json:"id"`
	UserId      int             `gorm:"not null;index" json:"user_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Category    string          `gorm:"size:64;not null;index" json:"category"`
	Description string          `gorm:"size:255" json:"description"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// AppendTransactionRecord writes one ledger entry inside the caller's
// transaction. There is deliberately no update/delete counterpart.
func AppendTransactionRecord(tx *gorm.DB, rec *TransactionRecord) error {
	return tx.Create(rec).Error
}
