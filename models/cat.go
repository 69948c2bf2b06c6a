package models

import (
	"context"
	"time"

	"github.com/pawdot/petpal_backend/config"
)

// Stat values are clamped to [0,100] by the workflows that mutate them.
type Cat struct {
	ID                int        `gorm:"primary_key" json:"id"`
	OwnerId           int        `gorm:"not null;index" json:"owner_id"`
	Name              string     `gorm:"size:100;not null" json:"name"`
	Hunger            int        `gorm:"not null;default:50" json:"hunger"`
	Happiness         int        `gorm:"not null;default:50" json:"happiness"`
	Energy            int        `gorm:"not null;default:50" json:"energy"`
	Mood              string     `gorm:"size:32;not null;default:'content'" json:"mood"`
	LastInteractionAt *time.Time `json:"last_interaction_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetCatById(ctx context.Context, id int) (*Cat, error) {
	var cat Cat
	err := config.GetDB().WithContext(ctx).Where("id = ?", id).First(&cat).Error
	if err != nil {
		return nil, err
	}
	return &cat, nil
}

// CatMemory is a long-lived fact the cat extracted from an interaction.
type CatMemory struct {
	ID         int64     `gorm:"primary_key" json:"id"`
	CatId      int       `gorm:"not null;index" json:"cat_id"`
	UserId     int       `gorm:"not null;index" json:"user_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Importance int       `gorm:"not null;default:1" json:"importance"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CatThought is an autonomously generated inner monologue line, produced by
// the recurring thought job rather than a user interaction.
type CatThought struct {
	ID        int64     `gorm:"primary_key" json:"id"`
	CatId     int       `gorm:"not null;index" json:"cat_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Trigger   string    `gorm:"size:64" json:"trigger"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type CatActivity struct {
	ID        int64     `gorm:"primary_key" json:"id"`
	CatId     int       `gorm:"not null;index" json:"cat_id"`
	Kind      string    `gorm:"size:64;not null" json:"kind"`
	Detail    string    `gorm:"type:text" json:"detail"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
