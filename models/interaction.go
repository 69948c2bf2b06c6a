package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InteractionStatus string

// Status machine: PROCESSING -> COMPLETED | FAILED. Both COMPLETED and
// FAILED are terminal; no code path writes status after either is reached.
// The row is only created once money has been reserved, so PROCESSING is
// the first persisted state.
const (
	InteractionStatusProcessing InteractionStatus = "PROCESSING"
	InteractionStatusCompleted  InteractionStatus = "COMPLETED"
	InteractionStatusFailed     InteractionStatus = "FAILED"
)

type InteractionType string

const (
	InteractionTypePet  InteractionType = "PET"
	InteractionTypeChat InteractionType = "CHAT"
	InteractionTypePlay InteractionType = "PLAY"
	InteractionTypeFeed InteractionType = "FEED"
	InteractionTypeGift InteractionType = "GIFT"
)

// InteractionCosts is the static price table. Unknown types are rejected
// before any store mutation.
var InteractionCosts = map[InteractionType]decimal.Decimal{
	InteractionTypePet:  decimal.NewFromInt(5),
	InteractionTypeChat: decimal.NewFromInt(10),
	InteractionTypePlay: decimal.NewFromInt(20),
	InteractionTypeFeed: decimal.NewFromInt(30),
	InteractionTypeGift: decimal.NewFromInt(50),
}

// Interaction.ID is the producer-generated UUID, so callers can poll status
// before the job is even dequeued, and so a redelivered job can recognize
// an already-debited interaction (insert-if-absent guard).
type Interaction struct {
	ID        string            `gorm:"primary_key;size:64" json:"id"`
	CatId     int               `gorm:"not null;index" json:"cat_id"`
	UserId    int               `gorm:"not null;index" json:"user_id"`
	Type      InteractionType   `gorm:"size:20;not null" json:"type"`
	Status    InteractionStatus `gorm:"size:20;not null;index" json:"status"`
	Input     string            `gorm:"type:text" json:"input"`
	Output    *string           `gorm:"type:text" json:"output"`
	ItemId    *string           `gorm:"size:64" json:"item_id"`
	Cost      decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"cost"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// InteractionErrorLog keeps pipeline/persistence failures queryable with the
// interaction id as correlation key. Callers poll interaction status; this
// table is for operators.
type InteractionErrorLog struct {
	ID            int64     `gorm:"primary_key" json:"id"`
	InteractionId string    `gorm:"size:64;not null;index" json:"interaction_id"`
	CatId         int       `gorm:"not null" json:"cat_id"`
	UserId        int       `gorm:"not null" json:"user_id"`
	Stage         string    `gorm:"size:64;not null" json:"stage"`
	Message       string    `gorm:"type:text" json:"message"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
