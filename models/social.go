package models

import (
	"time"
)

// SocialMention is one post that mentions the pet on an external platform,
// pulled in by the recurring social-check job. (Platform, ExternalId) is
// unique so redelivered polls are idempotent.
type SocialMention struct {
	ID         int64      `gorm:"primary_key" json:"id"`
	Platform   string     `gorm:"size:32;not null;index:uniq_mention,unique" json:"platform"`
	ExternalId string     `gorm:"size:191;not null;index:uniq_mention,unique" json:"external_id"`
	Author     string     `gorm:"size:191" json:"author"`
	Text       string     `gorm:"type:text" json:"text"`
	PostedAt   *time.Time `json:"posted_at"`
	FetchedAt  time.Time  `gorm:"not null" json:"fetched_at"`
	Handled    bool       `gorm:"not null;default:false;index" json:"handled"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// SocialFeedCursor persists the pagination cursor per platform so each poll
// resumes where the previous one stopped.
type SocialFeedCursor struct {
	ID           int       `gorm:"primary_key" json:"id"`
	Platform     string    `gorm:"size:32;not null;uniqueIndex" json:"platform"`
	Cursor       string    `gorm:"size:255" json:"cursor"`
	UpdatedSince string    `gorm:"size:64" json:"updated_since"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
