package models

import (
	"time"
)

// User is a local snapshot of a player. ID is the opaque identifier the
// gateway hands us; display fields are mirrored by the profile sync worker.
type User struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Username    *string   `gorm:"index" json:"username,omitempty"`
	DisplayName *string   `json:"display_name,omitempty"`
	PfpURL      *string   `json:"pfp_url,omitempty"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TreasureClaim is the reward row every participant of a won hunt receives.
type TreasureClaim struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	HuntID       string    `gorm:"not null;uniqueIndex:idx_claims_user_hunt,priority:2" json:"hunt_id"`
	UserID       string    `gorm:"not null;uniqueIndex:idx_claims_user_hunt,priority:1" json:"user_id"`
	TreasureType string    `gorm:"type:varchar(16);not null" json:"treasure_type"`
	ClaimedAt    time.Time `gorm:"autoCreateTime" json:"claimed_at"`

	Hunt *Hunt `gorm:"foreignKey:HuntID;constraint:OnDelete:CASCADE" json:"hunt,omitempty"`
}
