// models/hunt.go
package models

import (
	"time"

	"treasure-hunt-system/game"
)

// HuntState is the lifecycle state of a hunt.
type HuntState string

const (
	HuntPendingCreation HuntState = "PENDING_CREATION"
	HuntActive          HuntState = "ACTIVE"
	HuntWon             HuntState = "WON"
	HuntLost            HuntState = "LOST"
	HuntFailedCreation  HuntState = "FAILED_CREATION"
)

// IsTerminal reports whether the hunt has ended with a result.
func (s HuntState) IsTerminal() bool {
	return s == HuntWon || s == HuntLost
}

// Hunt is one game instance. Treasure coordinates and the commitment salt
// never leave the service through this type; use HuntView for clients.
type Hunt struct {
	ID           string            `json:"id" gorm:"primaryKey"`
	Name         string            `json:"name" gorm:"not null"`
	Slug         string            `json:"slug" gorm:"index"`
	CreatorID    string            `json:"creator_id" gorm:"index;not null"`
	TreasureType game.TreasureType `json:"treasure_type" gorm:"type:varchar(16);not null"`
	TreasureX    int               `json:"-" gorm:"not null"`
	TreasureY    int               `json:"-" gorm:"not null"`
	MaxMoves     int               `json:"max_moves" gorm:"not null;check:max_moves >= 1"`
	State        HuntState         `json:"state" gorm:"type:varchar(24);not null;index"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	LastMoveUserID *string `json:"last_move_user_id,omitempty"`

	// ⛓️ Ledger linkage. OnchainHuntID is written once, when creation confirms.
	OnchainHuntID  *string `json:"onchain_hunt_id,omitempty" gorm:"uniqueIndex"`
	CreationTxHash *string `json:"creation_tx_hash,omitempty"`
	Salt           *string `json:"-" gorm:"type:varchar(66)"`

	// 🖼️ Artifacts generated once the hunt ends
	NftImageURI    *string `json:"nft_image_uri,omitempty"`
	NftMetadataURI *string `json:"nft_metadata_uri,omitempty"`

	Moves []Move    `json:"moves,omitempty" gorm:"foreignKey:HuntID;constraint:OnDelete:CASCADE"`
	Lock  *TurnLock `json:"lock,omitempty" gorm:"foreignKey:HuntID;constraint:OnDelete:CASCADE"`
}

// Treasure returns the hidden treasure cell.
func (h *Hunt) Treasure() game.Position {
	return game.Position{X: h.TreasureX, Y: h.TreasureY}
}

// HasArtifacts reports whether NFT artifacts were already recorded.
func (h *Hunt) HasArtifacts() bool {
	return h.NftMetadataURI != nil && *h.NftMetadataURI != ""
}

// Move is one accepted turn. Rows are append-only.
type Move struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	HuntID    string    `json:"hunt_id" gorm:"not null;uniqueIndex:idx_moves_hunt_index,priority:1"`
	UserID    string    `json:"user_id" gorm:"not null;index"`
	MoveIndex int       `json:"move_index" gorm:"not null;uniqueIndex:idx_moves_hunt_index,priority:2"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Hint      string    `json:"hint" gorm:"type:text"`
	TxHash    string    `json:"tx_hash" gorm:"type:varchar(66);not null;uniqueIndex"`
	CreatedAt time.Time `json:"created_at"`
}

// Position returns where the avatar stood after this move.
func (m *Move) Position() game.Position {
	return game.Position{X: m.X, Y: m.Y}
}

// TurnLock is the lease giving one user the right to submit the next move.
// At most one row exists per hunt (unique hunt_id).
type TurnLock struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	HuntID    string    `json:"hunt_id" gorm:"not null;uniqueIndex"`
	UserID    string    `json:"user_id" gorm:"not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// IsLive reports whether the lease is still valid at now. An expired row is
// treated as absent everywhere.
func (l *TurnLock) IsLive(now time.Time) bool {
	return l != nil && l.ExpiresAt.After(now)
}
