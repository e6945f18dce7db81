package models

import (
	"time"

	"treasure-hunt-system/game"
)

// HuntView is the hunt aggregate as clients see it. Treasure coordinates are
// only present once the hunt is terminal; an expired lock is reported as nil.
type HuntView struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Slug            string            `json:"slug"`
	CreatorID       string            `json:"creator_id"`
	TreasureType    game.TreasureType `json:"treasure_type"`
	MaxMoves        int               `json:"max_moves"`
	MovesMade       int               `json:"moves_made"`
	State           HuntState         `json:"state"`
	CurrentPosition game.Position     `json:"current_position"`
	Treasure        *game.Position    `json:"treasure,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	LastMoveUserID  *string           `json:"last_move_user_id,omitempty"`
	OnchainHuntID   *string           `json:"onchain_hunt_id,omitempty"`
	NftImageURI     *string           `json:"nft_image_uri,omitempty"`
	NftMetadataURI  *string           `json:"nft_metadata_uri,omitempty"`
	Moves           []Move            `json:"moves"`
	Lock            *TurnLock         `json:"lock"`
}

// NewHuntView builds the client view of h. Moves must already be ordered by
// move index.
func NewHuntView(h *Hunt, start game.Position, now time.Time) *HuntView {
	v := &HuntView{
		ID:              h.ID,
		Name:            h.Name,
		Slug:            h.Slug,
		CreatorID:       h.CreatorID,
		TreasureType:    h.TreasureType,
		MaxMoves:        h.MaxMoves,
		MovesMade:       len(h.Moves),
		State:           h.State,
		CurrentPosition: start,
		CreatedAt:       h.CreatedAt,
		EndedAt:         h.EndedAt,
		LastMoveUserID:  h.LastMoveUserID,
		OnchainHuntID:   h.OnchainHuntID,
		NftImageURI:     h.NftImageURI,
		NftMetadataURI:  h.NftMetadataURI,
		Moves:           h.Moves,
	}
	if v.Moves == nil {
		v.Moves = []Move{}
	}
	if n := len(h.Moves); n > 0 {
		v.CurrentPosition = h.Moves[n-1].Position()
	}
	if h.State.IsTerminal() {
		t := h.Treasure()
		v.Treasure = &t
	}
	if h.Lock.IsLive(now) {
		v.Lock = h.Lock
	}
	return v
}

// LockSummary is the lock part of a list row.
type LockSummary struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HuntSummary is one row of the active hunt list.
type HuntSummary struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Slug         string            `json:"slug"`
	TreasureType game.TreasureType `json:"treasure_type"`
	MaxMoves     int               `json:"max_moves"`
	MovesMade    int64             `json:"moves_made"`
	CreatedAt    time.Time         `json:"created_at"`
	Lock         *LockSummary      `json:"lock"`
}
