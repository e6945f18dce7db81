// ledger/oracle.go
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"treasure-hunt-system/game"
)

var (
	// ErrTransactionFailed means the transaction was mined but reverted.
	ErrTransactionFailed = errors.New("on-chain transaction failed")
	// ErrConfirmationTimeout means no receipt arrived within the wait window.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
	// ErrEventNotFound means a receipt carried no event we were looking for.
	ErrEventNotFound = errors.New("expected event not found in receipt")
)

// Receipt is a confirmed, successful transaction with its decoded hunt events.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Moves       []MoveEvent
	Ended       []HuntEndedEvent
	Created     []HuntCreatedEvent
}

// MoveEvent is a decoded PlayerMoved log.
type MoveEvent struct {
	HuntID    string
	Player    string
	Position  game.Position
	MovesMade int
}

// HuntEndedEvent is a decoded HuntEnded log.
type HuntEndedEvent struct {
	HuntID        string
	TreasureFound bool
}

// HuntCreatedEvent is a decoded HuntCreated log.
type HuntCreatedEvent struct {
	HuntID     string
	Creator    string
	Commitment [32]byte
}

// HuntState is the contract's authoritative view of a hunt.
type HuntState struct {
	Position  game.Position
	MovesMade int
	MaxMoves  int
	IsActive  bool
}

// MoveOutcome is the normalized result of resolving a confirmed move.
type MoveOutcome struct {
	Position   game.Position
	MoveIndex  int
	HuntActive bool
	// Source is "event" when decoded from the receipt, "state" when read
	// from the contract.
	Source string
}

// CreationResult is what a confirmed createHunt transaction yields.
type CreationResult struct {
	TxHash string
	HuntID string
}

// Oracle is everything the game core needs from the ledger. Implementations
// are constructed explicitly and injected; there is no process-wide client.
type Oracle interface {
	// CreateHunt submits createHunt(commitment, maxMoves) and waits for it.
	CreateHunt(ctx context.Context, commitment [32]byte, maxMoves int) (*CreationResult, error)
	// WaitForConfirmation blocks until txHash is mined or timeout passes.
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error)
	// ResolveMove finds the move a confirmed receipt made for huntID/player,
	// preferring the receipt's events and falling back to a state read.
	ResolveMove(ctx context.Context, receipt *Receipt, huntID, player string) (*MoveOutcome, error)
	// ReadHuntState reads the hunt straight from the contract.
	ReadHuntState(ctx context.Context, huntID string) (*HuntState, error)
	// StoredCommitment returns the commitment recorded at creation.
	StoredCommitment(ctx context.Context, huntID string) ([32]byte, error)
	// RevealTreasure discloses the treasure on-chain and waits for it.
	RevealTreasure(ctx context.Context, huntID string, pos game.Position, treasureType uint8, salt [32]byte) (string, error)
}

// MatchMoveEvent picks the move event for huntID made by player. When the
// receipt also carries a HuntEnded event for the hunt, the outcome is
// reported inactive.
func MatchMoveEvent(receipt *Receipt, huntID, player string) (*MoveOutcome, bool) {
	if receipt == nil {
		return nil, false
	}
	for _, ev := range receipt.Moves {
		if ev.HuntID != huntID || !strings.EqualFold(ev.Player, player) {
			continue
		}
		out := &MoveOutcome{
			Position:   ev.Position,
			MoveIndex:  ev.MovesMade,
			HuntActive: true,
			Source:     "event",
		}
		for _, ended := range receipt.Ended {
			if ended.HuntID == huntID {
				out.HuntActive = false
			}
		}
		return out, true
	}
	return nil, false
}

// OutcomeFromState converts a contract read into a MoveOutcome.
func OutcomeFromState(st *HuntState) *MoveOutcome {
	return &MoveOutcome{
		Position:   st.Position,
		MoveIndex:  st.MovesMade,
		HuntActive: st.IsActive,
		Source:     "state",
	}
}
