// services/move_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"treasure-hunt-system/game"
	"treasure-hunt-system/ledger"
	"treasure-hunt-system/models"
	"treasure-hunt-system/realtime"
	"treasure-hunt-system/utils"
)

// DefaultConfirmationTimeout bounds the wait for a move transaction.
const DefaultConfirmationTimeout = 120 * time.Second

// MoveRequest is a lock holder asking to finalize a move they sent on-chain.
type MoveRequest struct {
	HuntID        string
	UserID        string
	WalletAddress string
	TxHash        string
}

// MoveService validates confirmed moves and applies them to the hunt.
type MoveService struct {
	DB        *gorm.DB
	Oracle    ledger.Oracle
	Broker    realtime.Broker
	Locks     *TurnLockService
	Artifacts *ArtifactService
	Clock     clockwork.Clock
	Grid      game.Grid

	ConfirmationTimeout time.Duration

	background sync.WaitGroup
}

func NewMoveService(db *gorm.DB, oracle ledger.Oracle, broker realtime.Broker, locks *TurnLockService, artifacts *ArtifactService, clock clockwork.Clock, grid game.Grid, confirmTimeout time.Duration) *MoveService {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmationTimeout
	}
	return &MoveService{
		DB:                  db,
		Oracle:              oracle,
		Broker:              broker,
		Locks:               locks,
		Artifacts:           artifacts,
		Clock:               clock,
		Grid:                grid,
		ConfirmationTimeout: confirmTimeout,
	}
}

// SubmitMove finalizes the move req.TxHash made for the current lock holder.
//
// Preconditions are checked against committed state before the ledger is
// consulted. The confirmed outcome is then applied in one transaction with
// the hunt row locked, and subscribers are told after commit. A reverted
// transaction gives the turn back; a timeout or any unclassified failure
// leaves the lock in place so the holder can retry.
func (s *MoveService) SubmitMove(ctx context.Context, req MoveRequest) (*models.HuntView, error) {
	if req.TxHash == "" || req.WalletAddress == "" {
		return nil, precondition("tx hash and wallet address are required")
	}

	db := s.DB.WithContext(ctx)

	var hunt models.Hunt
	if err := db.First(&hunt, "id = ?", req.HuntID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("hunt not found")
		}
		return nil, internalError("failed to load hunt", err)
	}
	if hunt.OnchainHuntID == nil || *hunt.OnchainHuntID == "" {
		return nil, newGameError(KindIntegrity, "missing ledger identifier", nil)
	}
	if hunt.State != models.HuntActive {
		return nil, precondition("hunt already finished")
	}

	var lock models.TurnLock
	if err := db.Where("hunt_id = ?", req.HuntID).Take(&lock).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, precondition("no lock")
		}
		return nil, internalError("failed to load lock", err)
	}
	if lock.UserID != req.UserID {
		return nil, &GameError{Kind: KindLocked, Message: "lock held by someone else", Lock: &lock}
	}
	if !lock.IsLive(s.Clock.Now()) {
		return nil, precondition("lock expired")
	}

	log.Printf("⏳ [MOVE] Hunt %s waiting for %s from %s", hunt.ID, req.TxHash, req.UserID)
	receipt, err := s.Oracle.WaitForConfirmation(ctx, req.TxHash, s.ConfirmationTimeout)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransactionFailed):
			log.Printf("❌ [MOVE] Hunt %s tx %s reverted, releasing turn", hunt.ID, req.TxHash)
			s.Locks.releaseLock(ctx, &lock)
			return nil, newGameError(KindOracle, "on-chain transaction failed", err)
		case errors.Is(err, ledger.ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded):
			log.Printf("⌛ [MOVE] Hunt %s tx %s not confirmed in %s, lock kept", hunt.ID, req.TxHash, s.ConfirmationTimeout)
			return nil, newGameError(KindTimeout, "confirmation timeout", err)
		default:
			return nil, newGameError(KindOracle, "failed to confirm transaction", err)
		}
	}

	outcome, err := s.Oracle.ResolveMove(ctx, receipt, *hunt.OnchainHuntID, req.WalletAddress)
	if err != nil {
		return nil, newGameError(KindOracle, "failed to read move from ledger", err)
	}
	if !s.Grid.IsValid(outcome.Position) {
		return nil, newGameError(KindIntegrity, fmt.Sprintf("ledger reported off-grid position %v", outcome.Position), nil)
	}

	updated, err := s.applyMove(ctx, req, outcome)
	if err != nil {
		ge := asGameError(err, "unexpected error processing move")
		log.Printf("❌ [MOVE] Hunt %s move %s not applied (%s): %v", req.HuntID, req.TxHash, ge.Kind, ge)
		return nil, ge
	}

	now := s.Clock.Now()
	view := models.NewHuntView(updated, s.Grid.Start, now)
	log.Printf("✅ [MOVE] Hunt %s move %d by %s to (%d,%d) via %s, state %s",
		updated.ID, outcome.MoveIndex, req.UserID, outcome.Position.X, outcome.Position.Y, outcome.Source, updated.State)

	topic := realtime.HuntTopic(updated.ID)
	realtime.Notify(ctx, s.Broker, topic, realtime.LockUpdate(nil))
	realtime.Notify(ctx, s.Broker, topic, realtime.HuntUpdate(view))
	realtime.Notify(ctx, s.Broker, realtime.ListTopic, realtime.ListUpdate(now))

	if updated.State.IsTerminal() && !updated.HasArtifacts() {
		s.generateArtifacts(updated.ID)
	}
	return view, nil
}

// applyMove is the single transaction that records a confirmed move.
func (s *MoveService) applyMove(ctx context.Context, req MoveRequest, outcome *ledger.MoveOutcome) (*models.Hunt, error) {
	var result *models.Hunt

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var hunt models.Hunt
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&hunt, "id = ?", req.HuntID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("hunt not found")
			}
			return internalError("failed to lock hunt", err)
		}
		if hunt.State != models.HuntActive {
			return precondition("hunt already finished")
		}

		var dup int64
		if err := tx.Model(&models.Move{}).Where("tx_hash = ?", req.TxHash).Count(&dup).Error; err != nil {
			return internalError("failed to check move", err)
		}
		if dup > 0 {
			return precondition("move already recorded")
		}

		var count int64
		if err := tx.Model(&models.Move{}).Where("hunt_id = ?", hunt.ID).Count(&count).Error; err != nil {
			return internalError("failed to count moves", err)
		}
		if outcome.MoveIndex != int(count)+1 {
			return newGameError(KindIntegrity,
				fmt.Sprintf("move index %d does not follow %d recorded moves", outcome.MoveIndex, count), nil)
		}

		previous := s.Grid.Start
		if count > 0 {
			var last models.Move
			if err := tx.Where("hunt_id = ?", hunt.ID).Order("move_index DESC").Take(&last).Error; err != nil {
				return newGameError(KindIntegrity, "previous move missing", err)
			}
			previous = last.Position()
		}
		if !game.IsAdjacent(previous, outcome.Position) {
			log.Printf("⚠️ [MOVE] Hunt %s move %d to (%d,%d) is not adjacent to (%d,%d)",
				hunt.ID, outcome.MoveIndex, outcome.Position.X, outcome.Position.Y, previous.X, previous.Y)
		}

		treasure := hunt.Treasure()
		hint := game.GenerateHint(outcome.Position, previous, treasure, outcome.MoveIndex)

		state := models.HuntActive
		switch {
		case outcome.Position == treasure:
			state = models.HuntWon
		case !outcome.HuntActive || outcome.MoveIndex >= hunt.MaxMoves:
			state = models.HuntLost
		}

		if err := ensureUser(tx, req.UserID); err != nil {
			return internalError("failed to record user", err)
		}

		move := &models.Move{
			ID:        uuid.NewString(),
			HuntID:    hunt.ID,
			UserID:    req.UserID,
			MoveIndex: outcome.MoveIndex,
			X:         outcome.Position.X,
			Y:         outcome.Position.Y,
			Hint:      hint,
			TxHash:    req.TxHash,
		}
		if err := tx.Create(move).Error; err != nil {
			if utils.IsUniqueViolation(err) {
				return newGameError(KindRace, "move already recorded", err)
			}
			return internalError("failed to record move", err)
		}

		updates := map[string]interface{}{
			"last_move_user_id": req.UserID,
			"state":             state,
		}
		if state.IsTerminal() {
			updates["ended_at"] = s.Clock.Now()
		}
		if err := tx.Model(&models.Hunt{}).Where("id = ?", hunt.ID).Updates(updates).Error; err != nil {
			return internalError("failed to update hunt", err)
		}

		if state == models.HuntWon {
			if err := recordTreasureClaims(tx, &hunt); err != nil {
				return internalError("failed to record treasure claims", err)
			}
		}

		var held models.TurnLock
		if err := tx.Where("hunt_id = ?", hunt.ID).Take(&held).Error; err == nil && held.UserID != req.UserID {
			log.Printf("⚠️ [MOVE] Hunt %s lock moved to %s while %s's move confirmed", hunt.ID, held.UserID, req.UserID)
		}
		if err := tx.Where("hunt_id = ?", hunt.ID).Delete(&models.TurnLock{}).Error; err != nil {
			return internalError("failed to release lock", err)
		}

		reloaded, err := loadHuntAggregate(tx, hunt.ID)
		if err != nil {
			return internalError("failed to reload hunt", err)
		}
		result = reloaded
		return nil
	})
	return result, err
}

// recordTreasureClaims gives every distinct participant one claim. Existing
// claims are skipped.
func recordTreasureClaims(tx *gorm.DB, hunt *models.Hunt) error {
	var players []string
	if err := tx.Model(&models.Move{}).Where("hunt_id = ?", hunt.ID).
		Distinct().Pluck("user_id", &players).Error; err != nil {
		return err
	}
	if len(players) == 0 {
		return nil
	}

	claims := make([]models.TreasureClaim, 0, len(players))
	for _, p := range players {
		claims = append(claims, models.TreasureClaim{
			ID:           uuid.NewString(),
			HuntID:       hunt.ID,
			UserID:       p,
			TreasureType: string(hunt.TreasureType),
		})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&claims).Error
}

// generateArtifacts runs outside the request; the retry job covers failures.
func (s *MoveService) generateArtifacts(huntID string) {
	if s.Artifacts == nil || s.Artifacts.Generator == nil {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.Artifacts.Ensure(ctx, huntID); err != nil {
			log.Printf("⚠️ [ARTIFACT] %v (will retry)", err)
		}
	}()
}

// Wait blocks until in-flight artifact generation has finished.
func (s *MoveService) Wait() {
	s.background.Wait()
}

// --- Handlers ---

// SubmitMoveHandler handles POST /hunts/:id/moves.
func (s *MoveService) SubmitMoveHandler(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthenticated(c)
	}

	var body struct {
		TxHash        string `json:"tx_hash"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if body.TxHash == "" || body.WalletAddress == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tx_hash and wallet_address are required"})
	}

	view, err := s.SubmitMove(c.UserContext(), MoveRequest{
		HuntID:        c.Params("id"),
		UserID:        userID,
		WalletAddress: body.WalletAddress,
		TxHash:        body.TxHash,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}
