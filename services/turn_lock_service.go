// services/turn_lock_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"treasure-hunt-system/models"
	"treasure-hunt-system/realtime"
	"treasure-hunt-system/utils"
)

// DefaultTurnLease is how long a claimed turn stays reserved.
const DefaultTurnLease = 75 * time.Second

// TurnLockService hands out the per-hunt turn lease.
type TurnLockService struct {
	DB     *gorm.DB
	Broker realtime.Broker
	Clock  clockwork.Clock
	Lease  time.Duration
}

func NewTurnLockService(db *gorm.DB, broker realtime.Broker, clock clockwork.Clock, lease time.Duration) *TurnLockService {
	if lease <= 0 {
		lease = DefaultTurnLease
	}
	return &TurnLockService{DB: db, Broker: broker, Clock: clock, Lease: lease}
}

// ClaimTurn grants userID the next move on huntID. The checks, the removal
// of an expired lease and the insert of the new one commit together.
func (s *TurnLockService) ClaimTurn(ctx context.Context, huntID, userID string) (*models.TurnLock, error) {
	var (
		granted *models.TurnLock
		swept   bool
	)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var hunt models.Hunt
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&hunt, "id = ?", huntID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("hunt not found")
			}
			return internalError("failed to load hunt", err)
		}
		if hunt.State != models.HuntActive {
			return precondition("hunt is not active")
		}
		if hunt.LastMoveUserID != nil && *hunt.LastMoveUserID == userID {
			return precondition("you made the last move")
		}

		now := s.Clock.Now()

		var existing models.TurnLock
		err := tx.Where("hunt_id = ?", huntID).Take(&existing).Error
		switch {
		case err == nil:
			if existing.IsLive(now) {
				return &GameError{
					Kind:    KindLocked,
					Message: fmt.Sprintf("locked by %s until %s", existing.UserID, existing.ExpiresAt.UTC().Format(time.RFC3339)),
					Lock:    &existing,
				}
			}
			if err := tx.Delete(&models.TurnLock{}, "id = ?", existing.ID).Error; err != nil {
				return internalError("failed to remove expired lock", err)
			}
			swept = true
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return internalError("failed to load lock", err)
		}

		if err := ensureUser(tx, userID); err != nil {
			return internalError("failed to record user", err)
		}

		lock := &models.TurnLock{
			ID:        uuid.NewString(),
			HuntID:    huntID,
			UserID:    userID,
			ExpiresAt: now.Add(s.Lease),
			CreatedAt: now,
		}
		if err := tx.Create(lock).Error; err != nil {
			if utils.IsUniqueViolation(err) {
				return newGameError(KindRace, "another player claimed this turn at the same moment, please retry", err)
			}
			return internalError("failed to create lock", err)
		}
		granted = lock
		return nil
	})
	if err != nil {
		ge := asGameError(err, "failed to claim turn")
		if ge.Kind == KindRace {
			log.Printf("⚠️ [LOCK] Race on hunt %s claim by %s", huntID, userID)
		}
		return nil, ge
	}

	topic := realtime.HuntTopic(huntID)
	if swept {
		log.Printf("🧹 [LOCK] Expired lock on hunt %s removed by claim", huntID)
		realtime.Notify(ctx, s.Broker, topic, realtime.LockUpdate(nil))
	}
	realtime.Notify(ctx, s.Broker, topic, realtime.LockUpdate(granted))
	log.Printf("🔒 [LOCK] Hunt %s turn granted to %s until %s", huntID, userID, granted.ExpiresAt.Format(time.RFC3339))
	return granted, nil
}

// HoldsActiveLock reports whether userID holds an unexpired lease on huntID.
func (s *TurnLockService) HoldsActiveLock(ctx context.Context, huntID, userID string) (bool, error) {
	var lock models.TurnLock
	err := s.DB.WithContext(ctx).Where("hunt_id = ?", huntID).Take(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, internalError("failed to load lock", err)
	}
	return lock.UserID == userID && lock.IsLive(s.Clock.Now()), nil
}

// SweepExpiredLocks deletes every lease that has run out and tells each
// hunt's subscribers. It returns how many were removed.
func (s *TurnLockService) SweepExpiredLocks(ctx context.Context) (int, error) {
	var locks []models.TurnLock
	if err := s.DB.WithContext(ctx).Find(&locks).Error; err != nil {
		return 0, fmt.Errorf("failed to list locks: %w", err)
	}

	now := s.Clock.Now()
	removed := 0
	for _, l := range locks {
		if l.IsLive(now) {
			continue
		}
		// By id, so a lease granted since the read survives.
		res := s.DB.WithContext(ctx).Delete(&models.TurnLock{}, "id = ?", l.ID)
		if res.Error != nil {
			log.Printf("[SWEEP] Failed to delete lock %s on hunt %s: %v", l.ID, l.HuntID, res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		removed++
		realtime.Notify(ctx, s.Broker, realtime.HuntTopic(l.HuntID), realtime.LockUpdate(nil))
	}
	if removed > 0 {
		log.Printf("🧹 [SWEEP] Removed %d expired lock(s)", removed)
	}
	return removed, nil
}

// releaseLock deletes exactly this lease, used when its move was reverted.
func (s *TurnLockService) releaseLock(ctx context.Context, lock *models.TurnLock) {
	res := s.DB.WithContext(ctx).Delete(&models.TurnLock{}, "id = ?", lock.ID)
	if res.Error != nil {
		log.Printf("⚠️ [LOCK] Failed to release lock on hunt %s: %v", lock.HuntID, res.Error)
		return
	}
	if res.RowsAffected > 0 {
		realtime.Notify(ctx, s.Broker, realtime.HuntTopic(lock.HuntID), realtime.LockUpdate(nil))
	}
}

// ensureUser makes sure a users row exists for id.
func ensureUser(tx *gorm.DB, id string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.User{ID: id}).Error
}

// --- Handlers ---

// ClaimTurnHandler handles POST /hunts/:id/claim.
func (s *TurnLockService) ClaimTurnHandler(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthenticated(c)
	}
	lock, err := s.ClaimTurn(c.UserContext(), c.Params("id"), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"lock": lock})
}

// HoldsLockHandler handles GET /hunts/:id/lock/me.
func (s *TurnLockService) HoldsLockHandler(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthenticated(c)
	}
	holds, err := s.HoldsActiveLock(c.UserContext(), c.Params("id"), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"holds_lock": holds})
}
