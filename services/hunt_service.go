// services/hunt_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"treasure-hunt-system/game"
	"treasure-hunt-system/ledger"
	"treasure-hunt-system/models"
	"treasure-hunt-system/realtime"
	"treasure-hunt-system/utils"
)

// HuntService creates hunts, serves them to clients and reveals treasures.
type HuntService struct {
	DB       *gorm.DB
	Oracle   ledger.Oracle
	Broker   realtime.Broker
	Clock    clockwork.Clock
	Grid     game.Grid
	MaxMoves int

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewHuntService(db *gorm.DB, oracle ledger.Oracle, broker realtime.Broker, clock clockwork.Clock, grid game.Grid, maxMoves int) *HuntService {
	return &HuntService{
		DB:       db,
		Oracle:   oracle,
		Broker:   broker,
		Clock:    clock,
		Grid:     grid,
		MaxMoves: maxMoves,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// SetRand replaces the placement source, e.g. with a seeded one.
func (s *HuntService) SetRand(r *rand.Rand) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	s.rng = r
}

func (s *HuntService) placeTreasure() (game.Position, game.TreasureType, error) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	pos, err := game.GenerateReachableTreasurePosition(s.rng, s.Grid, s.MaxMoves)
	if err != nil {
		return game.Position{}, "", err
	}
	return pos, game.RandomTreasureType(s.rng), nil
}

// loadHuntAggregate loads a hunt with its moves in order and its lock row.
func loadHuntAggregate(db *gorm.DB, huntID string) (*models.Hunt, error) {
	var hunt models.Hunt
	err := db.
		Preload("Moves", func(db *gorm.DB) *gorm.DB { return db.Order("move_index ASC") }).
		Preload("Lock").
		First(&hunt, "id = ?", huntID).Error
	if err != nil {
		return nil, err
	}
	return &hunt, nil
}

// CreateHunt places a treasure, commits to it on the ledger and activates
// the hunt once the ledger confirms. A hunt whose ledger creation fails is
// kept as FAILED_CREATION.
func (s *HuntService) CreateHunt(ctx context.Context, creatorID, name string) (*models.HuntView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Treasure Hunt"
	}

	pos, kind, err := s.placeTreasure()
	if err != nil {
		return nil, internalError("failed to place treasure", err)
	}
	code, err := kind.Code()
	if err != nil {
		return nil, internalError("invalid treasure type", err)
	}
	salt, err := ledger.NewSalt()
	if err != nil {
		return nil, internalError("failed to generate salt", err)
	}
	commitment, err := ledger.Commitment(pos, code, salt)
	if err != nil {
		return nil, internalError("failed to compute commitment", err)
	}

	id := uuid.NewString()
	saltHex := ledger.EncodeSalt(salt)
	hunt := &models.Hunt{
		ID:           id,
		Name:         name,
		Slug:         fmt.Sprintf("%s-%s", slug.Make(name), id[:8]),
		CreatorID:    creatorID,
		TreasureType: kind,
		TreasureX:    pos.X,
		TreasureY:    pos.Y,
		MaxMoves:     s.MaxMoves,
		State:        models.HuntPendingCreation,
		Salt:         &saltHex,
	}

	db := s.DB.WithContext(ctx)
	if err := db.Transaction(func(tx *gorm.DB) error {
		if err := ensureUser(tx, creatorID); err != nil {
			return err
		}
		return tx.Create(hunt).Error
	}); err != nil {
		return nil, internalError("failed to save hunt", err)
	}
	log.Printf("🗺️ [HUNT] %s (%s) created by %s, commitment %s", hunt.ID, hunt.Name, creatorID, ledger.CommitmentHex(commitment))

	res, err := s.Oracle.CreateHunt(ctx, commitment, s.MaxMoves)
	if err != nil {
		s.markFailed(hunt.ID, err)
		if errors.Is(err, ledger.ErrConfirmationTimeout) {
			return nil, newGameError(KindTimeout, "hunt creation was not confirmed in time", err)
		}
		return nil, newGameError(KindOracle, "failed to create hunt on-chain", err)
	}

	upd := db.Model(&models.Hunt{}).
		Where("id = ? AND onchain_hunt_id IS NULL", hunt.ID).
		Updates(map[string]interface{}{
			"state":            models.HuntActive,
			"onchain_hunt_id":  res.HuntID,
			"creation_tx_hash": res.TxHash,
		})
	if upd.Error != nil {
		s.markFailed(hunt.ID, upd.Error)
		if utils.IsUniqueViolation(upd.Error) {
			return nil, newGameError(KindIntegrity, "ledger hunt id already linked to another hunt", upd.Error)
		}
		return nil, internalError("failed to activate hunt", upd.Error)
	}
	if upd.RowsAffected == 0 {
		ge := newGameError(KindIntegrity, "hunt already linked to a ledger id", nil)
		s.markFailed(hunt.ID, ge)
		return nil, ge
	}
	log.Printf("✅ [HUNT] %s active as on-chain hunt %s (tx %s)", hunt.ID, res.HuntID, res.TxHash)

	realtime.Notify(ctx, s.Broker, realtime.ListTopic, realtime.ListUpdate(s.Clock.Now()))
	return s.GetHuntDetails(ctx, hunt.ID)
}

func (s *HuntService) markFailed(huntID string, cause error) {
	log.Printf("❌ [HUNT] %s creation failed: %v", huntID, cause)
	err := s.DB.Model(&models.Hunt{}).
		Where("id = ? AND state = ?", huntID, models.HuntPendingCreation).
		Update("state", models.HuntFailedCreation).Error
	if err != nil {
		log.Printf("[HUNT] Failed to mark %s as FAILED_CREATION: %v", huntID, err)
	}
}

// ListHunts returns the active hunts with move counts and live locks. It
// never fails; a store error yields an empty list.
func (s *HuntService) ListHunts(ctx context.Context) []models.HuntSummary {
	summaries := []models.HuntSummary{}
	db := s.DB.WithContext(ctx)

	var hunts []models.Hunt
	if err := db.Where("state = ?", models.HuntActive).Order("created_at DESC").Find(&hunts).Error; err != nil {
		log.Printf("[HUNT] Failed to list hunts: %v", err)
		return summaries
	}
	if len(hunts) == 0 {
		return summaries
	}

	ids := make([]string, len(hunts))
	for i, h := range hunts {
		ids[i] = h.ID
	}

	var counts []struct {
		HuntID string
		Count  int64
	}
	if err := db.Model(&models.Move{}).
		Select("hunt_id, COUNT(*) AS count").
		Where("hunt_id IN ?", ids).
		Group("hunt_id").
		Scan(&counts).Error; err != nil {
		log.Printf("[HUNT] Failed to count moves: %v", err)
		return summaries
	}
	countByHunt := make(map[string]int64, len(counts))
	for _, c := range counts {
		countByHunt[c.HuntID] = c.Count
	}

	var locks []models.TurnLock
	if err := db.Where("hunt_id IN ?", ids).Find(&locks).Error; err != nil {
		log.Printf("[HUNT] Failed to load locks: %v", err)
		return summaries
	}
	now := s.Clock.Now()
	lockByHunt := make(map[string]*models.LockSummary, len(locks))
	for _, l := range locks {
		if l.IsLive(now) {
			lockByHunt[l.HuntID] = &models.LockSummary{UserID: l.UserID, ExpiresAt: l.ExpiresAt}
		}
	}

	for _, h := range hunts {
		summaries = append(summaries, models.HuntSummary{
			ID:           h.ID,
			Name:         h.Name,
			Slug:         h.Slug,
			TreasureType: h.TreasureType,
			MaxMoves:     h.MaxMoves,
			MovesMade:    countByHunt[h.ID],
			CreatedAt:    h.CreatedAt,
			Lock:         lockByHunt[h.ID],
		})
	}
	return summaries
}

// GetHuntDetails returns the client view of one hunt.
func (s *HuntService) GetHuntDetails(ctx context.Context, huntID string) (*models.HuntView, error) {
	hunt, err := loadHuntAggregate(s.DB.WithContext(ctx), huntID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("hunt not found")
		}
		return nil, internalError("failed to load hunt", err)
	}
	return models.NewHuntView(hunt, s.Grid.Start, s.Clock.Now()), nil
}

// RevealTreasure discloses a finished hunt's treasure on-chain. Only the
// creator or a player who moved may ask.
func (s *HuntService) RevealTreasure(ctx context.Context, huntID, callerID string) (string, error) {
	db := s.DB.WithContext(ctx)

	var hunt models.Hunt
	if err := db.First(&hunt, "id = ?", huntID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", notFound("hunt not found")
		}
		return "", internalError("failed to load hunt", err)
	}

	if hunt.CreatorID != callerID {
		var moves int64
		if err := db.Model(&models.Move{}).Where("hunt_id = ? AND user_id = ?", huntID, callerID).Count(&moves).Error; err != nil {
			return "", internalError("failed to check participation", err)
		}
		if moves == 0 {
			return "", newGameError(KindUnauthorized, "only the creator or a participant can reveal the treasure", nil)
		}
	}
	if !hunt.State.IsTerminal() {
		return "", precondition("hunt is still in progress")
	}
	if hunt.Salt == nil || hunt.OnchainHuntID == nil {
		return "", precondition("missing salt or ledger id")
	}

	salt, err := ledger.DecodeSalt(*hunt.Salt)
	if err != nil {
		return "", newGameError(KindIntegrity, "stored salt is unreadable", err)
	}
	code, err := hunt.TreasureType.Code()
	if err != nil {
		return "", newGameError(KindIntegrity, "stored treasure type is invalid", err)
	}
	local, err := ledger.Commitment(hunt.Treasure(), code, salt)
	if err != nil {
		return "", newGameError(KindIntegrity, "failed to compute commitment", err)
	}

	stored, err := s.Oracle.StoredCommitment(ctx, *hunt.OnchainHuntID)
	if err != nil {
		return "", newGameError(KindOracle, "failed to read commitment from ledger", err)
	}
	if stored != local {
		log.Printf("❌ [HUNT] %s commitment mismatch: local %s, ledger %s", huntID, ledger.CommitmentHex(local), ledger.CommitmentHex(stored))
		return "", newGameError(KindIntegrity, "treasure commitment does not match the ledger", nil)
	}

	txHash, err := s.Oracle.RevealTreasure(ctx, *hunt.OnchainHuntID, hunt.Treasure(), code, salt)
	if err != nil {
		if errors.Is(err, ledger.ErrConfirmationTimeout) {
			return "", newGameError(KindTimeout, "reveal was not confirmed in time", err)
		}
		return "", newGameError(KindOracle, "on-chain reveal failed", err)
	}
	log.Printf("🔓 [HUNT] %s treasure revealed by %s in %s", huntID, callerID, txHash)
	return txHash, nil
}

// ListUserTreasures returns the claims userID earned, newest first.
func (s *HuntService) ListUserTreasures(ctx context.Context, userID string) ([]models.TreasureClaim, error) {
	claims := []models.TreasureClaim{}
	if err := s.DB.WithContext(ctx).
		Preload("Hunt").
		Where("user_id = ?", userID).
		Order("claimed_at DESC").
		Find(&claims).Error; err != nil {
		return nil, internalError("failed to load treasures", err)
	}
	return claims, nil
}

// DeleteHunts removes hunts with their moves, locks and claims.
func (s *HuntService) DeleteHunts(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("hunt_id IN ?", ids).Delete(&models.TreasureClaim{}).Error; err != nil {
			return err
		}
		if err := tx.Where("hunt_id IN ?", ids).Delete(&models.Move{}).Error; err != nil {
			return err
		}
		if err := tx.Where("hunt_id IN ?", ids).Delete(&models.TurnLock{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&models.Hunt{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, internalError("failed to delete hunts", err)
	}
	log.Printf("🗑️ [HUNT] Deleted %d hunt(s)", deleted)
	realtime.Notify(ctx, s.Broker, realtime.ListTopic, realtime.ListUpdate(s.Clock.Now()))
	return deleted, nil
}

// --- Handlers ---

// ListHuntsHandler handles GET /hunts.
func (s *HuntService) ListHuntsHandler(c *fiber.Ctx) error {
	return c.JSON(s.ListHunts(c.UserContext()))
}

// GetHuntHandler handles GET /hunts/:id.
func (s *HuntService) GetHuntHandler(c *fiber.Ctx) error {
	view, err := s.GetHuntDetails(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}

// CreateHuntHandler handles POST /hunts.
func (s *HuntService) CreateHuntHandler(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthenticated(c)
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if len(body.Name) > 80 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name must be at most 80 characters"})
	}

	view, err := s.CreateHunt(c.UserContext(), userID, body.Name)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(view)
}

// RevealTreasureHandler handles POST /hunts/:id/reveal.
func (s *HuntService) RevealTreasureHandler(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthenticated(c)
	}
	txHash, err := s.RevealTreasure(c.UserContext(), c.Params("id"), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"tx_hash": txHash})
}

// ListUserTreasuresHandler handles GET /users/me/treasures.
func (s *HuntService) ListUserTreasuresHandler(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthenticated(c)
	}
	claims, err := s.ListUserTreasures(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(claims)
}

// DeleteHuntsHandler handles POST /admin/hunts/delete (admin role only).
func (s *HuntService) DeleteHuntsHandler(c *fiber.Ctx) error {
	if !hasRole(c, "admin") {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin role required"})
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := c.BodyParser(&body); err != nil || len(body.IDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "ids is required"})
	}
	deleted, err := s.DeleteHunts(c.UserContext(), body.IDs)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}

func hasRole(c *fiber.Ctx, role string) bool {
	roles, _ := c.Locals("user_roles").([]string)
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
