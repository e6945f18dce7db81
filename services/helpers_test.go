package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"treasure-hunt-system/game"
	"treasure-hunt-system/ledger"
	"treasure-hunt-system/models"
	"treasure-hunt-system/realtime"
)

const (
	alice       = "user-alice"
	bob         = "user-bob"
	carol       = "user-carol"
	aliceWallet = "0x00000000000000000000000000000000000A11CE"
	bobWallet   = "0x0000000000000000000000000000000000000B0B"
	carolWallet = "0x00000000000000000000000000000000000CA201"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Hunt{},
		&models.Move{},
		&models.TurnLock{},
		&models.TreasureClaim{},
	))
	return db
}

// fakeOracle is a scripted ledger. Receipts and wait errors are keyed by tx
// hash; an unknown hash times out.
type fakeOracle struct {
	mu          sync.Mutex
	receipts    map[string]*ledger.Receipt
	waitErrs    map[string]error
	states      map[string]*ledger.HuntState
	commitments map[string][32]byte
	nextID      int
	createErr   error
	revealErr   error
	reveals     []string
	// onCreate runs before a scripted CreateHunt returns.
	onCreate func()
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		receipts:    make(map[string]*ledger.Receipt),
		waitErrs:    make(map[string]error),
		states:      make(map[string]*ledger.HuntState),
		commitments: make(map[string][32]byte),
	}
}

// confirmMove scripts a receipt carrying a PlayerMoved event.
func (o *fakeOracle) confirmMove(txHash, huntID, player string, pos game.Position, movesMade int, ended bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := &ledger.Receipt{
		TxHash: txHash,
		Moves:  []ledger.MoveEvent{{HuntID: huntID, Player: player, Position: pos, MovesMade: movesMade}},
	}
	if ended {
		r.Ended = []ledger.HuntEndedEvent{{HuntID: huntID}}
	}
	o.receipts[txHash] = r
}

func (o *fakeOracle) failWait(txHash string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waitErrs[txHash] = err
}

func (o *fakeOracle) CreateHunt(ctx context.Context, commitment [32]byte, maxMoves int) (*ledger.CreationResult, error) {
	if o.onCreate != nil {
		o.onCreate()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.createErr != nil {
		return nil, o.createErr
	}
	o.nextID++
	id := fmt.Sprintf("%d", o.nextID)
	o.commitments[id] = commitment
	o.states[id] = &ledger.HuntState{Position: game.Position{X: 4, Y: 4}, MaxMoves: maxMoves, IsActive: true}
	return &ledger.CreationResult{TxHash: fmt.Sprintf("0xcreate%d", o.nextID), HuntID: id}, nil
}

func (o *fakeOracle) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*ledger.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err, ok := o.waitErrs[txHash]; ok {
		return nil, err
	}
	if r, ok := o.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ledger.ErrConfirmationTimeout
}

func (o *fakeOracle) ResolveMove(ctx context.Context, receipt *ledger.Receipt, huntID, player string) (*ledger.MoveOutcome, error) {
	if out, ok := ledger.MatchMoveEvent(receipt, huntID, player); ok {
		return out, nil
	}
	st, err := o.ReadHuntState(ctx, huntID)
	if err != nil {
		return nil, err
	}
	return ledger.OutcomeFromState(st), nil
}

func (o *fakeOracle) ReadHuntState(ctx context.Context, huntID string) (*ledger.HuntState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[huntID]
	if !ok {
		return nil, fmt.Errorf("hunt %s not on chain", huntID)
	}
	cp := *st
	return &cp, nil
}

func (o *fakeOracle) StoredCommitment(ctx context.Context, huntID string) ([32]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.commitments[huntID]
	if !ok {
		return [32]byte{}, fmt.Errorf("hunt %s not on chain", huntID)
	}
	return c, nil
}

func (o *fakeOracle) RevealTreasure(ctx context.Context, huntID string, pos game.Position, treasureType uint8, salt [32]byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.revealErr != nil {
		return "", o.revealErr
	}
	o.reveals = append(o.reveals, huntID)
	return "0xreveal" + huntID, nil
}

type testEnv struct {
	db     *gorm.DB
	clock  *clockwork.FakeClock
	broker *realtime.LocalBroker
	oracle *fakeOracle
	grid   game.Grid

	locks     *TurnLockService
	moves     *MoveService
	hunts     *HuntService
	artifacts *ArtifactService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	broker := realtime.NewLocalBroker(32)
	t.Cleanup(func() { _ = broker.Close() })
	oracle := newFakeOracle()
	grid := game.DefaultGrid()

	locks := NewTurnLockService(db, broker, clock, DefaultTurnLease)
	artifacts := &ArtifactService{DB: db, Broker: broker, Clock: clock, Grid: grid}
	moves := NewMoveService(db, oracle, broker, locks, artifacts, clock, grid, time.Second)
	hunts := NewHuntService(db, oracle, broker, clock, grid, 10)

	return &testEnv{
		db: db, clock: clock, broker: broker, oracle: oracle, grid: grid,
		locks: locks, moves: moves, hunts: hunts, artifacts: artifacts,
	}
}

// seedHunt stores an ACTIVE, ledger-linked hunt with a known treasure.
func (e *testEnv) seedHunt(t *testing.T, treasure game.Position, maxMoves int) *models.Hunt {
	t.Helper()
	e.oracle.mu.Lock()
	e.oracle.nextID++
	onchain := fmt.Sprintf("%d", e.oracle.nextID)
	e.oracle.states[onchain] = &ledger.HuntState{Position: e.grid.Start, MaxMoves: maxMoves, IsActive: true}
	e.oracle.mu.Unlock()

	salt, err := ledger.NewSalt()
	require.NoError(t, err)
	saltHex := ledger.EncodeSalt(salt)
	code, err := game.TreasureEpic.Code()
	require.NoError(t, err)
	commitment, err := ledger.Commitment(treasure, code, salt)
	require.NoError(t, err)
	e.oracle.mu.Lock()
	e.oracle.commitments[onchain] = commitment
	e.oracle.mu.Unlock()

	h := &models.Hunt{
		ID:            uuid.NewString(),
		Name:          "Sunken Cove",
		Slug:          "sunken-cove",
		CreatorID:     carol,
		TreasureType:  game.TreasureEpic,
		TreasureX:     treasure.X,
		TreasureY:     treasure.Y,
		MaxMoves:      maxMoves,
		State:         models.HuntActive,
		OnchainHuntID: &onchain,
		Salt:          &saltHex,
	}
	require.NoError(t, e.db.Create(h).Error)
	return h
}

// play claims the turn for user and submits a confirmed move to pos.
func (e *testEnv) play(t *testing.T, h *models.Hunt, user, wallet string, pos game.Position, index int) *models.HuntView {
	t.Helper()
	_, err := e.locks.ClaimTurn(context.Background(), h.ID, user)
	require.NoError(t, err)

	tx := fmt.Sprintf("0xmove-%s-%d", h.ID[:8], index)
	e.oracle.confirmMove(tx, *h.OnchainHuntID, wallet, pos, index, false)
	view, err := e.moves.SubmitMove(context.Background(), MoveRequest{
		HuntID: h.ID, UserID: user, WalletAddress: wallet, TxHash: tx,
	})
	require.NoError(t, err)
	return view
}

func requireKind(t *testing.T, err error, kind ErrorKind) *GameError {
	t.Helper()
	require.Error(t, err)
	ge, ok := err.(*GameError)
	require.True(t, ok, "expected *GameError, got %T: %v", err, err)
	require.Equal(t, kind, ge.Kind, ge.Error())
	return ge
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, where string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Where(where, args...).Count(&n).Error)
	return n
}
