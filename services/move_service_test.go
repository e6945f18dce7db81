package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treasure-hunt-system/game"
	"treasure-hunt-system/ledger"
	"treasure-hunt-system/models"
	"treasure-hunt-system/realtime"
)

func TestFirstMoveIsWarmerAndReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)

	view := env.play(t, h, alice, aliceWallet, game.Position{X: 5, Y: 4}, 1)

	assert.Equal(t, models.HuntActive, view.State)
	assert.Equal(t, 1, view.MovesMade)
	assert.Equal(t, game.Position{X: 5, Y: 4}, view.CurrentPosition)
	assert.Nil(t, view.Lock)
	assert.Nil(t, view.Treasure, "treasure stays hidden while active")
	require.Len(t, view.Moves, 1)
	assert.Equal(t, "Move 1: Warmer! Treasure lies South-East.", view.Moves[0].Hint)
	require.NotNil(t, view.LastMoveUserID)
	assert.Equal(t, alice, *view.LastMoveUserID)

	assert.Equal(t, int64(0), countRows(t, env.db, &models.TurnLock{}, "hunt_id = ?", h.ID))
}

func TestTurnsAlternateBetweenPlayers(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)
	ctx := context.Background()

	env.play(t, h, alice, aliceWallet, game.Position{X: 5, Y: 4}, 1)

	_, err := env.locks.ClaimTurn(ctx, h.ID, alice)
	ge := requireKind(t, err, KindPrecondition)
	assert.Equal(t, "you made the last move", ge.Message)

	lock, err := env.locks.ClaimTurn(ctx, h.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, bob, lock.UserID)
}

func TestBudgetExhaustedLoses(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 2)

	env.play(t, h, alice, aliceWallet, game.Position{X: 5, Y: 4}, 1)
	view := env.play(t, h, bob, bobWallet, game.Position{X: 6, Y: 4}, 2)

	assert.Equal(t, models.HuntLost, view.State)
	require.NotNil(t, view.EndedAt)
	require.NotNil(t, view.Treasure)
	assert.Equal(t, game.Position{X: 7, Y: 7}, *view.Treasure)
	assert.Equal(t, int64(0), countRows(t, env.db, &models.TurnLock{}, "hunt_id = ?", h.ID))
	assert.Equal(t, int64(0), countRows(t, env.db, &models.TreasureClaim{}, "hunt_id = ?", h.ID))

	_, err := env.locks.ClaimTurn(context.Background(), h.ID, carol)
	requireKind(t, err, KindPrecondition)
}

func TestTreasureOnLastMoveWins(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 6, Y: 4}, 2)

	env.play(t, h, alice, aliceWallet, game.Position{X: 5, Y: 4}, 1)
	view := env.play(t, h, bob, bobWallet, game.Position{X: 6, Y: 4}, 2)

	assert.Equal(t, models.HuntWon, view.State, "finding the treasure on the final move is a win")
	require.NotNil(t, view.EndedAt)
	assert.Equal(t, "Move 2: Warmer! You are standing on the treasure.", view.Moves[1].Hint)

	var claims []models.TreasureClaim
	require.NoError(t, env.db.Where("hunt_id = ?", h.ID).Order("user_id").Find(&claims).Error)
	require.Len(t, claims, 2)
	assert.Equal(t, alice, claims[0].UserID)
	assert.Equal(t, bob, claims[1].UserID)
	assert.Equal(t, string(game.TreasureEpic), claims[0].TreasureType)

	// Recording claims again is a no-op.
	var hunt models.Hunt
	require.NoError(t, env.db.First(&hunt, "id = ?", h.ID).Error)
	require.NoError(t, recordTreasureClaims(env.db, &hunt))
	assert.Equal(t, int64(2), countRows(t, env.db, &models.TreasureClaim{}, "hunt_id = ?", h.ID))
}

func TestLedgerReportingHuntEndedLoses(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)
	ctx := context.Background()

	_, err := env.locks.ClaimTurn(ctx, h.ID, alice)
	require.NoError(t, err)
	env.oracle.confirmMove("0xend", *h.OnchainHuntID, aliceWallet, game.Position{X: 4, Y: 5}, 1, true)

	view, err := env.moves.SubmitMove(ctx, MoveRequest{HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0xend"})
	require.NoError(t, err)
	assert.Equal(t, models.HuntLost, view.State)
}

func TestResubmittingSameTransactionFailsWithNoLock(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)

	env.play(t, h, alice, aliceWallet, game.Position{X: 5, Y: 4}, 1)

	_, err := env.moves.SubmitMove(context.Background(), MoveRequest{
		HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0xmove-" + h.ID[:8] + "-1",
	})
	ge := requireKind(t, err, KindPrecondition)
	assert.Equal(t, "no lock", ge.Message)
	assert.Equal(t, int64(1), countRows(t, env.db, &models.Move{}, "hunt_id = ?", h.ID))
}

func TestSubmitMovePreconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)

	_, err := env.moves.SubmitMove(ctx, MoveRequest{HuntID: "missing", UserID: alice, WalletAddress: aliceWallet, TxHash: "0x1"})
	requireKind(t, err, KindNotFound)

	_, err = env.moves.SubmitMove(ctx, MoveRequest{HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0x1"})
	ge := requireKind(t, err, KindPrecondition)
	assert.Equal(t, "no lock", ge.Message)

	_, err = env.locks.ClaimTurn(ctx, h.ID, alice)
	require.NoError(t, err)

	_, err = env.moves.SubmitMove(ctx, MoveRequest{HuntID: h.ID, UserID: bob, WalletAddress: bobWallet, TxHash: "0x1"})
	ge = requireKind(t, err, KindLocked)
	assert.Equal(t, "lock held by someone else", ge.Message)

	env.clock.Advance(75 * time.Second)
	_, err = env.moves.SubmitMove(ctx, MoveRequest{HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0x1"})
	ge = requireKind(t, err, KindPrecondition)
	assert.Equal(t, "lock expired", ge.Message)
}

func TestSubmitMoveWithoutLedgerIDIsIntegrityError(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)
	require.NoError(t, env.db.Model(&models.Hunt{}).Where("id = ?", h.ID).Update("onchain_hunt_id", nil).Error)

	_, err := env.moves.SubmitMove(context.Background(), MoveRequest{HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0x1"})
	ge := requireKind(t, err, KindIntegrity)
	assert.Equal(t, "missing ledger identifier", ge.Message)
}

func TestRevertedTransactionReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)
	ctx := context.Background()

	_, err := env.locks.ClaimTurn(ctx, h.ID, alice)
	require.NoError(t, err)
	env.oracle.failWait("0xbad", ledger.ErrTransactionFailed)

	_, err = env.moves.SubmitMove(ctx, MoveRequest{HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0xbad"})
	ge := requireKind(t, err, KindOracle)
	assert.Equal(t, "on-chain transaction failed", ge.Message)
	assert.True(t, errors.Is(err, ledger.ErrTransactionFailed))

	assert.Equal(t, int64(0), countRows(t, env.db, &models.TurnLock{}, "hunt_id = ?", h.ID))
	assert.Equal(t, int64(0), countRows(t, env.db, &models.Move{}, "hunt_id = ?", h.ID))
}

func TestConfirmationTimeoutKeepsLock(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)
	ctx := context.Background()

	_, err := env.locks.ClaimTurn(ctx, h.ID, alice)
	require.NoError(t, err)

	_, err = env.moves.SubmitMove(ctx, MoveRequest{HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0xslow"})
	ge := requireKind(t, err, KindTimeout)
	assert.True(t, ge.Kind.Retryable())

	holds, err := env.locks.HoldsActiveLock(ctx, h.ID, alice)
	require.NoError(t, err)
	assert.True(t, holds)
}

func TestMoveIndexGapIsIntegrityErrorAndCommitsNothing(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)
	ctx := context.Background()

	_, err := env.locks.ClaimTurn(ctx, h.ID, alice)
	require.NoError(t, err)
	env.oracle.confirmMove("0xgap", *h.OnchainHuntID, aliceWallet, game.Position{X: 5, Y: 4}, 3, false)

	_, err = env.moves.SubmitMove(ctx, MoveRequest{HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0xgap"})
	requireKind(t, err, KindIntegrity)

	assert.Equal(t, int64(0), countRows(t, env.db, &models.Move{}, "hunt_id = ?", h.ID))
	holds, err := env.locks.HoldsActiveLock(ctx, h.ID, alice)
	require.NoError(t, err)
	assert.True(t, holds, "the holder keeps the turn after an unapplied move")
}

func TestMoveFallsBackToLedgerState(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)
	ctx := context.Background()

	_, err := env.locks.ClaimTurn(ctx, h.ID, alice)
	require.NoError(t, err)

	env.oracle.mu.Lock()
	env.oracle.receipts["0xnoevent"] = &ledger.Receipt{TxHash: "0xnoevent"}
	env.oracle.states[*h.OnchainHuntID] = &ledger.HuntState{Position: game.Position{X: 4, Y: 3}, MovesMade: 1, MaxMoves: 10, IsActive: true}
	env.oracle.mu.Unlock()

	view, err := env.moves.SubmitMove(ctx, MoveRequest{HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0xnoevent"})
	require.NoError(t, err)
	assert.Equal(t, game.Position{X: 4, Y: 3}, view.CurrentPosition)
	assert.Equal(t, "Move 1: Colder... Treasure lies South-East.", view.Moves[0].Hint)
}

func TestMoveBroadcastOrder(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)
	ctx := context.Background()

	_, err := env.locks.ClaimTurn(ctx, h.ID, alice)
	require.NoError(t, err)

	sub, err := env.broker.Subscribe(ctx, realtime.HuntTopic(h.ID), realtime.ListTopic)
	require.NoError(t, err)
	defer sub.Close()

	env.oracle.confirmMove("0xok", *h.OnchainHuntID, aliceWallet, game.Position{X: 5, Y: 4}, 1, false)
	_, err = env.moves.SubmitMove(ctx, MoveRequest{HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0xok"})
	require.NoError(t, err)

	var types []realtime.MessageType
	for len(types) < 3 {
		select {
		case e := <-sub.C():
			types = append(types, e.Message.Type)
			if e.Message.Type == realtime.TypeLockUpdate {
				assert.Nil(t, e.Message.Lock)
			}
			if e.Message.Type == realtime.TypeHuntUpdate {
				assert.Equal(t, 1, e.Message.Details.MovesMade)
			}
		case <-time.After(time.Second):
			t.Fatalf("got only %v", types)
		}
	}
	assert.Equal(t, []realtime.MessageType{realtime.TypeLockUpdate, realtime.TypeHuntUpdate, realtime.TypeListUpdate}, types)
}

func TestMoveIndicesStayGapless(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 0, Y: 0}, 10)

	players := []struct{ user, wallet string }{{alice, aliceWallet}, {bob, bobWallet}, {carol, carolWallet}}
	path := []game.Position{{X: 4, Y: 3}, {X: 3, Y: 3}, {X: 3, Y: 2}, {X: 2, Y: 2}, {X: 2, Y: 1}}
	for i, pos := range path {
		p := players[i%len(players)]
		env.play(t, h, p.user, p.wallet, pos, i+1)
	}

	var moves []models.Move
	require.NoError(t, env.db.Where("hunt_id = ?", h.ID).Order("move_index").Find(&moves).Error)
	require.Len(t, moves, len(path))
	for i, m := range moves {
		assert.Equal(t, i+1, m.MoveIndex)
		assert.Contains(t, m.Hint, "Warmer")
	}
}

func TestConcurrentSubmitsOfOneTxRecordOneMove(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)

	_, err := env.locks.ClaimTurn(context.Background(), h.ID, alice)
	require.NoError(t, err)
	env.oracle.confirmMove("0xsame", *h.OnchainHuntID, aliceWallet, game.Position{X: 5, Y: 4}, 1, false)

	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		failed []*GameError
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.moves.SubmitMove(context.Background(), MoveRequest{
				HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0xsame",
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			failed = append(failed, err.(*GameError))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, failed, n-1)
	for _, ge := range failed {
		assert.Contains(t, []ErrorKind{KindPrecondition, KindRace}, ge.Kind, ge.Error())
	}

	var moves []models.Move
	require.NoError(t, env.db.Where("hunt_id = ?", h.ID).Find(&moves).Error)
	require.Len(t, moves, 1)
	assert.Equal(t, 1, moves[0].MoveIndex)
	assert.Equal(t, "0xsame", moves[0].TxHash)
}

func TestConcurrentSubmitsKeepIndicesGapless(t *testing.T) {
	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 0, Y: 0}, 10)

	players := []struct{ user, wallet string }{{alice, aliceWallet}, {bob, bobWallet}}
	path := []game.Position{{X: 4, Y: 3}, {X: 3, Y: 3}, {X: 3, Y: 2}, {X: 2, Y: 2}}
	const perRound = 4

	for i, pos := range path {
		index := i + 1
		p := players[i%len(players)]
		_, err := env.locks.ClaimTurn(context.Background(), h.ID, p.user)
		require.NoError(t, err)

		// Every submitter claims the same index with its own transaction.
		for k := 0; k < perRound; k++ {
			env.oracle.confirmMove(fmt.Sprintf("0xround%d-%d", index, k), *h.OnchainHuntID, p.wallet, pos, index, false)
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for k := 0; k < perRound; k++ {
			wg.Add(1)
			go func(tx string) {
				defer wg.Done()
				_, err := env.moves.SubmitMove(context.Background(), MoveRequest{
					HuntID: h.ID, UserID: p.user, WalletAddress: p.wallet, TxHash: tx,
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
					return
				}
				assert.Contains(t, []ErrorKind{KindPrecondition, KindIntegrity, KindRace}, err.(*GameError).Kind, err.Error())
			}(fmt.Sprintf("0xround%d-%d", index, k))
		}
		wg.Wait()
		require.Equal(t, 1, wins, "round %d", index)
	}

	var moves []models.Move
	require.NoError(t, env.db.Where("hunt_id = ?", h.ID).Order("move_index").Find(&moves).Error)
	require.Len(t, moves, len(path))
	for i, m := range moves {
		assert.Equal(t, i+1, m.MoveIndex)
	}
}

func TestNonAdjacentLedgerMoveIsLoggedAndRecorded(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	env := newTestEnv(t)
	h := env.seedHunt(t, game.Position{X: 7, Y: 7}, 10)
	_, err := env.locks.ClaimTurn(context.Background(), h.ID, alice)
	require.NoError(t, err)

	env.oracle.confirmMove("0xjump", *h.OnchainHuntID, aliceWallet, game.Position{X: 0, Y: 0}, 1, false)
	view, err := env.moves.SubmitMove(context.Background(), MoveRequest{
		HuntID: h.ID, UserID: alice, WalletAddress: aliceWallet, TxHash: "0xjump",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, view.MovesMade)
	assert.Contains(t, buf.String(), "not adjacent")
}

type recordingGenerator struct {
	calls int
	err   error
}

func (g *recordingGenerator) Generate(ctx context.Context, h *models.Hunt) (*ArtifactRefs, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &ArtifactRefs{ImageURI: "https://cdn.test/epic.png", MetadataURI: "https://cdn.test/hunts/" + h.ID + "/metadata.json"}, nil
}

func TestTerminalMoveGeneratesArtifactsAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	gen := &recordingGenerator{}
	env.artifacts.Generator = gen
	h := env.seedHunt(t, game.Position{X: 5, Y: 4}, 10)

	view := env.play(t, h, alice, aliceWallet, game.Position{X: 5, Y: 4}, 1)
	assert.Equal(t, models.HuntWon, view.State)
	env.moves.Wait()

	var hunt models.Hunt
	require.NoError(t, env.db.First(&hunt, "id = ?", h.ID).Error)
	require.True(t, hunt.HasArtifacts())
	assert.Equal(t, 1, gen.calls)

	// Already recorded: nothing to retry.
	assert.Equal(t, 0, env.artifacts.RetryMissing(context.Background()))
	assert.Equal(t, 1, gen.calls)
}

func TestArtifactFailureDoesNotFailMove(t *testing.T) {
	env := newTestEnv(t)
	gen := &recordingGenerator{err: errors.New("bucket unavailable")}
	env.artifacts.Generator = gen
	h := env.seedHunt(t, game.Position{X: 5, Y: 4}, 10)

	view := env.play(t, h, alice, aliceWallet, game.Position{X: 5, Y: 4}, 1)
	assert.Equal(t, models.HuntWon, view.State)
	env.moves.Wait()

	gen.err = nil
	assert.Equal(t, 1, env.artifacts.RetryMissing(context.Background()))

	var hunt models.Hunt
	require.NoError(t, env.db.First(&hunt, "id = ?", h.ID).Error)
	assert.True(t, hunt.HasArtifacts())
}
