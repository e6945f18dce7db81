package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"treasure-hunt-system/config"
	"treasure-hunt-system/game"
)

// EthOracle is the Oracle backed by the hunt contract on an EVM chain.
type EthOracle struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address

	txMu sync.Mutex // serializes sends so nonces don't collide
	opts *bind.TransactOpts

	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// NewEthOracle dials the RPC endpoint and prepares a signer for the
// configured service key.
func NewEthOracle(ctx context.Context, cfg config.LedgerConfig, httpClient *http.Client) (*EthOracle, error) {
	rpcClient, err := rpc.DialOptions(ctx, cfg.RPCURL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the Ethereum client: %w", err)
	}
	client := ethclient.NewClient(rpcClient)

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid ETH_PRIVATE_KEY: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}

	parsed, err := ParseHuntABI()
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid HUNT_CONTRACT_ADDRESS %q", cfg.ContractAddress)
	}
	address := common.HexToAddress(cfg.ContractAddress)

	log.Printf("[LEDGER] Connected to %s (chain %d), hunt contract %s, signer %s",
		cfg.RPCURL, cfg.ChainID, address.Hex(), opts.From.Hex())

	return &EthOracle{
		client:         client,
		contract:       bind.NewBoundContract(address, parsed, client, client, client),
		abi:            parsed,
		address:        address,
		opts:           opts,
		PollInterval:   2 * time.Second,
		ConfirmTimeout: 120 * time.Second,
	}, nil
}

// Close releases the RPC connection.
func (o *EthOracle) Close() {
	o.client.Close()
}

func (o *EthOracle) transact(ctx context.Context, method string, params ...interface{}) (*types.Transaction, error) {
	o.txMu.Lock()
	defer o.txMu.Unlock()

	opts := *o.opts
	opts.Context = ctx
	tx, err := o.contract.Transact(&opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	log.Printf("[LEDGER] ➡️  %s sent: %s", method, tx.Hash().Hex())
	return tx, nil
}

// CreateHunt implements Oracle.
func (o *EthOracle) CreateHunt(ctx context.Context, commitment [32]byte, maxMoves int) (*CreationResult, error) {
	if maxMoves < 1 || maxMoves > 255 {
		return nil, fmt.Errorf("max moves %d does not fit the contract", maxMoves)
	}
	tx, err := o.transact(ctx, "createHunt", commitment, uint8(maxMoves))
	if err != nil {
		return nil, err
	}

	receipt, err := o.WaitForConfirmation(ctx, tx.Hash().Hex(), o.ConfirmTimeout)
	if err != nil {
		return nil, err
	}
	for _, ev := range receipt.Created {
		if ev.Commitment == commitment {
			return &CreationResult{TxHash: receipt.TxHash, HuntID: ev.HuntID}, nil
		}
	}
	return nil, fmt.Errorf("HuntCreated in %s: %w", receipt.TxHash, ErrEventNotFound)
}

// WaitForConfirmation implements Oracle by polling for the receipt.
func (o *EthOracle) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := o.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return o.toReceipt(receipt)
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			log.Printf("[LEDGER] ⚠️ receipt lookup for %s failed: %v", txHash, err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%s: %w", txHash, ErrConfirmationTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *EthOracle) toReceipt(r *types.Receipt) (*Receipt, error) {
	if r.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%s: %w", r.TxHash.Hex(), ErrTransactionFailed)
	}
	moves, ended, created, err := decodeLogs(o.abi, o.address, r.Logs)
	if err != nil {
		// Undecodable logs only cost us the fast path; ResolveMove reads state.
		log.Printf("[LEDGER] ⚠️ failed to decode logs of %s: %v", r.TxHash.Hex(), err)
	}
	out := &Receipt{
		TxHash:  r.TxHash.Hex(),
		Moves:   moves,
		Ended:   ended,
		Created: created,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

// ResolveMove implements Oracle.
func (o *EthOracle) ResolveMove(ctx context.Context, receipt *Receipt, huntID, player string) (*MoveOutcome, error) {
	if out, ok := MatchMoveEvent(receipt, huntID, player); ok {
		return out, nil
	}
	log.Printf("[LEDGER] No PlayerMoved event for hunt %s / %s, reading contract state", huntID, player)
	st, err := o.ReadHuntState(ctx, huntID)
	if err != nil {
		return nil, err
	}
	return OutcomeFromState(st), nil
}

// ReadHuntState implements Oracle.
func (o *EthOracle) ReadHuntState(ctx context.Context, huntID string) (*HuntState, error) {
	id, err := parseHuntID(huntID)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := o.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getHuntState", id); err != nil {
		return nil, fmt.Errorf("failed to call getHuntState: %w", err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("getHuntState returned %d values", len(out))
	}
	return &HuntState{
		Position:  game.Position{X: int(out[0].(uint8)), Y: int(out[1].(uint8))},
		MovesMade: int(out[2].(*big.Int).Int64()),
		MaxMoves:  int(out[3].(uint8)),
		IsActive:  out[4].(bool),
	}, nil
}

// StoredCommitment implements Oracle.
func (o *EthOracle) StoredCommitment(ctx context.Context, huntID string) ([32]byte, error) {
	id, err := parseHuntID(huntID)
	if err != nil {
		return [32]byte{}, err
	}
	var out []interface{}
	if err := o.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getTreasureCommitment", id); err != nil {
		return [32]byte{}, fmt.Errorf("failed to call getTreasureCommitment: %w", err)
	}
	if len(out) != 1 {
		return [32]byte{}, fmt.Errorf("getTreasureCommitment returned %d values", len(out))
	}
	return out[0].([32]byte), nil
}

// RevealTreasure implements Oracle.
func (o *EthOracle) RevealTreasure(ctx context.Context, huntID string, pos game.Position, treasureType uint8, salt [32]byte) (string, error) {
	id, err := parseHuntID(huntID)
	if err != nil {
		return "", err
	}
	tx, err := o.transact(ctx, "revealTreasure", id, uint8(pos.X), uint8(pos.Y), treasureType, salt)
	if err != nil {
		return "", err
	}
	receipt, err := o.WaitForConfirmation(ctx, tx.Hash().Hex(), o.ConfirmTimeout)
	if err != nil {
		return "", err
	}
	return receipt.TxHash, nil
}
