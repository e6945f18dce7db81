package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"treasure-hunt-system/game"
)

const huntContractABI = `[
	{"type":"function","name":"createHunt","stateMutability":"nonpayable",
	 "inputs":[{"name":"treasureCommitment","type":"bytes32"},{"name":"maxMoves","type":"uint8"}],
	 "outputs":[{"name":"huntId","type":"uint256"}]},
	{"type":"function","name":"move","stateMutability":"nonpayable",
	 "inputs":[{"name":"huntId","type":"uint256"},{"name":"newX","type":"uint8"},{"name":"newY","type":"uint8"}],
	 "outputs":[]},
	{"type":"function","name":"revealTreasure","stateMutability":"nonpayable",
	 "inputs":[{"name":"huntId","type":"uint256"},{"name":"x","type":"uint8"},{"name":"y","type":"uint8"},
	           {"name":"treasureType","type":"uint8"},{"name":"salt","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"getHuntState","stateMutability":"view",
	 "inputs":[{"name":"huntId","type":"uint256"}],
	 "outputs":[{"name":"currentX","type":"uint8"},{"name":"currentY","type":"uint8"},
	            {"name":"movesMade","type":"uint256"},{"name":"maxMoves","type":"uint8"},{"name":"isActive","type":"bool"}]},
	{"type":"function","name":"getTreasureCommitment","stateMutability":"view",
	 "inputs":[{"name":"huntId","type":"uint256"}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"type":"event","name":"HuntCreated","anonymous":false,
	 "inputs":[{"indexed":true,"name":"huntId","type":"uint256"},{"indexed":true,"name":"creator","type":"address"},
	           {"indexed":false,"name":"treasureCommitment","type":"bytes32"}]},
	{"type":"event","name":"PlayerMoved","anonymous":false,
	 "inputs":[{"indexed":true,"name":"huntId","type":"uint256"},{"indexed":true,"name":"player","type":"address"},
	           {"indexed":false,"name":"newX","type":"uint8"},{"indexed":false,"name":"newY","type":"uint8"},
	           {"indexed":false,"name":"movesMade","type":"uint256"}]},
	{"type":"event","name":"HuntEnded","anonymous":false,
	 "inputs":[{"indexed":true,"name":"huntId","type":"uint256"},{"indexed":false,"name":"treasureFound","type":"bool"}]}
]`

// ParseHuntABI parses the hunt contract ABI.
func ParseHuntABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(huntContractABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse hunt ABI: %w", err)
	}
	return parsed, nil
}

// decodeLogs turns the hunt contract's logs in a receipt into typed events.
// Logs from other contracts and unknown topics are skipped.
func decodeLogs(parsed abi.ABI, contract common.Address, logs []*types.Log) (moves []MoveEvent, ended []HuntEndedEvent, created []HuntCreatedEvent, err error) {
	movedEv := parsed.Events["PlayerMoved"]
	endedEv := parsed.Events["HuntEnded"]
	createdEv := parsed.Events["HuntCreated"]

	for _, l := range logs {
		if l == nil || l.Address != contract || len(l.Topics) < 2 {
			continue
		}
		huntID := new(big.Int).SetBytes(l.Topics[1].Bytes()).String()

		switch l.Topics[0] {
		case movedEv.ID:
			if len(l.Topics) < 3 {
				continue
			}
			values, uerr := parsed.Unpack("PlayerMoved", l.Data)
			if uerr != nil {
				return nil, nil, nil, fmt.Errorf("failed to unpack PlayerMoved: %w", uerr)
			}
			moves = append(moves, MoveEvent{
				HuntID: huntID,
				Player: common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
				Position: game.Position{
					X: int(values[0].(uint8)),
					Y: int(values[1].(uint8)),
				},
				MovesMade: int(values[2].(*big.Int).Int64()),
			})
		case endedEv.ID:
			values, uerr := parsed.Unpack("HuntEnded", l.Data)
			if uerr != nil {
				return nil, nil, nil, fmt.Errorf("failed to unpack HuntEnded: %w", uerr)
			}
			ended = append(ended, HuntEndedEvent{HuntID: huntID, TreasureFound: values[0].(bool)})
		case createdEv.ID:
			if len(l.Topics) < 3 {
				continue
			}
			values, uerr := parsed.Unpack("HuntCreated", l.Data)
			if uerr != nil {
				return nil, nil, nil, fmt.Errorf("failed to unpack HuntCreated: %w", uerr)
			}
			created = append(created, HuntCreatedEvent{
				HuntID:     huntID,
				Creator:    common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
				Commitment: values[0].([32]byte),
			})
		}
	}
	return moves, ended, created, nil
}

func parseHuntID(huntID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(huntID, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid on-chain hunt id %q", huntID)
	}
	return id, nil
}
