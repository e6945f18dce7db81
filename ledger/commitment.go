package ledger

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"treasure-hunt-system/game"
)

// NewSalt returns 32 random bytes for a treasure commitment.
func NewSalt() ([32]byte, error) {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// EncodeSalt renders a salt as 0x-prefixed hex for storage.
func EncodeSalt(salt [32]byte) string {
	return hexutil.Encode(salt[:])
}

// DecodeSalt parses a stored salt.
func DecodeSalt(s string) ([32]byte, error) {
	var salt [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return salt, fmt.Errorf("invalid salt encoding: %w", err)
	}
	if len(b) != 32 {
		return salt, fmt.Errorf("salt must be 32 bytes, got %d", len(b))
	}
	copy(salt[:], b)
	return salt, nil
}

// Commitment binds the treasure cell, kind and salt the same way the
// contract checks a reveal: keccak256(abi.encodePacked(uint8 x, uint8 y,
// uint8 kind, bytes32 salt)).
func Commitment(pos game.Position, treasureType uint8, salt [32]byte) ([32]byte, error) {
	if pos.X < 0 || pos.X > 255 || pos.Y < 0 || pos.Y > 255 {
		return [32]byte{}, fmt.Errorf("position %v does not fit uint8", pos)
	}
	packed := make([]byte, 0, 35)
	packed = append(packed, byte(pos.X), byte(pos.Y), treasureType)
	packed = append(packed, salt[:]...)
	return crypto.Keccak256Hash(packed), nil
}

// CommitmentHex is Commitment rendered as hex.
func CommitmentHex(c [32]byte) string {
	return common.Hash(c).Hex()
}
