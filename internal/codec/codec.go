// Package codec decodes the packed call formats accepted at the API edge
// into plain request types.
//
// A packed commit is one 32-byte big-endian word:
//
//	bits   0-127  amount
//	bits 128-135  commit type
//	bits 136-143  from-aggregate-balance flag
//	bits 144-151  pay-for-claim flag
//
// Packed keeper batches are a flat concatenation of 20-byte addresses.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/perppool/pool-engine/internal/fixed"
	"github.com/perppool/pool-engine/internal/model"
)

// WordSize is the byte length of a packed commit.
const WordSize = 32

var (
	ErrAmountTooLarge = errors.New("codec: amount does not fit in 128 bits")
	ErrBadLength      = errors.New("codec: bad packed length")
	ErrBadFlag        = errors.New("codec: flag must be 0 or 1")
	ErrDirtyBits      = errors.New("codec: reserved bits set")
)

var (
	amountMask = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))
	byteMask   = uint256.NewInt(0xff)
)

// EncodeCommitParams packs a commit request into a 32-byte word.
func EncodeCommitParams(req model.CommitRequest) ([WordSize]byte, error) {
	var out [WordSize]byte
	amount, err := fixed.ToUint256(req.Amount)
	if err != nil {
		return out, err
	}
	if amount.BitLen() > 128 {
		return out, fmt.Errorf("%w: %s", ErrAmountTooLarge, req.Amount)
	}
	if !req.Type.Valid() {
		return out, fmt.Errorf("codec: invalid commit type %d", uint8(req.Type))
	}
	w := new(uint256.Int).Set(amount)
	w.Or(w, new(uint256.Int).Lsh(uint256.NewInt(uint64(req.Type)), 128))
	if req.FromAggregateBalance {
		w.Or(w, new(uint256.Int).Lsh(uint256.NewInt(1), 136))
	}
	if req.PayForClaim {
		w.Or(w, new(uint256.Int).Lsh(uint256.NewInt(1), 144))
	}
	return w.Bytes32(), nil
}

// DecodeCommitParams unpacks a 32-byte word.
func DecodeCommitParams(word []byte) (model.CommitRequest, error) {
	if len(word) != WordSize {
		return model.CommitRequest{}, fmt.Errorf("%w: commit word is %d bytes", ErrBadLength, len(word))
	}
	w := new(uint256.Int).SetBytes(word)
	if new(uint256.Int).Rsh(w, 152).Sign() != 0 {
		return model.CommitRequest{}, ErrDirtyBits
	}

	amount := new(uint256.Int).And(w, amountMask)
	typ := model.CommitType(field(w, 128))
	if !typ.Valid() {
		return model.CommitRequest{}, fmt.Errorf("codec: invalid commit type %d", uint8(typ))
	}
	fromAgg, err := flag(field(w, 136))
	if err != nil {
		return model.CommitRequest{}, err
	}
	payForClaim, err := flag(field(w, 144))
	if err != nil {
		return model.CommitRequest{}, err
	}
	return model.CommitRequest{
		Type:                 typ,
		Amount:               fixed.FromUint256(amount),
		FromAggregateBalance: fromAgg,
		PayForClaim:          payForClaim,
	}, nil
}

// DecodeCommitHex accepts a packed commit as hex, with or without 0x.
func DecodeCommitHex(s string) (model.CommitRequest, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return model.CommitRequest{}, fmt.Errorf("codec: %w", err)
	}
	return DecodeCommitParams(b)
}

func field(w *uint256.Int, shift uint) uint8 {
	v := new(uint256.Int).Rsh(w, shift)
	return uint8(v.And(v, byteMask).Uint64())
}

func flag(v uint8) (bool, error) {
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: %d", ErrBadFlag, v)
}

// EncodeAddresses concatenates addresses.
func EncodeAddresses(addrs []common.Address) []byte {
	out := make([]byte, 0, len(addrs)*common.AddressLength)
	for _, a := range addrs {
		out = append(out, a.Bytes()...)
	}
	return out
}

// DecodeAddresses splits a concatenation of 20-byte addresses.
func DecodeAddresses(packed []byte) ([]common.Address, error) {
	if len(packed)%common.AddressLength != 0 {
		return nil, fmt.Errorf("%w: %d is not a multiple of %d", ErrBadLength, len(packed), common.AddressLength)
	}
	out := make([]common.Address, 0, len(packed)/common.AddressLength)
	for i := 0; i < len(packed); i += common.AddressLength {
		out = append(out, common.BytesToAddress(packed[i:i+common.AddressLength]))
	}
	return out, nil
}
