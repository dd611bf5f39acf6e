package vault

import (
	"math/big"

	"github.com/holiman/uint256"
)

var bpsDenominator = big.NewInt(10_000)

// toAmount converts a caller-supplied amount into the engine's balance
// representation. Negative or over-wide values are rejected.
func toAmount(v *big.Int) (*uint256.Int, *Error) {
	if v == nil || v.Sign() < 0 {
		return nil, &Error{Kind: KindInvalidArgument, Amount: v}
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, &Error{Kind: KindArithmeticOverflow, Amount: v}
	}
	return u, nil
}

// addCash returns balance+delta for a signed delta, reporting whether the
// result would go negative or exceed the 256-bit bound.
func addCash(balance *uint256.Int, delta *big.Int) (*uint256.Int, Kind) {
	if delta == nil || delta.Sign() == 0 {
		return new(uint256.Int).Set(balance), ""
	}
	mag, overflow := uint256.FromBig(new(big.Int).Abs(delta))
	if overflow {
		return nil, KindArithmeticOverflow
	}
	out := new(uint256.Int)
	if delta.Sign() > 0 {
		if _, carry := out.AddOverflow(balance, mag); carry {
			return nil, KindArithmeticOverflow
		}
		return out, ""
	}
	if balance.Lt(mag) {
		return nil, KindInsufficientBalance
	}
	return out.Sub(balance, mag), ""
}

// feeOnGiven computes the protocol fee for an amount on the given side,
// rounding up so the remainder is what rounds down.
func feeOnGiven(amount *big.Int, feeBps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || feeBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(feeBps))
	fee.Add(fee, new(big.Int).Sub(bpsDenominator, big.NewInt(1)))
	return fee.Quo(fee, bpsDenominator)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
