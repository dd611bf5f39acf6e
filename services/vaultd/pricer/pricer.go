// Package pricer provides the reference pool pricers vaultd can bind at
// registration time.
package pricer

import (
	"errors"
	"fmt"
	"math/big"

	"tokenvault/vault"
)

// NameConstantProduct selects the constant-product pricer in API requests
// and config.
const NameConstantProduct = "constant-product"

var errInsufficientLiquidity = errors.New("pricer: insufficient pool liquidity")

// ByName constructs the pricer registered under the supplied name.
func ByName(name string) (vault.PoolPricer, error) {
	switch name {
	case NameConstantProduct:
		return ConstantProduct{}, nil
	default:
		return nil, fmt.Errorf("pricer: unknown pricer %q", name)
	}
}

// ConstantProduct prices swaps so the product of the two traded balances is
// preserved. Quoted outputs round down and quoted inputs round up, always in
// the pool's favor.
type ConstantProduct struct{}

// OnSwap implements vault.PoolPricer.
func (ConstantProduct) OnSwap(req vault.PoolSwapRequest) (*big.Int, error) {
	if req.IndexIn < 0 || req.IndexIn >= len(req.Balances) || req.IndexOut < 0 || req.IndexOut >= len(req.Balances) {
		return nil, fmt.Errorf("pricer: token index out of range")
	}
	balIn := req.Balances[req.IndexIn]
	balOut := req.Balances[req.IndexOut]
	if balIn.Sign() <= 0 || balOut.Sign() <= 0 {
		return nil, errInsufficientLiquidity
	}
	switch req.Kind {
	case vault.SwapGivenIn:
		// out = floor(balOut * in / (balIn + in))
		numerator := new(big.Int).Mul(balOut, req.Amount)
		denominator := new(big.Int).Add(balIn, req.Amount)
		return numerator.Quo(numerator, denominator), nil
	case vault.SwapGivenOut:
		if req.Amount.Cmp(balOut) >= 0 {
			return nil, errInsufficientLiquidity
		}
		// in = ceil(balIn * out / (balOut - out))
		numerator := new(big.Int).Mul(balIn, req.Amount)
		denominator := new(big.Int).Sub(balOut, req.Amount)
		quotient, remainder := new(big.Int).QuoRem(numerator, denominator, new(big.Int))
		if remainder.Sign() != 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
		return quotient, nil
	default:
		return nil, fmt.Errorf("pricer: unsupported swap kind %d", req.Kind)
	}
}
