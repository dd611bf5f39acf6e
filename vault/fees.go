package vault

import (
	"math/big"

	"github.com/holiman/uint256"
)

// FeeAccumulator tracks protocol fees collected per token. Balances only grow
// through Accrue and shrink through explicit withdrawal by the fee-collection
// authority. Not safe for concurrent use; the engine serializes access.
type FeeAccumulator struct {
	collected map[string]*uint256.Int
}

// NewFeeAccumulator returns an empty accumulator.
func NewFeeAccumulator() *FeeAccumulator {
	return &FeeAccumulator{collected: make(map[string]*uint256.Int)}
}

// Collected returns the accumulated fee balance for token.
func (f *FeeAccumulator) Collected(token string) *big.Int {
	if bal, ok := f.collected[token]; ok {
		return bal.ToBig()
	}
	return big.NewInt(0)
}

// Accrue adds amount to the token's collected total. Overflow indicates a
// systemic accounting break and is the only failure mode.
func (f *FeeAccumulator) Accrue(token string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	bal, ok := f.collected[token]
	if !ok {
		f.collected[token] = new(uint256.Int).Set(amount)
		return nil
	}
	if _, carry := bal.AddOverflow(bal, amount); carry {
		bal.Sub(bal, amount)
		return &Error{Kind: KindArithmeticOverflow, Token: token, Amount: amount.ToBig()}
	}
	return nil
}

// Withdraw removes amount from the token's collected total. The engine gates
// the caller; the accumulator only enforces a non-negative result.
func (f *FeeAccumulator) Withdraw(token string, amount *uint256.Int) error {
	bal, ok := f.collected[token]
	if !ok || bal.Lt(amount) {
		return &Error{Kind: KindInsufficientBalance, Token: token, Amount: amount.ToBig()}
	}
	bal.Sub(bal, amount)
	if bal.IsZero() {
		delete(f.collected, token)
	}
	return nil
}

// collectedValue returns a copy of the token's collected total in the
// engine's balance representation.
func (f *FeeAccumulator) collectedValue(token string) *uint256.Int {
	if bal, ok := f.collected[token]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// set overwrites the token's collected total with an already validated value.
// Used by the resolver's commit phase.
func (f *FeeAccumulator) set(token string, v *uint256.Int) {
	if v.IsZero() {
		delete(f.collected, token)
		return
	}
	f.collected[token] = new(uint256.Int).Set(v)
}

// each visits all non-zero fee balances; iteration order is unspecified.
func (f *FeeAccumulator) each(fn func(token string, amount *uint256.Int)) {
	for token, bal := range f.collected {
		fn(token, bal)
	}
}
