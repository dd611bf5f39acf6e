package vault

import "errors"

// Fee rates are expressed in basis points of the amount on the given side.
const (
	maxSwapFeeBps      = 1_000 // 10%
	maxFlashLoanFeeBps = 1_000
)

var (
	errSwapFeeTooHigh      = errors.New("vault params: swap fee exceeds cap")
	errFlashLoanFeeTooHigh = errors.New("vault params: flash loan fee exceeds cap")
)

// Params carries the engine's configured protocol rates.
type Params struct {
	SwapFeeBps      uint64
	FlashLoanFeeBps uint64
}

// Validate enforces the fee caps.
func (p Params) Validate() error {
	if p.SwapFeeBps > maxSwapFeeBps {
		return errSwapFeeTooHigh
	}
	if p.FlashLoanFeeBps > maxFlashLoanFeeBps {
		return errFlashLoanFeeTooHigh
	}
	return nil
}
