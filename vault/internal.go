package vault

import (
	"math/big"

	"github.com/holiman/uint256"
)

type internalKey struct {
	owner Address
	token string
}

// InternalLedger holds per-owner, per-token pre-funded balances. It is a pure
// balance store: funding and draining against the transfer gateway is the
// engine's job. Accounts are created lazily and dropped when they return to
// zero. Not safe for concurrent use; the engine serializes access.
type InternalLedger struct {
	balances map[internalKey]*uint256.Int
}

// NewInternalLedger returns an empty ledger.
func NewInternalLedger() *InternalLedger {
	return &InternalLedger{balances: make(map[internalKey]*uint256.Int)}
}

// Balance returns the owner's current balance for token.
func (l *InternalLedger) Balance(owner Address, token string) *big.Int {
	if bal, ok := l.balances[internalKey{owner, token}]; ok {
		return bal.ToBig()
	}
	return big.NewInt(0)
}

// Credit adds amount to the owner's balance.
func (l *InternalLedger) Credit(owner Address, token string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	key := internalKey{owner, token}
	bal, ok := l.balances[key]
	if !ok {
		l.balances[key] = new(uint256.Int).Set(amount)
		return nil
	}
	if _, carry := bal.AddOverflow(bal, amount); carry {
		// AddOverflow stored the wrapped sum; subtract to restore the balance.
		bal.Sub(bal, amount)
		return &Error{Kind: KindArithmeticOverflow, Owner: owner, Token: token, Amount: amount.ToBig()}
	}
	return nil
}

// Debit removes amount from the owner's balance, failing if it exceeds the
// current balance.
func (l *InternalLedger) Debit(owner Address, token string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	key := internalKey{owner, token}
	bal, ok := l.balances[key]
	if !ok || bal.Lt(amount) {
		return &Error{
			Kind:   KindInsufficientInternalBalance,
			Owner:  owner,
			Token:  token,
			Amount: amount.ToBig(),
		}
	}
	bal.Sub(bal, amount)
	if bal.IsZero() {
		delete(l.balances, key)
	}
	return nil
}

// Transfer moves amount between two owners without touching the gateway.
func (l *InternalLedger) Transfer(from, to Address, token string, amount *uint256.Int) error {
	if err := l.Debit(from, token, amount); err != nil {
		return err
	}
	if err := l.Credit(to, token, amount); err != nil {
		// Credit can only fail on overflow; restore the debited side.
		_ = l.Credit(from, token, amount)
		return err
	}
	return nil
}

// balanceValue returns a copy of the owner's balance in the engine's balance
// representation.
func (l *InternalLedger) balanceValue(owner Address, token string) *uint256.Int {
	if bal, ok := l.balances[internalKey{owner, token}]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// each visits all non-zero accounts; iteration order is unspecified.
func (l *InternalLedger) each(fn func(owner Address, token string, amount *uint256.Int)) {
	for key, bal := range l.balances {
		fn(key.owner, key.token, bal)
	}
}
