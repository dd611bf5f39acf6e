package vault

import (
	"math/big"
	"strconv"
)

// Event is the wire-agnostic record emitted after every successful mutating
// operation.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives engine events. Implementations must not call back into the
// engine: events are emitted while the operation lock is held.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter drops all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

const (
	TypePoolRegistered   = "vault.pool.registered"
	TypeTokensRegistered = "vault.pool.tokens_registered"
	TypePoolFunded       = "vault.pool.funded"
	TypeSwap             = "vault.swap"
	TypeFlashLoan        = "vault.flash_loan"
	TypeInternalBalance  = "vault.internal_balance"
	TypeManagedUpdated   = "vault.managed_updated"
	TypeFeesWithdrawn    = "vault.fees_withdrawn"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func poolRegisteredEvent(id PoolID, spec PoolSpecialization) Event {
	return Event{Type: TypePoolRegistered, Attributes: map[string]string{
		"pool":           id.String(),
		"specialization": spec.String(),
	}}
}

func tokensRegisteredEvent(id PoolID, tokens []string) Event {
	attrs := map[string]string{"pool": id.String(), "count": strconv.Itoa(len(tokens))}
	for i, token := range tokens {
		attrs["token."+strconv.Itoa(i)] = token
	}
	return Event{Type: TypeTokensRegistered, Attributes: attrs}
}

func poolFundedEvent(pool PoolID, token string, amount *big.Int, from Address) Event {
	return Event{Type: TypePoolFunded, Attributes: map[string]string{
		"pool":   pool.String(),
		"token":  token,
		"amount": formatAmount(amount),
		"from":   from.String(),
	}}
}

func swapEvent(pool PoolID, kind SwapKind, tokenIn, tokenOut string, amountIn, amountOut, fee *big.Int) Event {
	return Event{Type: TypeSwap, Attributes: map[string]string{
		"pool":      pool.String(),
		"kind":      kind.String(),
		"tokenIn":   tokenIn,
		"tokenOut":  tokenOut,
		"amountIn":  formatAmount(amountIn),
		"amountOut": formatAmount(amountOut),
		"fee":       formatAmount(fee),
	}}
}

func flashLoanEvent(to Address, tokens []string, amounts, fees []*big.Int) Event {
	attrs := map[string]string{
		"recipient": to.String(),
		"count":     strconv.Itoa(len(tokens)),
	}
	for i, token := range tokens {
		idx := strconv.Itoa(i)
		attrs["token."+idx] = token
		attrs["amount."+idx] = formatAmount(amounts[i])
		attrs["fee."+idx] = formatAmount(fees[i])
	}
	return Event{Type: TypeFlashLoan, Attributes: attrs}
}

func internalBalanceEvent(op string, owner Address, token string, amount *big.Int) Event {
	return Event{Type: TypeInternalBalance, Attributes: map[string]string{
		"op":     op,
		"owner":  owner.String(),
		"token":  token,
		"amount": formatAmount(amount),
	}}
}

func managedUpdatedEvent(pool PoolID, token string, delta *big.Int) Event {
	return Event{Type: TypeManagedUpdated, Attributes: map[string]string{
		"pool":  pool.String(),
		"token": token,
		"delta": formatAmount(delta),
	}}
}

func feesWithdrawnEvent(token string, amount *big.Int, to Address) Event {
	return Event{Type: TypeFeesWithdrawn, Attributes: map[string]string{
		"token":  token,
		"amount": formatAmount(amount),
		"to":     to.String(),
	}}
}
