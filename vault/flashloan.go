package vault

import (
	"math/big"

	"github.com/holiman/uint256"
)

// FlashLoan lends the requested amounts to one recipient atomically. Tokens
// must be strictly ascending so the request can be validated in one pass.
// The recipient's hook runs while the operation lock is held; when it returns
// the engine pulls back principal plus fee per token, and any shortfall voids
// the whole loan. Pool accounting is untouched by a flash loan: the principal
// round-trips within the call and only the fee accrues.
func (e *Engine) FlashLoan(recipient FlashLoanRecipient, to Address, tokens []string, amounts []*big.Int, payload []byte) error {
	if err := e.authorize(to, OpFlashLoan); err != nil {
		return err
	}
	if recipient == nil || len(tokens) == 0 || len(tokens) != len(amounts) {
		return errKind(KindInvalidArgument)
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i-1] >= tokens[i] {
			return &Error{Kind: KindTokensNotSorted, Token: tokens[i]}
		}
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	fees := make([]*big.Int, len(tokens))
	repayments := make([]*big.Int, len(tokens))
	stagedFees := make(map[string]*uint256.Int)
	for i, token := range tokens {
		value, verr := toAmount(amounts[i])
		if verr != nil || value.IsZero() {
			return &Error{Kind: KindInvalidArgument, Token: token, Amount: cloneBig(amounts[i])}
		}
		if available := e.store.TotalCash(token); available.Lt(value) {
			return &Error{Kind: KindInsufficientBalance, Token: token, Amount: cloneBig(amounts[i])}
		}
		fees[i] = feeOnGiven(amounts[i], e.params.FlashLoanFeeBps)
		repayments[i] = new(big.Int).Add(amounts[i], fees[i])
		if err := e.stageFee(stagedFees, token, fees[i]); err != nil {
			return err
		}
	}

	// Disburse. A failed push voids everything already sent out.
	for i, token := range tokens {
		if err := e.gateway.Push(token, to, amounts[i]); err != nil {
			for j := 0; j < i; j++ {
				_ = e.gateway.Pull(tokens[j], to, amounts[j])
			}
			return &Error{Kind: KindTransferFailed, Token: token, Owner: to, Amount: cloneBig(amounts[i]), Cause: err}
		}
	}

	if err := recipient.ReceiveFlashLoan(tokens, amounts, fees, payload); err != nil {
		e.recoverPrincipal(to, tokens, amounts, 0)
		return &Error{Kind: KindFlashLoanNotRepaid, Owner: to, Cause: err}
	}

	// Collect principal plus fee. Failure on any token voids the loan:
	// repaid fees go back and outstanding principal is recovered.
	for i, token := range tokens {
		if err := e.gateway.Pull(token, to, repayments[i]); err != nil {
			for j := 0; j < i; j++ {
				_ = e.gateway.Push(tokens[j], to, fees[j])
			}
			e.recoverPrincipal(to, tokens, amounts, i)
			return &Error{Kind: KindFlashLoanNotRepaid, Owner: to, Token: token, Amount: cloneBig(repayments[i]), Cause: err}
		}
	}

	for token, value := range stagedFees {
		e.fees.set(token, value)
	}
	e.emitter.Emit(flashLoanEvent(to, tokens, amounts, fees))
	return nil
}

// recoverPrincipal attempts to claw back outstanding principal from index on.
// Best effort: the loan already failed and no accounting was credited, so any
// residual shortfall is a gateway-level dispute, not a ledger inconsistency.
func (e *Engine) recoverPrincipal(to Address, tokens []string, amounts []*big.Int, from int) {
	for i := from; i < len(tokens); i++ {
		_ = e.gateway.Pull(tokens[i], to, amounts[i])
	}
}
