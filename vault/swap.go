package vault

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var errNoPricer = errors.New("no pricer bound to pool")

type poolTokenKey struct {
	pool  PoolID
	token string
}

// balanceOverlay stages cash mutations on top of the pool store so that a
// multi-step operation observes its own earlier steps while the store itself
// stays untouched until commit. Commit cannot fail: every staged value was
// validated by addCash when it was applied.
type balanceOverlay struct {
	store  *PoolStore
	staged map[poolTokenKey]*uint256.Int
}

func newOverlay(store *PoolStore) *balanceOverlay {
	return &balanceOverlay{store: store, staged: make(map[poolTokenKey]*uint256.Int)}
}

func (o *balanceOverlay) cash(pool PoolID, token string) (*uint256.Int, error) {
	if v, ok := o.staged[poolTokenKey{pool, token}]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return o.store.cashValue(pool, token)
}

func (o *balanceOverlay) apply(pool PoolID, token string, delta *big.Int) error {
	current, err := o.cash(pool, token)
	if err != nil {
		return err
	}
	next, kind := addCash(current, delta)
	if kind != "" {
		return &Error{Kind: kind, Pool: pool, Token: token, Amount: cloneBig(delta)}
	}
	o.staged[poolTokenKey{pool, token}] = next
	return nil
}

func (o *balanceOverlay) commit() {
	for key, v := range o.staged {
		o.store.setCash(key.pool, key.token, v)
	}
}

// stageFee validates and stages a protocol fee accrual. The staged map holds
// the final collected value per token so the later commit is a plain write.
func (e *Engine) stageFee(staged map[string]*uint256.Int, token string, fee *big.Int) error {
	if fee == nil || fee.Sign() == 0 {
		return nil
	}
	amount, verr := toAmount(fee)
	if verr != nil {
		return verr
	}
	base, ok := staged[token]
	if !ok {
		base = e.fees.collectedValue(token)
	}
	next := new(uint256.Int)
	if _, carry := next.AddOverflow(base, amount); carry {
		return &Error{Kind: KindArithmeticOverflow, Token: token, Amount: cloneBig(fee)}
	}
	staged[token] = next
	return nil
}

// stepOutcome summarises one resolved swap step for events and delta netting.
type stepOutcome struct {
	pool      PoolID
	kind      SwapKind
	tokenIn   string
	tokenOut  string
	amountIn  *big.Int // what the caller owes, fee included where applicable
	amountOut *big.Int // what the caller receives
	fee       *big.Int
	// calculated is the pricer-determined side: amountOut for given-in,
	// amountIn for given-out. Feeds the next step's sentinel amount.
	calculated *big.Int
}

// runStep resolves one swap step against the overlay: fee netting, pricing
// callback, and staged balance updates. No engine state is mutated.
func (e *Engine) runStep(ov *balanceOverlay, stagedFees map[string]*uint256.Int, pool PoolID, kind SwapKind, tokenIn, tokenOut string, amount *big.Int, sender Address, userData []byte) (*stepOutcome, error) {
	if tokenIn == "" || tokenOut == "" || tokenIn == tokenOut {
		return nil, &Error{Kind: KindInvalidArgument, Pool: pool, Token: tokenIn}
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, &Error{Kind: KindInvalidArgument, Pool: pool, Amount: cloneBig(amount)}
	}
	record, ok := e.store.pools[pool]
	if !ok {
		return nil, &Error{Kind: KindUnregisteredPoolOrToken, Pool: pool}
	}
	tokens := record.tokens()
	indexIn, indexOut := -1, -1
	for i, token := range tokens {
		if token == tokenIn {
			indexIn = i
		}
		if token == tokenOut {
			indexOut = i
		}
	}
	if indexIn < 0 {
		return nil, errPoolToken(KindUnregisteredPoolOrToken, pool, tokenIn)
	}
	if indexOut < 0 {
		return nil, errPoolToken(KindUnregisteredPoolOrToken, pool, tokenOut)
	}
	pricer, ok := e.pricers[pool]
	if !ok {
		return nil, &Error{Kind: KindPricerRejected, Pool: pool, Cause: errNoPricer}
	}

	// Pricers see total balances (cash plus managed) as of the previous step.
	balances := make([]*big.Int, len(tokens))
	for i, token := range tokens {
		cash, err := ov.cash(pool, token)
		if err != nil {
			return nil, err
		}
		_, managed, _ := record.balance(token)
		balances[i] = new(big.Int).Add(cash.ToBig(), managed.ToBig())
	}

	// The protocol fee is a fraction of the amount on the given side, rounded
	// toward the protocol. Given-in: the pool is credited net of fee.
	// Given-out: the fee is charged on top of the quoted outflow, so the pool
	// pays out amount+fee and the pricer prices the full outflow.
	fee := feeOnGiven(amount, e.params.SwapFeeBps)
	priced := new(big.Int).Set(amount)
	if kind == SwapGivenIn {
		priced.Sub(priced, fee)
		if priced.Sign() <= 0 {
			return nil, &Error{Kind: KindInvalidArgument, Pool: pool, Token: tokenIn, Amount: cloneBig(amount)}
		}
	} else {
		priced.Add(priced, fee)
	}

	calculated, err := pricer.OnSwap(PoolSwapRequest{
		Pool:     pool,
		Kind:     kind,
		TokenIn:  tokenIn,
		TokenOut: tokenOut,
		IndexIn:  indexIn,
		IndexOut: indexOut,
		Amount:   priced,
		Balances: balances,
		Sender:   sender,
		UserData: userData,
	})
	if err != nil {
		return nil, &Error{Kind: KindPricerRejected, Pool: pool, Cause: err}
	}
	if calculated == nil || calculated.Sign() < 0 {
		return nil, &Error{Kind: KindPricerRejected, Pool: pool, Amount: cloneBig(calculated)}
	}

	outcome := &stepOutcome{
		pool:       pool,
		kind:       kind,
		tokenIn:    tokenIn,
		tokenOut:   tokenOut,
		fee:        fee,
		calculated: new(big.Int).Set(calculated),
	}
	var inDelta, outDelta *big.Int
	var feeToken string
	if kind == SwapGivenIn {
		outcome.amountIn = new(big.Int).Set(amount)
		outcome.amountOut = new(big.Int).Set(calculated)
		inDelta = priced // net of fee
		outDelta = new(big.Int).Neg(calculated)
		feeToken = tokenIn
	} else {
		outcome.amountIn = new(big.Int).Set(calculated)
		outcome.amountOut = new(big.Int).Set(amount)
		inDelta = calculated
		outDelta = new(big.Int).Neg(priced) // amount plus fee
		feeToken = tokenOut
	}
	if err := ov.apply(pool, tokenIn, inDelta); err != nil {
		return nil, err
	}
	if err := ov.apply(pool, tokenOut, outDelta); err != nil {
		return nil, err
	}
	if err := e.stageFee(stagedFees, feeToken, fee); err != nil {
		return nil, err
	}
	return outcome, nil
}

// transferLeg is one planned gateway movement.
type transferLeg struct {
	token        string
	counterparty Address
	amount       *big.Int
}

// ledgerLeg is one planned internal balance movement.
type ledgerLeg struct {
	owner  Address
	token  string
	amount *uint256.Int
}

// settlement is the fully validated plan for moving a batch's net deltas.
type settlement struct {
	pulls           []transferLeg
	pushes          []transferLeg
	internalDebits  []ledgerLeg
	internalCredits []ledgerLeg
}

// planSettlement converts per-asset net deltas into gateway and internal
// ledger legs. Positive delta: the caller owes, drawn first from internal
// balance when requested. Negative delta: the caller is owed.
func (e *Engine) planSettlement(assets []string, deltas []*big.Int, funds FundManagement) (*settlement, error) {
	plan := &settlement{}
	for i, token := range assets {
		delta := deltas[i]
		if delta == nil || delta.Sign() == 0 {
			continue
		}
		if delta.Sign() > 0 {
			owed, verr := toAmount(delta)
			if verr != nil {
				return nil, verr
			}
			remaining := new(uint256.Int).Set(owed)
			if funds.FromInternal {
				available := e.internal.balanceValue(funds.Sender, token)
				use := available
				if remaining.Lt(available) {
					use = remaining
				}
				if !use.IsZero() {
					plan.internalDebits = append(plan.internalDebits, ledgerLeg{funds.Sender, token, new(uint256.Int).Set(use)})
					remaining = new(uint256.Int).Sub(remaining, use)
				}
			}
			if !remaining.IsZero() {
				plan.pulls = append(plan.pulls, transferLeg{token, funds.Sender, remaining.ToBig()})
			}
			continue
		}
		owed, verr := toAmount(new(big.Int).Neg(delta))
		if verr != nil {
			return nil, verr
		}
		if funds.ToInternal {
			current := e.internal.balanceValue(funds.Recipient, token)
			if _, carry := new(uint256.Int).AddOverflow(current, owed); carry {
				return nil, &Error{Kind: KindArithmeticOverflow, Owner: funds.Recipient, Token: token, Amount: owed.ToBig()}
			}
			plan.internalCredits = append(plan.internalCredits, ledgerLeg{funds.Recipient, token, owed})
			continue
		}
		plan.pushes = append(plan.pushes, transferLeg{token, funds.Recipient, owed.ToBig()})
	}
	return plan, nil
}

// executeTransfers runs the plan's gateway legs while the operation lock is
// held. On failure, completed legs are compensated best-effort and the
// operation aborts before any accounting is credited.
func (e *Engine) executeTransfers(plan *settlement) error {
	for i, leg := range plan.pulls {
		if err := e.gateway.Pull(leg.token, leg.counterparty, leg.amount); err != nil {
			for _, done := range plan.pulls[:i] {
				_ = e.gateway.Push(done.token, done.counterparty, done.amount)
			}
			return &Error{Kind: KindTransferFailed, Token: leg.token, Owner: leg.counterparty, Amount: cloneBig(leg.amount), Cause: err}
		}
	}
	for i, leg := range plan.pushes {
		if err := e.gateway.Push(leg.token, leg.counterparty, leg.amount); err != nil {
			for _, done := range plan.pushes[:i] {
				_ = e.gateway.Pull(done.token, done.counterparty, done.amount)
			}
			for _, done := range plan.pulls {
				_ = e.gateway.Push(done.token, done.counterparty, done.amount)
			}
			return &Error{Kind: KindTransferFailed, Token: leg.token, Owner: leg.counterparty, Amount: cloneBig(leg.amount), Cause: err}
		}
	}
	return nil
}

// commitSwap applies the staged accounting. All inputs were validated during
// planning, so failure here indicates an engine bug.
func (e *Engine) commitSwap(ov *balanceOverlay, stagedFees map[string]*uint256.Int, plan *settlement) error {
	for _, leg := range plan.internalDebits {
		if err := e.internal.Debit(leg.owner, leg.token, leg.amount); err != nil {
			return err
		}
	}
	for _, leg := range plan.internalCredits {
		if err := e.internal.Credit(leg.owner, leg.token, leg.amount); err != nil {
			return err
		}
	}
	ov.commit()
	for token, value := range stagedFees {
		e.fees.set(token, value)
	}
	return nil
}

// Swap executes a single swap against one pool. It returns the calculated
// amount: the output for given-in swaps, the input for given-out swaps.
func (e *Engine) Swap(single SingleSwap, funds FundManagement, limit *big.Int, deadline int64) (*big.Int, error) {
	if err := e.authorize(funds.Sender, OpSwap); err != nil {
		return nil, err
	}
	if limit == nil {
		return nil, errKind(KindInvalidArgument)
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := e.checkDeadline(deadline); err != nil {
		return nil, err
	}

	ov := newOverlay(e.store)
	stagedFees := make(map[string]*uint256.Int)
	outcome, err := e.runStep(ov, stagedFees, single.Pool, single.Kind, single.TokenIn, single.TokenOut, single.Amount, funds.Sender, single.UserData)
	if err != nil {
		return nil, err
	}
	if single.Kind == SwapGivenIn {
		if outcome.amountOut.Cmp(limit) < 0 {
			return nil, &Error{Kind: KindSwapLimitExceeded, Pool: single.Pool, Token: single.TokenOut, Amount: cloneBig(outcome.amountOut), Limit: cloneBig(limit)}
		}
	} else if outcome.amountIn.Cmp(limit) > 0 {
		return nil, &Error{Kind: KindSwapLimitExceeded, Pool: single.Pool, Token: single.TokenIn, Amount: cloneBig(outcome.amountIn), Limit: cloneBig(limit)}
	}

	assets := []string{single.TokenIn, single.TokenOut}
	deltas := []*big.Int{outcome.amountIn, new(big.Int).Neg(outcome.amountOut)}
	plan, err := e.planSettlement(assets, deltas, funds)
	if err != nil {
		return nil, err
	}
	if err := e.executeTransfers(plan); err != nil {
		return nil, err
	}
	if err := e.commitSwap(ov, stagedFees, plan); err != nil {
		return nil, err
	}
	e.emitter.Emit(swapEvent(outcome.pool, outcome.kind, outcome.tokenIn, outcome.tokenOut, outcome.amountIn, outcome.amountOut, outcome.fee))
	return outcome.calculated, nil
}

// BatchSwap executes an ordered sequence of steps, netting per-asset amounts
// into one settlement. A step with a nil or zero amount consumes the
// calculated amount of the immediately preceding step. The returned slice
// holds each asset's net delta under the batch's sign convention: positive
// means the caller paid, negative means the caller received.
func (e *Engine) BatchSwap(kind SwapKind, steps []SwapStep, assets []string, funds FundManagement, limits []*big.Int, deadline int64) ([]*big.Int, error) {
	if err := e.authorize(funds.Sender, OpBatchSwap); err != nil {
		return nil, err
	}
	if len(steps) == 0 || len(assets) == 0 || len(limits) != len(assets) {
		return nil, errKind(KindInvalidArgument)
	}
	assetIndex := make(map[string]int, len(assets))
	for i, asset := range assets {
		if asset == "" {
			return nil, errKind(KindInvalidArgument)
		}
		if _, dup := assetIndex[asset]; dup {
			return nil, &Error{Kind: KindInvalidArgument, Token: asset}
		}
		if limits[i] == nil {
			return nil, &Error{Kind: KindInvalidArgument, Token: asset}
		}
		assetIndex[asset] = i
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := e.checkDeadline(deadline); err != nil {
		return nil, err
	}

	ov := newOverlay(e.store)
	stagedFees := make(map[string]*uint256.Int)
	deltas := make([]*big.Int, len(assets))
	for i := range deltas {
		deltas[i] = new(big.Int)
	}
	outcomes := make([]*stepOutcome, 0, len(steps))
	var previous *stepOutcome
	for _, step := range steps {
		indexIn, ok := assetIndex[step.TokenIn]
		if !ok {
			return nil, &Error{Kind: KindInvalidArgument, Pool: step.Pool, Token: step.TokenIn}
		}
		indexOut, ok := assetIndex[step.TokenOut]
		if !ok {
			return nil, &Error{Kind: KindInvalidArgument, Pool: step.Pool, Token: step.TokenOut}
		}
		amount := step.Amount
		if amount == nil || amount.Sign() == 0 {
			// Multi-hop sentinel: chain the previous step's calculated amount.
			// The given side of this step must be the calculated side of the
			// previous one or the amount would be in the wrong token.
			if previous == nil {
				return nil, &Error{Kind: KindInvalidArgument, Pool: step.Pool}
			}
			if kind == SwapGivenIn && step.TokenIn != previous.tokenOut {
				return nil, &Error{Kind: KindInvalidArgument, Pool: step.Pool, Token: step.TokenIn}
			}
			if kind == SwapGivenOut && step.TokenOut != previous.tokenIn {
				return nil, &Error{Kind: KindInvalidArgument, Pool: step.Pool, Token: step.TokenOut}
			}
			amount = previous.calculated
		}
		outcome, err := e.runStep(ov, stagedFees, step.Pool, kind, step.TokenIn, step.TokenOut, amount, funds.Sender, step.UserData)
		if err != nil {
			return nil, err
		}
		deltas[indexIn].Add(deltas[indexIn], outcome.amountIn)
		deltas[indexOut].Sub(deltas[indexOut], outcome.amountOut)
		outcomes = append(outcomes, outcome)
		previous = outcome
	}

	for i, delta := range deltas {
		if delta.Cmp(limits[i]) > 0 {
			return nil, &Error{Kind: KindSwapLimitExceeded, Token: assets[i], Amount: cloneBig(delta), Limit: cloneBig(limits[i])}
		}
	}

	plan, err := e.planSettlement(assets, deltas, funds)
	if err != nil {
		return nil, err
	}
	if err := e.executeTransfers(plan); err != nil {
		return nil, err
	}
	if err := e.commitSwap(ov, stagedFees, plan); err != nil {
		return nil, err
	}
	for _, outcome := range outcomes {
		e.emitter.Emit(swapEvent(outcome.pool, outcome.kind, outcome.tokenIn, outcome.tokenOut, outcome.amountIn, outcome.amountOut, outcome.fee))
	}
	result := make([]*big.Int, len(deltas))
	for i, delta := range deltas {
		result[i] = new(big.Int).Set(delta)
	}
	return result, nil
}
