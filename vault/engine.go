package vault

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Engine is the custodial ledger facade. It owns the pool balance store, the
// internal balance ledger, and the fee accumulator, and exposes every
// caller-facing operation behind a single operation lock. Construct one per
// process and share it; all mutable state is private.
type Engine struct {
	mu sync.Mutex

	store    *PoolStore
	internal *InternalLedger
	fees     *FeeAccumulator
	pricers  map[PoolID]PoolPricer

	gateway TransferGateway
	auth    Authorizer
	emitter Emitter
	params  Params
	nowFn   func() int64
}

// NewEngine constructs an engine with empty state and a no-op emitter.
func NewEngine(gateway TransferGateway, params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		store:    NewPoolStore(),
		internal: NewInternalLedger(),
		fees:     NewFeeAccumulator(),
		pricers:  make(map[PoolID]PoolPricer),
		gateway:  gateway,
		emitter:  NoopEmitter{},
		params:   params,
		nowFn:    func() int64 { return time.Now().Unix() },
	}, nil
}

// SetAuthorizer installs the authorization gate. A nil authorizer allows all
// callers.
func (e *Engine) SetAuthorizer(auth Authorizer) { e.auth = auth }

// SetEmitter installs the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the engine clock. Intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// lock acquires the operation lock without blocking. A contended lock means
// either a concurrent operation or a reentrant call from inside a callback;
// both are rejected with ReentrantCall rather than risking a deadlock.
func (e *Engine) lock() error {
	if !e.mu.TryLock() {
		return errKind(KindReentrantCall)
	}
	return nil
}

func (e *Engine) authorize(caller Address, operation string) error {
	if e.auth == nil || e.auth.Allow(caller, operation) {
		return nil
	}
	return &Error{Kind: KindNotAuthorized, Owner: caller}
}

func (e *Engine) checkDeadline(deadline int64) error {
	if now := e.nowFn(); now > deadline {
		return &Error{Kind: KindDeadlineExpired, Cause: fmt.Errorf("deadline %d passed at %d", deadline, now)}
	}
	return nil
}

// RegisterPool creates a pool under the given specialization with its pricing
// callback and returns the new pool's identifier.
func (e *Engine) RegisterPool(caller Address, spec PoolSpecialization, pricer PoolPricer) (PoolID, error) {
	if err := e.authorize(caller, OpRegisterPool); err != nil {
		return PoolID{}, err
	}
	if err := e.lock(); err != nil {
		return PoolID{}, err
	}
	defer e.mu.Unlock()
	id := e.store.RegisterPool(spec)
	if pricer != nil {
		e.pricers[id] = pricer
	}
	e.emitter.Emit(poolRegisteredEvent(id, spec))
	return id, nil
}

// BindPricer attaches a pricing callback to an already registered pool. Used
// when the engine is restored from a snapshot, since pricers are not
// persisted.
func (e *Engine) BindPricer(id PoolID, pricer PoolPricer) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if _, err := e.store.Specialization(id); err != nil {
		return err
	}
	e.pricers[id] = pricer
	return nil
}

// RegisterTokens registers tokens on a pool subject to its specialization.
func (e *Engine) RegisterTokens(caller Address, id PoolID, tokens []string) error {
	if err := e.authorize(caller, OpRegisterTokens); err != nil {
		return err
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.store.RegisterTokens(id, tokens); err != nil {
		return err
	}
	e.emitter.Emit(tokensRegisteredEvent(id, tokens))
	return nil
}

// GetPoolTokens returns a pool's registered tokens and their balances in
// registration order.
func (e *Engine) GetPoolTokens(id PoolID) ([]string, []TokenBalance, error) {
	if err := e.lock(); err != nil {
		return nil, nil, err
	}
	defer e.mu.Unlock()
	return e.store.Balances(id)
}

// GetPoolTokenInfo returns one token's balance within a pool.
func (e *Engine) GetPoolTokenInfo(id PoolID, token string) (TokenBalance, error) {
	if err := e.lock(); err != nil {
		return TokenBalance{}, err
	}
	defer e.mu.Unlock()
	return e.store.TokenBalance(id, token)
}

// UpdateManaged accounts an external asset manager moving value between a
// pool token's cash and managed components. Positive delta withdraws cash
// into management.
func (e *Engine) UpdateManaged(caller Address, id PoolID, token string, delta *big.Int) error {
	if err := e.authorize(caller, OpUpdateManaged); err != nil {
		return err
	}
	if delta == nil {
		return errKind(KindInvalidArgument)
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.store.UpdateManaged(id, token, delta); err != nil {
		return err
	}
	e.emitter.Emit(managedUpdatedEvent(id, token, delta))
	return nil
}

// FundPool pulls amount of token from the funder through the gateway and
// credits it to the pool's cash balance. This seeds pool liquidity;
// proportional joins and exits belong to the pool's own controller.
func (e *Engine) FundPool(from Address, id PoolID, token string, amount *big.Int) error {
	if err := e.authorize(from, OpFundPool); err != nil {
		return err
	}
	if _, verr := toAmount(amount); verr != nil {
		return verr
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if _, err := e.store.TokenBalance(id, token); err != nil {
		return err
	}
	if err := e.gateway.Pull(token, from, amount); err != nil {
		return &Error{Kind: KindTransferFailed, Pool: id, Owner: from, Token: token, Amount: cloneBig(amount), Cause: err}
	}
	if err := e.store.ApplyDeltas(id, []string{token}, []*big.Int{amount}); err != nil {
		// The pull has already landed; send it back before surfacing the error.
		_ = e.gateway.Push(token, from, amount)
		return err
	}
	e.emitter.Emit(poolFundedEvent(id, token, amount, from))
	return nil
}

// DepositInternal pulls amount of token from the owner through the gateway
// and credits their internal balance. Nothing is credited if the pull fails.
func (e *Engine) DepositInternal(owner Address, token string, amount *big.Int) error {
	if err := e.authorize(owner, OpDepositInternal); err != nil {
		return err
	}
	value, verr := toAmount(amount)
	if verr != nil {
		return verr
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.gateway.Pull(token, owner, amount); err != nil {
		return &Error{Kind: KindTransferFailed, Owner: owner, Token: token, Amount: cloneBig(amount), Cause: err}
	}
	if err := e.internal.Credit(owner, token, value); err != nil {
		// The pull has already landed; send it back before surfacing the error.
		_ = e.gateway.Push(token, owner, amount)
		return err
	}
	e.emitter.Emit(internalBalanceEvent("deposit", owner, token, amount))
	return nil
}

// WithdrawInternal debits the owner's internal balance and pushes the amount
// out through the gateway. The debit is rolled back if the push fails.
func (e *Engine) WithdrawInternal(owner Address, token string, amount *big.Int) error {
	if err := e.authorize(owner, OpWithdrawInternal); err != nil {
		return err
	}
	value, verr := toAmount(amount)
	if verr != nil {
		return verr
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.internal.Debit(owner, token, value); err != nil {
		return err
	}
	if err := e.gateway.Push(token, owner, amount); err != nil {
		_ = e.internal.Credit(owner, token, value)
		return &Error{Kind: KindTransferFailed, Owner: owner, Token: token, Amount: cloneBig(amount), Cause: err}
	}
	e.emitter.Emit(internalBalanceEvent("withdraw", owner, token, amount))
	return nil
}

// TransferInternal moves value between two internal balances without touching
// the gateway.
func (e *Engine) TransferInternal(from, to Address, token string, amount *big.Int) error {
	if err := e.authorize(from, OpTransferInternal); err != nil {
		return err
	}
	value, verr := toAmount(amount)
	if verr != nil {
		return verr
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.internal.Transfer(from, to, token, value); err != nil {
		return err
	}
	e.emitter.Emit(internalBalanceEvent("transfer", to, token, amount))
	return nil
}

// InternalBalance reports an owner's internal balance for token.
func (e *Engine) InternalBalance(owner Address, token string) (*big.Int, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.internal.Balance(owner, token), nil
}

// CollectedFees reports the accumulated protocol fees for each token.
func (e *Engine) CollectedFees(tokens []string) ([]*big.Int, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	out := make([]*big.Int, len(tokens))
	for i, token := range tokens {
		out[i] = e.fees.Collected(token)
	}
	return out, nil
}

// WithdrawCollectedFees pays accumulated protocol fees out to the
// fee-collection authority. A failed push leaves the accumulator untouched.
func (e *Engine) WithdrawCollectedFees(caller Address, token string, amount *big.Int, to Address) error {
	if err := e.authorize(caller, OpWithdrawFees); err != nil {
		return err
	}
	value, verr := toAmount(amount)
	if verr != nil {
		return verr
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.fees.Withdraw(token, value); err != nil {
		return err
	}
	if err := e.gateway.Push(token, to, amount); err != nil {
		_ = e.fees.Accrue(token, value)
		return &Error{Kind: KindTransferFailed, Token: token, Amount: cloneBig(amount), Cause: err}
	}
	e.emitter.Emit(feesWithdrawnEvent(token, amount, to))
	return nil
}
