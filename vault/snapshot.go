package vault

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/holiman/uint256"
)

// Storage abstracts the persistence backend used to checkpoint and restore
// the engine's accounted state. Values are rlp-encoded by the implementation.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	metaKey             = []byte("vault/meta")
	poolsKey            = []byte("vault/pools")
	internalBalancesKey = []byte("vault/internal")
	feesKey             = []byte("vault/fees")
)

func poolKey(id PoolID) []byte {
	return append([]byte("vault/pool/"), id[:]...)
}

type storedMeta struct {
	Nonce uint64
}

type storedPool struct {
	Specialization uint8
	Tokens         []string
	Cash           []*big.Int
	Managed        []*big.Int
}

type storedAccount struct {
	Owner  [20]byte
	Token  string
	Amount *big.Int
}

type storedFee struct {
	Token  string
	Amount *big.Int
}

// Persist checkpoints every balance record: pools keyed by (pool, token),
// internal balances keyed by (owner, token), and the fee ledger keyed by
// token. Output is deterministic regardless of map iteration order.
func (e *Engine) Persist(s Storage) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	if err := s.KVPut(metaKey, storedMeta{Nonce: e.store.nonce}); err != nil {
		return fmt.Errorf("persist meta: %w", err)
	}
	ids := make([]PoolID, len(e.store.order))
	copy(ids, e.store.order)
	if err := s.KVPut(poolsKey, ids); err != nil {
		return fmt.Errorf("persist pool index: %w", err)
	}
	var persistErr error
	e.store.eachPool(func(pool *poolRecord) {
		if persistErr != nil {
			return
		}
		tokens := pool.tokens()
		record := storedPool{
			Specialization: uint8(pool.specialization),
			Tokens:         tokens,
			Cash:           make([]*big.Int, len(tokens)),
			Managed:        make([]*big.Int, len(tokens)),
		}
		for i, token := range tokens {
			cash, managed, _ := pool.balance(token)
			record.Cash[i] = cash.ToBig()
			record.Managed[i] = managed.ToBig()
		}
		if err := s.KVPut(poolKey(pool.id), record); err != nil {
			persistErr = fmt.Errorf("persist pool %s: %w", pool.id, err)
		}
	})
	if persistErr != nil {
		return persistErr
	}

	var accounts []storedAccount
	e.internal.each(func(owner Address, token string, amount *uint256.Int) {
		accounts = append(accounts, storedAccount{Owner: owner, Token: token, Amount: amount.ToBig()})
	})
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].Owner != accounts[j].Owner {
			return string(accounts[i].Owner[:]) < string(accounts[j].Owner[:])
		}
		return accounts[i].Token < accounts[j].Token
	})
	if err := s.KVPut(internalBalancesKey, accounts); err != nil {
		return fmt.Errorf("persist internal balances: %w", err)
	}

	var fees []storedFee
	e.fees.each(func(token string, amount *uint256.Int) {
		fees = append(fees, storedFee{Token: token, Amount: amount.ToBig()})
	})
	sort.Slice(fees, func(i, j int) bool { return fees[i].Token < fees[j].Token })
	if err := s.KVPut(feesKey, fees); err != nil {
		return fmt.Errorf("persist fee ledger: %w", err)
	}
	return nil
}

// Restore replaces the engine's accounted state with a previously persisted
// checkpoint. Pricers are not persisted; rebind them afterwards with
// BindPricer. Restoring with no checkpoint present leaves the engine empty.
func (e *Engine) Restore(s Storage) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	store := NewPoolStore()
	var meta storedMeta
	if ok, err := s.KVGet(metaKey, &meta); err != nil {
		return fmt.Errorf("restore meta: %w", err)
	} else if ok {
		store.nonce = meta.Nonce
	}
	var ids []PoolID
	if _, err := s.KVGet(poolsKey, &ids); err != nil {
		return fmt.Errorf("restore pool index: %w", err)
	}
	for _, id := range ids {
		var record storedPool
		ok, err := s.KVGet(poolKey(id), &record)
		if err != nil {
			return fmt.Errorf("restore pool %s: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("restore pool %s: record missing", id)
		}
		pool := &poolRecord{id: id, specialization: PoolSpecialization(record.Specialization)}
		if len(record.Tokens) > 0 {
			if err := pool.registerTokens(record.Tokens); err != nil {
				return fmt.Errorf("restore pool %s: %w", id, err)
			}
		}
		if len(record.Cash) != len(record.Tokens) || len(record.Managed) != len(record.Tokens) {
			return fmt.Errorf("restore pool %s: malformed balance record", id)
		}
		for i, token := range record.Tokens {
			cash, overflow := uint256.FromBig(record.Cash[i])
			if overflow || record.Cash[i].Sign() < 0 {
				return fmt.Errorf("restore pool %s token %s: cash out of range", id, token)
			}
			managed, overflow := uint256.FromBig(record.Managed[i])
			if overflow || record.Managed[i].Sign() < 0 {
				return fmt.Errorf("restore pool %s token %s: managed out of range", id, token)
			}
			before, _, _ := pool.balance(token)
			store.adjustTotal(token, before, cash)
			pool.setCash(token, cash)
			pool.setManaged(token, managed)
		}
		store.pools[id] = pool
		store.order = append(store.order, id)
	}

	internal := NewInternalLedger()
	var accounts []storedAccount
	if _, err := s.KVGet(internalBalancesKey, &accounts); err != nil {
		return fmt.Errorf("restore internal balances: %w", err)
	}
	for _, account := range accounts {
		amount, overflow := uint256.FromBig(account.Amount)
		if overflow || account.Amount.Sign() < 0 {
			return fmt.Errorf("restore internal balance %s/%s: out of range", Address(account.Owner), account.Token)
		}
		if err := internal.Credit(account.Owner, account.Token, amount); err != nil {
			return err
		}
	}

	fees := NewFeeAccumulator()
	var storedFees []storedFee
	if _, err := s.KVGet(feesKey, &storedFees); err != nil {
		return fmt.Errorf("restore fee ledger: %w", err)
	}
	for _, fee := range storedFees {
		amount, overflow := uint256.FromBig(fee.Amount)
		if overflow || fee.Amount.Sign() < 0 {
			return fmt.Errorf("restore fee ledger %s: out of range", fee.Token)
		}
		if err := fees.Accrue(fee.Token, amount); err != nil {
			return err
		}
	}

	e.store = store
	e.internal = internal
	e.fees = fees
	e.pricers = make(map[PoolID]PoolPricer)
	return nil
}
