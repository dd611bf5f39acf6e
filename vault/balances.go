package vault

import (
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// balanceEntry is the accounted state of one token within one pool.
type balanceEntry struct {
	cash    *uint256.Int
	managed *uint256.Int
}

func newBalanceEntry() balanceEntry {
	return balanceEntry{cash: new(uint256.Int), managed: new(uint256.Int)}
}

// twoTokenBalances is the fixed two-slot representation used by pools that
// hold exactly two tokens.
type twoTokenBalances struct {
	tokenA string
	tokenB string
	a      balanceEntry
	b      balanceEntry
}

// minimalBalances keeps a compact per-token cash record. Managed amounts are
// tracked out of band and only allocated once an asset manager touches the
// pool.
type minimalBalances struct {
	tokens  []string
	cash    map[string]*uint256.Int
	managed map[string]*uint256.Int
}

// generalBalances is the fully general ordered representation.
type generalBalances struct {
	tokens  []string
	index   map[string]int
	entries []balanceEntry
}

// poolRecord is a tagged variant over the three balance representations. All
// access dispatches on the specialization tag; callers of the store never
// observe which arm is populated.
type poolRecord struct {
	id             PoolID
	specialization PoolSpecialization
	twoToken       *twoTokenBalances
	minimal        *minimalBalances
	general        *generalBalances
}

func (p *poolRecord) tokens() []string {
	switch p.specialization {
	case TwoTokenPool:
		if p.twoToken == nil {
			return nil
		}
		return []string{p.twoToken.tokenA, p.twoToken.tokenB}
	case MinimalSwapInfoPool:
		if p.minimal == nil {
			return nil
		}
		return p.minimal.tokens
	default:
		if p.general == nil {
			return nil
		}
		return p.general.tokens
	}
}

func (p *poolRecord) hasToken(token string) bool {
	_, _, ok := p.balance(token)
	return ok
}

// balance returns the live cash and managed values for token. The returned
// pointers alias pool state; mutate only via setCash/setManaged.
func (p *poolRecord) balance(token string) (cash, managed *uint256.Int, ok bool) {
	switch p.specialization {
	case TwoTokenPool:
		if p.twoToken == nil {
			return nil, nil, false
		}
		if token == p.twoToken.tokenA {
			return p.twoToken.a.cash, p.twoToken.a.managed, true
		}
		if token == p.twoToken.tokenB {
			return p.twoToken.b.cash, p.twoToken.b.managed, true
		}
		return nil, nil, false
	case MinimalSwapInfoPool:
		if p.minimal == nil {
			return nil, nil, false
		}
		cash, ok := p.minimal.cash[token]
		if !ok {
			return nil, nil, false
		}
		managed := p.minimal.managed[token]
		if managed == nil {
			managed = new(uint256.Int)
		}
		return cash, managed, true
	default:
		if p.general == nil {
			return nil, nil, false
		}
		i, ok := p.general.index[token]
		if !ok {
			return nil, nil, false
		}
		return p.general.entries[i].cash, p.general.entries[i].managed, true
	}
}

func (p *poolRecord) setCash(token string, v *uint256.Int) {
	switch p.specialization {
	case TwoTokenPool:
		if token == p.twoToken.tokenA {
			p.twoToken.a.cash = v
			return
		}
		p.twoToken.b.cash = v
	case MinimalSwapInfoPool:
		p.minimal.cash[token] = v
	default:
		p.general.entries[p.general.index[token]].cash = v
	}
}

func (p *poolRecord) setManaged(token string, v *uint256.Int) {
	switch p.specialization {
	case TwoTokenPool:
		if token == p.twoToken.tokenA {
			p.twoToken.a.managed = v
			return
		}
		p.twoToken.b.managed = v
	case MinimalSwapInfoPool:
		if p.minimal.managed == nil {
			p.minimal.managed = make(map[string]*uint256.Int)
		}
		p.minimal.managed[token] = v
	default:
		p.general.entries[p.general.index[token]].managed = v
	}
}

// registerTokens extends or fixes the pool's token set subject to its
// specialization constraints. On any failure the token set is unchanged.
func (p *poolRecord) registerTokens(tokens []string) error {
	if len(tokens) == 0 {
		return errKind(KindInvalidArgument)
	}
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if token == "" {
			return errKind(KindInvalidArgument)
		}
		if _, dup := seen[token]; dup {
			return errPoolToken(KindTokenAlreadyRegistered, p.id, token)
		}
		seen[token] = struct{}{}
		if p.hasToken(token) {
			return errPoolToken(KindTokenAlreadyRegistered, p.id, token)
		}
	}
	switch p.specialization {
	case TwoTokenPool:
		if p.twoToken != nil || len(tokens) != 2 {
			return &Error{Kind: KindSpecializationMismatch, Pool: p.id}
		}
		p.twoToken = &twoTokenBalances{
			tokenA: tokens[0],
			tokenB: tokens[1],
			a:      newBalanceEntry(),
			b:      newBalanceEntry(),
		}
	case MinimalSwapInfoPool:
		if p.minimal != nil {
			return &Error{Kind: KindSpecializationMismatch, Pool: p.id}
		}
		cash := make(map[string]*uint256.Int, len(tokens))
		for _, token := range tokens {
			cash[token] = new(uint256.Int)
		}
		p.minimal = &minimalBalances{tokens: append([]string(nil), tokens...), cash: cash}
	default:
		if p.general == nil {
			p.general = &generalBalances{index: make(map[string]int)}
		}
		for _, token := range tokens {
			p.general.index[token] = len(p.general.tokens)
			p.general.tokens = append(p.general.tokens, token)
			p.general.entries = append(p.general.entries, newBalanceEntry())
		}
	}
	return nil
}

// PoolStore is the sole owner of pool balances. It is not safe for concurrent
// use; the engine serializes access behind its operation lock.
type PoolStore struct {
	pools     map[PoolID]*poolRecord
	order     []PoolID
	totalCash map[string]*uint256.Int
	nonce     uint64
}

// NewPoolStore returns an empty store.
func NewPoolStore() *PoolStore {
	return &PoolStore{
		pools:     make(map[PoolID]*poolRecord),
		totalCash: make(map[string]*uint256.Int),
	}
}

func newPoolID(nonce uint64, spec PoolSpecialization) PoolID {
	var seed [9]byte
	binary.BigEndian.PutUint64(seed[:8], nonce)
	seed[8] = byte(spec)
	var id PoolID
	copy(id[:], ethcrypto.Keccak256(seed[:]))
	return id
}

// RegisterPool creates a new pool under the given specialization and returns
// its identifier.
func (s *PoolStore) RegisterPool(spec PoolSpecialization) PoolID {
	s.nonce++
	id := newPoolID(s.nonce, spec)
	s.pools[id] = &poolRecord{id: id, specialization: spec}
	s.order = append(s.order, id)
	return id
}

// RegisterTokens adds tokens to a registered pool.
func (s *PoolStore) RegisterTokens(id PoolID, tokens []string) error {
	pool, ok := s.pools[id]
	if !ok {
		return &Error{Kind: KindUnregisteredPoolOrToken, Pool: id}
	}
	return pool.registerTokens(tokens)
}

// Specialization reports a registered pool's specialization tag.
func (s *PoolStore) Specialization(id PoolID) (PoolSpecialization, error) {
	pool, ok := s.pools[id]
	if !ok {
		return 0, &Error{Kind: KindUnregisteredPoolOrToken, Pool: id}
	}
	return pool.specialization, nil
}

// Balances returns the pool's registered tokens in registration order and a
// copy of each token's balance.
func (s *PoolStore) Balances(id PoolID) ([]string, []TokenBalance, error) {
	pool, ok := s.pools[id]
	if !ok {
		return nil, nil, &Error{Kind: KindUnregisteredPoolOrToken, Pool: id}
	}
	tokens := pool.tokens()
	balances := make([]TokenBalance, len(tokens))
	for i, token := range tokens {
		cash, managed, _ := pool.balance(token)
		balances[i] = TokenBalance{Cash: cash.ToBig(), Managed: managed.ToBig()}
	}
	return append([]string(nil), tokens...), balances, nil
}

// TokenBalance returns a copy of one token's balance within a pool.
func (s *PoolStore) TokenBalance(id PoolID, token string) (TokenBalance, error) {
	pool, ok := s.pools[id]
	if !ok {
		return TokenBalance{}, &Error{Kind: KindUnregisteredPoolOrToken, Pool: id}
	}
	cash, managed, ok := pool.balance(token)
	if !ok {
		return TokenBalance{}, errPoolToken(KindUnregisteredPoolOrToken, id, token)
	}
	return TokenBalance{Cash: cash.ToBig(), Managed: managed.ToBig()}, nil
}

// TotalCash reports the aggregate cash held across all pools for token. Flash
// loans borrow against this aggregate.
func (s *PoolStore) TotalCash(token string) *uint256.Int {
	total, ok := s.totalCash[token]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(total)
}

func (s *PoolStore) adjustTotal(token string, before, after *uint256.Int) {
	total, ok := s.totalCash[token]
	if !ok {
		total = new(uint256.Int)
		s.totalCash[token] = total
	}
	total.Sub(total, before)
	total.Add(total, after)
}

// ApplyDeltas atomically adds signed cash deltas to a pool. Either every
// delta applies or none does: all resulting balances are computed and
// validated before the first write. Tokens must not repeat; a duplicate
// would compute both updates from the same pre-call cash and drop one.
func (s *PoolStore) ApplyDeltas(id PoolID, tokens []string, deltas []*big.Int) error {
	if len(tokens) != len(deltas) {
		return errKind(KindInvalidArgument)
	}
	pool, ok := s.pools[id]
	if !ok {
		return &Error{Kind: KindUnregisteredPoolOrToken, Pool: id}
	}
	seen := make(map[string]struct{}, len(tokens))
	updated := make([]*uint256.Int, len(tokens))
	for i, token := range tokens {
		if _, dup := seen[token]; dup {
			return errPoolToken(KindInvalidArgument, id, token)
		}
		seen[token] = struct{}{}
		cash, _, ok := pool.balance(token)
		if !ok {
			return errPoolToken(KindUnregisteredPoolOrToken, id, token)
		}
		next, kind := addCash(cash, deltas[i])
		if kind != "" {
			return &Error{Kind: kind, Pool: id, Token: token, Amount: cloneBig(deltas[i])}
		}
		updated[i] = next
	}
	for i, token := range tokens {
		cash, _, _ := pool.balance(token)
		s.adjustTotal(token, cash, updated[i])
		pool.setCash(token, updated[i])
	}
	return nil
}

// UpdateManaged records an asset manager moving value between a pool's cash
// and managed components. A positive delta withdraws cash into management; a
// negative delta deposits it back. The token's total balance is unchanged.
func (s *PoolStore) UpdateManaged(id PoolID, token string, delta *big.Int) error {
	pool, ok := s.pools[id]
	if !ok {
		return &Error{Kind: KindUnregisteredPoolOrToken, Pool: id}
	}
	cash, managed, ok := pool.balance(token)
	if !ok {
		return errPoolToken(KindUnregisteredPoolOrToken, id, token)
	}
	newCash, kind := addCash(cash, new(big.Int).Neg(delta))
	if kind != "" {
		return &Error{Kind: kind, Pool: id, Token: token, Amount: cloneBig(delta)}
	}
	newManaged, kind := addCash(managed, delta)
	if kind != "" {
		return &Error{Kind: kind, Pool: id, Token: token, Amount: cloneBig(delta)}
	}
	s.adjustTotal(token, cash, newCash)
	pool.setCash(token, newCash)
	pool.setManaged(token, newManaged)
	return nil
}

// cashValue returns a copy of the current cash for (pool, token); used by the
// resolver's staging overlay.
func (s *PoolStore) cashValue(id PoolID, token string) (*uint256.Int, error) {
	pool, ok := s.pools[id]
	if !ok {
		return nil, &Error{Kind: KindUnregisteredPoolOrToken, Pool: id}
	}
	cash, _, ok := pool.balance(token)
	if !ok {
		return nil, errPoolToken(KindUnregisteredPoolOrToken, id, token)
	}
	return new(uint256.Int).Set(cash), nil
}

// setCash overwrites the cash for (pool, token) with an already validated
// value, keeping the aggregate index consistent. Used by the resolver's
// commit phase; the overlay guarantees non-negativity.
func (s *PoolStore) setCash(id PoolID, token string, v *uint256.Int) {
	pool := s.pools[id]
	cash, _, _ := pool.balance(token)
	s.adjustTotal(token, cash, v)
	pool.setCash(token, v)
}

// eachPool visits pools in registration order; used for snapshots.
func (s *PoolStore) eachPool(fn func(*poolRecord)) {
	for _, id := range s.order {
		fn(s.pools[id])
	}
}
