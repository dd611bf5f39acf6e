package vault

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
)

var (
	alice = Address{0xa1}
	bob   = Address{0xb0}
	carol = Address{0xc4}
)

type transferCall struct {
	token  string
	party  Address
	amount *big.Int
}

// testGateway records every transfer and can be told to fail specific legs.
type testGateway struct {
	pulls    []transferCall
	pushes   []transferCall
	failPull map[string]error
	failPush map[string]error
}

func newTestGateway() *testGateway {
	return &testGateway{failPull: make(map[string]error), failPush: make(map[string]error)}
}

func (g *testGateway) Pull(token string, from Address, amount *big.Int) error {
	if err := g.failPull[token]; err != nil {
		return err
	}
	g.pulls = append(g.pulls, transferCall{token, from, new(big.Int).Set(amount)})
	return nil
}

func (g *testGateway) Push(token string, to Address, amount *big.Int) error {
	if err := g.failPush[token]; err != nil {
		return err
	}
	g.pushes = append(g.pushes, transferCall{token, to, new(big.Int).Set(amount)})
	return nil
}

// netFlow is the gateway's view of value moved to (positive) or from
// (negative) the engine's custody for one token.
func (g *testGateway) netFlow(token string) *big.Int {
	net := new(big.Int)
	for _, call := range g.pulls {
		if call.token == token {
			net.Add(net, call.amount)
		}
	}
	for _, call := range g.pushes {
		if call.token == token {
			net.Sub(net, call.amount)
		}
	}
	return net
}

// constProductPricer quotes x*y=k over the swapped pair's total balances.
type constProductPricer struct{}

func (constProductPricer) OnSwap(req PoolSwapRequest) (*big.Int, error) {
	balIn := req.Balances[req.IndexIn]
	balOut := req.Balances[req.IndexOut]
	if req.Kind == SwapGivenIn {
		// out = balOut*amount / (balIn+amount), rounded down
		num := new(big.Int).Mul(balOut, req.Amount)
		den := new(big.Int).Add(balIn, req.Amount)
		return num.Quo(num, den), nil
	}
	// in = balIn*amount / (balOut-amount), rounded up
	den := new(big.Int).Sub(balOut, req.Amount)
	if den.Sign() <= 0 {
		return nil, fmt.Errorf("requested output %s drains the pool", req.Amount)
	}
	num := new(big.Int).Mul(balIn, req.Amount)
	num.Add(num, new(big.Int).Sub(den, big.NewInt(1)))
	return num.Quo(num, den), nil
}

type rejectingPricer struct{ err error }

func (p rejectingPricer) OnSwap(PoolSwapRequest) (*big.Int, error) { return nil, p.err }

func newTestEngine(t *testing.T, params Params) (*Engine, *testGateway) {
	t.Helper()
	gateway := newTestGateway()
	engine, err := NewEngine(gateway, params)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, gateway
}

// newFundedPool registers a two-token pool with a constant-product pricer and
// seeds it with the given cash balances.
func newFundedPool(t *testing.T, e *Engine, tokenA, tokenB string, cashA, cashB int64) PoolID {
	t.Helper()
	id, err := e.RegisterPool(alice, TwoTokenPool, constProductPricer{})
	if err != nil {
		t.Fatalf("register pool: %v", err)
	}
	if err := e.RegisterTokens(alice, id, []string{tokenA, tokenB}); err != nil {
		t.Fatalf("register tokens: %v", err)
	}
	err = e.store.ApplyDeltas(id, []string{tokenA, tokenB}, []*big.Int{big.NewInt(cashA), big.NewInt(cashB)})
	if err != nil {
		t.Fatalf("seed balances: %v", err)
	}
	return id
}

func mustBalance(t *testing.T, e *Engine, id PoolID, token string) TokenBalance {
	t.Helper()
	balance, err := e.GetPoolTokenInfo(id, token)
	if err != nil {
		t.Fatalf("token info %s: %v", token, err)
	}
	return balance
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %q error, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("want %q error, got %v", kind, err)
	}
}

func futureDeadline() int64 { return 1_800_000_000 }
