package vault

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

type mockStorage struct {
	kv map[string][]byte
}

func newMockStorage() *mockStorage {
	return &mockStorage{kv: make(map[string][]byte)}
}

func (m *mockStorage) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.kv[string(key)] = encoded
	return nil
}

func (m *mockStorage) KVGet(key []byte, out interface{}) (bool, error) {
	encoded, ok := m.kv[string(key)]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, Params{SwapFeeBps: 100, FlashLoanFeeBps: 10})
	pool := newFundedPool(t, e, "AAA", "BBB", 1000, 1000)
	general, err := e.RegisterPool(alice, GeneralPool, constProductPricer{})
	require.NoError(t, err)
	require.NoError(t, e.RegisterTokens(alice, general, []string{"CCC", "DDD", "EEE"}))
	require.NoError(t, e.store.ApplyDeltas(general,
		[]string{"CCC", "DDD", "EEE"},
		[]*big.Int{big.NewInt(10), big.NewInt(20), big.NewInt(30)}))
	require.NoError(t, e.UpdateManaged(alice, pool, "AAA", big.NewInt(250)))
	require.NoError(t, e.DepositInternal(bob, "AAA", big.NewInt(77)))

	// Accrue a swap fee so the fee ledger is non-empty.
	_, err = e.Swap(SingleSwap{
		Pool: pool, Kind: SwapGivenIn, TokenIn: "AAA", TokenOut: "BBB", Amount: big.NewInt(100),
	}, FundManagement{Sender: alice, Recipient: alice}, big.NewInt(0), futureDeadline())
	require.NoError(t, err)

	store := newMockStorage()
	require.NoError(t, e.Persist(store))

	restoredGateway := newTestGateway()
	restored, err := NewEngine(restoredGateway, Params{SwapFeeBps: 100, FlashLoanFeeBps: 10})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(store))

	for _, id := range []PoolID{pool, general} {
		wantTokens, wantBalances, err := e.GetPoolTokens(id)
		require.NoError(t, err)
		gotTokens, gotBalances, err := restored.GetPoolTokens(id)
		require.NoError(t, err)
		require.Equal(t, wantTokens, gotTokens)
		for i := range wantBalances {
			require.Zero(t, wantBalances[i].Cash.Cmp(gotBalances[i].Cash), "cash mismatch for %s", wantTokens[i])
			require.Zero(t, wantBalances[i].Managed.Cmp(gotBalances[i].Managed), "managed mismatch for %s", wantTokens[i])
		}
	}
	spec, err := restored.store.Specialization(pool)
	require.NoError(t, err)
	require.Equal(t, TwoTokenPool, spec)

	internal, err := restored.InternalBalance(bob, "AAA")
	require.NoError(t, err)
	require.Equal(t, int64(77), internal.Int64())

	fees, err := restored.CollectedFees([]string{"AAA"})
	require.NoError(t, err)
	require.Equal(t, int64(1), fees[0].Int64())

	// Aggregate cash survives, so flash loans keep working after restore.
	require.Zero(t, restored.store.TotalCash("AAA").ToBig().Cmp(e.store.TotalCash("AAA").ToBig()))

	// Pricers do not survive a restore; they must be rebound.
	_, err = restored.Swap(SingleSwap{
		Pool: pool, Kind: SwapGivenIn, TokenIn: "AAA", TokenOut: "BBB", Amount: big.NewInt(10),
	}, FundManagement{Sender: alice, Recipient: alice}, big.NewInt(0), futureDeadline())
	require.ErrorIs(t, err, ErrPricerRejected)
	require.NoError(t, restored.BindPricer(pool, constProductPricer{}))
	_, err = restored.Swap(SingleSwap{
		Pool: pool, Kind: SwapGivenIn, TokenIn: "AAA", TokenOut: "BBB", Amount: big.NewInt(10),
	}, FundManagement{Sender: alice, Recipient: alice}, big.NewInt(0), futureDeadline())
	require.NoError(t, err)
}

func TestRestoreEmptyStorage(t *testing.T) {
	e, _ := newTestEngine(t, Params{})
	require.NoError(t, e.Restore(newMockStorage()))
	_, _, err := e.GetPoolTokens(PoolID{0x01})
	require.ErrorIs(t, err, ErrUnregisteredPoolOrToken)
}
