package vault

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestFeeAccumulatorAccrueWithdraw(t *testing.T) {
	fees := NewFeeAccumulator()
	if err := fees.Accrue("AAA", uint256.NewInt(10)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if err := fees.Accrue("AAA", uint256.NewInt(5)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if got := fees.Collected("AAA"); got.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("collected = %s, want 15", got)
	}
	err := fees.Withdraw("AAA", uint256.NewInt(16))
	wantKind(t, err, KindInsufficientBalance)
	if err := fees.Withdraw("AAA", uint256.NewInt(15)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := fees.Collected("AAA"); got.Sign() != 0 {
		t.Fatalf("collected = %s, want 0", got)
	}
}

func TestFeeAccumulatorOverflowIsFatal(t *testing.T) {
	fees := NewFeeAccumulator()
	max := new(uint256.Int).Not(new(uint256.Int)) // 2^256 - 1
	if err := fees.Accrue("AAA", max); err != nil {
		t.Fatalf("accrue max: %v", err)
	}
	err := fees.Accrue("AAA", uint256.NewInt(1))
	wantKind(t, err, KindArithmeticOverflow)
	// The failed accrual must not have moved the balance.
	if got := fees.Collected("AAA"); got.Cmp(max.ToBig()) != 0 {
		t.Fatalf("balance mutated by failed accrual")
	}
}

func TestWithdrawCollectedFeesGated(t *testing.T) {
	e, gateway := newTestEngine(t, Params{SwapFeeBps: 100})
	pool := newFundedPool(t, e, "AAA", "BBB", 1000, 1000)
	_, err := e.Swap(SingleSwap{
		Pool: pool, Kind: SwapGivenIn, TokenIn: "AAA", TokenOut: "BBB", Amount: big.NewInt(100),
	}, FundManagement{Sender: alice, Recipient: alice}, big.NewInt(0), futureDeadline())
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	e.SetAuthorizer(allowOnly{caller: carol, operation: OpWithdrawFees})
	err = e.WithdrawCollectedFees(alice, "AAA", big.NewInt(1), alice)
	wantKind(t, err, KindNotAuthorized)

	if err := e.WithdrawCollectedFees(carol, "AAA", big.NewInt(1), carol); err != nil {
		t.Fatalf("withdraw fees: %v", err)
	}
	fees, _ := e.CollectedFees([]string{"AAA"})
	if fees[0].Sign() != 0 {
		t.Fatalf("fees remaining: %s", fees[0])
	}
	last := gateway.pushes[len(gateway.pushes)-1]
	if last.token != "AAA" || last.party != carol || last.amount.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("unexpected fee payout: %+v", last)
	}
}

type allowOnly struct {
	caller    Address
	operation string
}

func (a allowOnly) Allow(caller Address, operation string) bool {
	if operation == a.operation {
		return caller == a.caller
	}
	return true
}
