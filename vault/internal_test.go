package vault

import (
	"errors"
	"math/big"
	"testing"
)

func TestInternalDepositWithdraw(t *testing.T) {
	e, gateway := newTestEngine(t, Params{})

	if err := e.DepositInternal(alice, "AAA", big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balance, _ := e.InternalBalance(alice, "AAA")
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("balance = %s, want 500", balance)
	}
	if err := e.WithdrawInternal(alice, "AAA", big.NewInt(200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	balance, _ = e.InternalBalance(alice, "AAA")
	if balance.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("balance = %s, want 300", balance)
	}
	if len(gateway.pulls) != 1 || len(gateway.pushes) != 1 {
		t.Fatalf("gateway calls: %d pulls, %d pushes", len(gateway.pulls), len(gateway.pushes))
	}

	err := e.WithdrawInternal(alice, "AAA", big.NewInt(301))
	wantKind(t, err, KindInsufficientInternalBalance)
}

func TestInternalDepositFailedPullCreditsNothing(t *testing.T) {
	e, gateway := newTestEngine(t, Params{})
	gateway.failPull["AAA"] = errors.New("rejected")
	err := e.DepositInternal(alice, "AAA", big.NewInt(100))
	wantKind(t, err, KindTransferFailed)
	balance, _ := e.InternalBalance(alice, "AAA")
	if balance.Sign() != 0 {
		t.Fatalf("credited despite failed pull: %s", balance)
	}
}

func TestInternalWithdrawFailedPushRollsBack(t *testing.T) {
	e, gateway := newTestEngine(t, Params{})
	if err := e.DepositInternal(alice, "AAA", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	gateway.failPush["AAA"] = errors.New("rejected")
	err := e.WithdrawInternal(alice, "AAA", big.NewInt(40))
	wantKind(t, err, KindTransferFailed)
	balance, _ := e.InternalBalance(alice, "AAA")
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("debit not rolled back: %s", balance)
	}
}

func TestInternalTransferNoGateway(t *testing.T) {
	e, gateway := newTestEngine(t, Params{})
	if err := e.DepositInternal(alice, "AAA", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	calls := len(gateway.pulls) + len(gateway.pushes)

	if err := e.TransferInternal(alice, bob, "AAA", big.NewInt(70)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := len(gateway.pulls) + len(gateway.pushes); got != calls {
		t.Fatalf("internal transfer touched the gateway")
	}
	from, _ := e.InternalBalance(alice, "AAA")
	to, _ := e.InternalBalance(bob, "AAA")
	if from.Cmp(big.NewInt(30)) != 0 || to.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("balances after transfer: %s / %s", from, to)
	}

	err := e.TransferInternal(alice, bob, "AAA", big.NewInt(31))
	wantKind(t, err, KindInsufficientInternalBalance)
}

func TestInternalLedgerDropsZeroAccounts(t *testing.T) {
	ledger := NewInternalLedger()
	amount := func(v int64) *big.Int { return big.NewInt(v) }
	value, _ := toAmount(amount(10))
	if err := ledger.Credit(alice, "AAA", value); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Debit(alice, "AAA", value); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if len(ledger.balances) != 0 {
		t.Fatalf("zero account retained: %v", ledger.balances)
	}
}
