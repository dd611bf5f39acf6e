package pricer

import (
	"math/big"
	"testing"

	"tokenvault/vault"
)

func request(kind vault.SwapKind, amount int64, balances ...int64) vault.PoolSwapRequest {
	bals := make([]*big.Int, len(balances))
	for i, b := range balances {
		bals[i] = big.NewInt(b)
	}
	return vault.PoolSwapRequest{
		Kind:     kind,
		IndexIn:  0,
		IndexOut: 1,
		Amount:   big.NewInt(amount),
		Balances: bals,
	}
}

func TestByName(t *testing.T) {
	if _, err := ByName(NameConstantProduct); err != nil {
		t.Fatalf("expected constant-product pricer: %v", err)
	}
	if _, err := ByName("linear"); err == nil {
		t.Fatalf("expected error for unknown pricer")
	}
}

func TestConstantProductGivenInRoundsDown(t *testing.T) {
	// out = floor(1000 * 100 / 1100) = 90
	out, err := ConstantProduct{}.OnSwap(request(vault.SwapGivenIn, 100, 1000, 1000))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if out.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestConstantProductGivenOutRoundsUp(t *testing.T) {
	// in = ceil(1000 * 91 / 909) = 101
	in, err := ConstantProduct{}.OnSwap(request(vault.SwapGivenOut, 91, 1000, 1000))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if in.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("unexpected input: %s", in)
	}
}

func TestConstantProductRejectsDrainingPool(t *testing.T) {
	if _, err := (ConstantProduct{}).OnSwap(request(vault.SwapGivenOut, 1000, 1000, 1000)); err == nil {
		t.Fatalf("expected error when requesting the full output balance")
	}
}

func TestConstantProductRejectsEmptyPool(t *testing.T) {
	if _, err := (ConstantProduct{}).OnSwap(request(vault.SwapGivenIn, 10, 0, 1000)); err == nil {
		t.Fatalf("expected error for empty input balance")
	}
}
