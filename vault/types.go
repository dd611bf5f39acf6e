package vault

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Address identifies an external owner, sender, or recipient of value. The
// engine never interprets addresses beyond equality.
type Address [20]byte

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// ParseAddress decodes a 0x-prefixed 20-byte hex address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("parse address %q: %w", s, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("parse address %q: want %d bytes, got %d", s, len(addr), len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// PoolID uniquely identifies a registered pool.
type PoolID [32]byte

func (id PoolID) String() string { return "0x" + hex.EncodeToString(id[:]) }

// ParsePoolID decodes a 0x-prefixed 32-byte hex pool identifier.
func ParsePoolID(s string) (PoolID, error) {
	var id PoolID
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("parse pool id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("parse pool id %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// PoolSpecialization selects the internal balance representation for a pool.
// The choice is invisible to callers except through registration constraints.
type PoolSpecialization uint8

const (
	// GeneralPool keeps an extensible ordered token set.
	GeneralPool PoolSpecialization = iota
	// MinimalSwapInfoPool keeps a compact per-token record; its token set is
	// fixed by the first registration.
	MinimalSwapInfoPool
	// TwoTokenPool keeps a fixed two-slot record.
	TwoTokenPool
)

func (s PoolSpecialization) String() string {
	switch s {
	case GeneralPool:
		return "general"
	case MinimalSwapInfoPool:
		return "minimal-swap-info"
	case TwoTokenPool:
		return "two-token"
	default:
		return fmt.Sprintf("specialization(%d)", uint8(s))
	}
}

// ParseSpecialization resolves the textual form used in configuration.
func ParseSpecialization(s string) (PoolSpecialization, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "general":
		return GeneralPool, nil
	case "minimal-swap-info", "minimal":
		return MinimalSwapInfoPool, nil
	case "two-token":
		return TwoTokenPool, nil
	}
	return GeneralPool, fmt.Errorf("unknown pool specialization %q", s)
}

// SwapKind distinguishes swaps quoted by their input from swaps quoted by
// their output.
type SwapKind uint8

const (
	SwapGivenIn SwapKind = iota
	SwapGivenOut
)

func (k SwapKind) String() string {
	if k == SwapGivenOut {
		return "given-out"
	}
	return "given-in"
}

// TokenBalance reports the two accounted components of a pool's holdings of
// one token. Cash is freely swappable; Managed is held by an external asset
// manager and only tracked here. Both are always non-negative.
type TokenBalance struct {
	Cash    *big.Int
	Managed *big.Int
}

// Total returns cash plus managed.
func (b TokenBalance) Total() *big.Int {
	total := new(big.Int)
	if b.Cash != nil {
		total.Add(total, b.Cash)
	}
	if b.Managed != nil {
		total.Add(total, b.Managed)
	}
	return total
}

// SingleSwap describes one swap against one pool.
type SingleSwap struct {
	Pool     PoolID
	Kind     SwapKind
	TokenIn  string
	TokenOut string
	Amount   *big.Int
	UserData []byte
}

// SwapStep is one hop of a batch swap. A nil or zero Amount means "use the
// calculated amount of the immediately preceding step".
type SwapStep struct {
	Pool     PoolID
	TokenIn  string
	TokenOut string
	Amount   *big.Int
	UserData []byte
}

// FundManagement tells the resolver where a swap's funds come from and where
// its proceeds go. When FromInternal is set the sender's internal balance is
// drawn down before the transfer gateway is asked for the remainder.
type FundManagement struct {
	Sender       Address
	FromInternal bool
	Recipient    Address
	ToInternal   bool
}

// PoolSwapRequest is handed to a pool's pricer. Balances carries the total
// (cash plus managed) balance of every registered token in registration
// order; IndexIn and IndexOut locate the swapped pair within it. Amount is
// the amount on the given side after protocol fee netting.
type PoolSwapRequest struct {
	Pool     PoolID
	Kind     SwapKind
	TokenIn  string
	TokenOut string
	IndexIn  int
	IndexOut int
	Amount   *big.Int
	Balances []*big.Int
	Sender   Address
	UserData []byte
}

// PoolPricer computes the counterpart amount of a swap. Returning an error
// rejects the swap; the engine treats rejection like any other swap failure.
type PoolPricer interface {
	OnSwap(req PoolSwapRequest) (*big.Int, error)
}

// FlashLoanRecipient receives borrowed funds and must arrange repayment of
// principal plus fee before returning.
type FlashLoanRecipient interface {
	ReceiveFlashLoan(tokens []string, amounts []*big.Int, fees []*big.Int, payload []byte) error
}

// TransferGateway moves value between the engine's custody and external
// parties. Every reported failure aborts the enclosing operation before any
// accounting is credited.
type TransferGateway interface {
	// Pull moves amount of token from the external party into custody.
	Pull(token string, from Address, amount *big.Int) error
	// Push moves amount of token from custody to the external party.
	Push(token string, to Address, amount *big.Int) error
}

// Authorizer decides whether a caller may perform an operation. A nil
// authorizer on the engine allows everything.
type Authorizer interface {
	Allow(caller Address, operation string) bool
}

// Operation names passed to the Authorizer.
const (
	OpSwap             = "swap"
	OpBatchSwap        = "batchSwap"
	OpFlashLoan        = "flashLoan"
	OpDepositInternal  = "depositInternalBalance"
	OpWithdrawInternal = "withdrawInternalBalance"
	OpTransferInternal = "transferInternalBalance"
	OpFundPool         = "fundPool"
	OpRegisterPool     = "registerPool"
	OpRegisterTokens   = "registerTokens"
	OpUpdateManaged    = "updateManaged"
	OpWithdrawFees     = "withdrawCollectedFees"
)
