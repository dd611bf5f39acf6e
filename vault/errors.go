package vault

import (
	"fmt"
	"math/big"
	"strings"
)

// Kind tags every failure surfaced by the engine. Kinds are themselves errors
// so callers can match with errors.Is against the exported sentinels without
// caring about the context carried alongside.
type Kind string

const (
	KindInsufficientBalance         Kind = "insufficient balance"
	KindInsufficientInternalBalance Kind = "insufficient internal balance"
	KindSwapLimitExceeded           Kind = "swap limit exceeded"
	KindDeadlineExpired             Kind = "deadline expired"
	KindUnregisteredPoolOrToken     Kind = "unregistered pool or token"
	KindTokenAlreadyRegistered      Kind = "token already registered"
	KindSpecializationMismatch      Kind = "specialization mismatch"
	KindTokensNotSorted             Kind = "tokens not sorted"
	KindFlashLoanNotRepaid          Kind = "flash loan not repaid"
	KindReentrantCall               Kind = "reentrant call"
	KindArithmeticOverflow          Kind = "arithmetic overflow"
	KindInvalidArgument             Kind = "invalid argument"
	KindNotAuthorized               Kind = "not authorized"
	KindTransferFailed              Kind = "transfer failed"
	KindPricerRejected              Kind = "pricer rejected swap"
)

func (k Kind) Error() string { return "vault: " + string(k) }

// Sentinels for errors.Is matching.
var (
	ErrInsufficientBalance         = KindInsufficientBalance
	ErrInsufficientInternalBalance = KindInsufficientInternalBalance
	ErrSwapLimitExceeded           = KindSwapLimitExceeded
	ErrDeadlineExpired             = KindDeadlineExpired
	ErrUnregisteredPoolOrToken     = KindUnregisteredPoolOrToken
	ErrTokenAlreadyRegistered      = KindTokenAlreadyRegistered
	ErrSpecializationMismatch      = KindSpecializationMismatch
	ErrTokensNotSorted             = KindTokensNotSorted
	ErrFlashLoanNotRepaid          = KindFlashLoanNotRepaid
	ErrReentrantCall               = KindReentrantCall
	ErrArithmeticOverflow          = KindArithmeticOverflow
	ErrInvalidArgument             = KindInvalidArgument
	ErrNotAuthorized               = KindNotAuthorized
	ErrTransferFailed              = KindTransferFailed
	ErrPricerRejected              = KindPricerRejected
)

// Error carries the failure kind plus whatever identifiers and amounts the
// caller needs to decide on a retry with different parameters. Zero-value
// fields were not relevant to the failure.
type Error struct {
	Kind   Kind
	Pool   PoolID
	Token  string
	Owner  Address
	Amount *big.Int
	Limit  *big.Int
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Pool != (PoolID{}) {
		fmt.Fprintf(&b, " pool=%s", e.Pool)
	}
	if e.Token != "" {
		fmt.Fprintf(&b, " token=%s", e.Token)
	}
	if e.Owner != (Address{}) {
		fmt.Fprintf(&b, " owner=%s", e.Owner)
	}
	if e.Amount != nil {
		fmt.Fprintf(&b, " amount=%s", e.Amount)
	}
	if e.Limit != nil {
		fmt.Fprintf(&b, " limit=%s", e.Limit)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Is lets errors.Is match an *Error against its Kind sentinel.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func (e *Error) Unwrap() error { return e.Cause }

func errKind(kind Kind) *Error { return &Error{Kind: kind} }

func errPoolToken(kind Kind, pool PoolID, token string) *Error {
	return &Error{Kind: kind, Pool: pool, Token: token}
}
