package escrow

import (
	"errors"
	"fmt"

	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/token"
)

// Code identifies an escrow failure independently of its message
type Code string

const (
	CodeInvalidAmount     Code = "InvalidAmount"
	CodeInvalidAccount    Code = "InvalidAccount"
	CodeAlreadyExists     Code = "AlreadyExists"
	CodeOfferNotFound     Code = "OfferNotFound"
	CodeAccountMismatch   Code = "AccountMismatch"
	CodeInsufficientFunds Code = "InsufficientFunds"
	CodeUnauthorized      Code = "Unauthorized"
	CodeInternal          Code = "Internal"
)

// Error is a failed escrow operation. Two Errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

var (
	ErrInvalidAmount     = &Error{Code: CodeInvalidAmount, Msg: "amount must be greater than zero"}
	ErrInvalidAccount    = &Error{Code: CodeInvalidAccount, Msg: "invalid account"}
	ErrAlreadyExists     = &Error{Code: CodeAlreadyExists, Msg: "offer already exists"}
	ErrOfferNotFound     = &Error{Code: CodeOfferNotFound, Msg: "offer not found"}
	ErrAccountMismatch   = &Error{Code: CodeAccountMismatch, Msg: "account does not match offer"}
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds, Msg: "insufficient funds"}
	ErrUnauthorized      = &Error{Code: CodeUnauthorized, Msg: "missing required signer"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the escrow code carried by err, or CodeInternal
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// classify maps failures reported by the ledger and token program onto the
// escrow taxonomy. Errors that already carry a code pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	code := CodeInternal
	switch {
	case errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientLamports):
		code = CodeInsufficientFunds
	case errors.Is(err, token.ErrMintMismatch),
		errors.Is(err, token.ErrOwnerMismatch):
		code = CodeAccountMismatch
	case errors.Is(err, ledger.ErrMissingSignature):
		code = CodeUnauthorized
	case errors.Is(err, token.ErrNotMint),
		errors.Is(err, token.ErrNotTokenAccount),
		errors.Is(err, token.ErrDecimalsMismatch),
		errors.Is(err, ledger.ErrInvalidOwner),
		errors.Is(err, ledger.ErrUndeclaredAccount),
		errors.Is(err, ledger.ErrReadonlyAccount),
		errors.Is(err, ledger.ErrAccountNotFound):
		code = CodeInvalidAccount
	case errors.Is(err, ledger.ErrAccountExists):
		code = CodeAlreadyExists
	}
	return &Error{Code: code, Msg: "operation failed", Err: err}
}
