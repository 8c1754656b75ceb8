package service

import (
	"errors"

	"matchcore/domain/ledger"
	"matchcore/domain/orderbook"
)

// User errors. They are returned to the caller and never retried.
var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("order not found")
	ErrNotOwner          = errors.New("order belongs to another account")
	ErrAlreadyTerminal   = errors.New("order already filled or cancelled")
)

var (
	// ErrDurability means the command could not be logged and was not
	// applied. It is safe to retry.
	ErrDurability = errors.New("durability failure")

	// ErrPairHalted means matching on the pair stopped after an internal
	// invariant violation.
	ErrPairHalted = errors.New("pair halted")
	ErrHalted     = errors.New("engine halted")

	ErrStopped = errors.New("engine stopped")

	// ErrReplayDiverged means the log does not replay to the state it
	// recorded.
	ErrReplayDiverged = errors.New("replay diverged")
)

// userError reports whether err is a caller mistake rather than a fault.
func userError(err error) bool {
	return errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrAlreadyTerminal)
}

// resultLabel is the metrics label for a command outcome.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrInvalidAmount):
		return "invalid"
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound), errors.Is(err, orderbook.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrDurability):
		return "durability"
	case errors.Is(err, ErrPairHalted), errors.Is(err, ErrHalted):
		return "halted"
	default:
		return "error"
	}
}
