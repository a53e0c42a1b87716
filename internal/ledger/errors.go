package ledger

import (
	"errors"

	"github.com/papertrade/portfolio-engine/internal/valuation"
)

var (
	// ErrInsufficientFunds is returned when a buy costs more than the
	// available cash.
	ErrInsufficientFunds = errors.New("ledger: not enough cash to complete this purchase")

	// ErrNoSuchHolding is returned when selling a ticker that is not held.
	ErrNoSuchHolding = errors.New("ledger: no holding for ticker")

	// ErrInsufficientShares is returned when selling more shares than held.
	ErrInsufficientShares = errors.New("ledger: cannot sell more shares than held")

	// ErrInvalidAmount is returned for non-positive deposits, negative
	// initial funds and non-positive trade quantities or prices.
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrInvalidCommission is returned for a negative commission percent.
	ErrInvalidCommission = errors.New("ledger: commission percent must not be negative")

	// ErrAlreadyInitialized is returned when initial funds are set twice.
	ErrAlreadyInitialized = errors.New("ledger: initial funds already set")

	// ErrNotInitialized is returned for operations before initial funding.
	ErrNotInitialized = errors.New("ledger: initial funds not set")

	// ErrPersistence is returned when the store rejected a write. The
	// in-memory state is left as it was before the operation.
	ErrPersistence = errors.New("ledger: could not persist portfolio")
)

// Reason strings reported across the presentation boundary.
const (
	ReasonInsufficientFunds  = "InsufficientFunds"
	ReasonNoSuchHolding      = "NoSuchHolding"
	ReasonInsufficientShares = "InsufficientShares"
	ReasonInvalidAmount      = "InvalidAmount"
	ReasonInvalidCommission  = "InvalidCommission"
	ReasonInvalidTicker      = "InvalidTicker"
	ReasonAlreadyInitialized = "AlreadyInitialized"
	ReasonNotInitialized     = "NotInitialized"
	ReasonPersistenceFailed  = "PersistenceFailed"
	ReasonInternal           = "Internal"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrInsufficientFunds, ReasonInsufficientFunds},
	{ErrNoSuchHolding, ReasonNoSuchHolding},
	{ErrInsufficientShares, ReasonInsufficientShares},
	{ErrInvalidAmount, ReasonInvalidAmount},
	{ErrInvalidCommission, ReasonInvalidCommission},
	{valuation.ErrInvalidTicker, ReasonInvalidTicker},
	{ErrAlreadyInitialized, ReasonAlreadyInitialized},
	{ErrNotInitialized, ReasonNotInitialized},
	{ErrPersistence, ReasonPersistenceFailed},
}

// Reason maps an error returned by the ledger to its reason string.
// It returns "" for a nil error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}
