package engine

import "errors"

// Sentinel errors returned by Engine operations. The HTTP layer maps these
// onto status codes; callers inspect them with errors.Is.
var (
	// ErrValidation covers malformed input: bad handles, unknown sides,
	// non-positive amounts, empty questions.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates a missing agent, market or position.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds indicates the agent's balance cannot cover the
	// requested spend.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares indicates the agent holds fewer shares than it
	// is trying to sell.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrTradeTooSmall indicates the trade amount is consumed entirely by
	// the fee, or would deliver zero shares.
	ErrTradeTooSmall = errors.New("trade too small")

	// ErrMarketState indicates the market is not open for the requested
	// operation.
	ErrMarketState = errors.New("market is not open")

	// ErrNotCreator indicates a resolution attempt by anyone other than
	// the market's creator.
	ErrNotCreator = errors.New("only the market creator can resolve")
)
