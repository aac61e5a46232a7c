package loan

import "errors"

var (
	// ErrValidation marks a malformed or missing request field.
	ErrValidation = errors.New("loan: invalid request")
	// ErrNotFound marks a lookup that matched no loan or user.
	ErrNotFound = errors.New("loan: not found")
	// ErrUnauthorized marks an operation on a loan owned by another user.
	ErrUnauthorized = errors.New("loan: not the loan owner")
	// ErrLoanClosed marks a mutation attempted on a terminal loan.
	ErrLoanClosed = errors.New("loan: loan already closed")
	// ErrInsufficientBalance marks a debit exceeding the user's balance.
	ErrInsufficientBalance = errors.New("loan: insufficient balance")
	// ErrLTVExceeded marks a creation above the initial LTV cap.
	ErrLTVExceeded = errors.New("loan: requested amount exceeds maximum LTV")
)
