package bank

import (
	"strconv"

	"sodachain/core/types"
	"sodachain/crypto"
)

const (
	EventTypeLoanBorrowed  = "bank.borrowed"
	EventTypeLoanRepaid    = "bank.repaid"
	EventTypeLoanCollected = "bank.collected"
)

// NewBorrowedEvent returns the canonical payload emitted when a loan opens.
func NewBorrowedEvent(loan *Loan) *types.Event {
	return newLoanEvent(EventTypeLoanBorrowed, loan, crypto.Address{}, "")
}

// NewRepaidEvent returns the canonical payload emitted when the borrower pays
// a loan back in full. due is the burned principal-plus-fee amount.
func NewRepaidEvent(loan *Loan, due string) *types.Event {
	evt := newLoanEvent(EventTypeLoanRepaid, loan, crypto.Address{}, "")
	evt.Attributes["due"] = due
	return evt
}

// NewCollectedEvent returns the canonical payload emitted when a third party
// buys out a loan's collateral. payment is the debt-token amount burned from
// the collector.
func NewCollectedEvent(loan *Loan, collector crypto.Address, payment string) *types.Event {
	return newLoanEvent(EventTypeLoanCollected, loan, collector, payment)
}

func newLoanEvent(eventType string, loan *Loan, collector crypto.Address, payment string) *types.Event {
	attributes := map[string]string{
		"pool":      loan.PoolID,
		"borrower":  loan.Borrower.String(),
		"loanIndex": strconv.FormatUint(loan.Index, 10),
		"principal": loan.Principal.String(),
		"locked":    loan.Locked.String(),
		"createdAt": strconv.FormatInt(loan.CreatedAt, 10),
	}
	if !collector.IsZero() {
		attributes["collector"] = collector.String()
	}
	if payment != "" {
		attributes["payment"] = payment
	}
	return &types.Event{Type: eventType, Attributes: attributes}
}
