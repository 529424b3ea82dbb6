package bank

import (
	"math/big"

	"sodachain/crypto"
)

// Loan is a single open borrowing position. Loans are keyed by pool, borrower
// and a per-borrower index assigned from 0 upward; an index is never reused.
// A loan closes only through full repayment or full third-party collection —
// there is no partial-principal state.
type Loan struct {
	PoolID   string
	Borrower crypto.Address
	Index    uint64
	// Principal is the minted debt-token amount, fixed at open.
	Principal *big.Int
	// Locked is the vault collateral backing the loan, fixed at open.
	Locked *big.Int
	// CreatedAt is the unix timestamp stamped at open. It feeds only the
	// collection eligibility gate, never interest.
	CreatedAt int64
	Open      bool
}

// Clone returns a deep copy to avoid callers mutating shared pointers.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	if l.Locked != nil {
		clone.Locked = new(big.Int).Set(l.Locked)
	}
	return &clone
}
