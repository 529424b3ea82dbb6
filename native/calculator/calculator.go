package calculator

import (
	"errors"
	"math/big"
	"sync"

	"sodachain/crypto"
)

var (
	ErrInvalidParameters = errors.New("calculator: parameters out of range")
	ErrUnauthorized      = errors.New("calculator: caller is not the administrator")

	errInvalidAmount = errors.New("calculator: amount must be non-negative")
)

var (
	hundred = big.NewInt(100)
	million = big.NewInt(1_000_000)
)

// Params groups the governance controlled knobs that price loans. Percentages
// are plain integers in [1, 100]; the origination fee rate is expressed in
// parts per million of the principal.
type Params struct {
	// RatePerMillion is the flat origination fee charged on repayment,
	// in millionths of the principal. It does not accrue over time.
	RatePerMillion uint64
	// LoanToValuePercent bounds how much may be borrowed against unlocked
	// vault balance.
	LoanToValuePercent uint64
	// LiquidationThresholdPercent defines the floor a collector pays for a
	// loan's locked collateral.
	LiquidationThresholdPercent uint64
}

// Validate enforces 0 < ltv <= threshold <= 100.
func (p Params) Validate() error {
	if p.LoanToValuePercent == 0 || p.LoanToValuePercent > 100 {
		return ErrInvalidParameters
	}
	if p.LiquidationThresholdPercent == 0 || p.LiquidationThresholdPercent > 100 {
		return ErrInvalidParameters
	}
	if p.LoanToValuePercent > p.LiquidationThresholdPercent {
		return ErrInvalidParameters
	}
	return nil
}

// Calculator prices principals, collateral requirements and liquidation
// buyouts for one pool. Parameter updates apply prospectively: the bank reads
// the current parameters on every borrow, repayment and collection.
type Calculator struct {
	mu     sync.RWMutex
	admin  crypto.Address
	params Params
}

// New constructs a calculator administered by admin. The initial parameters
// must already be in range.
func New(admin crypto.Address, params Params) (*Calculator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{admin: admin, params: params}, nil
}

// UpdateParams replaces the pricing parameters. Only the administrator (the
// governance executor in production) may call it.
func (c *Calculator) UpdateParams(caller crypto.Address, params Params) error {
	if !caller.Equal(c.admin) {
		return ErrUnauthorized
	}
	if err := params.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.params = params
	c.mu.Unlock()
	return nil
}

// Params returns the current parameter set.
func (c *Calculator) Params() Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// MaxBorrowable returns lockable * ltv / 100, the largest principal a caller
// may borrow against an unlocked vault balance.
func (c *Calculator) MaxBorrowable(lockable *big.Int) (*big.Int, error) {
	if lockable == nil || lockable.Sign() < 0 {
		return nil, errInvalidAmount
	}
	c.mu.RLock()
	ltv := new(big.Int).SetUint64(c.params.LoanToValuePercent)
	c.mu.RUnlock()
	out := new(big.Int).Mul(lockable, ltv)
	return out.Quo(out, hundred), nil
}

// CollateralFor returns principal * 100 / ltv, the vault amount that must be
// locked to back the given principal.
func (c *Calculator) CollateralFor(principal *big.Int) (*big.Int, error) {
	if principal == nil || principal.Sign() < 0 {
		return nil, errInvalidAmount
	}
	c.mu.RLock()
	ltv := new(big.Int).SetUint64(c.params.LoanToValuePercent)
	c.mu.RUnlock()
	out := new(big.Int).Mul(principal, hundred)
	return out.Quo(out, ltv), nil
}

// RepaymentAmount returns principal plus the flat origination fee,
// principal + principal * rate / 1_000_000. The fee is independent of how
// long the loan has been open.
func (c *Calculator) RepaymentAmount(principal *big.Int) (*big.Int, error) {
	if principal == nil || principal.Sign() < 0 {
		return nil, errInvalidAmount
	}
	c.mu.RLock()
	rate := new(big.Int).SetUint64(c.params.RatePerMillion)
	c.mu.RUnlock()
	fee := new(big.Int).Mul(principal, rate)
	fee.Quo(fee, million)
	return fee.Add(fee, principal), nil
}

// LiquidationDebt returns locked * threshold / 100, the minimum a collector
// must pay to claim a loan's collateral.
func (c *Calculator) LiquidationDebt(locked *big.Int) (*big.Int, error) {
	if locked == nil || locked.Sign() < 0 {
		return nil, errInvalidAmount
	}
	c.mu.RLock()
	threshold := new(big.Int).SetUint64(c.params.LiquidationThresholdPercent)
	c.mu.RUnlock()
	out := new(big.Int).Mul(locked, threshold)
	return out.Quo(out, hundred), nil
}
