package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"sodachain/core/events"
	"sodachain/core/types"
	"sodachain/crypto"
	nativecommon "sodachain/native/common"
	"sodachain/native/registry"
	"sodachain/native/token"
	"sodachain/observability/metrics"
)

var (
	// ErrLockTooMuch is returned when a borrow would require locking more
	// collateral than the borrower's unlocked vault balance.
	ErrLockTooMuch = errors.New("bank: lock too much")
	// ErrLoanNotOpen is returned for operations on a nonexistent or already
	// closed loan.
	ErrLoanNotOpen = errors.New("bank: loan is not open")
	// ErrLoanNotEligible is returned when a targeted loan is younger than
	// the configured collection age.
	ErrLoanNotEligible = errors.New("bank: loan not yet eligible for collection")
	// ErrSelfCollection is returned when a borrower tries to collect their
	// own debt.
	ErrSelfCollection = errors.New("bank: cannot collect own loan")

	errNilState       = errors.New("bank: state not configured")
	errNilRegistry    = errors.New("bank: registry not configured")
	errInvalidAmount  = errors.New("bank: amount must be positive")
	errNoLoans        = errors.New("bank: no loan indices provided")
	errDuplicateLoans = errors.New("bank: duplicate loan index")
)

var two = big.NewInt(2)

const moduleName = "bank"

func vaultInvariantError(poolID string, borrower crypto.Address) error {
	return fmt.Errorf("bank: vault record for %s in pool %s no longer covers its loans", borrower, poolID)
}

type engineState interface {
	GetLoan(poolID string, borrower crypto.Address, index uint64) (*Loan, error)
	PutLoan(poolID string, loan *Loan) error
	LoanCount(poolID string, borrower crypto.Address) (uint64, error)
	PutLoanCount(poolID string, borrower crypto.Address, count uint64) error
}

type bankEvent struct {
	evt *types.Event
}

func (e bankEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bankEvent) Event() *types.Event { return e.evt }

// Engine orchestrates borrowing, repayment and third-party debt collection
// across the configured pools. Every operation resolves the pool's vault,
// debt token and calculator through the registry, so parameter changes apply
// to loans that have not settled yet. The engine's own address is the
// capability presented to the vault (controller) and the token (minter).
//
// All mutating calls run under a single engine mutex; combined with the
// preflight-then-apply structure below, a failed call leaves no partial
// state.
type Engine struct {
	mu            sync.Mutex
	state         engineState
	registry      *registry.Registry
	moduleAddress crypto.Address
	emitter       events.Emitter
	nowFn         func() int64
	collectMinAge int64
	pauses        nativecommon.PauseView
}

// NewEngine constructs a bank engine acting under moduleAddr against the
// provided pool registry.
func NewEngine(moduleAddr crypto.Address, reg *registry.Registry) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		registry:      reg,
		emitter:       events.NoopEmitter{},
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// ModuleAddress returns the capability identity the bank presents to the
// vault and token ledgers.
func (e *Engine) ModuleAddress() crypto.Address { return e.moduleAddress }

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests to
// provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPauses wires the module pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetCollectMinAge configures the minimum age, in seconds, a loan must reach
// before third parties may collect it. Zero disables the gate.
func (e *Engine) SetCollectMinAge(seconds int64) {
	if e == nil || seconds < 0 {
		return
	}
	e.collectMinAge = seconds
}

// CollectMinAge returns the configured collection age gate in seconds.
func (e *Engine) CollectMinAge() int64 {
	if e == nil {
		return 0
	}
	return e.collectMinAge
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(bankEvent{evt: evt})
}

// Borrow locks collateral in the pool's vault and mints the principal of the
// pool's debt token to the borrower, recording a new open loan at the
// borrower's next index. The created loan is returned.
func (e *Engine) Borrow(borrower crypto.Address, poolID string, principal *big.Int) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if principal == nil || principal.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.registry.Pool(poolID)
	if err != nil {
		return nil, err
	}

	needed, err := pool.Calculator.CollateralFor(principal)
	if err != nil {
		return nil, err
	}
	unlocked, err := pool.Vault.UnlockedBalance(borrower)
	if err != nil {
		return nil, err
	}
	if unlocked.Cmp(needed) < 0 {
		return nil, ErrLockTooMuch
	}

	if err := pool.Vault.Lock(e.moduleAddress, borrower, needed); err != nil {
		return nil, err
	}
	if err := pool.DebtToken.Mint(e.moduleAddress, borrower, principal); err != nil {
		// Undo the lock so a mis-wired token leaves no trace.
		_ = pool.Vault.Unlock(e.moduleAddress, borrower, needed)
		return nil, err
	}

	index, err := e.state.LoanCount(poolID, borrower)
	if err != nil {
		return nil, err
	}
	loan := &Loan{
		PoolID:    poolID,
		Borrower:  borrower,
		Index:     index,
		Principal: new(big.Int).Set(principal),
		Locked:    needed,
		CreatedAt: e.now(),
		Open:      true,
	}
	if err := e.state.PutLoan(poolID, loan); err != nil {
		return nil, err
	}
	if err := e.state.PutLoanCount(poolID, borrower, index+1); err != nil {
		return nil, err
	}

	e.emit(NewBorrowedEvent(loan))
	metrics.Bank().LoanOpened(poolID)
	return loan.Clone(), nil
}

// PayBackInFull burns principal plus the flat origination fee from the
// borrower, releases the loan's collateral and closes the loan. Only the
// loan's own borrower can repay it; there is no time restriction. The burned
// amount is returned.
func (e *Engine) PayBackInFull(borrower crypto.Address, poolID string, index uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.registry.Pool(poolID)
	if err != nil {
		return nil, err
	}
	loan, err := e.state.GetLoan(poolID, borrower, index)
	if err != nil {
		return nil, err
	}
	if loan == nil || !loan.Open {
		return nil, ErrLoanNotOpen
	}

	due, err := pool.Calculator.RepaymentAmount(loan.Principal)
	if err != nil {
		return nil, err
	}

	// The unlock below must not be able to fail once the tokens are burned.
	locked, err := pool.Vault.LockedAmount(borrower)
	if err != nil {
		return nil, err
	}
	if locked.Cmp(loan.Locked) < 0 {
		return nil, vaultInvariantError(poolID, borrower)
	}

	if err := pool.DebtToken.Burn(e.moduleAddress, borrower, due); err != nil {
		return nil, err
	}
	if err := pool.Vault.Unlock(e.moduleAddress, borrower, loan.Locked); err != nil {
		return nil, err
	}

	closed := loan.Clone()
	closed.Principal = big.NewInt(0)
	closed.Locked = big.NewInt(0)
	closed.Open = false
	if err := e.state.PutLoan(poolID, closed); err != nil {
		return nil, err
	}

	e.emit(NewRepaidEvent(loan, due.String()))
	metrics.Bank().LoanRepaid(poolID)
	return due, nil
}

// CollectDebt lets a third party settle one or more of another account's open
// loans. For each targeted loan the collector burns
// liquidationDebt + (locked - liquidationDebt)/2 of the pool's debt token and
// receives the loan's full locked collateral into their vault balance. Either
// every targeted loan settles or none does. The total burned payment is
// returned.
func (e *Engine) CollectDebt(collector crypto.Address, poolID string, borrower crypto.Address, indices ...uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, errNoLoans
	}
	if collector.Equal(borrower) {
		return nil, ErrSelfCollection
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.registry.Pool(poolID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	seen := make(map[uint64]struct{}, len(indices))
	loans := make([]*Loan, 0, len(indices))
	payments := make([]*big.Int, 0, len(indices))
	totalPayment := big.NewInt(0)
	totalLocked := big.NewInt(0)
	for _, index := range indices {
		if _, dup := seen[index]; dup {
			return nil, errDuplicateLoans
		}
		seen[index] = struct{}{}

		loan, err := e.state.GetLoan(poolID, borrower, index)
		if err != nil {
			return nil, err
		}
		if loan == nil || !loan.Open {
			return nil, ErrLoanNotOpen
		}
		if e.collectMinAge > 0 && now-loan.CreatedAt < e.collectMinAge {
			return nil, ErrLoanNotEligible
		}

		debt, err := pool.Calculator.LiquidationDebt(loan.Locked)
		if err != nil {
			return nil, err
		}
		// The collector pays the threshold debt plus half the spread up to
		// the full lock value, pocketing the other half.
		bonus := new(big.Int).Sub(loan.Locked, debt)
		bonus.Quo(bonus, two)
		payment := new(big.Int).Add(debt, bonus)

		loans = append(loans, loan)
		payments = append(payments, payment)
		totalPayment.Add(totalPayment, payment)
		totalLocked.Add(totalLocked, loan.Locked)
	}

	// Preflight both ledgers so the per-loan mutations below cannot fail.
	balance, err := pool.DebtToken.BalanceOf(collector)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(totalPayment) < 0 {
		return nil, token.ErrBurnExceedsBalance
	}
	borrowerLocked, err := pool.Vault.LockedAmount(borrower)
	if err != nil {
		return nil, err
	}
	borrowerBalance, err := pool.Vault.BalanceOf(borrower)
	if err != nil {
		return nil, err
	}
	if borrowerLocked.Cmp(totalLocked) < 0 || borrowerBalance.Cmp(totalLocked) < 0 {
		return nil, vaultInvariantError(poolID, borrower)
	}

	for i, loan := range loans {
		if err := pool.DebtToken.Burn(e.moduleAddress, collector, payments[i]); err != nil {
			return nil, err
		}
		if err := pool.Vault.Seize(e.moduleAddress, borrower, collector, loan.Locked); err != nil {
			return nil, err
		}

		closed := loan.Clone()
		closed.Principal = big.NewInt(0)
		closed.Locked = big.NewInt(0)
		closed.Open = false
		if err := e.state.PutLoan(poolID, closed); err != nil {
			return nil, err
		}

		e.emit(NewCollectedEvent(loan, collector, payments[i].String()))
		metrics.Bank().LoanCollected(poolID)
	}

	return totalPayment, nil
}

// Loan returns a copy of the stored loan record, or ErrLoanNotOpen when no
// loan exists at the index.
func (e *Engine) Loan(poolID string, borrower crypto.Address, index uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	loan, err := e.state.GetLoan(poolID, borrower, index)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotOpen
	}
	return loan.Clone(), nil
}

// LoanCount returns how many loans the borrower has opened in the pool,
// including closed ones.
func (e *Engine) LoanCount(poolID string, borrower crypto.Address) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.LoanCount(poolID, borrower)
}
