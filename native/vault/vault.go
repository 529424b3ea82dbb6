package vault

import (
	"errors"
	"math/big"
	"sync"

	"sodachain/crypto"
)

var (
	// ErrInsufficientUnlocked is returned when a lock or withdrawal exceeds
	// the account's free (unlocked) balance.
	ErrInsufficientUnlocked = errors.New("vault: insufficient unlocked balance")
	// ErrOverUnlock is returned when an unlock exceeds the locked amount.
	ErrOverUnlock = errors.New("vault: unlock exceeds locked amount")
	// ErrUnauthorized is returned when the caller lacks the controller or
	// staking capability required by the entry point.
	ErrUnauthorized = errors.New("vault: caller not authorized")

	errNilState      = errors.New("vault: state not configured")
	errInvalidAmount = errors.New("vault: amount must be positive")
)

// Account is the per-account ledger entry for one vault: the total balance and
// the portion of it reserved as loan collateral. Locked never exceeds Balance.
type Account struct {
	Address crypto.Address
	Balance *big.Int
	Locked  *big.Int
}

type engineState interface {
	GetVaultAccount(vaultID string, addr crypto.Address) (*Account, error)
	PutVaultAccount(vaultID string, account *Account) error
}

// Vault tracks total and locked balances of one underlying asset per account.
// Lock, unlock and seizure are reserved to the controller (the bank); balance
// mutation is reserved to the staking collaborator that custodies deposits.
// The vault itself carries no loan semantics.
type Vault struct {
	mu         sync.Mutex
	id         string
	state      engineState
	admin      crypto.Address
	controller crypto.Address
	staking    crypto.Address
}

// New constructs a vault identified by id and administered by admin. The
// controller and staking capabilities start unset and must be assigned before
// the corresponding entry points can succeed.
func New(id string, admin crypto.Address) *Vault {
	return &Vault{id: id, admin: admin}
}

// ID returns the vault identifier used in state keys.
func (v *Vault) ID() string {
	if v == nil {
		return ""
	}
	return v.id
}

// SetState wires the vault to the external persistence layer.
func (v *Vault) SetState(state engineState) { v.state = state }

// SetController assigns the principal allowed to lock, unlock and seize
// collateral. Admin only.
func (v *Vault) SetController(caller, controller crypto.Address) error {
	if !caller.Equal(v.admin) {
		return ErrUnauthorized
	}
	v.mu.Lock()
	v.controller = controller
	v.mu.Unlock()
	return nil
}

// SetStaking assigns the principal allowed to move balances in and out of the
// vault. Admin only.
func (v *Vault) SetStaking(caller, staking crypto.Address) error {
	if !caller.Equal(v.admin) {
		return ErrUnauthorized
	}
	v.mu.Lock()
	v.staking = staking
	v.mu.Unlock()
	return nil
}

// Deposit credits the account's balance. Staking collaborator only.
func (v *Vault) Deposit(caller, account crypto.Address, amount *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !caller.Equal(v.staking) {
		return ErrUnauthorized
	}
	acc, err := v.ensureAccount(account)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return v.state.PutVaultAccount(v.id, acc)
}

// Withdraw debits the account's balance. The withdrawal fails when it would
// bring the balance below the locked amount. Staking collaborator only.
func (v *Vault) Withdraw(caller, account crypto.Address, amount *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !caller.Equal(v.staking) {
		return ErrUnauthorized
	}
	acc, err := v.ensureAccount(account)
	if err != nil {
		return err
	}
	free := new(big.Int).Sub(acc.Balance, acc.Locked)
	if free.Cmp(amount) < 0 {
		return ErrInsufficientUnlocked
	}
	acc.Balance = new(big.Int).Sub(acc.Balance, amount)
	return v.state.PutVaultAccount(v.id, acc)
}

// Lock reserves part of the account's free balance as collateral. Controller
// only.
func (v *Vault) Lock(caller, account crypto.Address, amount *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !caller.Equal(v.controller) {
		return ErrUnauthorized
	}
	acc, err := v.ensureAccount(account)
	if err != nil {
		return err
	}
	free := new(big.Int).Sub(acc.Balance, acc.Locked)
	if free.Cmp(amount) < 0 {
		return ErrInsufficientUnlocked
	}
	acc.Locked = new(big.Int).Add(acc.Locked, amount)
	return v.state.PutVaultAccount(v.id, acc)
}

// Unlock releases previously locked collateral. Controller only.
func (v *Vault) Unlock(caller, account crypto.Address, amount *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !caller.Equal(v.controller) {
		return ErrUnauthorized
	}
	acc, err := v.ensureAccount(account)
	if err != nil {
		return err
	}
	if acc.Locked.Cmp(amount) < 0 {
		return ErrOverUnlock
	}
	acc.Locked = new(big.Int).Sub(acc.Locked, amount)
	return v.state.PutVaultAccount(v.id, acc)
}

// Seize settles a liquidation: it removes amount from the loser's balance and
// locked amount in one step and credits the winner's free balance. Both
// records change under the same critical section. Controller only.
func (v *Vault) Seize(caller, from, to crypto.Address, amount *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !caller.Equal(v.controller) {
		return ErrUnauthorized
	}
	fromAcc, err := v.ensureAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Locked.Cmp(amount) < 0 {
		return ErrOverUnlock
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientUnlocked
	}
	toAcc, err := v.ensureAccount(to)
	if err != nil {
		return err
	}

	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	fromAcc.Locked = new(big.Int).Sub(fromAcc.Locked, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)

	if err := v.state.PutVaultAccount(v.id, fromAcc); err != nil {
		return err
	}
	return v.state.PutVaultAccount(v.id, toAcc)
}

// BalanceOf returns the account's total balance.
func (v *Vault) BalanceOf(account crypto.Address) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	acc, err := v.ensureAccount(account)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance), nil
}

// LockedAmount returns the account's locked collateral.
func (v *Vault) LockedAmount(account crypto.Address) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	acc, err := v.ensureAccount(account)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Locked), nil
}

// UnlockedBalance returns balance minus locked, the amount still lockable or
// withdrawable.
func (v *Vault) UnlockedBalance(account crypto.Address) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	acc, err := v.ensureAccount(account)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(acc.Balance, acc.Locked), nil
}

func (v *Vault) ensureAccount(addr crypto.Address) (*Account, error) {
	acc, err := v.state.GetVaultAccount(v.id, addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &Account{Address: addr}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	if acc.Locked == nil {
		acc.Locked = big.NewInt(0)
	}
	return acc, nil
}
