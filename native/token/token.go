package token

import (
	"errors"
	"math/big"
	"sync"

	"sodachain/crypto"
)

var (
	// ErrBurnExceedsBalance is returned when a burn is larger than the
	// holder's balance.
	ErrBurnExceedsBalance = errors.New("token: burn amount exceeds balance")
	// ErrInsufficientBalance is returned when a transfer is larger than the
	// sender's balance.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrUnauthorized is returned when mint or burn is attempted by anyone
	// but the minter.
	ErrUnauthorized = errors.New("token: caller is not the minter")

	errNilState      = errors.New("token: state not configured")
	errInvalidAmount = errors.New("token: amount must be positive")
)

type ledgerState interface {
	GetTokenBalance(symbol string, addr crypto.Address) (*big.Int, error)
	PutTokenBalance(symbol string, addr crypto.Address, balance *big.Int) error
	GetTokenSupply(symbol string) (*big.Int, error)
	PutTokenSupply(symbol string, supply *big.Int) error
}

// Token is a synthetic debt token: a supply-tracking balance ledger whose
// mint and burn authority belongs to a single minter, the bank. The minter
// capability is handed over once during wiring and checked on every call.
type Token struct {
	mu     sync.Mutex
	symbol string
	minter crypto.Address
	state  ledgerState
}

// New constructs a token ledger with its initial minter. The deployer hands
// the capability to the bank via TransferMinter before any borrow can mint.
func New(symbol string, minter crypto.Address) *Token {
	return &Token{symbol: symbol, minter: minter}
}

// Symbol returns the token identifier used in state keys.
func (t *Token) Symbol() string {
	if t == nil {
		return ""
	}
	return t.symbol
}

// SetState wires the token to the external persistence layer.
func (t *Token) SetState(state ledgerState) { t.state = state }

// TransferMinter reassigns the mint/burn capability. Current minter only.
func (t *Token) TransferMinter(caller, next crypto.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !caller.Equal(t.minter) {
		return ErrUnauthorized
	}
	t.minter = next
	return nil
}

// Mint credits freshly issued tokens to the recipient. Minter only.
func (t *Token) Mint(caller, to crypto.Address, amount *big.Int) error {
	if t == nil || t.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !caller.Equal(t.minter) {
		return ErrUnauthorized
	}
	balance, err := t.balance(to)
	if err != nil {
		return err
	}
	supply, err := t.supply()
	if err != nil {
		return err
	}
	if err := t.state.PutTokenBalance(t.symbol, to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return t.state.PutTokenSupply(t.symbol, new(big.Int).Add(supply, amount))
}

// Burn destroys tokens held by from. Minter only; the bank burns repayment
// and collection amounts through this entry point.
func (t *Token) Burn(caller, from crypto.Address, amount *big.Int) error {
	if t == nil || t.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !caller.Equal(t.minter) {
		return ErrUnauthorized
	}
	balance, err := t.balance(from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrBurnExceedsBalance
	}
	supply, err := t.supply()
	if err != nil {
		return err
	}
	if err := t.state.PutTokenBalance(t.symbol, from, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return t.state.PutTokenSupply(t.symbol, new(big.Int).Sub(supply, amount))
}

// Transfer moves tokens between holders.
func (t *Token) Transfer(from, to crypto.Address, amount *big.Int) error {
	if t == nil || t.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fromBalance, err := t.balance(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := t.balance(to)
	if err != nil {
		return err
	}
	if err := t.state.PutTokenBalance(t.symbol, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return t.state.PutTokenBalance(t.symbol, to, new(big.Int).Add(toBalance, amount))
}

// BalanceOf returns the holder's balance.
func (t *Token) BalanceOf(addr crypto.Address) (*big.Int, error) {
	if t == nil || t.state == nil {
		return nil, errNilState
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance(addr)
}

// TotalSupply returns the minted-and-not-yet-burned amount.
func (t *Token) TotalSupply() (*big.Int, error) {
	if t == nil || t.state == nil {
		return nil, errNilState
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply()
}

func (t *Token) balance(addr crypto.Address) (*big.Int, error) {
	balance, err := t.state.GetTokenBalance(t.symbol, addr)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func (t *Token) supply() (*big.Int, error) {
	supply, err := t.state.GetTokenSupply(t.symbol)
	if err != nil {
		return nil, err
	}
	if supply == nil {
		return big.NewInt(0), nil
	}
	return supply, nil
}
