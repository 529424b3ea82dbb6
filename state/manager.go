package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"sodachain/crypto"
	"sodachain/native/bank"
	"sodachain/native/vault"
	"sodachain/storage"
)

// Manager persists the ledger's vault accounts, loans and token balances in a
// key-value store with RLP payloads. It satisfies the narrow state interfaces
// of the vault, bank and token engines so a single backend serves all three.
type Manager struct {
	db storage.Database
}

// NewManager constructs a manager over the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func addrKey(addr crypto.Address) string {
	return hex.EncodeToString(addr.Bytes())
}

func vaultAccountKey(vaultID string, addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("vault/%s/%s", vaultID, addrKey(addr)))
}

func loanKey(poolID string, addr crypto.Address, index uint64) []byte {
	return []byte(fmt.Sprintf("bank/loan/%s/%s/%d", poolID, addrKey(addr), index))
}

func loanCountKey(poolID string, addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("bank/loancount/%s/%s", poolID, addrKey(addr)))
}

func tokenBalanceKey(symbol string, addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("token/balance/%s/%s", symbol, addrKey(addr)))
}

func tokenSupplyKey(symbol string) []byte {
	return []byte(fmt.Sprintf("token/supply/%s", symbol))
}

func (m *Manager) kvGet(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) kvPut(key []byte, value interface{}) error {
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, raw)
}

// --- vault state ---

type storedVaultAccount struct {
	Balance *big.Int
	Locked  *big.Int
}

// GetVaultAccount loads a vault account record; absent accounts return nil.
func (m *Manager) GetVaultAccount(vaultID string, addr crypto.Address) (*vault.Account, error) {
	var stored storedVaultAccount
	ok, err := m.kvGet(vaultAccountKey(vaultID, addr), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &vault.Account{
		Address: addr,
		Balance: stored.Balance,
		Locked:  stored.Locked,
	}, nil
}

// PutVaultAccount stores a vault account record.
func (m *Manager) PutVaultAccount(vaultID string, account *vault.Account) error {
	stored := storedVaultAccount{Balance: account.Balance, Locked: account.Locked}
	if stored.Balance == nil {
		stored.Balance = big.NewInt(0)
	}
	if stored.Locked == nil {
		stored.Locked = big.NewInt(0)
	}
	return m.kvPut(vaultAccountKey(vaultID, account.Address), &stored)
}

// --- bank state ---

type storedLoan struct {
	Prefix    string
	Borrower  []byte
	Index     uint64
	Principal *big.Int
	Locked    *big.Int
	CreatedAt uint64
	Open      bool
}

// GetLoan loads a loan record; absent loans return nil.
func (m *Manager) GetLoan(poolID string, borrower crypto.Address, index uint64) (*bank.Loan, error) {
	var stored storedLoan
	ok, err := m.kvGet(loanKey(poolID, borrower, index), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &bank.Loan{
		PoolID:    poolID,
		Borrower:  crypto.NewAddress(crypto.AddressPrefix(stored.Prefix), stored.Borrower),
		Index:     stored.Index,
		Principal: stored.Principal,
		Locked:    stored.Locked,
		CreatedAt: int64(stored.CreatedAt),
		Open:      stored.Open,
	}, nil
}

// PutLoan stores a loan record under (pool, borrower, index).
func (m *Manager) PutLoan(poolID string, loan *bank.Loan) error {
	stored := storedLoan{
		Prefix:    string(loan.Borrower.Prefix()),
		Borrower:  loan.Borrower.Bytes(),
		Index:     loan.Index,
		Principal: loan.Principal,
		Locked:    loan.Locked,
		CreatedAt: uint64(loan.CreatedAt),
		Open:      loan.Open,
	}
	if stored.Principal == nil {
		stored.Principal = big.NewInt(0)
	}
	if stored.Locked == nil {
		stored.Locked = big.NewInt(0)
	}
	return m.kvPut(loanKey(poolID, loan.Borrower, loan.Index), &stored)
}

// LoanCount returns how many loans the borrower has opened in the pool.
func (m *Manager) LoanCount(poolID string, borrower crypto.Address) (uint64, error) {
	var count uint64
	ok, err := m.kvGet(loanCountKey(poolID, borrower), &count)
	if err != nil || !ok {
		return 0, err
	}
	return count, nil
}

// PutLoanCount stores the borrower's next loan index.
func (m *Manager) PutLoanCount(poolID string, borrower crypto.Address, count uint64) error {
	return m.kvPut(loanCountKey(poolID, borrower), count)
}

// --- token state ---

// GetTokenBalance loads a holder's balance; absent holders return nil.
func (m *Manager) GetTokenBalance(symbol string, addr crypto.Address) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.kvGet(tokenBalanceKey(symbol, addr), balance)
	if err != nil || !ok {
		return nil, err
	}
	return balance, nil
}

// PutTokenBalance stores a holder's balance.
func (m *Manager) PutTokenBalance(symbol string, addr crypto.Address, balance *big.Int) error {
	if balance == nil {
		balance = big.NewInt(0)
	}
	return m.kvPut(tokenBalanceKey(symbol, addr), balance)
}

// GetTokenSupply loads a token's outstanding supply; absent tokens return nil.
func (m *Manager) GetTokenSupply(symbol string) (*big.Int, error) {
	supply := new(big.Int)
	ok, err := m.kvGet(tokenSupplyKey(symbol), supply)
	if err != nil || !ok {
		return nil, err
	}
	return supply, nil
}

// PutTokenSupply stores a token's outstanding supply.
func (m *Manager) PutTokenSupply(symbol string, supply *big.Int) error {
	if supply == nil {
		supply = big.NewInt(0)
	}
	return m.kvPut(tokenSupplyKey(symbol), supply)
}
