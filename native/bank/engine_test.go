package bank

import (
	"errors"
	"math/big"
	"strconv"
	"testing"

	"sodachain/core/events"
	"sodachain/crypto"
	"sodachain/native/calculator"
	nativecommon "sodachain/native/common"
	"sodachain/native/registry"
	"sodachain/native/token"
	"sodachain/native/vault"
)

// mockEngineState backs the vault, token and bank engines in one place, the
// way the state manager does in production.
type mockEngineState struct {
	vaultAccounts map[string]*vault.Account
	balances      map[string]*big.Int
	supplies      map[string]*big.Int
	loans         map[string]*Loan
	counts        map[string]uint64
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		vaultAccounts: make(map[string]*vault.Account),
		balances:      make(map[string]*big.Int),
		supplies:      make(map[string]*big.Int),
		loans:         make(map[string]*Loan),
		counts:        make(map[string]uint64),
	}
}

func (s *mockEngineState) addrKey(addr crypto.Address) string { return string(addr.Bytes()) }

func (s *mockEngineState) GetVaultAccount(vaultID string, addr crypto.Address) (*vault.Account, error) {
	return s.vaultAccounts[vaultID+"/"+s.addrKey(addr)], nil
}

func (s *mockEngineState) PutVaultAccount(vaultID string, account *vault.Account) error {
	s.vaultAccounts[vaultID+"/"+s.addrKey(account.Address)] = account
	return nil
}

func (s *mockEngineState) GetTokenBalance(symbol string, addr crypto.Address) (*big.Int, error) {
	return s.balances[symbol+"/"+s.addrKey(addr)], nil
}

func (s *mockEngineState) PutTokenBalance(symbol string, addr crypto.Address, balance *big.Int) error {
	s.balances[symbol+"/"+s.addrKey(addr)] = balance
	return nil
}

func (s *mockEngineState) GetTokenSupply(symbol string) (*big.Int, error) {
	return s.supplies[symbol], nil
}

func (s *mockEngineState) PutTokenSupply(symbol string, supply *big.Int) error {
	s.supplies[symbol] = supply
	return nil
}

func (s *mockEngineState) loanKey(poolID string, borrower crypto.Address, index uint64) string {
	return poolID + "/" + s.addrKey(borrower) + "/" + strconv.FormatUint(index, 10)
}

func (s *mockEngineState) GetLoan(poolID string, borrower crypto.Address, index uint64) (*Loan, error) {
	return s.loans[s.loanKey(poolID, borrower, index)], nil
}

func (s *mockEngineState) PutLoan(poolID string, loan *Loan) error {
	s.loans[s.loanKey(poolID, loan.Borrower, loan.Index)] = loan
	return nil
}

func (s *mockEngineState) LoanCount(poolID string, borrower crypto.Address) (uint64, error) {
	return s.counts[poolID+"/"+s.addrKey(borrower)], nil
}

func (s *mockEngineState) PutLoanCount(poolID string, borrower crypto.Address, count uint64) error {
	s.counts[poolID+"/"+s.addrKey(borrower)] = count
	return nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.modules == nil {
		return false
	}
	return s.modules[module]
}

func makeAddress(b byte) crypto.Address {
	buf := make([]byte, 20)
	buf[19] = b
	return crypto.NewAddress(crypto.SodaPrefix, buf)
}

type fixture struct {
	engine  *Engine
	state   *mockEngineState
	vault   *vault.Vault
	token   *token.Token
	calc    *calculator.Calculator
	staking crypto.Address
}

const testPool = "weth"

func newFixture(t *testing.T) *fixture {
	t.Helper()

	admin := makeAddress(0x01)
	bankAddr := makeAddress(0x02)
	staking := makeAddress(0x03)

	state := newMockEngineState()

	v := vault.New("weth", admin)
	v.SetState(state)
	if err := v.SetController(admin, bankAddr); err != nil {
		t.Fatalf("set controller: %v", err)
	}
	if err := v.SetStaking(admin, staking); err != nil {
		t.Fatalf("set staking: %v", err)
	}

	tok := token.New("soETH", admin)
	tok.SetState(state)
	if err := tok.TransferMinter(admin, bankAddr); err != nil {
		t.Fatalf("transfer minter: %v", err)
	}

	calc, err := calculator.New(admin, calculator.Params{
		RatePerMillion:              500,
		LoanToValuePercent:          70,
		LiquidationThresholdPercent: 90,
	})
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}

	reg := registry.New(admin)
	if err := reg.SetPool(admin, registry.Pool{ID: testPool, DebtToken: tok, Vault: v, Calculator: calc}); err != nil {
		t.Fatalf("set pool: %v", err)
	}

	engine := NewEngine(bankAddr, reg)
	engine.SetState(state)
	return &fixture{engine: engine, state: state, vault: v, token: tok, calc: calc, staking: staking}
}

func (f *fixture) deposit(t *testing.T, account crypto.Address, amount int64) {
	t.Helper()
	if err := f.vault.Deposit(f.staking, account, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) checkVaultInvariant(t *testing.T, accounts ...crypto.Address) {
	t.Helper()
	for _, account := range accounts {
		balance, err := f.vault.BalanceOf(account)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		locked, err := f.vault.LockedAmount(account)
		if err != nil {
			t.Fatalf("locked: %v", err)
		}
		if locked.Cmp(balance) > 0 {
			t.Fatalf("invariant violated for %s: locked %s > balance %s", account, locked, balance)
		}
	}
}

func TestBorrowBounds(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	f.deposit(t, bob, 1_100_000)

	// At LTV 70% a 1,100,000 deposit supports at most 770,000 of debt.
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(800_000)); !errors.Is(err, ErrLockTooMuch) {
		t.Fatalf("expected ErrLockTooMuch, got %v", err)
	}
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(600_000)); err != nil {
		t.Fatalf("borrow 600000: %v", err)
	}
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(200_000)); !errors.Is(err, ErrLockTooMuch) {
		t.Fatalf("expected ErrLockTooMuch on cumulative overrun, got %v", err)
	}
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); err != nil {
		t.Fatalf("borrow 100000: %v", err)
	}

	balance, _ := f.token.BalanceOf(bob)
	if balance.Cmp(big.NewInt(700_000)) != 0 {
		t.Fatalf("unexpected debt balance: %s", balance)
	}
	count, _ := f.engine.LoanCount(testPool, bob)
	if count != 2 {
		t.Fatalf("expected 2 loans, got %d", count)
	}
	f.checkVaultInvariant(t, bob)
}

func TestBorrowExactMaximumBoundary(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	f.deposit(t, bob, 1_000_000)

	// 700,000 locks exactly the full deposit; one more unit tips over.
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(700_001)); !errors.Is(err, ErrLockTooMuch) {
		t.Fatalf("expected ErrLockTooMuch, got %v", err)
	}
	loan, err := f.engine.Borrow(bob, testPool, big.NewInt(700_000))
	if err != nil {
		t.Fatalf("borrow maximum: %v", err)
	}
	if loan.Locked.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected locked amount: %s", loan.Locked)
	}
	free, _ := f.vault.UnlockedBalance(bob)
	if free.Sign() != 0 {
		t.Fatalf("expected zero free balance, got %s", free)
	}
}

func TestPayBackInFull(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	f.deposit(t, bob, 1_100_000)

	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(600_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	due, err := f.engine.PayBackInFull(bob, testPool, 0)
	if err != nil {
		t.Fatalf("pay back: %v", err)
	}
	// 600,000 + 600,000 * 500 / 1,000,000 = 600,300.
	if due.Cmp(big.NewInt(600_300)) != 0 {
		t.Fatalf("unexpected due: %s", due)
	}
	balance, _ := f.token.BalanceOf(bob)
	if balance.Cmp(big.NewInt(99_700)) != 0 {
		t.Fatalf("unexpected remaining debt tokens: %s", balance)
	}
	locked, _ := f.vault.LockedAmount(bob)
	if locked.Cmp(big.NewInt(142_857)) != 0 {
		t.Fatalf("unexpected locked after repay: %s", locked)
	}

	// Not enough soETH left to also settle loan 1.
	if _, err := f.engine.PayBackInFull(bob, testPool, 1); !errors.Is(err, token.ErrBurnExceedsBalance) {
		t.Fatalf("expected ErrBurnExceedsBalance, got %v", err)
	}
	// The failed repayment left loan 1 untouched.
	loan, err := f.engine.Loan(testPool, bob, 1)
	if err != nil || !loan.Open {
		t.Fatalf("loan 1 should remain open (err=%v)", err)
	}
	f.checkVaultInvariant(t, bob)
}

func TestPayBackClosedLoan(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	f.deposit(t, bob, 1_100_000)

	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.PayBackInFull(bob, testPool, 0); err != nil {
		t.Fatalf("pay back: %v", err)
	}
	// Closed is terminal.
	if _, err := f.engine.PayBackInFull(bob, testPool, 0); !errors.Is(err, ErrLoanNotOpen) {
		t.Fatalf("expected ErrLoanNotOpen, got %v", err)
	}
	if _, err := f.engine.PayBackInFull(bob, testPool, 7); !errors.Is(err, ErrLoanNotOpen) {
		t.Fatalf("expected ErrLoanNotOpen for unknown index, got %v", err)
	}
}

func TestCollectDebt(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	carol := makeAddress(0x11)
	emitter := &capturingEmitter{}
	f.engine.SetEmitter(emitter)

	f.deposit(t, bob, 1_100_000)
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(600_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.PayBackInFull(bob, testPool, 0); err != nil {
		t.Fatalf("pay back: %v", err)
	}
	// Bob takes most of his free balance out, leaving 500,000 of which
	// 142,857 backs loan 1.
	if err := f.vault.Withdraw(f.staking, bob, big.NewInt(600_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	f.deposit(t, carol, 2_000_000)
	if _, err := f.engine.Borrow(carol, testPool, big.NewInt(1_400_000)); err != nil {
		t.Fatalf("carol borrow: %v", err)
	}

	payment, err := f.engine.CollectDebt(carol, testPool, bob, 1)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	// debt = 142,857 * 90 / 100 = 128,571; payment = 128,571 + 14,286/2.
	if payment.Cmp(big.NewInt(135_714)) != 0 {
		t.Fatalf("unexpected payment: %s", payment)
	}

	carolTokens, _ := f.token.BalanceOf(carol)
	if carolTokens.Cmp(big.NewInt(1_264_286)) != 0 {
		t.Fatalf("unexpected collector balance: %s", carolTokens)
	}

	bobBalance, _ := f.vault.BalanceOf(bob)
	bobLocked, _ := f.vault.LockedAmount(bob)
	if bobBalance.Cmp(big.NewInt(357_143)) != 0 || bobLocked.Sign() != 0 {
		t.Fatalf("unexpected borrower vault: balance=%s locked=%s", bobBalance, bobLocked)
	}

	carolBalance, _ := f.vault.BalanceOf(carol)
	carolLocked, _ := f.vault.LockedAmount(carol)
	if carolBalance.Cmp(big.NewInt(2_142_857)) != 0 {
		t.Fatalf("unexpected collector vault balance: %s", carolBalance)
	}
	if carolLocked.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("collector's own collateral must stay locked, got %s", carolLocked)
	}

	// Terminal state.
	if _, err := f.engine.CollectDebt(carol, testPool, bob, 1); !errors.Is(err, ErrLoanNotOpen) {
		t.Fatalf("expected ErrLoanNotOpen, got %v", err)
	}

	var collected int
	for _, evt := range emitter.events {
		if evt.EventType() == EventTypeLoanCollected {
			collected++
		}
	}
	if collected != 1 {
		t.Fatalf("expected 1 collected event, got %d", collected)
	}
	f.checkVaultInvariant(t, bob, carol)
}

func TestCollectDebtBatchIsAtomic(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	carol := makeAddress(0x11)

	f.deposit(t, bob, 1_100_000)
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(300_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(200_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.PayBackInFull(bob, testPool, 0); err != nil {
		t.Fatalf("pay back: %v", err)
	}

	f.deposit(t, carol, 2_000_000)
	if _, err := f.engine.Borrow(carol, testPool, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("carol borrow: %v", err)
	}

	carolBefore, _ := f.token.BalanceOf(carol)
	bobLockedBefore, _ := f.vault.LockedAmount(bob)

	// Index 0 is closed, so the whole batch must fail without touching
	// loan 1.
	if _, err := f.engine.CollectDebt(carol, testPool, bob, 0, 1); !errors.Is(err, ErrLoanNotOpen) {
		t.Fatalf("expected ErrLoanNotOpen, got %v", err)
	}
	carolAfter, _ := f.token.BalanceOf(carol)
	bobLockedAfter, _ := f.vault.LockedAmount(bob)
	if carolBefore.Cmp(carolAfter) != 0 || bobLockedBefore.Cmp(bobLockedAfter) != 0 {
		t.Fatalf("failed batch mutated state")
	}

	// Duplicate indices are rejected outright.
	if _, err := f.engine.CollectDebt(carol, testPool, bob, 1, 1); err == nil {
		t.Fatalf("expected duplicate index error")
	}
}

func TestCollectDebtRejectsSelf(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	f.deposit(t, bob, 1_000_000)
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.CollectDebt(bob, testPool, bob, 0); !errors.Is(err, ErrSelfCollection) {
		t.Fatalf("expected ErrSelfCollection, got %v", err)
	}
}

func TestCollectDebtAgeGate(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	carol := makeAddress(0x11)

	now := int64(1_000_000)
	f.engine.SetNowFunc(func() int64 { return now })
	f.engine.SetCollectMinAge(3_600)

	f.deposit(t, bob, 1_000_000)
	f.deposit(t, carol, 2_000_000)
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Borrow(carol, testPool, big.NewInt(500_000)); err != nil {
		t.Fatalf("carol borrow: %v", err)
	}

	// Too young.
	now += 3_599
	if _, err := f.engine.CollectDebt(carol, testPool, bob, 0); !errors.Is(err, ErrLoanNotEligible) {
		t.Fatalf("expected ErrLoanNotEligible, got %v", err)
	}
	// Exactly at the gate.
	now += 1
	if _, err := f.engine.CollectDebt(carol, testPool, bob, 0); err != nil {
		t.Fatalf("collect at gate: %v", err)
	}
}

func TestCollectDebtRequiresTokenBalance(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	mallory := makeAddress(0x12)

	f.deposit(t, bob, 1_000_000)
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	bobLockedBefore, _ := f.vault.LockedAmount(bob)
	if _, err := f.engine.CollectDebt(mallory, testPool, bob, 0); !errors.Is(err, token.ErrBurnExceedsBalance) {
		t.Fatalf("expected ErrBurnExceedsBalance, got %v", err)
	}
	bobLockedAfter, _ := f.vault.LockedAmount(bob)
	if bobLockedBefore.Cmp(bobLockedAfter) != 0 {
		t.Fatalf("failed collection mutated borrower collateral")
	}
}

func TestGuardBlocksMutation(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	f.deposit(t, bob, 1_000_000)

	f.engine.SetPauses(stubPauseView{modules: map[string]bool{"bank": true}})
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	free, _ := f.vault.UnlockedBalance(bob)
	if free.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("paused borrow mutated vault: %s", free)
	}
}

func TestParameterChangesApplyToOpenLoans(t *testing.T) {
	f := newFixture(t)
	admin := makeAddress(0x01)
	bob := makeAddress(0x10)
	f.deposit(t, bob, 1_000_000)

	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Double the fee rate; the open loan reprices because repayment always
	// reads current parameters.
	if err := f.calc.UpdateParams(admin, calculator.Params{
		RatePerMillion:              1_000,
		LoanToValuePercent:          70,
		LiquidationThresholdPercent: 90,
	}); err != nil {
		t.Fatalf("update params: %v", err)
	}
	due, err := f.engine.PayBackInFull(bob, testPool, 0)
	if err != nil {
		t.Fatalf("pay back: %v", err)
	}
	if due.Cmp(big.NewInt(100_100)) != 0 {
		t.Fatalf("expected repricing to 100100, got %s", due)
	}
}

func TestDebtSupplyMatchesOpenPrincipal(t *testing.T) {
	f := newFixture(t)
	bob := makeAddress(0x10)
	f.deposit(t, bob, 1_100_000)

	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(600_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Borrow(bob, testPool, big.NewInt(100_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	supply, _ := f.token.TotalSupply()
	if supply.Cmp(big.NewInt(700_000)) != 0 {
		t.Fatalf("supply should equal open principal, got %s", supply)
	}
	if _, err := f.engine.PayBackInFull(bob, testPool, 0); err != nil {
		t.Fatalf("pay back: %v", err)
	}
	// 700,000 - 600,300: the fee burn takes supply below open principal,
	// never above it.
	supply, _ = f.token.TotalSupply()
	if supply.Cmp(big.NewInt(99_700)) != 0 {
		t.Fatalf("unexpected supply after repay: %s", supply)
	}
}
