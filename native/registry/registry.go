package registry

import (
	"errors"
	"strings"
	"sync"

	"sodachain/crypto"
	"sodachain/native/calculator"
	"sodachain/native/token"
	"sodachain/native/vault"
)

var (
	// ErrUnauthorized is returned when a pool mutation is attempted by
	// anyone but the administrator.
	ErrUnauthorized = errors.New("registry: caller is not the administrator")
	// ErrPoolNotFound is returned when a pool identifier is unknown.
	ErrPoolNotFound = errors.New("registry: pool not found")

	errInvalidPool = errors.New("registry: pool is missing a binding")
)

// Pool binds one backing asset's debt token, vault and calculator under a
// unique identifier. The bank resolves the binding on every call so that
// calculator parameter changes apply to not-yet-settled loans.
type Pool struct {
	ID         string
	DebtToken  *token.Token
	Vault      *vault.Vault
	Calculator *calculator.Calculator
}

// Registry is the explicit configuration object handed to the bank at
// construction. Bindings change only through the admin-gated SetPool path,
// driven by the governance executor in production.
type Registry struct {
	mu    sync.RWMutex
	admin crypto.Address
	pools map[string]Pool
}

// New constructs an empty registry administered by admin.
func New(admin crypto.Address) *Registry {
	return &Registry{admin: admin, pools: make(map[string]Pool)}
}

// SetPool installs or replaces a pool binding. Admin only.
func (r *Registry) SetPool(caller crypto.Address, pool Pool) error {
	if !caller.Equal(r.admin) {
		return ErrUnauthorized
	}
	if strings.TrimSpace(pool.ID) == "" || pool.DebtToken == nil || pool.Vault == nil || pool.Calculator == nil {
		return errInvalidPool
	}
	r.mu.Lock()
	r.pools[pool.ID] = pool
	r.mu.Unlock()
	return nil
}

// Pool resolves a pool binding by identifier.
func (r *Registry) Pool(id string) (Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.pools[id]
	if !ok {
		return Pool{}, ErrPoolNotFound
	}
	return pool, nil
}
