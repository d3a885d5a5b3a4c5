package accounts

import (
	"fmt"
	"sort"
	"sync"
)

// Entry pairs a registered account's static configuration with the link
// used to reach it.
type Entry struct {
	Account *Account
	Link    Link
}

// Registry is the connector's registered set of peer accounts. It is safe
// for concurrent use: lookups (read-mostly) take a read lock, and
// registration/removal (rare, administrative) take a write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry returns an empty account registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers a new account, at connector start or by admin call. It is
// an error to register an accountId that already exists.
func (r *Registry) Add(account *Account, link Link) error {
	if err := account.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[account.AccountID]; exists {
		return fmt.Errorf("accounts: %s already registered", account.AccountID)
	}

	r.entries[account.AccountID] = &Entry{Account: account, Link: link}
	log.Infof("registered account %s (%s, asset=%s scale=%d)",
		account.AccountID, account.Relation, account.AssetCode, account.AssetScale)

	return nil
}

// Remove unregisters an account. Removal is always explicit, per the
// account lifecycle.
func (r *Registry) Remove(accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[accountID]; !exists {
		return fmt.Errorf("accounts: %s not registered", accountID)
	}
	delete(r.entries, accountID)
	log.Infof("removed account %s", accountID)
	return nil
}

// Get returns the entry for accountID, if registered.
func (r *Registry) Get(accountID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[accountID]
	return e, ok
}

// MustGet returns the entry for accountID, panicking if it is not
// registered. Intended for internal call sites that have already
// validated the accountId exists (e.g. RoutingTable invariants).
func (r *Registry) MustGet(accountID string) *Entry {
	e, ok := r.Get(accountID)
	if !ok {
		panic(fmt.Sprintf("accounts: %s not registered", accountID))
	}
	return e
}

// List returns all registered entries, ordered by accountId for
// deterministic iteration (e.g. tie-breaking in route selection).
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.AccountID < out[j].Account.AccountID
	})
	return out
}
