package guard

import (
	"errors"
	"sort"
	"sync"
)

// ErrLocked is returned when an operation is triggered while one is in flight.
var ErrLocked = errors.New("operation is in flight")

// Operation names known at start.
const (
	Mint           = "mint"
	Transfer       = "transfer"
	Sell           = "sell"
	Buy            = "buy"
	ApproveERC1155 = "approve-erc1155"
	ApproveERC20   = "approve-erc20"
)

// Registry keeps one locked flag per operation name. All state changes go
// through the registry mutex, so TryEnter is a single check-and-set.
type Registry struct {
	mtx    sync.Mutex
	locked map[string]bool
}

// NewRegistry creates the guard of every known operation plus names.
func NewRegistry(names ...string) *Registry {
	r := &Registry{locked: make(map[string]bool)}
	for _, n := range []string{Mint, Transfer, Sell, Buy, ApproveERC1155, ApproveERC20} {
		r.locked[n] = false
	}
	for _, n := range names {
		r.locked[n] = false
	}
	return r
}

// TryEnter locks name if it is unlocked and reports whether it did.
func (r *Registry) TryEnter(name string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.locked[name] {
		return false
	}
	r.locked[name] = true
	return true
}

func (r *Registry) Lock(name string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.locked[name] = true
}

func (r *Registry) Unlock(name string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.locked[name] = false
}

func (r *Registry) IsLocked(name string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.locked[name]
}

// Snapshot returns the state of every guard.
func (r *Registry) Snapshot() map[string]bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	s := make(map[string]bool, len(r.locked))
	for n, l := range r.locked {
		s[n] = l
	}
	return s
}

func (r *Registry) Names() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	names := make([]string, 0, len(r.locked))
	for n := range r.locked {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
