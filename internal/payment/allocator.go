package payment

import (
	"context"
	"sort"
	"strings"
	"sync"

	"paygate/internal/apperr"
)

// Deriver computes a deterministic deposit address for a payment reference
type Deriver interface {
	Derive(reference string) (string, error)
}

// DerivedAllocator allocates deposit addresses from per-currency derivers.
// Addresses are a pure function of the reference, so allocation needs no
// shared state and every instance agrees on the result.
type DerivedAllocator struct {
	mu       sync.RWMutex
	derivers map[string]Deriver
}

var _ AddressAllocator = (*DerivedAllocator)(nil)

// NewDerivedAllocator creates an allocator with no currencies
func NewDerivedAllocator() *DerivedAllocator {
	return &DerivedAllocator{derivers: make(map[string]Deriver)}
}

// Register sets the deriver for a currency
func (a *DerivedAllocator) Register(currency string, d Deriver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.derivers[strings.ToUpper(currency)] = d
}

// Allocate derives the address for reference
func (a *DerivedAllocator) Allocate(ctx context.Context, currency, reference string) (string, error) {
	a.mu.RLock()
	d, ok := a.derivers[strings.ToUpper(currency)]
	a.mu.RUnlock()

	if !ok {
		return "", apperr.Validation("allocate_address", "address is required for "+strings.ToUpper(currency))
	}

	addr, err := d.Derive(reference)
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfiguration, "allocate_address", err)
	}
	return addr, nil
}

// Currencies lists the currencies with a registered deriver
func (a *DerivedAllocator) Currencies() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.derivers))
	for c := range a.derivers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
