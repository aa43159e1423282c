package ratelimit

import (
	"sort"
	"sync"
)

// DefaultCost is charged for methods the registry does not know.
const DefaultCost = 1

// Gateway operation names, as passed to Limiter.Wait.
const (
	MethodGetBalance               = "GetBalance"
	MethodGetTokenBalance          = "GetTokenBalance"
	MethodGetClaimableAmount       = "GetClaimableAmount"
	MethodGetMinimumBalanceForRent = "GetMinimumBalanceForRentExemption"
	MethodLatestBlockhash          = "LatestBlockhash"
	MethodSignatureStatus          = "SignatureStatus"
	MethodSubmitTransaction        = "SubmitTransaction"
)

// Built-in costs. Token balances resolve the associated account first and
// submissions are the most expensive call on every paid provider.
var defaultCosts = map[string]int{
	MethodGetBalance:               1,
	MethodGetTokenBalance:          2,
	MethodGetClaimableAmount:       1,
	MethodGetMinimumBalanceForRent: 1,
	MethodLatestBlockhash:          1,
	MethodSignatureStatus:          1,
	MethodSubmitTransaction:        5,
}

// CostRegistry maps gateway operations to credit costs.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// NewCostRegistry builds a registry from the built-in costs. Non-positive
// overrides and a non-positive defaultCost are ignored.
func NewCostRegistry(defaultCost int, overrides map[string]int) *CostRegistry {
	costs := make(map[string]int, len(defaultCosts)+len(overrides))
	for m, c := range defaultCosts {
		costs[m] = c
	}
	for m, c := range overrides {
		if c > 0 {
			costs[m] = c
		}
	}
	if defaultCost <= 0 {
		defaultCost = DefaultCost
	}
	return &CostRegistry{costs: costs, defaultCost: defaultCost}
}

// Cost returns the credit cost of method.
func (r *CostRegistry) Cost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.costs[method]; ok {
		return c
	}
	return r.defaultCost
}

// SetCost changes the cost of one method at runtime. Non-positive costs are ignored.
func (r *CostRegistry) SetCost(method string, cost int) {
	if cost <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs[method] = cost
}

// KnownMethods lists every method with an explicit cost, sorted.
func (r *CostRegistry) KnownMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.costs))
	for m := range r.costs {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}
