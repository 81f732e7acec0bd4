// Package entitlement decides whether the assistant feature is available
// to the current account. The ordering below deliberately fails open for
// paying customers when entitlement data is missing or stale, while free
// accounts stay gated by default.
package entitlement

import (
	"context"
	"sync"

	"github.com/daveri-app/assistant/internal/apiclient"
	"github.com/daveri-app/assistant/internal/plan"
)

const (
	ReasonEntitlementsError = "entitlements_error"
	ReasonAILocked          = "ai_locked"
)

// Access is the outcome of a feature check.
type Access struct {
	Allowed             bool
	Reason              string
	PlanID              string
	EntitlementsMissing bool
}

// AccountLoader fetches the account state backing the check.
type AccountLoader interface {
	Me(ctx context.Context) (*apiclient.Account, error)
}

type Resolver struct {
	loader AccountLoader

	mu     sync.Mutex
	cached *apiclient.Account
}

func NewResolver(loader AccountLoader) *Resolver {
	return &Resolver{loader: loader}
}

// CheckAccess evaluates, in order: fail-open for paid plans with missing
// entitlements, the explicit ai flag, the assistant mode metadata, and
// finally the plan id.
func (r *Resolver) CheckAccess(ctx context.Context) Access {
	acct := r.loadAccount(ctx)
	if acct == nil {
		// Nothing loaded and nothing cached: indistinguishable from an
		// entitlement sync failure on an unknown plan.
		return Access{Allowed: false, Reason: ReasonEntitlementsError}
	}

	planID := acct.PlanID
	paid := plan.IsPaid(planID)

	if len(acct.Entitlements) == 0 {
		if paid {
			return Access{Allowed: true, PlanID: planID, EntitlementsMissing: true}
		}
		return Access{Allowed: false, Reason: ReasonEntitlementsError, PlanID: planID}
	}

	if flag, ok := acct.Entitlements["ai"]; ok {
		if flag {
			return Access{Allowed: true, PlanID: planID}
		}
		// An explicit false still yields to a paid plan; billing syncs
		// have been observed lagging plan upgrades.
		if paid {
			return Access{Allowed: true, PlanID: planID}
		}
		return Access{Allowed: false, Reason: ReasonAILocked, PlanID: planID}
	}

	if acct.AssistantMode != "" && acct.AssistantMode != "none" {
		return Access{Allowed: true, PlanID: planID}
	}

	switch {
	case planID == plan.Free:
		return Access{Allowed: false, Reason: ReasonAILocked, PlanID: planID}
	case paid:
		return Access{Allowed: true, PlanID: planID}
	default:
		// Unknown plan id: fail open rather than lock out a customer on
		// a catalog mismatch.
		return Access{Allowed: true, PlanID: planID}
	}
}

// loadAccount refreshes the account state, falling back to the last good
// copy when the fetch fails.
func (r *Resolver) loadAccount(ctx context.Context) *apiclient.Account {
	acct, err := r.loader.Me(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil && acct != nil {
		r.cached = acct
		return acct
	}
	return r.cached
}
