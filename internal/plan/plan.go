// Package plan holds the static billing plan catalog: which plans exist,
// which are paid, and the credit caps each one grants.
package plan

const (
	Free     = "free"
	Starter  = "starter"
	Pro      = "pro"
	Business = "business"
)

// Caps bounds metered assistant usage. A nil cap means unlimited,
// a zero cap means no access at all.
type Caps struct {
	Daily   *int
	Monthly *int
}

func intPtr(n int) *int { return &n }

var catalog = map[string]Caps{
	Free:     {Daily: intPtr(5), Monthly: intPtr(50)},
	Starter:  {Daily: intPtr(50), Monthly: intPtr(500)},
	Pro:      {Daily: intPtr(200), Monthly: intPtr(2000)},
	Business: {Daily: nil, Monthly: nil},
}

var paid = map[string]bool{
	Starter:  true,
	Pro:      true,
	Business: true,
}

// CapsFor returns the caps for a plan id. Unknown plans fall back to the
// free caps so a mis-synced plan id never grants unlimited usage.
func CapsFor(planID string) Caps {
	if c, ok := catalog[planID]; ok {
		return c
	}
	return catalog[Free]
}

func IsKnown(planID string) bool {
	_, ok := catalog[planID]
	return ok
}

// IsPaid reports whether the plan id is a recognized paid plan.
func IsPaid(planID string) bool {
	return paid[planID]
}
