// Package envelope defines queued request envelopes: the closed set of
// command types, their payloads, and the path by which producers enqueue them
// and the executor hears about them.
package envelope

// Request types accepted by the executor.
const (
	TypeScopeToPool  = "item.scope_to_pool"
	TypePoolToScope  = "item.pool_to_scope"
	TypeScopeToScope = "item.scope_to_scope"
)

// Types lists every known request type.
func Types() []string {
	return []string{TypeScopeToPool, TypePoolToScope, TypeScopeToScope}
}

// Expected is the client's snapshot of the item when the intent was formed.
// A nil field means "none": no scope is the pool, no transaction is unlinked.
type Expected struct {
	Scope          *string `json:"scope"`
	TransactionRef *string `json:"transaction_ref"`
}

// Command is implemented only by the payload types in this package.
type Command interface {
	RequestType() string
	ItemID() string
	Preconditions() Expected
	sealed()
}

// ScopeToPool moves an item out of a scope back into the shared pool.
type ScopeToPool struct {
	Item     string   `json:"item_id"`
	ScopeID  string   `json:"scope_id"`
	Category string   `json:"category,omitempty"`
	Note     string   `json:"note,omitempty"`
	Expected Expected `json:"expected"`
}

// PoolToScope allocates a pool item to a scope.
type PoolToScope struct {
	Item     string   `json:"item_id"`
	ScopeID  string   `json:"scope_id"`
	Category string   `json:"category,omitempty"`
	Note     string   `json:"note,omitempty"`
	Expected Expected `json:"expected"`
}

// ScopeToScope moves an item directly between two scopes.
type ScopeToScope struct {
	Item        string   `json:"item_id"`
	FromScopeID string   `json:"from_scope_id"`
	ToScopeID   string   `json:"to_scope_id"`
	Category    string   `json:"category,omitempty"`
	Note        string   `json:"note,omitempty"`
	Expected    Expected `json:"expected"`
}

func (ScopeToPool) RequestType() string { return TypeScopeToPool }
func (c ScopeToPool) ItemID() string { return c.Item }
func (c ScopeToPool) Preconditions() Expected { return c.Expected }
func (ScopeToPool) sealed() {}

func (PoolToScope) RequestType() string { return TypePoolToScope }
func (c PoolToScope) ItemID() string { return c.Item }
func (c PoolToScope) Preconditions() Expected { return c.Expected }
func (PoolToScope) sealed() {}

func (ScopeToScope) RequestType() string { return TypeScopeToScope }
func (c ScopeToScope) ItemID() string { return c.Item }
func (c ScopeToScope) Preconditions() Expected { return c.Expected }
func (ScopeToScope) sealed() {}
