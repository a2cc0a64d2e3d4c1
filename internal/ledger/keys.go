// Package ledger consolidates item movements into canonical aggregate
// transactions, one per (scope, direction, category).
package ledger

import (
	"strings"

	"stockline/internal/repo"
)

// PoolComponent stands for "no scope" in aggregate ids. Escaped scope values
// never contain '~'.
const PoolComponent = "~pool"

// DefaultCategory is used when neither the request nor the item names one.
const DefaultCategory = "uncategorized"

const hexDigits = "0123456789abcdef"

// AggregateID returns the canonical aggregate id for the triple. The same
// triple always yields the same id and distinct triples never share one.
func AggregateID(direction string, scope *string, category string) string {
	scopePart := PoolComponent
	if scope != nil && *scope != "" {
		scopePart = escapeComponent(*scope)
	}
	return escapeComponent(direction) + "_" + scopePart + "_" + escapeComponent(category)
}

func escapeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('.')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// ItemValue is the price when set, else the purchase price, else zero.
func ItemValue(v repo.MemberValue) int64 {
	if v.PriceCents != nil {
		return *v.PriceCents
	}
	if v.PurchasePriceCents != nil {
		return *v.PurchasePriceCents
	}
	return 0
}
