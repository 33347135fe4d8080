// Package plan loads declarative call plans: the (id, tier, dependencies)
// triples a view would otherwise register one by one at mount time. A plan
// is validated up front, ordered so that dependencies register before their
// dependents, and then applied to anything that can register calls.
package plan
