// Package cache holds the in-memory entry store owned by a single tier. The
// store keeps each entry as a private copy of the value bytes, enforces an
// entry-count and byte budget with least-recently-used eviction, and expires
// entries lazily by TTL. Tiers depend on this package for local lookups and
// population; the store never talks to other tiers.
package cache
