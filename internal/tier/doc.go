// Package tier implements one cache tier of the chain: a local store plus an
// optional upstream consulted on miss. Misses for the same key are coalesced
// into a single upstream round trip, and the fetched value is stored locally
// before it is returned, so every tier on the return path is populated.
//
// The origin tier has no upstream and answers ErrNotFound for absent keys.
// Upstream failures surface as ErrUpstreamUnavailable and are never cached.
package tier
