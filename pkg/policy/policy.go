// Package policy decides how a request for a document revision is satisfied.
package policy

import cachekey "github.com/ericselin/revcache/pkg/cache-key"

type Decision int

const (
	// ServeCached serves the stored artifact without contacting the renderer.
	ServeCached Decision = iota
	// GenerateAndStore renders a missing artifact and stores it.
	GenerateAndStore
	// RevalidateAndStore renders the artifact even though one may be stored,
	// and overwrites the stored one.
	RevalidateAndStore
)

func (d Decision) String() string {
	switch d {
	case ServeCached:
		return "serve-cached"
	case GenerateAndStore:
		return "generate"
	case RevalidateAndStore:
		return "revalidate"
	}
	return "unknown"
}

// Decide maps a request and the state of the store to a decision.
// A forced revalidation wins over everything else, then a stored entry is served.
// None of the current rules depend on the key.
func Decide(key cachekey.Key, forceRevalidate, storageHasEntry bool) Decision {
	if forceRevalidate {
		return RevalidateAndStore
	}
	if storageHasEntry {
		return ServeCached
	}
	return GenerateAndStore
}
