package blockcache

import (
	"strings"

	"github.com/pkg/errors"
)

// Policy selects how a Cache makes room for a new block once it holds Config.Capacity blocks. Every policy returns the
// same data; they only differ in how often the device has to be read again.
type Policy int

const (
	// Unbounded never evicts anything. Memory use grows with every distinct block read.
	Unbounded Policy = iota
	// ClearAllOnFull drops the whole cache as soon as it is full. Cheapest bookkeeping of the bounded policies and the
	// fastest on mostly sequential traversals.
	ClearAllOnFull
	// EvictLeastFrequentOldest removes a single block: the oldest inserted one among the blocks with the lowest hit
	// count.
	EvictLeastFrequentOldest
	// EvictHalfLeastUsed removes the least frequently hit half of the blocks, oldest first on equal hit counts.
	EvictHalfLeastUsed
	// SingleSlot only ever keeps the most recently fetched block.
	SingleSlot
	// EvictLeastRecent removes the least recently used block.
	EvictLeastRecent
)

var policyNames = map[Policy]string{
	Unbounded:                "unbounded",
	ClearAllOnFull:           "clear-all",
	EvictLeastFrequentOldest: "least-frequent-oldest",
	EvictHalfLeastUsed:       "half-least-used",
	SingleSlot:               "single-slot",
	EvictLeastRecent:         "least-recent",
}

// String returns the name of the policy as accepted by ParsePolicy.
func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePolicy returns the Policy for a name as returned by Policy.String. Matching is case insensitive.
func ParsePolicy(name string) (Policy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown cache policy %q", name)
}

// Policies returns all known policies in declaration order.
func Policies() []Policy {
	return []Policy{Unbounded, ClearAllOnFull, EvictLeastFrequentOldest, EvictHalfLeastUsed, SingleSlot, EvictLeastRecent}
}
