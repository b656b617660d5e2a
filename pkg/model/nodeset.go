package model

// NodeSet is an ordered, duplicate-free group of subscriptions registered
// together in one request (spec.md §3). Stream nodesets round-robin a
// cursor across Members; query nodesets hold a FIFO Pending queue of
// per-member NEXT grants.
type NodeSet struct {
	ID      string
	Kind    RegistryKind
	Members []*Subscription

	// Stream-mode state.
	Cursor int

	// Query-mode state: FIFO queue of members awaiting their next
	// matching file, oldest first. The same member may appear more than
	// once if it issued multiple NEXTs before being served.
	Pending []*Subscription
	// PendingCap bounds Pending to avoid unbounded growth from a
	// consumer that keeps calling NEXT but never reads (spec.md §9 note c).
	PendingCap int
}

// Endpoints returns the set of member endpoints as a map for O(1)
// membership and overlap tests.
func (n *NodeSet) Endpoints() map[string]bool {
	set := make(map[string]bool, len(n.Members))
	for _, m := range n.Members {
		set[m.Endpoint] = true
	}
	return set
}

// HasEndpoint reports whether endpoint is a member of this nodeset.
func (n *NodeSet) HasEndpoint(endpoint string) bool {
	for _, m := range n.Members {
		if m.Endpoint == endpoint {
			return true
		}
	}
	return false
}

// MemberByEndpoint returns the member subscription for endpoint, if any.
func (n *NodeSet) MemberByEndpoint(endpoint string) *Subscription {
	for _, m := range n.Members {
		if m.Endpoint == endpoint {
			return m
		}
	}
	return nil
}

// Clone copies the nodeset with deep copies of its members, so admission
// can reset cursor/pending on overwrite without aliasing the previous
// instance (spec.md §9 "Regexes are stored pre-parsed but must be
// cloneable"). The cloned Pending slice is new but holds the same
// subscription pointers as n.Pending, not the cloned members.
func (n *NodeSet) Clone() *NodeSet {
	clone := &NodeSet{
		ID:         n.ID,
		Kind:       n.Kind,
		Cursor:     n.Cursor,
		PendingCap: n.PendingCap,
	}
	clone.Members = make([]*Subscription, len(n.Members))
	for i, m := range n.Members {
		clone.Members[i] = m.Clone()
	}
	clone.Pending = make([]*Subscription, len(n.Pending))
	copy(clone.Pending, n.Pending)
	return clone
}

// endpointSetsOverlap reports whether a and b share at least one element.
func endpointSetsOverlap(a, b map[string]bool) bool {
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for k := range small {
		if big[k] {
			return true
		}
	}
	return false
}

// isSubset reports whether a is a subset of b.
func isSubset(a, b map[string]bool) bool {
	if len(a) > len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// AdmissionOutcome describes how a START request was applied to a
// registry (spec.md §4.2 "Nodeset admission algorithm").
type AdmissionOutcome int

const (
	AdmissionRejected AdmissionOutcome = iota
	AdmissionAppended
	AdmissionReplaced
)

// AdmitNodeSet applies the admission algorithm of spec.md §4.2 to
// incoming against the existing nodesets of one registry. It returns the
// outcome and, on success, the index in existing that was replaced (or
// -1 when appended) together with the nodeset to install.
func AdmitNodeSet(existing []*NodeSet, incoming *NodeSet) (outcome AdmissionOutcome, replaceIndex int, install *NodeSet) {
	incomingSet := incoming.Endpoints()

	for i, n := range existing {
		existingSet := n.Endpoints()
		if isSubset(incomingSet, existingSet) || isSubset(existingSet, incomingSet) {
			// Replace n with incoming; reset cursor/pending per spec.md §9
			// "Legacy re-open idempotency".
			replacement := incoming.Clone()
			replacement.Cursor = 0
			replacement.Pending = nil
			return AdmissionReplaced, i, replacement
		}
		if endpointSetsOverlap(incomingSet, existingSet) {
			return AdmissionRejected, -1, nil
		}
	}

	appended := incoming.Clone()
	appended.Cursor = 0
	appended.Pending = nil
	return AdmissionAppended, -1, appended
}
