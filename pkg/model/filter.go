package model

// SubscriptionFilter selects which commands or notifications a subscription
// receives. An empty DeviceGUIDs list means all devices the principal can
// see; an empty Names list means every name. The filter is opaque to the
// client and passed to the server unchanged, including on resubscription.
type SubscriptionFilter struct {
	DeviceGUIDs []string   `json:"deviceGuids,omitempty"`
	Names       []string   `json:"names,omitempty"`
	Timestamp   *Timestamp `json:"timestamp,omitempty"`
}

// MatchesName reports whether name passes the Names list.
func (f *SubscriptionFilter) MatchesName(name string) bool {
	if f == nil || len(f.Names) == 0 {
		return true
	}
	for _, n := range f.Names {
		if n == name {
			return true
		}
	}
	return false
}
