package sketch

// Bundle is the unit one host hands to another: its own matrix plus the matrices it
// has collected from other hosts, keyed by host identifier.
//
// Peers is flat. A host relays the matrices it received, not the bundles they came
// in, so a payload never nests.
type Bundle struct {
	Host   string
	Matrix *Matrix
	Peers  map[string]*Matrix
}

// Without returns a copy of the peer map with the given hosts removed.
func (b *Bundle) Without(hosts ...string) map[string]*Matrix {
	out := make(map[string]*Matrix, len(b.Peers))
	for h, m := range b.Peers {
		if m == nil {
			continue
		}
		out[h] = m
	}
	for _, h := range hosts {
		delete(out, h)
	}
	return out
}

// PeerHosts returns the hosts present in Peers.
func (b *Bundle) PeerHosts() []string {
	hosts := make([]string, 0, len(b.Peers))
	for h := range b.Peers {
		hosts = append(hosts, h)
	}
	return hosts
}
