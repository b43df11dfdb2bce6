package correlation

import (
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
)

//ownershipMap resolves which host owns a concrete, non-loopback IP address.
//Addresses claimed by more than one host are ambiguous: they resolve to no
//owner cross-host, though each claiming host still owns them for itself.
type ownershipMap struct {
	owners    map[string]string
	ambiguous map[string]bool
}

//resolveOwnership builds the address to host mapping from every
//non-loopback interface record in the view. Loopback addresses are owned
//by every host for itself and never enter the global map.
func resolveOwnership(view []*host.Inventory, logger *log.Logger) *ownershipMap {
	m := &ownershipMap{
		owners:    make(map[string]string),
		ambiguous: make(map[string]bool),
	}

	for _, inv := range view {
		for _, rec := range inv.Interfaces {
			if rec.IP.IsLoopback() {
				continue
			}
			// mapped v6 records canonicalize onto their v4 form, so a host's
			// own derived records never conflict with each other
			key := data.NewEndpoint(rec.IP, 0).CanonicalAddr()
			owner, claimed := m.owners[key]
			if !claimed {
				m.owners[key] = inv.Name
				continue
			}
			if owner != inv.Name && !m.ambiguous[key] {
				m.ambiguous[key] = true
				if logger != nil {
					logger.WithFields(log.Fields{
						"address": key,
						"hosts":   owner + "," + inv.Name,
					}).Warn("Address claimed by multiple hosts; excluded from cross-host matching")
				}
			}
		}
	}
	return m
}

//ownerOf resolves the host owning the given foreign endpoint from the
//perspective of the host self. Loopback and self-owned addresses resolve
//to self even when globally ambiguous; otherwise ambiguity resolves to no
//owner at all.
func (m *ownershipMap) ownerOf(ep data.Endpoint, self *host.Inventory) (string, bool) {
	if ep.IsLoopback() || self.OwnsIP(ep.IP) {
		return self.Name, true
	}
	key := ep.CanonicalAddr()
	if m.ambiguous[key] {
		return "", false
	}
	owner, ok := m.owners[key]
	return owner, ok
}

//ambiguousAddrs returns the sorted list of excluded addresses
func (m *ownershipMap) ambiguousAddrs() []string {
	addrs := make([]string, 0, len(m.ambiguous))
	for addr := range m.ambiguous {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
