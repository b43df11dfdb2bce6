package correlation

import (
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
)

//Options tunes a correlation run without mutating the inventory view
type Options struct {
	//NoLoopback drops edges whose two ends live on the same host
	NoLoopback bool
	//ExcludeProcesses lists process name prefixes whose established
	//sockets are ignored during matching
	ExcludeProcesses []string
}

//Correlate pairs every established socket in the view with the bound
//socket that serves it, on the same host or across hosts. The result is
//a pure function of the view: running it twice on the same snapshot
//yields the same graph regardless of host or record ordering.
func Correlate(view []*host.Inventory, opts Options, logger *log.Logger) *Graph {
	hosts := make([]*host.Inventory, len(view))
	copy(hosts, view)
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })

	owners := resolveOwnership(hosts, logger)
	byName := make(map[string]*host.Inventory, len(hosts))
	graph := &Graph{AmbiguousAddrs: owners.ambiguousAddrs()}
	for _, inv := range hosts {
		byName[inv.Name] = inv
		graph.Hosts = append(graph.Hosts, inv.Name)
	}

	m := &matcher{owners: owners, opts: opts, logger: logger}
	seen := make(map[string]bool)
	//both ends of a mutual UDP pair are established records, so a record
	//that finds no peer itself may still be covered by the pair's edge;
	//dangling records are settled only once every host has been scanned
	matched := make(map[string]bool)
	pending := make(map[string]bool)

	for _, inv := range hosts {
		for _, rec := range inv.Sockets {
			if rec.State != data.StateEstablished || rec.Foreign == nil {
				continue
			}
			if rec.Foreign.IsWildcard() || m.excluded(rec.Process) {
				continue
			}
			recKey := inv.Name + "|" + rec.MapKey()
			serverName, ok := owners.ownerOf(*rec.Foreign, inv)
			if !ok {
				pending[recKey] = true
				continue
			}
			if serverName == inv.Name && opts.NoLoopback {
				continue
			}
			server, ok := byName[serverName]
			if !ok {
				pending[recKey] = true
				continue
			}
			edge, peerKey, ok := m.match(inv, rec, server)
			if !ok {
				pending[recKey] = true
				if logger != nil {
					logger.WithFields(log.Fields{
						"host":    inv.Name,
						"local":   rec.Local.String(),
						"foreign": rec.Foreign.String(),
						"proto":   rec.Protocol,
					}).Debug("Established socket matched no bound peer")
				}
				continue
			}
			matched[recKey] = true
			if peerKey != "" {
				matched[peerKey] = true
			}
			key := edge.sortKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			graph.Edges = append(graph.Edges, edge)
		}
	}

	for key := range pending {
		if !matched[key] {
			graph.Dangling++
		}
	}

	sort.Slice(graph.Edges, func(i, j int) bool {
		return graph.Edges[i].sortKey() < graph.Edges[j].sortKey()
	})
	return graph
}

type matcher struct {
	owners *ownershipMap
	opts   Options
	logger *log.Logger
}

func (m *matcher) excluded(p data.Process) bool {
	for _, prefix := range m.opts.ExcludeProcesses {
		if prefix != "" && strings.HasPrefix(p.Name, prefix) {
			return true
		}
	}
	return false
}

//match runs the compatibility rules in priority order against the server
//host's records and returns the single edge for rec, if any. The rule
//order is fixed: direct before v4-mapped, TCP listener rules before the
//UDP mutual rules, socket handover last. The second return names the far
//end's own established record when the server captured one (the accepted
//TCP socket, or the reciprocal half of a mutual UDP binding) so its own
//scan is not reported as dangling.
func (m *matcher) match(client *host.Inventory, rec data.SocketRecord, server *host.Inventory) (Edge, string, bool) {
	crossHost := client.Name != server.Name

	switch rec.Protocol {
	case data.ProtocolTCP:
		if l, ok := m.findListener(rec, server, crossHost, false); ok {
			return m.listenerEdge(client, rec, server, l, RuleTCPDirect), m.acceptedSideKey(rec, server), true
		}
		if l, ok := m.findListener(rec, server, crossHost, true); ok {
			return m.listenerEdge(client, rec, server, l, RuleTCPMappedV4), m.acceptedSideKey(rec, server), true
		}
		if l, handed, ok := m.findHandover(rec, server, crossHost); ok && handed {
			return m.listenerEdge(client, rec, server, l, RuleTCPHandover), m.acceptedSideKey(rec, server), true
		}
	case data.ProtocolUDP:
		if peer, ok := m.findMutualPeer(rec, server, false); ok {
			return m.mutualEdge(client, rec, server, peer, RuleUDPDirect), server.Name + "|" + peer.MapKey(), true
		}
		if peer, ok := m.findMutualPeer(rec, server, true); ok {
			return m.mutualEdge(client, rec, server, peer, RuleUDPMappedV4), server.Name + "|" + peer.MapKey(), true
		}
	}
	return Edge{}, "", false
}

//findListener scans the server's bound sockets for one reachable by rec's
//foreign endpoint. With mapped set, the v4-mapped bridge applies instead
//of the same-family rule: rec must be v4 and the listener a v6 socket
//that accepts mapped clients.
func (m *matcher) findListener(rec data.SocketRecord, server *host.Inventory, crossHost bool, mapped bool) (data.SocketRecord, bool) {
	var best data.SocketRecord
	found := false
	for _, l := range server.Sockets {
		if l.State != data.StateListening || l.Protocol != rec.Protocol {
			continue
		}
		if l.Local.Port != rec.Foreign.Port {
			continue
		}
		if crossHost && l.Local.IsLoopback() {
			continue
		}
		if mapped {
			if rec.Foreign.Family() != data.FamilyV4 || l.Family() != data.FamilyV6 || !l.AcceptsMappedV4() {
				continue
			}
		} else if l.Family() != rec.Foreign.Family() {
			continue
		}
		if !found || l.MapKey() < best.MapKey() {
			best = l
			found = true
		}
	}
	return best, found
}

//findHandover scans the server's established sockets for the far end of
//rec's connection: a record whose local endpoint is exactly rec's foreign
//endpoint. The tool on the server attributes such a socket to the process
//it was handed to, so no listener matched directly; the edge is credited
//to the listener sharing the accepted socket's port.
func (m *matcher) findHandover(rec data.SocketRecord, server *host.Inventory, crossHost bool) (data.SocketRecord, bool, bool) {
	if !crossHost || rec.Local.IsLoopback() {
		return data.SocketRecord{}, false, false
	}
	for _, r := range server.Sockets {
		if r.State != data.StateEstablished || r.Protocol != rec.Protocol || m.excluded(r.Process) {
			continue
		}
		if r.Local.Port != rec.Foreign.Port || r.Local.CanonicalAddr() != rec.Foreign.CanonicalAddr() {
			continue
		}
		for _, l := range server.Sockets {
			if l.State == data.StateListening && l.Protocol == rec.Protocol && l.Local.Port == r.Local.Port {
				return l, true, true
			}
		}
		return data.SocketRecord{}, false, false
	}
	return data.SocketRecord{}, false, false
}

//findMutualPeer scans the server's UDP records for the reciprocal of an
//exclusively bound socket: a record whose foreign endpoint names rec's
//local endpoint exactly and whose local endpoint is reachable by rec's
//foreign endpoint. A plain bound UDP socket with no fixed peer never
//qualifies.
func (m *matcher) findMutualPeer(rec data.SocketRecord, server *host.Inventory, mapped bool) (data.SocketRecord, bool) {
	var best data.SocketRecord
	found := false
	for _, r := range server.Sockets {
		if r.Protocol != data.ProtocolUDP || r.Foreign == nil || m.excluded(r.Process) {
			continue
		}
		if r.Local.Port != rec.Foreign.Port {
			continue
		}
		if !r.Local.IsWildcard() && r.Local.CanonicalAddr() != rec.Foreign.CanonicalAddr() {
			continue
		}
		if r.Foreign.Port != rec.Local.Port || r.Foreign.CanonicalAddr() != rec.Local.CanonicalAddr() {
			continue
		}
		if mapped {
			if rec.Family() != data.FamilyV4 || r.Family() != data.FamilyV6 || !r.AcceptsMappedV4() {
				continue
			}
		} else if r.Family() != rec.Family() {
			continue
		}
		if !found || r.MapKey() < best.MapKey() {
			best = r
			found = true
		}
	}
	return best, found
}

//acceptedSideKey locates the server's own record of the accepted
//connection, if it captured one
func (m *matcher) acceptedSideKey(rec data.SocketRecord, server *host.Inventory) string {
	for _, r := range server.Sockets {
		if r.State != data.StateEstablished || r.Protocol != rec.Protocol || r.Foreign == nil {
			continue
		}
		if r.Local.Port != rec.Foreign.Port || r.Local.CanonicalAddr() != rec.Foreign.CanonicalAddr() {
			continue
		}
		if r.Foreign.Port != rec.Local.Port || r.Foreign.CanonicalAddr() != rec.Local.CanonicalAddr() {
			continue
		}
		return server.Name + "|" + r.MapKey()
	}
	return ""
}

func (m *matcher) listenerEdge(client *host.Inventory, rec data.SocketRecord, server *host.Inventory, l data.SocketRecord, rule Rule) Edge {
	return Edge{
		ClientHost:    client.Name,
		ServerHost:    server.Name,
		ClientProcess: rec.Process,
		ServerProcess: l.Process,
		ClientLocal:   rec.Local,
		ClientForeign: *rec.Foreign,
		ServerLocal:   l.Local,
		Protocol:      rec.Protocol,
		Rule:          rule,
	}
}

//mutualEdge orients a pair of exclusively bound UDP sockets. Both records
//are established, so either end may be discovered first; the end with the
//higher local port is taken as the client so the edge comes out the same
//whichever end is scanned first.
func (m *matcher) mutualEdge(client *host.Inventory, rec data.SocketRecord, server *host.Inventory, peer data.SocketRecord, rule Rule) Edge {
	cHost, cRec := client, rec
	sHost, sRec := server, peer
	swap := false
	if sRec.Local.Port > cRec.Local.Port {
		swap = true
	} else if sRec.Local.Port == cRec.Local.Port &&
		sHost.Name+"|"+sRec.Local.MapKey() < cHost.Name+"|"+cRec.Local.MapKey() {
		swap = true
	}
	//a wildcard-bound end cannot be written as a client's local socket
	if swap && !sRec.Local.IsWildcard() {
		cHost, cRec, sHost, sRec = sHost, sRec, cHost, cRec
	}
	foreign := cRec.Local
	if cRec.Foreign != nil {
		foreign = *cRec.Foreign
	}
	return Edge{
		ClientHost:    cHost.Name,
		ServerHost:    sHost.Name,
		ClientProcess: cRec.Process,
		ServerProcess: sRec.Process,
		ClientLocal:   cRec.Local,
		ClientForeign: foreign,
		ServerLocal:   sRec.Local,
		Protocol:      data.ProtocolUDP,
		Rule:          rule,
	}
}
