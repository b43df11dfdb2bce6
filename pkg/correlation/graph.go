package correlation

import (
	"fmt"

	"github.com/sockmap/sockmap/pkg/data"
)

//Rule identifies which compatibility rule justified a connection edge
type Rule string

const (
	//RuleTCPDirect pairs sockets with the same protocol and family
	RuleTCPDirect Rule = "tcp-direct"
	//RuleTCPMappedV4 pairs a v4 client with a v6 listener accepting
	//v4-mapped clients
	RuleTCPMappedV4 Rule = "tcp-v4mapped"
	//RuleUDPDirect pairs two exclusively bound UDP sockets of the same
	//family that name each other exactly
	RuleUDPDirect Rule = "udp-mutual"
	//RuleUDPMappedV4 is the mutual-binding rule across the v4-mapped
	//compatibility bridge
	RuleUDPMappedV4 Rule = "udp-mutual-v4mapped"
	//RuleTCPHandover pairs a client with a listener whose accepted
	//connection was handed over to another process
	RuleTCPHandover Rule = "tcp-handover"
)

//Edge is a directed pairing of one established socket (client side) with
//one bound socket (server side) on a possibly different host
type Edge struct {
	ClientHost    string
	ServerHost    string
	ClientProcess data.Process
	ServerProcess data.Process
	ClientLocal   data.Endpoint
	ClientForeign data.Endpoint
	ServerLocal   data.Endpoint
	Protocol      data.Protocol
	Rule          Rule
}

func (e Edge) String() string {
	return fmt.Sprintf("%s (%s %s) -> %s (%s %s) [%s]",
		e.ClientHost, e.ClientProcess.String(), e.ClientLocal.String(),
		e.ServerHost, e.ServerProcess.String(), e.ServerLocal.String(),
		e.Rule,
	)
}

//sortKey gives edges a total order independent of discovery order
func (e Edge) sortKey() string {
	return e.ClientHost + "|" + e.ServerHost + "|" + string(e.Protocol) + "|" +
		e.ClientLocal.MapKey() + "|" + e.ServerLocal.MapKey() + "|" + string(e.Rule)
}

//Graph is the read-only result of one correlation run: the edge set plus
//the hosts it was computed over. It is recomputed fresh on every run, a
//pure function of the inventory view it was given.
type Graph struct {
	//Hosts lists every host in the correlated view, connected or not
	Hosts []string
	Edges []Edge
	//AmbiguousAddrs lists addresses claimed by more than one host and
	//therefore excluded from cross-host matching
	AmbiguousAddrs []string
	//Dangling counts established records that produced no edge
	Dangling int
}
