package data

import (
	"net"
	"strconv"
	"strings"
)

//Protocol is the transport protocol of a socket
type Protocol string

const (
	//ProtocolTCP identifies TCP sockets
	ProtocolTCP Protocol = "tcp"
	//ProtocolUDP identifies UDP sockets
	ProtocolUDP Protocol = "udp"
)

//ParseProtocol maps a case-insensitive protocol token ("TCP", "udp6", ...)
//to a Protocol. The second return is false for unsupported protocols.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "6")) {
	case "tcp":
		return ProtocolTCP, true
	case "udp":
		return ProtocolUDP, true
	}
	return "", false
}

//SocketState is the lifecycle state of a socket record
type SocketState string

const (
	//StateListening marks a socket bound and awaiting connections. For UDP
	//this simply means bound with no fixed peer.
	StateListening SocketState = "listening"
	//StateEstablished marks a socket with both endpoints known. For UDP this
	//means exclusively bound to a single foreign endpoint.
	StateEstablished SocketState = "established"
)

//Process identifies the process owning a socket. Either field may be
//unknown: a zero PID or an empty name are placeholders, never errors.
type Process struct {
	Name string `json:"name"`
	PID  uint32 `json:"pid"`
}

//IsKnown reports whether any identity at all was captured for the process
func (p Process) IsKnown() bool {
	return p.PID != 0 || p.Name != ""
}

func (p Process) String() string {
	if p.Name == "" {
		if p.PID == 0 {
			return "unknown"
		}
		return "pid:" + strconv.FormatUint(uint64(p.PID), 10)
	}
	return p.Name
}

//SocketRecord is one socket observed on one host. A listening record never
//carries a foreign endpoint; an established record always does.
type SocketRecord struct {
	Protocol Protocol
	State    SocketState
	Local    Endpoint
	Foreign  *Endpoint
	//V6Only mirrors the IPV6_V6ONLY socket option: nil means unknown (all v4
	//sockets and sources which cannot report the flag), false means the v6
	//listener also accepts v4-mapped clients
	V6Only  *bool
	Process Process
}

//Family returns the family of the local address literal
func (r SocketRecord) Family() Family {
	return r.Local.Family()
}

//AcceptsMappedV4 reports whether a v6 listening socket is known to accept
//IPv4-mapped clients
func (r SocketRecord) AcceptsMappedV4() bool {
	return r.V6Only != nil && !*r.V6Only
}

//MapKey generates a string which uniquely indexes the record by all of its
//semantic fields. Two records with equal keys are duplicates under merge.
func (r SocketRecord) MapKey() string {
	var builder strings.Builder
	builder.WriteString(r.EndpointKey())
	builder.WriteByte('|')
	builder.WriteString(strconv.FormatUint(uint64(r.Process.PID), 10))
	builder.WriteByte('|')
	builder.WriteString(r.Process.Name)
	return builder.String()
}

//EndpointKey indexes the record by everything except process identity,
//allowing records that differ only in pid/name knowledge to be unified
func (r SocketRecord) EndpointKey() string {
	var builder strings.Builder
	builder.WriteString(string(r.Protocol))
	builder.WriteByte('|')
	builder.WriteString(string(r.State))
	builder.WriteByte('|')
	builder.WriteString(r.Local.MapKey())
	builder.WriteByte('|')
	if r.Foreign != nil {
		builder.WriteString(r.Foreign.MapKey())
	}
	builder.WriteByte('|')
	if r.V6Only != nil {
		builder.WriteString(strconv.FormatBool(*r.V6Only))
	}
	return builder.String()
}

//InterfaceRecord is one IP address attributed to a host. Derived records
//(implicit loopbacks and v4-mapped equivalents) participate in address
//ownership resolution but are skipped when re-serializing an inventory.
type InterfaceRecord struct {
	IP      net.IP
	Derived bool
}

//MapKey generates a string which may be used to index the record
func (i InterfaceRecord) MapKey() string {
	return i.IP.String()
}
