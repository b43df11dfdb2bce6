package data

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

//Family designates the IP protocol family of an address as it was written
//in the source capture. A v4-in-v6-mapped literal such as ::ffff:10.0.0.1
//keeps the v6 family since that is how the kernel reported the socket.
type Family byte

const (
	//FamilyV4 denotes a dotted-quad address literal
	FamilyV4 Family = 4
	//FamilyV6 denotes a colon-separated address literal
	FamilyV6 Family = 6
)

func (f Family) String() string {
	if f == FamilyV4 {
		return "v4"
	}
	return "v6"
}

//Endpoint is one side of a socket: an IP address paired with a port.
//The family is fixed at construction from the shape of the source literal
//rather than rederived from the parsed bytes, so mapped v6 addresses are
//not silently demoted to v4.
type Endpoint struct {
	IP     net.IP
	Port   uint16
	family Family
}

//NewEndpoint builds an Endpoint from an already parsed IP. The family is
//taken from the underlying representation: 4-byte addresses are v4.
func NewEndpoint(ip net.IP, port uint16) Endpoint {
	family := FamilyV6
	if ip.To4() != nil {
		family = FamilyV4
	}
	return Endpoint{IP: ip, Port: port, family: family}
}

//ParseEndpoint parses an "address:port" string. IPv6 literals must be
//bracketed per RFC 2732 ("[::1]:80"). Zone suffixes ("%eth0") are dropped.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	if idx := strings.IndexByte(host, '%'); idx != -1 {
		host = host[:idx]
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q: %w", s, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("invalid address in endpoint %q", s)
	}

	family := FamilyV4
	if strings.Contains(host, ":") {
		family = FamilyV6
	}
	return Endpoint{IP: ip, Port: uint16(port), family: family}, nil
}

//Family returns the family of the address literal this endpoint came from
func (e Endpoint) Family() Family {
	return e.family
}

//IsWildcard reports whether the address is 0.0.0.0 or ::, meaning the
//socket is reachable on any of the owning host's interfaces
func (e Endpoint) IsWildcard() bool {
	return e.IP.IsUnspecified()
}

//IsLoopback reports whether the address is a loopback address
func (e Endpoint) IsLoopback() bool {
	return e.IP.IsLoopback()
}

//CanonicalAddr returns the address in its canonical form: mapped v6
//addresses collapse to their v4 equivalent so that ::ffff:10.0.0.1 and
//10.0.0.1 resolve to the same owning host
func (e Endpoint) CanonicalAddr() string {
	if v4 := e.IP.To4(); v4 != nil {
		return v4.String()
	}
	return e.IP.String()
}

//String renders the endpoint with RFC 2732 bracketing for v6 literals
func (e Endpoint) String() string {
	if e.family == FamilyV6 {
		return "[" + e.addrLiteral() + "]:" + strconv.Itoa(int(e.Port))
	}
	return e.IP.String() + ":" + strconv.Itoa(int(e.Port))
}

//addrLiteral reproduces the address portion in the family it was captured
//with. net.IP.String collapses mapped addresses to dotted quads, so mapped
//v6 endpoints are re-expanded here.
func (e Endpoint) addrLiteral() string {
	s := e.IP.String()
	if e.family == FamilyV6 && !strings.Contains(s, ":") {
		return "::ffff:" + s
	}
	return s
}

//Equal reports semantic equality: same family, address bytes, and port
func (e Endpoint) Equal(other Endpoint) bool {
	return e.family == other.family && e.Port == other.Port && e.IP.Equal(other.IP)
}

//MapKey generates a string which may be used to index the endpoint
func (e Endpoint) MapKey() string {
	var builder strings.Builder
	builder.WriteByte(byte('0' + e.family))
	builder.WriteString(e.addrLiteral())
	builder.WriteByte(':')
	builder.WriteString(strconv.Itoa(int(e.Port)))
	return builder.String()
}

//MarshalJSON encodes the endpoint as its string form
func (e Endpoint) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(e.String())), nil
}

//UnmarshalJSON decodes an endpoint from its string form
func (e *Endpoint) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	parsed, err := ParseEndpoint(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
