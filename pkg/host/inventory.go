//Package host models a single machine's observed network inventory: the IP
//addresses attributed to it and the sockets captured on it. Inventories are
//built incrementally; partial inventories from different capture files or
//agent snapshots for the same host merge by union.
package host

import (
	"net"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sockmap/sockmap/pkg/data"
)

//Inventory aggregates one host's interface and socket records
type Inventory struct {
	//Name is the opaque unique identifier of the machine: the basename of
	//the capture files or the hostname an agent registered with
	Name       string
	Interfaces []data.InterfaceRecord
	Sockets    []data.SocketRecord
}

//NewInventory creates an empty inventory for the named host, seeded with
//the implicit loopback addresses every host owns
func NewInventory(name string) *Inventory {
	inv := &Inventory{Name: name}
	inv.addDerivedIP(net.IPv4(127, 0, 0, 1))
	inv.addDerivedIP(net.IPv6loopback)
	return inv
}

//AddIP attributes an address to the host. Every v4 address also registers
//its v4-in-v6-mapped equivalent so that a peer's ::ffff: foreign endpoint
//resolves to this host during correlation.
func (inv *Inventory) AddIP(ip net.IP) {
	if ip == nil {
		return
	}
	inv.addInterface(data.InterfaceRecord{IP: ip})
	if v4 := ip.To4(); v4 != nil {
		mapped := net.ParseIP("::ffff:" + v4.String())
		inv.addInterface(data.InterfaceRecord{IP: mapped, Derived: true})
	}
}

func (inv *Inventory) addDerivedIP(ip net.IP) {
	inv.addInterface(data.InterfaceRecord{IP: ip, Derived: true})
}

func (inv *Inventory) addInterface(rec data.InterfaceRecord) {
	for _, existing := range inv.Interfaces {
		if existing.IP.Equal(rec.IP) {
			return
		}
	}
	inv.Interfaces = append(inv.Interfaces, rec)
}

//AddSocket appends a socket record, dropping exact duplicates
func (inv *Inventory) AddSocket(rec data.SocketRecord) {
	key := rec.MapKey()
	for _, existing := range inv.Sockets {
		if existing.MapKey() == key {
			return
		}
	}
	inv.Sockets = append(inv.Sockets, rec)
}

//OwnsIP reports whether the address is attributed to this host, counting
//derived loopback and mapped records
func (inv *Inventory) OwnsIP(ip net.IP) bool {
	for _, rec := range inv.Interfaces {
		if rec.IP.Equal(ip) {
			return true
		}
	}
	return false
}

//CapturedIPs returns the addresses that were actually observed in capture
//sources, without the derived loopback/mapped records
func (inv *Inventory) CapturedIPs() []net.IP {
	var ips []net.IP
	for _, rec := range inv.Interfaces {
		if !rec.Derived {
			ips = append(ips, rec.IP)
		}
	}
	return ips
}

//Merge unions another partial inventory for the same host into this one.
//Interfaces and sockets are deduplicated by semantic equality. Records that
//agree on endpoints but disagree on process identity are unified:
//missing identity is filled in, and a genuine conflict resolves
//last-writer-wins with a logged warning.
func (inv *Inventory) Merge(other *Inventory, logger *log.Logger) {
	if other == nil {
		return
	}
	for _, rec := range other.Interfaces {
		inv.addInterface(rec)
	}

	byEndpoint := make(map[string]int, len(inv.Sockets))
	for i, rec := range inv.Sockets {
		byEndpoint[rec.EndpointKey()] = i
	}

	for _, rec := range other.Sockets {
		idx, seen := byEndpoint[rec.EndpointKey()]
		if !seen {
			inv.Sockets = append(inv.Sockets, rec)
			byEndpoint[rec.EndpointKey()] = len(inv.Sockets) - 1
			continue
		}
		inv.Sockets[idx].Process = mergeProcess(inv.Name, inv.Sockets[idx], rec.Process, logger)
	}
}

//mergeProcess reconciles process identity between two records describing
//the same socket
func mergeProcess(hostName string, existing data.SocketRecord, incoming data.Process, logger *log.Logger) data.Process {
	current := existing.Process
	if !incoming.IsKnown() {
		return current
	}
	if !current.IsKnown() {
		return incoming
	}

	merged := current
	if merged.PID == 0 {
		merged.PID = incoming.PID
	}
	if merged.Name == "" {
		merged.Name = incoming.Name
	}

	conflict := (incoming.PID != 0 && merged.PID != incoming.PID) ||
		(incoming.Name != "" && merged.Name != incoming.Name)
	if conflict {
		if logger != nil {
			logger.WithFields(log.Fields{
				"host":     hostName,
				"socket":   existing.Local.String(),
				"existing": merged.String(),
				"incoming": incoming.String(),
			}).Warn("Conflicting process identity for socket; keeping latest")
		}
		return incoming
	}
	return merged
}

//ApplyProcessNames enriches sockets that only carry a pid with names from a
//pid to name mapping (e.g. a Windows tasklist capture)
func (inv *Inventory) ApplyProcessNames(names map[uint32]string) {
	for i := range inv.Sockets {
		rec := &inv.Sockets[i]
		if rec.Process.Name == "" && rec.Process.PID != 0 {
			if name, ok := names[rec.Process.PID]; ok {
				rec.Process.Name = name
			}
		}
	}
}

//ExcludeProcesses drops established records whose process name starts with
//any of the given prefixes. Listening records are kept so servers remain
//visible even when their clients are filtered.
func (inv *Inventory) ExcludeProcesses(prefixes []string) {
	if len(prefixes) == 0 {
		return
	}
	kept := inv.Sockets[:0]
	for _, rec := range inv.Sockets {
		if rec.State == data.StateEstablished && matchesPrefix(rec.Process.Name, prefixes) {
			continue
		}
		kept = append(kept, rec)
	}
	inv.Sockets = kept
}

func matchesPrefix(name string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

//Copy performs a deep copy so snapshot views cannot observe later writes
func (inv *Inventory) Copy() *Inventory {
	if inv == nil {
		return nil
	}
	clone := &Inventory{Name: inv.Name}
	clone.Interfaces = make([]data.InterfaceRecord, len(inv.Interfaces))
	for i, rec := range inv.Interfaces {
		ip := make(net.IP, len(rec.IP))
		copy(ip, rec.IP)
		clone.Interfaces[i] = data.InterfaceRecord{IP: ip, Derived: rec.Derived}
	}
	clone.Sockets = make([]data.SocketRecord, len(inv.Sockets))
	copy(clone.Sockets, inv.Sockets)
	return clone
}
