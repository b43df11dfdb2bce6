package agent

import (
	"net"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
)

//Collector assembles a point in time inventory of the local machine from
//kernel socket tables and interface configuration
type Collector struct {
	log *log.Logger

	//names caches pid to process name lookups for the lifetime of the
	//collector. Short lived processes churn pids slowly enough that a stale
	//hit is harmless for the snapshots we take.
	names map[int32]string
}

func NewCollector(logger *log.Logger) *Collector {
	return &Collector{
		log:   logger,
		names: make(map[int32]string),
	}
}

//Collect captures the local socket tables and interface addresses
func (c *Collector) Collect(hostName string) (*host.Inventory, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	tcp, err := psnet.Connections("tcp")
	if err != nil {
		return nil, err
	}
	udp, err := psnet.Connections("udp")
	if err != nil {
		return nil, err
	}
	return buildInventory(hostName, ifaces, tcp, udp, c.processName), nil
}

func (c *Collector) processName(pid int32) string {
	if pid <= 0 {
		return ""
	}
	if name, ok := c.names[pid]; ok {
		return name
	}
	name := ""
	if proc, err := process.NewProcess(pid); err == nil {
		if procName, err := proc.Name(); err == nil {
			name = procName
		}
	}
	if name == "" {
		c.log.WithField("pid", pid).Debug("Could not resolve process name")
	}
	c.names[pid] = name
	return name
}

//buildInventory maps gopsutil's view of the machine onto an inventory.
//nameOf resolves a pid to a process name and may return "".
func buildInventory(hostName string, ifaces []psnet.InterfaceStat,
	tcp, udp []psnet.ConnectionStat, nameOf func(int32) string) *host.Inventory {

	inv := host.NewInventory(hostName)
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if ip := parseInterfaceAddr(addr.Addr); ip != nil {
				inv.AddIP(ip)
			}
		}
	}
	for _, conn := range tcp {
		if rec, ok := socketFromConnection(conn, data.ProtocolTCP, nameOf); ok {
			inv.AddSocket(rec)
		}
	}
	for _, conn := range udp {
		if rec, ok := socketFromConnection(conn, data.ProtocolUDP, nameOf); ok {
			inv.AddSocket(rec)
		}
	}
	return inv
}

//parseInterfaceAddr strips the CIDR suffix and zone gopsutil reports on
//interface addresses
func parseInterfaceAddr(addr string) net.IP {
	if idx := strings.IndexByte(addr, '/'); idx != -1 {
		addr = addr[:idx]
	}
	if idx := strings.IndexByte(addr, '%'); idx != -1 {
		addr = addr[:idx]
	}
	return net.ParseIP(addr)
}

//socketFromConnection maps one kernel socket table entry onto a record.
//Entries in transient TCP states are dropped.
func socketFromConnection(conn psnet.ConnectionStat, protocol data.Protocol,
	nameOf func(int32) string) (data.SocketRecord, bool) {

	local, ok := connEndpoint(conn.Laddr)
	if !ok {
		return data.SocketRecord{}, false
	}

	rec := data.SocketRecord{
		Protocol: protocol,
		Local:    local,
		Process:  data.Process{Name: nameOf(conn.Pid), PID: uint32(conn.Pid)},
	}
	if conn.Pid <= 0 {
		rec.Process = data.Process{}
	}

	foreign, hasForeign := connEndpoint(conn.Raddr)
	switch protocol {
	case data.ProtocolTCP:
		switch conn.Status {
		case "LISTEN":
			rec.State = data.StateListening
		case "ESTABLISHED":
			if !hasForeign {
				return data.SocketRecord{}, false
			}
			rec.State = data.StateEstablished
			rec.Foreign = &foreign
		default:
			return data.SocketRecord{}, false
		}
	case data.ProtocolUDP:
		//UDP has no state machine: a known remote means traffic flows
		if hasForeign {
			rec.State = data.StateEstablished
			rec.Foreign = &foreign
		} else {
			rec.State = data.StateListening
		}
	default:
		return data.SocketRecord{}, false
	}

	if rec.State == data.StateListening && rec.Local.Family() == data.FamilyV6 {
		//the socket table does not expose IPV6_V6ONLY; Linux defaults the
		//option off, so assume dual stack listeners
		v6only := false
		rec.V6Only = &v6only
	}
	return rec, true
}

func connEndpoint(addr psnet.Addr) (data.Endpoint, bool) {
	if addr.IP == "" && addr.Port == 0 {
		return data.Endpoint{}, false
	}
	ip := net.ParseIP(addr.IP)
	if ip == nil {
		return data.Endpoint{}, false
	}
	return data.NewEndpoint(ip, uint16(addr.Port)), true
}
