package parser

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
)

//parseNmap reads `nmap <ip>` output for a machine that could not be
//inspected directly. Only listening ports are visible from outside, the
//owning process is unknown, so the scanned service name with a trailing
//question mark stands in for it.
func parseNmap(inv *host.Inventory, r io.Reader, addr string, file string) []error {
	var errs []error

	ip := net.ParseIP(addr)
	if ip == nil {
		return []error{FileError{File: file, Host: inv.Name, Msg: "bad scanned address " + strconv.Quote(addr)}}
	}
	inv.AddIP(ip)

	v4 := ip.To4() != nil
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] < '0' || line[0] > '9' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			errs = append(errs, lineErr(file, lineNum, "short port line"))
			continue
		}
		portProto := strings.SplitN(fields[0], "/", 2)
		if len(portProto) < 2 {
			errs = append(errs, lineErr(file, lineNum, "bad port/protocol %q", fields[0]))
			continue
		}
		port, err := strconv.ParseUint(portProto[0], 10, 16)
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad port %q", portProto[0]))
			continue
		}
		proto, ok := data.ParseProtocol(portProto[1])
		if !ok {
			continue
		}

		rec := data.SocketRecord{
			Protocol: proto,
			State:    data.StateListening,
			Local:    data.NewEndpoint(ip, uint16(port)),
			Process:  data.Process{Name: fields[2] + "?"},
		}
		if !v4 {
			v6only := true
			rec.V6Only = &v6only
		}
		inv.AddSocket(rec)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return errs
}
