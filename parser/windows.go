package parser

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
)

//decodeCaptureText tolerates the UTF-16 output PowerShell redirection
//produces. A BOM selects the byte order; without one the bytes pass
//through untouched.
func decodeCaptureText(raw []byte) string {
	if len(raw) >= 2 {
		le := raw[0] == 0xFF && raw[1] == 0xFE
		be := raw[0] == 0xFE && raw[1] == 0xFF
		if le || be {
			units := make([]uint16, 0, (len(raw)-2)/2)
			for i := 2; i+1 < len(raw); i += 2 {
				if le {
					units = append(units, uint16(raw[i])|uint16(raw[i+1])<<8)
				} else {
					units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
				}
			}
			return string(utf16.Decode(units))
		}
	}
	if !utf8.Valid(raw) {
		//no BOM but not UTF-8 either; assume little-endian UTF-16
		units := make([]uint16, 0, len(raw)/2)
		for i := 0; i+1 < len(raw); i += 2 {
			units = append(units, uint16(raw[i])|uint16(raw[i+1])<<8)
		}
		return string(utf16.Decode(units))
	}
	return string(raw)
}

//parseWindowsTasklist reads `tasklist /FO CSV` output into a pid to
//process name map. Lines without a digit are headers or banners.
func parseWindowsTasklist(r io.Reader, file string) (map[uint32]string, []error) {
	names := make(map[uint32]string)
	var errs []error

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.ReplaceAll(scanner.Text(), "\"", "")
		if line == "" || !strings.ContainsAny(line, "0123456789") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			errs = append(errs, lineErr(file, lineNum, "short tasklist line"))
			continue
		}
		pid, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			continue
		}
		if _, seen := names[uint32(pid)]; !seen {
			names[uint32(pid)] = fields[0]
		}
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return names, errs
}

//parseWindowsIP reads `Get-NetIpAddress` output, keeping the IPAddress
//rows and trimming link-local zone suffixes
func parseWindowsIP(inv *host.Inventory, r io.Reader, file string) []error {
	var errs []error

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if !strings.HasPrefix(line, "IPAddress") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			errs = append(errs, lineErr(file, lineNum, "short IPAddress line"))
			continue
		}
		addr := fields[2]
		if zone := strings.Index(addr, "%"); zone >= 0 {
			addr = addr[:zone]
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			errs = append(errs, lineErr(file, lineNum, "bad interface address %q", fields[2]))
			continue
		}
		inv.AddIP(ip)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

//parseWindowsNetstat reads `netstat -p tcp -ano` output into the
//inventory, resolving process names through the tasklist map. A pid
//missing from the map keeps the record with a pid-only process. Windows
//exposes no v6only detail, so IPv6 listeners are assumed exclusive.
func parseWindowsNetstat(inv *host.Inventory, r io.Reader, file string, names map[uint32]string, logger *log.Logger) []error {
	var errs []error

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "TCP") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			errs = append(errs, lineErr(file, lineNum, "short netstat line"))
			continue
		}

		var state data.SocketState
		switch fields[3] {
		case "LISTENING":
			state = data.StateListening
		case "ESTABLISHED":
			state = data.StateEstablished
		default:
			continue
		}

		var proc data.Process
		if pid, err := strconv.ParseUint(fields[4], 10, 32); err == nil {
			proc.PID = uint32(pid)
			if name, ok := names[uint32(pid)]; ok {
				proc.Name = name
			} else {
				logger.WithFields(log.Fields{
					"file": file,
					"pid":  pid,
				}).Debug("No tasklist entry for pid")
			}
		}

		local, err := data.ParseEndpoint(fields[1])
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad local endpoint %q: %v", fields[1], err))
			continue
		}
		rec := data.SocketRecord{Protocol: data.ProtocolTCP, State: state, Local: local, Process: proc}

		if state == data.StateListening {
			if local.Family() == data.FamilyV6 {
				v6only := true
				rec.V6Only = &v6only
			}
			inv.AddSocket(rec)
			continue
		}
		foreign, err := data.ParseEndpoint(fields[2])
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad peer endpoint %q: %v", fields[2], err))
			continue
		}
		rec.Foreign = &foreign
		inv.AddSocket(rec)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

//windowsReader wraps a raw capture file in the UTF-16 tolerant decoder
func windowsReader(raw []byte) io.Reader {
	return bytes.NewReader([]byte(decodeCaptureText(raw)))
}
