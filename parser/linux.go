package parser

import (
	"bufio"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
)

//loopback sockets carry the interface in the address, like 127.0.0.53%lo:53
var zonePattern = regexp.MustCompile(`%\w+:`)

//parseLinuxSS reads `ss -tunp`/`ss -tunpl` output into the inventory.
//Records without process information are kept with an unknown process
//rather than dropped; one warning covers the whole file since running ss
//without root routinely loses the process column.
func parseLinuxSS(inv *host.Inventory, r io.Reader, file string, logger *log.Logger) []error {
	var errs []error
	warnedNoProcess := false

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if !strings.HasPrefix(line, "tcp") && !strings.HasPrefix(line, "udp") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			errs = append(errs, lineErr(file, lineNum, "short ss line"))
			continue
		}

		proto, ok := data.ParseProtocol(fields[0])
		if !ok {
			continue
		}

		var state data.SocketState
		switch fields[1] {
		case "LISTEN", "UNCONN":
			state = data.StateListening
		case "ESTAB":
			state = data.StateEstablished
		default:
			continue
		}

		proc, hasProc := parseSSProcess(fields)
		if !hasProc && !warnedNoProcess {
			warnedNoProcess = true
			logger.WithFields(log.Fields{
				"file": file,
			}).Warn("Some ss lines carry no process info; run the capture as root to avoid this")
		}

		localStr := zonePattern.ReplaceAllString(fields[4], ":")
		rec := data.SocketRecord{Protocol: proto, State: state, Process: proc}

		if state == data.StateListening {
			//a bare * is a dual-stack wildcard; [::] is a v6-only one
			v6 := strings.HasPrefix(localStr, "[") || strings.HasPrefix(localStr, "*")
			if v6 {
				v6only := !(strings.HasPrefix(localStr, "*") || strings.HasPrefix(localStr, "[::ffff:"))
				rec.V6Only = &v6only
				localStr = strings.Replace(localStr, "*", "[::]", 1)
			}
			local, err := data.ParseEndpoint(localStr)
			if err != nil {
				errs = append(errs, lineErr(file, lineNum, "bad local endpoint %q: %v", fields[4], err))
				continue
			}
			rec.Local = local
			inv.AddSocket(rec)
			continue
		}

		local, err := data.ParseEndpoint(localStr)
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad local endpoint %q: %v", fields[4], err))
			continue
		}
		foreign, err := data.ParseEndpoint(zonePattern.ReplaceAllString(fields[5], ":"))
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad peer endpoint %q: %v", fields[5], err))
			continue
		}
		rec.Local = local
		rec.Foreign = &foreign
		inv.AddSocket(rec)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

//parseSSProcess pulls the owning process out of the trailing
//users:(("name",pid=123,fd=4)) column, if present
func parseSSProcess(fields []string) (data.Process, bool) {
	if len(fields) < 7 {
		return data.Process{}, false
	}
	info := fields[6]
	quoted := strings.Split(info, "\"")
	if len(quoted) < 2 {
		return data.Process{}, false
	}
	proc := data.Process{Name: quoted[1]}
	if pidField := strings.Split(info, ","); len(pidField) > 1 {
		if kv := strings.Split(pidField[1], "="); len(kv) > 1 {
			if pid, err := strconv.ParseUint(kv[1], 10, 32); err == nil {
				proc.PID = uint32(pid)
			}
		}
	}
	return proc, true
}

//parseLinuxNetstat reads Linux `netstat -tunpa` output into the
//inventory. netstat gives no v6only detail, so IPv6 listeners are assumed
//exclusive rather than inventing v4-mapped reachability.
func parseLinuxNetstat(inv *host.Inventory, r io.Reader, file string, logger *log.Logger) []error {
	var errs []error
	warnedNoProcess := false

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if !strings.Contains(line, "ESTABLISHED") && !strings.Contains(line, "LISTEN") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			errs = append(errs, lineErr(file, lineNum, "short netstat line"))
			continue
		}

		proto, ok := data.ParseProtocol(fields[0])
		if !ok {
			continue
		}
		v6 := strings.HasSuffix(fields[0], "6")

		var state data.SocketState
		switch fields[5] {
		case "LISTEN":
			state = data.StateListening
		case "ESTABLISHED":
			state = data.StateEstablished
		default:
			continue
		}

		var proc data.Process
		if len(fields) > 6 && fields[6] != "-" {
			pidName := strings.SplitN(fields[6], "/", 2)
			if pid, err := strconv.ParseUint(pidName[0], 10, 32); err == nil {
				proc.PID = uint32(pid)
			}
			if len(pidName) > 1 {
				proc.Name = pidName[1]
			}
		} else if !warnedNoProcess {
			warnedNoProcess = true
			logger.WithFields(log.Fields{
				"file": file,
			}).Warn("Some netstat lines carry no process info; run the capture as root to avoid this")
		}

		local, err := parseNetstatEndpoint(fields[3])
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad local endpoint %q: %v", fields[3], err))
			continue
		}
		rec := data.SocketRecord{Protocol: proto, State: state, Local: local, Process: proc}

		if state == data.StateListening {
			if v6 {
				v6only := true
				rec.V6Only = &v6only
			}
			inv.AddSocket(rec)
			continue
		}
		foreign, err := parseNetstatEndpoint(fields[4])
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad peer endpoint %q: %v", fields[4], err))
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

//parseNetstatEndpoint parses a netstat address column. netstat prints
//IPv6 endpoints without brackets (::1:631), so a failed parse retries
//with the address part, everything before the last colon, bracketed.
func parseNetstatEndpoint(s string) (data.Endpoint, error) {
	ep, err := data.ParseEndpoint(s)
	if err == nil {
		return ep, nil
	}
	lastColon := strings.LastIndex(s, ":")
	if lastColon < 0 {
		return data.Endpoint{}, err
	}
	return data.ParseEndpoint("[" + s[:lastColon] + "]" + s[lastColon:])
}

//parseLinuxIP reads `ip a` output, registering every inet/inet6 address
func parseLinuxIP(inv *host.Inventory, r io.Reader, file string) []error {
	var errs []error

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "inet") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			errs = append(errs, lineErr(file, lineNum, "short inet line"))
			continue
		}
		addr := strings.SplitN(fields[1], "/", 2)[0]
		if zone := strings.Index(addr, "%"); zone >= 0 {
			addr = addr[:zone]
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			errs = append(errs, lineErr(file, lineNum, "bad interface address %q", fields[1]))
			continue
		}
		inv.AddIP(ip)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return errs
}
