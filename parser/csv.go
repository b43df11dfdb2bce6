package parser

import (
	"encoding/csv"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
)

//networkCSVHeader is the hand-written socket list schema. IPv6 socket
//literals follow RFC2732 bracket notation.
var networkCSVHeader = []string{"protocol", "local_socket", "foreign_socket", "state", "pid", "process_name"}

var ipCSVHeader = []string{"ip"}

//parseCSVNetwork reads the six-column socket list. The foreign socket
//column is empty for listening records; an IPv6 listener's v6only flag is
//inferred from its local literal the way ss prints it (a mapped or
//unspecified dual form accepts v4 clients).
func parseCSVNetwork(inv *host.Inventory, r io.Reader, file string) []error {
	var errs []error

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(networkCSVHeader)
	reader.TrimLeadingSpace = true

	lineNum := 0
	for {
		lineNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad row: %v", err))
			continue
		}
		if lineNum == 1 && strings.EqualFold(row[0], networkCSVHeader[0]) {
			continue
		}

		proto, ok := data.ParseProtocol(row[0])
		if !ok {
			errs = append(errs, lineErr(file, lineNum, "bad protocol %q", row[0]))
			continue
		}
		var state data.SocketState
		switch strings.ToLower(strings.TrimSpace(row[3])) {
		case "listening":
			state = data.StateListening
		case "established":
			state = data.StateEstablished
		default:
			errs = append(errs, lineErr(file, lineNum, "bad state %q", row[3]))
			continue
		}

		local, err := data.ParseEndpoint(strings.TrimSpace(row[1]))
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad local socket %q: %v", row[1], err))
			continue
		}

		var proc data.Process
		if pid, err := strconv.ParseUint(strings.TrimSpace(row[4]), 10, 32); err == nil {
			proc.PID = uint32(pid)
		}
		proc.Name = strings.TrimSpace(row[5])

		rec := data.SocketRecord{Protocol: proto, State: state, Local: local, Process: proc}

		if state == data.StateListening {
			if local.Family() == data.FamilyV6 {
				literal := strings.TrimSpace(row[1])
				v6only := !(strings.HasPrefix(literal, "[::ffff:") || strings.HasPrefix(literal, "[::]"))
				rec.V6Only = &v6only
			}
			inv.AddSocket(rec)
			continue
		}

		foreignStr := strings.TrimSpace(row[2])
		if foreignStr == "" {
			errs = append(errs, lineErr(file, lineNum, "established record without foreign socket"))
			continue
		}
		foreign, err := data.ParseEndpoint(foreignStr)
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad foreign socket %q: %v", row[2], err))
			continue
		}
		rec.Foreign = &foreign
		inv.AddSocket(rec)
	}
	return errs
}

//parseCSVIPs reads the one-column interface address list
func parseCSVIPs(inv *host.Inventory, r io.Reader, file string) []error {
	var errs []error

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	lineNum := 0
	for {
		lineNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, lineErr(file, lineNum, "bad row: %v", err))
			continue
		}
		addr := strings.TrimSpace(row[0])
		if lineNum == 1 && strings.EqualFold(addr, ipCSVHeader[0]) {
			continue
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			errs = append(errs, lineErr(file, lineNum, "bad address %q", row[0]))
			continue
		}
		inv.AddIP(ip)
	}
	return errs
}

//WriteCSVNetwork serializes socket records back into the six-column
//schema. Together with parseCSVNetwork it round-trips every field.
func WriteCSVNetwork(w io.Writer, sockets []data.SocketRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(networkCSVHeader); err != nil {
		return err
	}
	for _, rec := range sockets {
		foreign := ""
		if rec.Foreign != nil {
			foreign = rec.Foreign.String()
		}
		state := "Listening"
		if rec.State == data.StateEstablished {
			state = "Established"
		}
		row := []string{
			string(rec.Protocol),
			rec.Local.String(),
			foreign,
			state,
			strconv.FormatUint(uint64(rec.Process.PID), 10),
			rec.Process.Name,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

//WriteCSVIPs serializes captured interface addresses into the one-column
//schema
func WriteCSVIPs(w io.Writer, ips []net.IP) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ipCSVHeader); err != nil {
		return err
	}
	for _, ip := range ips {
		if err := writer.Write([]string{ip.String()}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
