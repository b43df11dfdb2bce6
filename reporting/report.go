package reporting

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/skratchdot/open-golang/open"

	"github.com/sockmap/sockmap/parser"
	"github.com/sockmap/sockmap/pkg/correlation"
	"github.com/sockmap/sockmap/pkg/host"
)

//connectionsHeader is the column layout of the correlated connections report
var connectionsHeader = []string{
	"client_host", "server_host",
	"client_process", "client_pid",
	"server_process", "server_pid",
	"client_socket", "server_socket",
	"protocol", "rule",
}

//WriteConnectionsCSV writes the correlated edge set as one CSV row per
//connection
func WriteConnectionsCSV(w *csv.Writer, graph *correlation.Graph) error {
	if err := w.Write(connectionsHeader); err != nil {
		return err
	}
	for _, edge := range graph.Edges {
		row := []string{
			edge.ClientHost, edge.ServerHost,
			edge.ClientProcess.Name, pidString(edge.ClientProcess.PID),
			edge.ServerProcess.Name, pidString(edge.ServerProcess.PID),
			edge.ClientLocal.String(), edge.ServerLocal.String(),
			string(edge.Protocol), string(edge.Rule),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func pidString(pid uint32) string {
	if pid == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(pid), 10)
}

//WriteReport writes a report directory containing the correlated
//connections plus a re-importable CSV pair per host. The directory is
//created next to the working directory under baseName; an existing
//directory is never overwritten, a numeric suffix is appended instead.
//Returns the path to the created directory.
func WriteReport(baseName string, view []*host.Inventory, graph *correlation.Graph) (string, error) {
	outFolder := baseName
	for counter := 1; ; counter++ {
		if _, err := os.Stat(outFolder); os.IsNotExist(err) {
			break
		}
		outFolder = baseName + strconv.Itoa(counter)
	}
	if err := os.Mkdir(outFolder, 0755); err != nil {
		return "", err
	}

	connFile, err := os.Create(filepath.Join(outFolder, "connections.csv"))
	if err != nil {
		return "", err
	}
	err = WriteConnectionsCSV(csv.NewWriter(connFile), graph)
	connFile.Close()
	if err != nil {
		return "", err
	}

	for _, inv := range view {
		if err := writeHostPair(outFolder, inv); err != nil {
			return "", err
		}
	}
	return outFolder, nil
}

//writeHostPair writes <host>_network.csv and <host>_ip.csv so a report can
//be re-imported as a capture directory
func writeHostPair(outFolder string, inv *host.Inventory) error {
	networkFile, err := os.Create(filepath.Join(outFolder, inv.Name+"_network.csv"))
	if err != nil {
		return err
	}
	err = parser.WriteCSVNetwork(networkFile, inv.Sockets)
	networkFile.Close()
	if err != nil {
		return err
	}

	ipFile, err := os.Create(filepath.Join(outFolder, inv.Name+"_ip.csv"))
	if err != nil {
		return err
	}
	err = parser.WriteCSVIPs(ipFile, inv.CapturedIPs())
	ipFile.Close()
	return err
}

//OpenReport opens the report directory in the system file browser
func OpenReport(path string) error {
	return open.Run(path)
}
