package database

import (
	"time"

	"github.com/globalsign/mgo"
	"github.com/google/uuid"

	"github.com/sockmap/sockmap/config"
	"github.com/sockmap/sockmap/pkg/correlation"
	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
)

type (
	//RunDocument records one export of the inventory and its correlation
	//result
	RunDocument struct {
		ID             string    `bson:"run_id"`
		Time           time.Time `bson:"time"`
		Hosts          int       `bson:"hosts"`
		Connections    int       `bson:"connections"`
		Dangling       int       `bson:"dangling"`
		AmbiguousAddrs []string  `bson:"ambiguous_addrs,omitempty"`
	}

	//HostDocument records one captured host
	HostDocument struct {
		RunID     string   `bson:"run_id"`
		Name      string   `bson:"name"`
		Addresses []string `bson:"addresses"`
		Sockets   int      `bson:"sockets"`
	}

	//SocketDocument records one socket table entry
	SocketDocument struct {
		RunID    string `bson:"run_id"`
		Host     string `bson:"host"`
		Protocol string `bson:"protocol"`
		State    string `bson:"state"`
		Local    string `bson:"local"`
		Foreign  string `bson:"foreign,omitempty"`
		V6Only   *bool  `bson:"v6_only,omitempty"`
		Process  string `bson:"process,omitempty"`
		PID      uint32 `bson:"pid,omitempty"`
	}

	//ConnectionDocument records one correlated edge
	ConnectionDocument struct {
		RunID         string `bson:"run_id"`
		ClientHost    string `bson:"client_host"`
		ServerHost    string `bson:"server_host"`
		ClientProcess string `bson:"client_process,omitempty"`
		ClientPID     uint32 `bson:"client_pid,omitempty"`
		ServerProcess string `bson:"server_process,omitempty"`
		ServerPID     uint32 `bson:"server_pid,omitempty"`
		ClientSocket  string `bson:"client_socket"`
		ServerSocket  string `bson:"server_socket"`
		Protocol      string `bson:"protocol"`
		Rule          string `bson:"rule"`
	}
)

//Exporter writes captured inventories and correlation results to MongoDB
type Exporter struct {
	db     *DB
	tables *config.TableCfg
}

func NewExporter(db *DB, tables *config.TableCfg) *Exporter {
	return &Exporter{db: db, tables: tables}
}

//Export writes one run: the host inventories, their socket records, and the
//correlated connection set. Returns the generated run id.
func (e *Exporter) Export(view []*host.Inventory, graph *correlation.Graph) (string, error) {
	runID := uuid.New().String()
	run, hosts, sockets, connections := buildRunDocuments(runID, time.Now(), view, graph)

	ssn := e.db.Session.Copy()
	defer ssn.Close()
	selected := ssn.DB(e.db.GetSelectedDB())

	if err := selected.C(e.tables.Meta.RunsTable).Insert(run); err != nil {
		return "", err
	}
	if err := insertAll(selected.C(e.tables.Inventory.HostsTable), hosts); err != nil {
		return "", err
	}
	if err := insertAll(selected.C(e.tables.Inventory.SocketsTable), sockets); err != nil {
		return "", err
	}
	if err := insertAll(selected.C(e.tables.Graph.ConnectionsTable), connections); err != nil {
		return "", err
	}
	return runID, nil
}

func insertAll(coll *mgo.Collection, docs []interface{}) error {
	if len(docs) == 0 {
		return nil
	}
	return coll.Insert(docs...)
}

//buildRunDocuments maps an inventory view and its correlation result onto
//the export document set
func buildRunDocuments(runID string, now time.Time, view []*host.Inventory,
	graph *correlation.Graph) (RunDocument, []interface{}, []interface{}, []interface{}) {

	run := RunDocument{
		ID:             runID,
		Time:           now,
		Hosts:          len(view),
		Connections:    len(graph.Edges),
		Dangling:       graph.Dangling,
		AmbiguousAddrs: graph.AmbiguousAddrs,
	}

	var hosts []interface{}
	var sockets []interface{}
	for _, inv := range view {
		var addrs []string
		for _, ip := range inv.CapturedIPs() {
			addrs = append(addrs, ip.String())
		}
		hosts = append(hosts, HostDocument{
			RunID:     runID,
			Name:      inv.Name,
			Addresses: addrs,
			Sockets:   len(inv.Sockets),
		})
		for _, rec := range inv.Sockets {
			sockets = append(sockets, socketDocument(runID, inv.Name, rec))
		}
	}

	var connections []interface{}
	for _, edge := range graph.Edges {
		connections = append(connections, ConnectionDocument{
			RunID:         runID,
			ClientHost:    edge.ClientHost,
			ServerHost:    edge.ServerHost,
			ClientProcess: edge.ClientProcess.Name,
			ClientPID:     edge.ClientProcess.PID,
			ServerProcess: edge.ServerProcess.Name,
			ServerPID:     edge.ServerProcess.PID,
			ClientSocket:  edge.ClientLocal.String(),
			ServerSocket:  edge.ServerLocal.String(),
			Protocol:      string(edge.Protocol),
			Rule:          string(edge.Rule),
		})
	}
	return run, hosts, sockets, connections
}

func socketDocument(runID, hostName string, rec data.SocketRecord) SocketDocument {
	doc := SocketDocument{
		RunID:    runID,
		Host:     hostName,
		Protocol: string(rec.Protocol),
		State:    string(rec.State),
		Local:    rec.Local.String(),
		V6Only:   rec.V6Only,
		Process:  rec.Process.Name,
		PID:      rec.Process.PID,
	}
	if rec.Foreign != nil {
		doc.Foreign = rec.Foreign.String()
	}
	return doc
}
