package agent

import (
	"net"
	"os"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	log "github.com/sirupsen/logrus"

	"github.com/sockmap/sockmap/pkg/host"
	"github.com/sockmap/sockmap/server"
)

//collectFunc captures a local inventory. Swappable for tests.
type collectFunc func(hostName string) (*host.Inventory, error)

//Agent maintains a connection to a collection server, answering capture
//requests with snapshots of the local socket tables
type Agent struct {
	serverAddr string
	hostName   string
	log        *log.Logger
	collect    collectFunc

	recMu   sync.Mutex
	recStop chan struct{}
	recDone chan struct{}
}

//NewAgent builds an agent for the server at serverAddr. prettyName overrides
//the OS hostname when set.
func NewAgent(serverAddr, prettyName string, logger *log.Logger) (*Agent, error) {
	hostName := prettyName
	if hostName == "" {
		osName, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		hostName = osName
	}
	collector := NewCollector(logger)
	return &Agent{
		serverAddr: serverAddr,
		hostName:   hostName,
		log:        logger,
		collect:    collector.Collect,
	}, nil
}

//Run connects to the server and serves capture and recording requests until
//the server sends an exit message or the connection drops. The returned error
//is nil only for an orderly exit.
func (a *Agent) Run() error {
	conn, err := net.Dial("tcp", a.serverAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer a.stopRecorder()

	codec := server.NewCodec(conn)
	if err := a.register(codec); err != nil {
		return err
	}
	a.log.WithFields(log.Fields{
		"server": a.serverAddr,
		"host":   a.hostName,
	}).Info("Registered with collection server")

	for {
		msg, err := codec.Read()
		if err != nil {
			return err
		}
		switch msg.Type {
		case server.MsgTypeCapture:
			id := ""
			if msg.Capture != nil {
				id = msg.Capture.ID
			}
			a.answerCapture(codec, id)
		case server.MsgTypeStartRecording:
			interval := defaultRecordingInterval
			if msg.Recording != nil && msg.Recording.IntervalSeconds > 0 {
				interval = time.Duration(msg.Recording.IntervalSeconds * float64(time.Second))
			}
			a.startRecorder(codec, interval)
		case server.MsgTypeStopRecording:
			a.stopRecorder()
		case server.MsgTypeExit:
			a.log.Info("Collection server requested shutdown")
			return nil
		default:
			a.log.WithField("type", msg.Type).Warn("Ignoring unexpected message from server")
		}
	}
}

const defaultRecordingInterval = 2 * time.Second

func (a *Agent) register(codec *server.Codec) error {
	osName, _ := os.Hostname()
	return codec.Write(&server.Message{
		Type: server.MsgTypeRegister,
		Register: &server.Register{
			Hostname:   osName,
			PrettyName: a.hostName,
			Addresses:  localAddresses(),
		},
	})
}

//localAddresses lists the machine's interface addresses as bare literals
func localAddresses() []string {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil
	}
	var addrs []string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if ip := parseInterfaceAddr(addr.Addr); ip != nil {
				addrs = append(addrs, ip.String())
			}
		}
	}
	return addrs
}

func (a *Agent) answerCapture(codec *server.Codec, requestID string) {
	inv, err := a.collect(a.hostName)
	if err != nil {
		a.log.WithError(err).Error("Could not capture local socket tables")
		return
	}
	a.sendSnapshot(codec, requestID, inv)
}

func (a *Agent) sendSnapshot(codec *server.Codec, requestID string, inv *host.Inventory) {
	err := codec.Write(&server.Message{
		Type:     server.MsgTypeSnapshot,
		Snapshot: &server.Snapshot{RequestID: requestID, Inventory: inv},
	})
	if err != nil {
		a.log.WithError(err).Error("Could not send snapshot to server")
	}
}

//startRecorder samples the socket tables at the given interval, streaming
//each sample to the server. When the recording stops the union of all
//samples is sent as a final snapshot.
func (a *Agent) startRecorder(codec *server.Codec, interval time.Duration) {
	a.recMu.Lock()
	defer a.recMu.Unlock()
	if a.recStop != nil {
		a.log.Warn("Recording already in progress; ignoring start request")
		return
	}
	a.log.WithField("interval", interval).Info("Recording started")

	stop := make(chan struct{})
	done := make(chan struct{})
	a.recStop = stop
	a.recDone = done

	go func() {
		defer close(done)
		aggregate := host.NewInventory(a.hostName)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sample := func() {
			inv, err := a.collect(a.hostName)
			if err != nil {
				a.log.WithError(err).Error("Could not capture local socket tables")
				return
			}
			aggregate.Merge(inv, a.log)
			a.sendSnapshot(codec, "", inv)
		}

		sample()
		for {
			select {
			case <-ticker.C:
				sample()
			case <-stop:
				a.sendSnapshot(codec, "", aggregate)
				a.log.Info("Recording stopped")
				return
			}
		}
	}()
}

func (a *Agent) stopRecorder() {
	a.recMu.Lock()
	defer a.recMu.Unlock()
	if a.recStop == nil {
		return
	}
	close(a.recStop)
	<-a.recDone
	a.recStop = nil
	a.recDone = nil
}
