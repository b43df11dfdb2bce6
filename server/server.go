package server

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sockmap/sockmap/pkg/host"
	"github.com/sockmap/sockmap/pkg/inventory"
)

//DefaultPort is the live collection listen port
const DefaultPort = 6840

//DefaultCaptureTimeout bounds how long a capture command waits for its
//snapshot before the agent is declared unresponsive
const DefaultCaptureTimeout = 10 * time.Second

//Server accepts agent connections and drives captures and recording
//windows against the shared inventory store. Each connection is serviced
//by its own goroutine owning the socket reads; the store serializes
//writes per host.
type Server struct {
	store    *inventory.Store
	registry *Registry
	log      *log.Logger

	captureTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	wg       sync.WaitGroup
}

//NewServer creates a live collection server over the given store
func NewServer(store *inventory.Store, logger *log.Logger, captureTimeout time.Duration) *Server {
	if captureTimeout <= 0 {
		captureTimeout = DefaultCaptureTimeout
	}
	return &Server{
		store:          store,
		registry:       NewRegistry(),
		log:            logger,
		captureTimeout: captureTimeout,
	}
}

//Registry exposes the active-agent registry
func (s *Server) Registry() *Registry {
	return s.registry
}

//ListActiveAgents returns the connected agents sorted by host name
func (s *Server) ListActiveAgents() []AgentInfo {
	return s.registry.List()
}

//ListenAndServe listens on addr and serves until Close
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

//Serve accepts connections on ln until Close. Each accepted connection
//gets its own handler goroutine.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleConn(conn)
		}()
	}
}

//Close stops accepting, drops every agent, and waits for the handlers
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, info := range s.registry.List() {
		if a, ok := s.registry.get(info.Host); ok {
			a.codec.Write(&Message{Type: MsgTypeExit})
			a.close()
		}
	}
	s.wg.Wait()
	return err
}

//HandleConn services one agent connection: registration first, then the
//snapshot read loop. Any protocol violation closes this connection only.
func (s *Server) HandleConn(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	codec := NewCodec(conn)

	first, err := codec.Read()
	if err != nil {
		s.log.WithFields(log.Fields{
			"addr":  addr,
			"error": err.Error(),
		}).Error("Dropping connection before registration")
		conn.Close()
		return
	}
	if first.Type != MsgTypeRegister || first.Register == nil {
		s.log.WithFields(log.Fields{
			"addr": addr,
			"type": first.Type,
		}).Error("First frame was not a registration; dropping connection")
		conn.Close()
		return
	}

	hostName := first.Register.HostName()
	agent := newAgentConn(hostName, addr, codec, conn.Close)
	if err := s.registry.add(agent); err != nil {
		s.log.WithFields(log.Fields{
			"addr": addr,
			"host": hostName,
		}).Error("Rejecting duplicate agent registration")
		conn.Close()
		return
	}

	//the registration's interface list gives ownership resolution
	//something to work with before the first capture arrives
	partial := host.NewInventory(hostName)
	for _, addrStr := range first.Register.Addresses {
		if ip := net.ParseIP(addrStr); ip != nil {
			partial.AddIP(ip)
		}
	}
	s.store.PutPartial(hostName, partial)

	s.log.WithFields(log.Fields{
		"host": hostName,
		"addr": addr,
	}).Info("Agent registered")

	s.readLoop(agent)
}

func (s *Server) readLoop(agent *agentConn) {
	for {
		msg, err := agent.codec.Read()
		if err != nil {
			if _, isDecode := err.(ProtocolDecodeError); isDecode {
				s.log.WithFields(log.Fields{
					"host":  agent.host,
					"error": err.Error(),
				}).Error("Malformed frame; closing agent connection")
			}
			s.disconnect(agent)
			return
		}

		switch msg.Type {
		case MsgTypeSnapshot:
			if msg.Snapshot == nil || msg.Snapshot.Inventory == nil {
				s.log.WithFields(log.Fields{
					"host": agent.host,
				}).Error("Snapshot frame without inventory; closing agent connection")
				s.disconnect(agent)
				return
			}
			s.acceptSnapshot(agent, msg.Snapshot)
		case MsgTypeExit:
			s.log.WithFields(log.Fields{
				"host": agent.host,
			}).Info("Agent exited")
			s.disconnect(agent)
			return
		default:
			s.log.WithFields(log.Fields{
				"host": agent.host,
				"type": msg.Type,
			}).Error("Unexpected frame from agent; closing connection")
			s.disconnect(agent)
			return
		}
	}
}

//acceptSnapshot commits one received inventory. During a recording
//window the store unions it; otherwise it replaces the host's state.
//Solicited snapshots additionally wake their waiting capture command.
func (s *Server) acceptSnapshot(agent *agentConn, snap *Snapshot) {
	snap.Inventory.Name = agent.host
	s.store.AddSnapshot(agent.host, snap.Inventory)
	if snap.RequestID != "" && !agent.deliver(snap.RequestID, snap.Inventory) {
		s.log.WithFields(log.Fields{
			"host":    agent.host,
			"request": snap.RequestID,
		}).Debug("Snapshot answered an expired capture request")
	}
}

//disconnect removes the agent and closes its connection. A recording
//window interrupted by the loss keeps everything committed so far.
func (s *Server) disconnect(agent *agentConn) {
	agent.close()
	s.registry.remove(agent)

	agent.mu.Lock()
	wasRecording := agent.state == StateRecording
	for id, ch := range agent.pending {
		delete(agent.pending, id)
		close(ch)
	}
	agent.state = StateIdle
	agent.mu.Unlock()

	if wasRecording {
		if _, err := s.store.EndRecording(agent.host); err == nil {
			s.log.WithFields(log.Fields{
				"host": agent.host,
			}).Warn("Agent disconnected during recording; keeping the committed window")
		}
	}
}

//TriggerCapture asks the agent for one snapshot and waits for it. On
//timeout the agent reverts to idle and the command fails with
//AgentTimeout; a snapshot arriving later is still committed to the store.
func (s *Server) TriggerCapture(hostName string) (*host.Inventory, error) {
	agent, ok := s.registry.get(hostName)
	if !ok {
		return nil, UnknownAgent{Host: hostName}
	}

	agent.mu.Lock()
	if agent.state != StateIdle {
		state := agent.state
		agent.mu.Unlock()
		return nil, AgentBusy{Host: hostName, State: state}
	}
	agent.state = StateCapturing
	id := uuid.New().String()
	ch := make(chan *host.Inventory, 1)
	agent.pending[id] = ch
	agent.mu.Unlock()

	err := agent.codec.Write(&Message{
		Type:    MsgTypeCapture,
		Capture: &CaptureRequest{ID: id},
	})
	if err != nil {
		s.abandonCapture(agent, id)
		return nil, err
	}

	select {
	case inv, open := <-ch:
		if !open {
			return nil, AgentDisconnected{Host: hostName}
		}
		return inv, nil
	case <-time.After(s.captureTimeout):
		s.abandonCapture(agent, id)
		s.log.WithFields(log.Fields{
			"host":    hostName,
			"timeout": s.captureTimeout.String(),
		}).Warn("Agent did not answer capture command")
		return nil, AgentTimeout{Host: hostName}
	}
}

func (s *Server) abandonCapture(agent *agentConn, id string) {
	agent.mu.Lock()
	delete(agent.pending, id)
	if agent.state == StateCapturing {
		agent.state = StateIdle
	}
	agent.mu.Unlock()
}

//StartRecording opens a recording window: the store unions every
//snapshot for the host until StopRecording
func (s *Server) StartRecording(hostName string, interval time.Duration) error {
	agent, ok := s.registry.get(hostName)
	if !ok {
		return UnknownAgent{Host: hostName}
	}

	agent.mu.Lock()
	if agent.state != StateIdle {
		state := agent.state
		agent.mu.Unlock()
		return AgentBusy{Host: hostName, State: state}
	}
	if err := s.store.BeginRecording(hostName); err != nil {
		agent.mu.Unlock()
		return err
	}
	agent.state = StateRecording
	agent.mu.Unlock()

	err := agent.codec.Write(&Message{
		Type:      MsgTypeStartRecording,
		Recording: &RecordingRequest{IntervalSeconds: interval.Seconds()},
	})
	if err != nil {
		agent.mu.Lock()
		agent.state = StateIdle
		agent.mu.Unlock()
		s.store.EndRecording(hostName)
		return err
	}
	return nil
}

//StopRecording closes the window and returns the merged inventory built
//from every snapshot received during it. The agent's final aggregate, if
//it arrives after the window closes, replaces the host state with the
//same union and is not waited for.
func (s *Server) StopRecording(hostName string) (*host.Inventory, error) {
	agent, ok := s.registry.get(hostName)
	if !ok {
		return nil, UnknownAgent{Host: hostName}
	}

	agent.mu.Lock()
	if agent.state != StateRecording {
		state := agent.state
		agent.mu.Unlock()
		return nil, AgentBusy{Host: hostName, State: state}
	}
	agent.state = StateIdle
	agent.mu.Unlock()

	if err := agent.codec.Write(&Message{Type: MsgTypeStopRecording}); err != nil {
		s.log.WithFields(log.Fields{
			"host":  hostName,
			"error": err.Error(),
		}).Warn("Unable to send stop command; closing the window anyway")
	}
	return s.store.EndRecording(hostName)
}
