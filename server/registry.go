package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/sockmap/sockmap/pkg/host"
)

//AgentState is the lifecycle state of one connected agent
type AgentState string

const (
	//StateIdle means the agent is connected and awaiting commands
	StateIdle AgentState = "idle"
	//StateCapturing means a single-shot capture is outstanding
	StateCapturing AgentState = "capturing"
	//StateRecording means a recording window is open
	StateRecording AgentState = "recording"
)

//AgentInfo describes one active agent for the console
type AgentInfo struct {
	Host  string
	Addr  string
	State AgentState
}

//agentConn is the server-side handle of one agent connection. The read
//loop goroutine owns the socket reads; commands from other goroutines go
//through the codec's serialized writes and the pending-waiter map.
type agentConn struct {
	host  string
	addr  string
	codec *Codec
	close func() error

	mu      sync.Mutex
	state   AgentState
	pending map[string]chan *host.Inventory
}

func newAgentConn(hostName, addr string, codec *Codec, closer func() error) *agentConn {
	return &agentConn{
		host:    hostName,
		addr:    addr,
		codec:   codec,
		close:   closer,
		state:   StateIdle,
		pending: make(map[string]chan *host.Inventory),
	}
}

//deliver hands a solicited snapshot to its waiter, if it is still waiting
func (a *agentConn) deliver(requestID string, inv *host.Inventory) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.pending[requestID]
	if !ok {
		return false
	}
	delete(a.pending, requestID)
	if a.state == StateCapturing {
		a.state = StateIdle
	}
	ch <- inv
	return true
}

//Registry tracks the active agents by host name. It is owned by the
//server's lifecycle and passed to each connection handler; there is no
//ambient global.
type Registry struct {
	mu     sync.RWMutex
	byHost map[string]*agentConn
}

//NewRegistry creates an empty agent registry
func NewRegistry() *Registry {
	return &Registry{byHost: make(map[string]*agentConn)}
}

func (r *Registry) add(a *agentConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byHost[a.host]; taken {
		return errors.New("an agent for host " + a.host + " is already connected")
	}
	r.byHost[a.host] = a
	return nil
}

//remove drops the agent if it is still the registered one for its host
func (r *Registry) remove(a *agentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byHost[a.host]; ok && current == a {
		delete(r.byHost, a.host)
	}
}

func (r *Registry) get(hostName string) (*agentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byHost[hostName]
	return a, ok
}

//List returns the active agents sorted by host name
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]AgentInfo, 0, len(r.byHost))
	for _, a := range r.byHost {
		a.mu.Lock()
		infos = append(infos, AgentInfo{Host: a.host, Addr: a.addr, State: a.state})
		a.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Host < infos[j].Host })
	return infos
}
