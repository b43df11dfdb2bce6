//Package inventory provides the shared store of per-host inventories fed by
//file imports and live agent snapshots. Writes are serialized per host so a
//recording window's union is atomic with respect to concurrent snapshots
//from the same agent, while different hosts proceed fully in parallel.
package inventory

import (
	"errors"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/sockmap/sockmap/pkg/host"
)

//ErrNotRecording is returned when a recording bracket is closed on a host
//that has no open recording window
var ErrNotRecording = errors.New("host is not recording")

//ErrAlreadyRecording is returned when a recording window is opened on a
//host that already has one open
var ErrAlreadyRecording = errors.New("host is already recording")

type entry struct {
	mu        sync.Mutex
	inv       *host.Inventory
	recording bool
}

//Store holds the inventories of every observed host
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *log.Logger
}

//NewStore creates an empty store
func NewStore(logger *log.Logger) *Store {
	return &Store{
		entries: make(map[string]*entry),
		log:     logger,
	}
}

func (s *Store) entryFor(hostName string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hostName]
	if !ok {
		e = &entry{inv: host.NewInventory(hostName)}
		s.entries[hostName] = e
	}
	return e
}

//PutPartial merges a partial inventory (e.g. one parsed capture file) into
//the host's record. The merge is a union, never a replacement.
func (s *Store) PutPartial(hostName string, partial *host.Inventory) {
	e := s.entryFor(hostName)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inv.Merge(partial, s.log)
}

//BeginRecording opens a recording window on the host. While the window is
//open, snapshots union their socket records instead of replacing them.
func (s *Store) BeginRecording(hostName string) error {
	e := s.entryFor(hostName)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recording {
		return ErrAlreadyRecording
	}
	e.recording = true
	// a fresh window starts from the current snapshot, not accumulated history
	e.inv = host.NewInventory(hostName)
	return nil
}

//AddSnapshot stores an agent capture. Inside a recording window socket
//records are unioned and interfaces follow the latest snapshot; outside a
//window the snapshot replaces the host's record wholesale.
func (s *Store) AddSnapshot(hostName string, snap *host.Inventory) {
	e := s.entryFor(hostName)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.recording {
		e.inv = snap.Copy()
		return
	}

	// union sockets, latest interfaces
	merged := host.NewInventory(hostName)
	for _, ip := range snap.CapturedIPs() {
		merged.AddIP(ip)
	}
	for _, rec := range e.inv.Sockets {
		merged.AddSocket(rec)
	}
	merged.Merge(snap, s.log)
	e.inv = merged
}

//EndRecording closes the host's recording window and returns the merged
//inventory accumulated during it
func (s *Store) EndRecording(hostName string) (*host.Inventory, error) {
	e := s.entryFor(hostName)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.recording {
		return nil, ErrNotRecording
	}
	e.recording = false
	return e.inv.Copy(), nil
}

//Recording reports whether the host currently has an open recording window
func (s *Store) Recording(hostName string) bool {
	s.mu.RLock()
	e, ok := s.entries[hostName]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

//Snapshot returns a deep-copied, point-in-time view of every inventory,
//sorted by host name. The correlation engine operates only on such views,
//so later writes apply to the next correlation run.
func (s *Store) Snapshot() []*host.Inventory {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	view := make([]*host.Inventory, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		view = append(view, e.inv.Copy())
		e.mu.Unlock()
	}
	sort.Slice(view, func(i, j int) bool { return view[i].Name < view[j].Name })
	return view
}

//Hosts returns the sorted names of all hosts in the store
func (s *Store) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
