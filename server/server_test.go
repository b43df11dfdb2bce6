package server

import (
	"io/ioutil"
	"net"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
	"github.com/sockmap/sockmap/pkg/inventory"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.Out = ioutil.Discard
	return logger
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}

func captureInventory(name string, sockets ...data.SocketRecord) *host.Inventory {
	inv := host.NewInventory(name)
	inv.AddIP(net.ParseIP("10.0.0.11"))
	for _, rec := range sockets {
		inv.AddSocket(rec)
	}
	return inv
}

func establishedTCP(local, foreign string, proc data.Process) data.SocketRecord {
	lep, err := data.ParseEndpoint(local)
	if err != nil {
		panic(err)
	}
	fep, err := data.ParseEndpoint(foreign)
	if err != nil {
		panic(err)
	}
	return data.SocketRecord{
		Protocol: data.ProtocolTCP,
		State:    data.StateEstablished,
		Local:    lep,
		Foreign:  &fep,
		Process:  proc,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	agentSide, serverSide := net.Pipe()
	defer agentSide.Close()
	defer serverSide.Close()

	agentCodec := NewCodec(agentSide)
	serverCodec := NewCodec(serverSide)

	go func() {
		agentCodec.Write(&Message{
			Type: MsgTypeRegister,
			Register: &Register{
				Hostname:  "debian",
				Addresses: []string{"10.0.0.11", "fd00::11"},
			},
		})
	}()

	msg, err := serverCodec.Read()
	require.NoError(t, err)
	assert.Equal(t, MsgTypeRegister, msg.Type)
	require.NotNil(t, msg.Register)
	assert.Equal(t, "debian", msg.Register.Hostname)
	assert.Equal(t, []string{"10.0.0.11", "fd00::11"}, msg.Register.Addresses)
}

func TestCodecSnapshotCarriesInventory(t *testing.T) {
	agentSide, serverSide := net.Pipe()
	defer agentSide.Close()
	defer serverSide.Close()

	inv := captureInventory("debian",
		establishedTCP("10.0.0.11:53293", "10.0.0.13:22", data.Process{Name: "ssh", PID: 4100}),
	)
	go func() {
		NewCodec(agentSide).Write(&Message{
			Type:     MsgTypeSnapshot,
			Snapshot: &Snapshot{RequestID: "req-1", Inventory: inv},
		})
	}()

	msg, err := NewCodec(serverSide).Read()
	require.NoError(t, err)
	require.NotNil(t, msg.Snapshot)
	require.NotNil(t, msg.Snapshot.Inventory)
	decoded := msg.Snapshot.Inventory
	assert.Equal(t, "debian", decoded.Name)
	assert.True(t, decoded.OwnsIP(net.ParseIP("10.0.0.11")))
	require.Len(t, decoded.Sockets, 1)
	assert.Equal(t, "10.0.0.13:22", decoded.Sockets[0].Foreign.String())
	assert.Equal(t, uint32(4100), decoded.Sockets[0].Process.PID)
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	agentSide, serverSide := net.Pipe()
	defer agentSide.Close()
	defer serverSide.Close()

	go agentSide.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := NewCodec(serverSide).Read()
	require.Error(t, err)
	assert.IsType(t, ProtocolDecodeError{}, err)
}

//startAgent connects a scripted agent to a server over a pipe and returns
//its codec
func startAgent(t *testing.T, s *Server, reg *Register) (*Codec, net.Conn) {
	t.Helper()
	agentSide, serverSide := net.Pipe()
	go s.HandleConn(pipeConn{serverSide})

	codec := NewCodec(agentSide)
	require.NoError(t, codec.Write(&Message{Type: MsgTypeRegister, Register: reg}))
	waitFor(t, "agent registration", func() bool {
		return len(s.ListActiveAgents()) > 0
	})
	return codec, agentSide
}

//pipeConn gives net.Pipe's ends the RemoteAddr a handler expects
type pipeConn struct {
	net.Conn
}

func (pipeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("10.0.0.11"), Port: 49152}
}

func TestServerRegistrationSeedsStore(t *testing.T) {
	store := inventory.NewStore(testLogger())
	s := NewServer(store, testLogger(), time.Second)

	_, agentSide := startAgent(t, s, &Register{
		Hostname:  "debian",
		Addresses: []string{"10.0.0.11"},
	})
	defer agentSide.Close()

	view := store.Snapshot()
	require.Len(t, view, 1)
	assert.Equal(t, "debian", view[0].Name)
	assert.True(t, view[0].OwnsIP(net.ParseIP("10.0.0.11")))

	info := s.ListActiveAgents()
	require.Len(t, info, 1)
	assert.Equal(t, StateIdle, info[0].State)
}

func TestServerPrettyNameTakesPrecedence(t *testing.T) {
	store := inventory.NewStore(testLogger())
	s := NewServer(store, testLogger(), time.Second)

	_, agentSide := startAgent(t, s, &Register{
		Hostname:   "debian-0042.internal",
		PrettyName: "debian",
		Addresses:  []string{"10.0.0.11"},
	})
	defer agentSide.Close()

	assert.Equal(t, []string{"debian"}, store.Hosts())
}

func TestServerTriggerCapture(t *testing.T) {
	store := inventory.NewStore(testLogger())
	s := NewServer(store, testLogger(), time.Second)

	codec, agentSide := startAgent(t, s, &Register{Hostname: "debian", Addresses: []string{"10.0.0.11"}})
	defer agentSide.Close()

	//scripted agent: answer the capture request with one snapshot
	go func() {
		msg, err := codec.Read()
		if err != nil || msg.Type != MsgTypeCapture {
			return
		}
		codec.Write(&Message{
			Type: MsgTypeSnapshot,
			Snapshot: &Snapshot{
				RequestID: msg.Capture.ID,
				Inventory: captureInventory("debian",
					establishedTCP("10.0.0.11:53293", "10.0.0.13:22", data.Process{Name: "ssh", PID: 4100}),
				),
			},
		})
	}()

	inv, err := s.TriggerCapture("debian")
	require.NoError(t, err)
	require.Len(t, inv.Sockets, 1)

	waitFor(t, "agent back to idle", func() bool {
		info := s.ListActiveAgents()
		return len(info) == 1 && info[0].State == StateIdle
	})

	view := store.Snapshot()
	require.Len(t, view, 1)
	assert.Len(t, view[0].Sockets, 1, "the solicited snapshot is committed to the store")
}

func TestServerCaptureTimeout(t *testing.T) {
	store := inventory.NewStore(testLogger())
	s := NewServer(store, testLogger(), 50*time.Millisecond)

	codec, agentSide := startAgent(t, s, &Register{Hostname: "debian", Addresses: []string{"10.0.0.11"}})
	defer agentSide.Close()

	//scripted agent: swallow the request and never answer
	go codec.Read()

	_, err := s.TriggerCapture("debian")
	require.Error(t, err)
	assert.IsType(t, AgentTimeout{}, err)

	info := s.ListActiveAgents()
	require.Len(t, info, 1)
	assert.Equal(t, StateIdle, info[0].State, "a timed out agent reverts to idle")
}

func TestServerRecordingWindowUnionsSnapshots(t *testing.T) {
	store := inventory.NewStore(testLogger())
	s := NewServer(store, testLogger(), time.Second)

	codec, agentSide := startAgent(t, s, &Register{Hostname: "debian", Addresses: []string{"10.0.0.11"}})
	defer agentSide.Close()

	commands := make(chan MessageType, 2)
	go func() {
		for {
			msg, err := codec.Read()
			if err != nil {
				return
			}
			commands <- msg.Type
		}
	}()

	require.NoError(t, s.StartRecording("debian", 2*time.Second))
	assert.Equal(t, MsgTypeStartRecording, <-commands)

	longLived := establishedTCP("10.0.0.11:53293", "10.0.0.13:22", data.Process{Name: "ssh", PID: 4100})
	shortLived := establishedTCP("10.0.0.11:41000", "10.0.0.13:443", data.Process{Name: "curl", PID: 4200})

	snapshots := []*host.Inventory{
		captureInventory("debian", longLived),
		captureInventory("debian", longLived, shortLived),
		captureInventory("debian", longLived),
	}
	for _, snap := range snapshots {
		require.NoError(t, codec.Write(&Message{
			Type:     MsgTypeSnapshot,
			Snapshot: &Snapshot{Inventory: snap},
		}))
	}

	waitFor(t, "all snapshots committed", func() bool {
		view := store.Snapshot()
		return len(view) == 1 && len(view[0].Sockets) == 2
	})

	merged, err := s.StopRecording("debian")
	require.NoError(t, err)
	assert.Equal(t, MsgTypeStopRecording, <-commands)
	assert.Len(t, merged.Sockets, 2, "a connection seen only mid-window survives the merge")
	assert.False(t, store.Recording("debian"))
}

func TestServerDisconnectDuringRecordingKeepsWindow(t *testing.T) {
	store := inventory.NewStore(testLogger())
	s := NewServer(store, testLogger(), time.Second)

	codec, agentSide := startAgent(t, s, &Register{Hostname: "debian", Addresses: []string{"10.0.0.11"}})

	go func() {
		for {
			if _, err := codec.Read(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, s.StartRecording("debian", time.Second))
	require.NoError(t, codec.Write(&Message{
		Type: MsgTypeSnapshot,
		Snapshot: &Snapshot{Inventory: captureInventory("debian",
			establishedTCP("10.0.0.11:53293", "10.0.0.13:22", data.Process{Name: "ssh", PID: 4100}),
		)},
	}))
	waitFor(t, "snapshot committed", func() bool {
		view := store.Snapshot()
		return len(view) == 1 && len(view[0].Sockets) == 1
	})

	agentSide.Close()

	waitFor(t, "agent removed", func() bool {
		return len(s.ListActiveAgents()) == 0
	})
	assert.False(t, store.Recording("debian"), "the interrupted window is committed, not rolled back")
	view := store.Snapshot()
	require.Len(t, view, 1)
	assert.Len(t, view[0].Sockets, 1)
}

func TestServerRejectsDuplicateRegistration(t *testing.T) {
	store := inventory.NewStore(testLogger())
	s := NewServer(store, testLogger(), time.Second)

	_, firstSide := startAgent(t, s, &Register{Hostname: "debian", Addresses: []string{"10.0.0.11"}})
	defer firstSide.Close()

	dupAgent, dupServer := net.Pipe()
	go s.HandleConn(pipeConn{dupServer})
	dupCodec := NewCodec(dupAgent)
	require.NoError(t, dupCodec.Write(&Message{
		Type:     MsgTypeRegister,
		Register: &Register{Hostname: "debian"},
	}))

	//the duplicate is dropped: its connection closes without a frame
	_, err := dupCodec.Read()
	assert.Error(t, err)
	assert.Len(t, s.ListActiveAgents(), 1)
}

func TestServerUnknownAgentCommands(t *testing.T) {
	s := NewServer(inventory.NewStore(testLogger()), testLogger(), time.Second)

	_, err := s.TriggerCapture("missing")
	assert.IsType(t, UnknownAgent{}, err)
	assert.IsType(t, UnknownAgent{}, s.StartRecording("missing", time.Second))
	_, err = s.StopRecording("missing")
	assert.IsType(t, UnknownAgent{}, err)
}
