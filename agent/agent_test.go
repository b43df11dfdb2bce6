package agent

import (
	"io/ioutil"
	"net"
	"sync/atomic"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
	"github.com/sockmap/sockmap/server"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.Out = ioutil.Discard
	return logger
}

func staticNames(names map[int32]string) func(int32) string {
	return func(pid int32) string { return names[pid] }
}

func TestBuildInventory(t *testing.T) {
	ifaces := []psnet.InterfaceStat{
		{Name: "lo", Addrs: []psnet.InterfaceAddr{{Addr: "127.0.0.1/8"}, {Addr: "::1/128"}}},
		{Name: "eth0", Addrs: []psnet.InterfaceAddr{
			{Addr: "10.0.0.11/24"},
			{Addr: "fe80::a00:27ff:fe4e:66a1%eth0/64"},
		}},
	}
	tcp := []psnet.ConnectionStat{
		{Laddr: psnet.Addr{IP: "0.0.0.0", Port: 22}, Status: "LISTEN", Pid: 1012},
		{
			Laddr:  psnet.Addr{IP: "10.0.0.11", Port: 53293},
			Raddr:  psnet.Addr{IP: "10.0.0.13", Port: 22},
			Status: "ESTABLISHED",
			Pid:    4100,
		},
		//transient states never enter the inventory
		{
			Laddr:  psnet.Addr{IP: "10.0.0.11", Port: 41002},
			Raddr:  psnet.Addr{IP: "10.0.0.13", Port: 443},
			Status: "TIME_WAIT",
			Pid:    0,
		},
	}
	udp := []psnet.ConnectionStat{
		{Laddr: psnet.Addr{IP: "::", Port: 5353}, Status: "NONE", Pid: 880},
	}
	names := staticNames(map[int32]string{1012: "sshd", 4100: "ssh", 880: "avahi-daemon"})

	inv := buildInventory("debian", ifaces, tcp, udp, names)
	assert.Equal(t, "debian", inv.Name)
	assert.True(t, inv.OwnsIP(net.ParseIP("10.0.0.11")))
	assert.True(t, inv.OwnsIP(net.ParseIP("fe80::a00:27ff:fe4e:66a1")), "zone suffixes are stripped")

	require.Len(t, inv.Sockets, 3)
	listener := inv.Sockets[0]
	assert.Equal(t, data.StateListening, listener.State)
	assert.Equal(t, "0.0.0.0:22", listener.Local.String())
	assert.Equal(t, "sshd", listener.Process.Name)

	established := inv.Sockets[1]
	assert.Equal(t, data.StateEstablished, established.State)
	require.NotNil(t, established.Foreign)
	assert.Equal(t, "10.0.0.13:22", established.Foreign.String())
	assert.Equal(t, uint32(4100), established.Process.PID)

	mdns := inv.Sockets[2]
	assert.Equal(t, data.ProtocolUDP, mdns.Protocol)
	assert.Equal(t, data.StateListening, mdns.State)
	require.NotNil(t, mdns.V6Only)
	assert.False(t, *mdns.V6Only, "v6 listeners are assumed dual stack")
}

func TestSocketFromConnectionUDPWithRemote(t *testing.T) {
	conn := psnet.ConnectionStat{
		Laddr:  psnet.Addr{IP: "10.0.0.5", Port: 5353},
		Raddr:  psnet.Addr{IP: "10.0.0.1", Port: 53},
		Status: "NONE",
		Pid:    1300,
	}
	rec, ok := socketFromConnection(conn, data.ProtocolUDP, staticNames(map[int32]string{1300: "stub"}))
	require.True(t, ok)
	assert.Equal(t, data.StateEstablished, rec.State)
	require.NotNil(t, rec.Foreign)
	assert.Equal(t, "10.0.0.1:53", rec.Foreign.String())
}

func TestSocketFromConnectionSkipsUnresolvable(t *testing.T) {
	_, ok := socketFromConnection(psnet.ConnectionStat{Status: "LISTEN"}, data.ProtocolTCP, staticNames(nil))
	assert.False(t, ok, "entries without a local address are dropped")

	_, ok = socketFromConnection(psnet.ConnectionStat{
		Laddr:  psnet.Addr{IP: "10.0.0.5", Port: 40000},
		Status: "ESTABLISHED",
	}, data.ProtocolTCP, staticNames(nil))
	assert.False(t, ok, "established entries without a remote address are dropped")
}

func TestSocketFromConnectionUnknownPid(t *testing.T) {
	rec, ok := socketFromConnection(psnet.ConnectionStat{
		Laddr:  psnet.Addr{IP: "0.0.0.0", Port: 80},
		Status: "LISTEN",
		Pid:    0,
	}, data.ProtocolTCP, staticNames(nil))
	require.True(t, ok)
	assert.False(t, rec.Process.IsKnown())
}

func TestParseInterfaceAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.11", parseInterfaceAddr("10.0.0.11/24").String())
	assert.Equal(t, "fe80::1", parseInterfaceAddr("fe80::1%eth0/64").String())
	assert.Nil(t, parseInterfaceAddr("not-an-ip"))
}

//scriptedAgent runs an agent over a pipe against a scripted server side
func scriptedAgent(t *testing.T, collect collectFunc) (*server.Codec, chan error, func()) {
	t.Helper()
	agentSide, serverSide := net.Pipe()
	a := &Agent{
		hostName: "debian",
		log:      testLogger(),
		collect:  collect,
	}

	codec := server.NewCodec(agentSide)
	errs := make(chan error, 1)
	go func() {
		defer a.stopRecorder()
		if err := a.register(codec); err != nil {
			errs <- err
			return
		}
		for {
			msg, err := codec.Read()
			if err != nil {
				errs <- err
				return
			}
			switch msg.Type {
			case server.MsgTypeCapture:
				a.answerCapture(codec, msg.Capture.ID)
			case server.MsgTypeStartRecording:
				interval := time.Duration(msg.Recording.IntervalSeconds * float64(time.Second))
				a.startRecorder(codec, interval)
			case server.MsgTypeStopRecording:
				a.stopRecorder()
			case server.MsgTypeExit:
				errs <- nil
				return
			}
		}
	}()
	return server.NewCodec(serverSide), errs, func() {
		agentSide.Close()
		serverSide.Close()
	}
}

func sampleCollector(sockets ...data.SocketRecord) collectFunc {
	return func(hostName string) (*host.Inventory, error) {
		inv := host.NewInventory(hostName)
		inv.AddIP(net.ParseIP("10.0.0.11"))
		for _, rec := range sockets {
			inv.AddSocket(rec)
		}
		return inv, nil
	}
}

func sshRecord() data.SocketRecord {
	local, _ := data.ParseEndpoint("10.0.0.11:53293")
	foreign, _ := data.ParseEndpoint("10.0.0.13:22")
	return data.SocketRecord{
		Protocol: data.ProtocolTCP,
		State:    data.StateEstablished,
		Local:    local,
		Foreign:  &foreign,
		Process:  data.Process{Name: "ssh", PID: 4100},
	}
}

func TestAgentAnswersCapture(t *testing.T) {
	srv, errs, cleanup := scriptedAgent(t, sampleCollector(sshRecord()))
	defer cleanup()

	msg, err := srv.Read()
	require.NoError(t, err)
	require.Equal(t, server.MsgTypeRegister, msg.Type)
	assert.Equal(t, "debian", msg.Register.PrettyName)

	require.NoError(t, srv.Write(&server.Message{
		Type:    server.MsgTypeCapture,
		Capture: &server.CaptureRequest{ID: "req-7"},
	}))

	msg, err = srv.Read()
	require.NoError(t, err)
	require.Equal(t, server.MsgTypeSnapshot, msg.Type)
	assert.Equal(t, "req-7", msg.Snapshot.RequestID)
	require.NotNil(t, msg.Snapshot.Inventory)
	assert.Len(t, msg.Snapshot.Inventory.Sockets, 1)

	require.NoError(t, srv.Write(&server.Message{Type: server.MsgTypeExit}))
	require.NoError(t, <-errs)
}

func TestAgentRecordingStreamsAndAggregates(t *testing.T) {
	//each sample carries a fresh client port, so every tick snapshot holds
	//exactly one socket while the final aggregate unions them all
	var port uint32 = 40000
	collect := func(hostName string) (*host.Inventory, error) {
		local := data.NewEndpoint(net.ParseIP("10.0.0.11"), uint16(atomic.AddUint32(&port, 1)))
		foreign, _ := data.ParseEndpoint("10.0.0.13:443")
		inv := host.NewInventory(hostName)
		inv.AddIP(net.ParseIP("10.0.0.11"))
		inv.AddSocket(data.SocketRecord{
			Protocol: data.ProtocolTCP,
			State:    data.StateEstablished,
			Local:    local,
			Foreign:  &foreign,
			Process:  data.Process{Name: "curl", PID: 4200},
		})
		return inv, nil
	}
	srv, errs, cleanup := scriptedAgent(t, collect)
	defer cleanup()

	msg, err := srv.Read()
	require.NoError(t, err)
	require.Equal(t, server.MsgTypeRegister, msg.Type)

	require.NoError(t, srv.Write(&server.Message{
		Type:      server.MsgTypeStartRecording,
		Recording: &server.RecordingRequest{IntervalSeconds: 0.01},
	}))

	//the recorder samples immediately, then on each tick
	var streamed int
	for streamed < 3 {
		msg, err = srv.Read()
		require.NoError(t, err)
		require.Equal(t, server.MsgTypeSnapshot, msg.Type)
		assert.Empty(t, msg.Snapshot.RequestID, "recording snapshots are unsolicited")
		assert.Len(t, msg.Snapshot.Inventory.Sockets, 1)
		streamed++
	}

	require.NoError(t, srv.Write(&server.Message{Type: server.MsgTypeStopRecording}))

	//in-flight tick snapshots may still arrive before the final aggregate
	var aggregate *host.Inventory
	for aggregate == nil {
		msg, err = srv.Read()
		require.NoError(t, err)
		require.Equal(t, server.MsgTypeSnapshot, msg.Type)
		if len(msg.Snapshot.Inventory.Sockets) > 1 {
			aggregate = msg.Snapshot.Inventory
		}
	}
	assert.True(t, len(aggregate.Sockets) >= 3, "the aggregate unions every sample in the window")

	require.NoError(t, srv.Write(&server.Message{Type: server.MsgTypeExit}))
	require.NoError(t, <-errs)
}
