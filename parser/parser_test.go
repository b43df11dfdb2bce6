package parser

import (
	"bytes"
	"io/ioutil"
	"net"
	"os"
	"path"
	"strings"
	"testing"
	"unicode/utf16"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/pkg/host"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.Out = ioutil.Discard
	return logger
}

func TestTypeFileName(t *testing.T) {
	cases := []struct {
		name     string
		fileType FileType
		hostname string
		ok       bool
	}{
		{"centos.linux_ss", FileTypeLinuxSS, "centos", true},
		{"centos.ss", FileTypeLinuxSS, "centos", true},
		{"debian.linux_netstat", FileTypeLinuxNetstat, "debian", true},
		{"debian.netstat", FileTypeLinuxNetstat, "debian", true},
		{"debian.linux_ip", FileTypeLinuxIP, "debian", true},
		{"win10.windows_netstat", FileTypeWindowsNetstat, "win10", true},
		{"win10.windows_tasklist", FileTypeWindowsTasklist, "win10", true},
		{"win10.windows_ip", FileTypeWindowsIP, "win10", true},
		{"printer.nmap_10.0.0.40", FileTypeNmap, "printer", true},
		{"router.nmap_fe80::1", FileTypeNmap, "router", true},
		{"manual_ip.csv", FileTypeCSVIP, "manual", true},
		{"manual_network.csv", FileTypeCSVNetwork, "manual", true},
		{"notes.txt", 0, "", false},
		{"README", 0, "", false},
	}
	for _, c := range cases {
		fileType, hostname, ok := typeFileName(c.name)
		assert.Equal(t, c.ok, ok, c.name)
		if c.ok {
			assert.Equal(t, c.fileType, fileType, c.name)
			assert.Equal(t, c.hostname, hostname, c.name)
		}
	}
}

const sampleSS = `Netid State  Recv-Q Send-Q Local Address:Port  Peer Address:Port Process
tcp   LISTEN 0      128          0.0.0.0:22         0.0.0.0:*     users:(("sshd",pid=800,fd=3))
tcp   LISTEN 0      128             [::]:22            [::]:*     users:(("sshd",pid=800,fd=4))
tcp   LISTEN 0      4096   127.0.0.53%lo:53         0.0.0.0:*     users:(("systemd-resolve",pid=512,fd=13))
tcp   LISTEN 0      511            *:80               *:*
tcp   ESTAB  0      0        10.0.0.11:53293      10.0.0.13:22    users:(("ssh",pid=4100,fd=3))
udp   UNCONN 0      0          0.0.0.0:68         0.0.0.0:*     users:(("dhclient",pid=600,fd=6))
udp   ESTAB  0      0        10.0.0.11:51000      10.0.0.1:53    users:(("chronyd",pid=610,fd=1))
`

func TestParseLinuxSS(t *testing.T) {
	inv := host.NewInventory("centos")
	errs := parseLinuxSS(inv, strings.NewReader(sampleSS), "centos.linux_ss", testLogger())
	assert.Empty(t, errs)
	require.Len(t, inv.Sockets, 7)

	byKey := make(map[string]data.SocketRecord)
	for _, rec := range inv.Sockets {
		byKey[string(rec.Protocol)+"/"+rec.Local.String()] = rec
	}

	v4ssh := byKey["tcp/0.0.0.0:22"]
	assert.Equal(t, data.StateListening, v4ssh.State)
	assert.Equal(t, uint32(800), v4ssh.Process.PID)
	assert.Nil(t, v4ssh.V6Only, "v4 listeners carry no v6only flag")

	v6ssh := byKey["tcp/[::]:22"]
	require.NotNil(t, v6ssh.V6Only)
	assert.True(t, *v6ssh.V6Only, "[::] means the socket was bound exclusive")

	resolver := byKey["tcp/127.0.0.53:53"]
	assert.Equal(t, "systemd-resolve", resolver.Process.Name, "interface zone is stripped from the address")

	dual := byKey["tcp/[::]:80"]
	require.NotNil(t, dual.V6Only)
	assert.False(t, *dual.V6Only, "a bare * wildcard accepts v4 clients")
	assert.False(t, dual.Process.IsKnown(), "missing process info keeps the record")

	estab := byKey["tcp/10.0.0.11:53293"]
	assert.Equal(t, data.StateEstablished, estab.State)
	require.NotNil(t, estab.Foreign)
	assert.Equal(t, "10.0.0.13:22", estab.Foreign.String())

	udp := byKey["udp/10.0.0.11:51000"]
	assert.Equal(t, data.StateEstablished, udp.State)
	assert.Equal(t, "chronyd", udp.Process.Name)
}

const sampleNetstat = `Active Internet connections (servers and established)
Proto Recv-Q Send-Q Local Address           Foreign Address         State       PID/Program name
tcp        0      0 0.0.0.0:22              0.0.0.0:*               LISTEN      800/sshd
tcp6       0      0 :::631                  :::*                    LISTEN      700/cupsd
tcp        0      0 10.0.0.11:53293         10.0.0.13:22            ESTABLISHED 4100/ssh
tcp        0      0 127.0.0.1:631           127.0.0.1:47110         ESTABLISHED -
`

func TestParseLinuxNetstat(t *testing.T) {
	inv := host.NewInventory("debian")
	errs := parseLinuxNetstat(inv, strings.NewReader(sampleNetstat), "debian.linux_netstat", testLogger())
	assert.Empty(t, errs)
	require.Len(t, inv.Sockets, 4)

	byKey := make(map[string]data.SocketRecord)
	for _, rec := range inv.Sockets {
		byKey[rec.Local.String()] = rec
	}

	cups := byKey["[::]:631"]
	assert.Equal(t, data.StateListening, cups.State, "unbracketed v6 addresses are reformatted at the last colon")
	require.NotNil(t, cups.V6Only)
	assert.True(t, *cups.V6Only, "netstat exposes no v6only detail, assume exclusive")

	anon := byKey["127.0.0.1:631"]
	assert.Equal(t, data.StateEstablished, anon.State)
	assert.False(t, anon.Process.IsKnown(), "a dash process column keeps the record")
}

const sampleWindowsNetstat = `
Active Connections

  Proto  Local Address          Foreign Address        State           PID
  TCP    0.0.0.0:135            0.0.0.0:0              LISTENING       944
  TCP    [::]:445               [::]:0                 LISTENING       4
  TCP    10.0.0.5:50002         10.0.0.13:22           ESTABLISHED     5220
  TCP    10.0.0.5:50003         10.0.0.14:443          TIME_WAIT       0
`

const sampleTasklist = `"Image Name","PID","Session Name","Session#","Mem Usage"
"System","4","Services","0","148 K"
"svchost.exe","944","Services","0","9,812 K"
"ssh.exe","5220","Console","1","5,104 K"
`

func TestParseWindowsNetstat(t *testing.T) {
	names, errs := parseWindowsTasklist(strings.NewReader(sampleTasklist), "win10.windows_tasklist")
	assert.Empty(t, errs)
	assert.Equal(t, "svchost.exe", names[944])

	inv := host.NewInventory("win10")
	errs = parseWindowsNetstat(inv, strings.NewReader(sampleWindowsNetstat), "win10.windows_netstat", names, testLogger())
	assert.Empty(t, errs)
	require.Len(t, inv.Sockets, 3, "TIME_WAIT lines are skipped")

	byKey := make(map[string]data.SocketRecord)
	for _, rec := range inv.Sockets {
		byKey[rec.Local.String()] = rec
	}

	rpc := byKey["0.0.0.0:135"]
	assert.Equal(t, "svchost.exe", rpc.Process.Name)

	smb := byKey["[::]:445"]
	require.NotNil(t, smb.V6Only)
	assert.True(t, *smb.V6Only)

	ssh := byKey["10.0.0.5:50002"]
	assert.Equal(t, data.StateEstablished, ssh.State)
	assert.Equal(t, "ssh.exe", ssh.Process.Name)
}

func TestParseWindowsIPWithUTF16(t *testing.T) {
	text := "IPAddress         : 10.0.0.5\r\nIPAddress         : fe80::1%12\r\nPrefixLength      : 24\r\n"
	units := utf16.Encode([]rune(text))
	raw := []byte{0xFF, 0xFE}
	for _, unit := range units {
		raw = append(raw, byte(unit), byte(unit>>8))
	}

	inv := host.NewInventory("win10")
	errs := parseWindowsIP(inv, windowsReader(raw), "win10.windows_ip")
	assert.Empty(t, errs)
	assert.True(t, inv.OwnsIP(net.ParseIP("10.0.0.5")))
	assert.True(t, inv.OwnsIP(net.ParseIP("fe80::1")), "zone suffix is trimmed")
}

const sampleNmap = `Starting Nmap 7.92 ( https://nmap.org ) at 2023-02-01 10:44 CET
Nmap scan report for 10.0.0.40
Host is up (0.00042s latency).
Not shown: 998 closed tcp ports (reset)
PORT   STATE SERVICE
22/tcp open  ssh
80/tcp open  http
`

func TestParseNmap(t *testing.T) {
	inv := host.NewInventory("printer")
	errs := parseNmap(inv, strings.NewReader(sampleNmap), "10.0.0.40", "printer.nmap_10.0.0.40")
	assert.Empty(t, errs)
	assert.True(t, inv.OwnsIP(net.ParseIP("10.0.0.40")))
	require.Len(t, inv.Sockets, 2)

	assert.Equal(t, data.StateListening, inv.Sockets[0].State)
	assert.Equal(t, "ssh?", inv.Sockets[0].Process.Name, "scanned services are marked uncertain")
	assert.Equal(t, uint16(22), inv.Sockets[0].Local.Port)
	assert.Equal(t, uint32(0), inv.Sockets[0].Process.PID)
}

const sampleNetworkCSV = `protocol,local_socket,foreign_socket,state,pid,process_name
tcp,0.0.0.0:22,,Listening,800,sshd
tcp,10.0.0.11:53293,10.0.0.13:22,Established,4100,ssh
udp,10.0.0.11:51000,10.0.0.1:53,Established,610,chronyd
`

func TestParseCSVNetworkRoundTrip(t *testing.T) {
	inv := host.NewInventory("manual")
	errs := parseCSVNetwork(inv, strings.NewReader(sampleNetworkCSV), "manual_network.csv")
	assert.Empty(t, errs)
	require.Len(t, inv.Sockets, 3)

	var buf bytes.Buffer
	require.NoError(t, WriteCSVNetwork(&buf, inv.Sockets))
	assert.Equal(t, sampleNetworkCSV, buf.String(), "parse then serialize is lossless")
}

func TestParseCSVIPs(t *testing.T) {
	input := "ip\n10.0.0.30\nfd00::30\n"
	inv := host.NewInventory("manual")
	errs := parseCSVIPs(inv, strings.NewReader(input), "manual_ip.csv")
	assert.Empty(t, errs)
	assert.True(t, inv.OwnsIP(net.ParseIP("10.0.0.30")))
	assert.True(t, inv.OwnsIP(net.ParseIP("fd00::30")))
}

func TestImportDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile := func(name, contents string) {
		require.NoError(t, ioutil.WriteFile(path.Join(dir, name), []byte(contents), 0644))
	}

	writeFile("centos.linux_ip", "    inet 10.0.0.13/24 brd 10.0.0.255 scope global eth0\n")
	writeFile("centos.linux_ss", sampleSS)
	writeFile("manual_ip.csv", "ip\n10.0.0.30\n")
	writeFile("manual_network.csv", sampleNetworkCSV)
	writeFile("printer.nmap_10.0.0.40", sampleNmap)
	// missing tasklist file: host is skipped, the run is not failed
	writeFile("broken.windows_ip", "IPAddress : 10.0.0.99\n")
	writeFile("broken.windows_netstat", sampleWindowsNetstat)

	importer := NewImporter(testLogger(), 2)
	inventories, err := importer.Import(dir)
	require.NoError(t, err)
	require.Len(t, inventories, 3)
	assert.Equal(t, "centos", inventories[0].Name)
	assert.Equal(t, "manual", inventories[1].Name)
	assert.Equal(t, "printer", inventories[2].Name)
	assert.True(t, inventories[0].OwnsIP(net.ParseIP("10.0.0.13")))
	assert.Len(t, inventories[0].Sockets, 7)
}

func TestImportMissingDirectory(t *testing.T) {
	importer := NewImporter(testLogger(), 1)
	_, err := importer.Import(path.Join(os.TempDir(), "sockmap-does-not-exist"))
	assert.Error(t, err)
}
