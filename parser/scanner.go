package parser

import (
	"io/ioutil"
	"path"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

//FileType identifies the capture command a file holds, assumed from the
//file name: `<hostname>.<type>`, with nmap and CSV files carrying extra
//detail in the name itself (`<hostname>.nmap_<ip>`, `<hostname>_ip.csv`,
//`<hostname>_network.csv`).
type FileType int

const (
	//FileTypeLinuxIP holds `ip a` output
	FileTypeLinuxIP FileType = iota
	//FileTypeLinuxSS holds `ss -tunpl`/`ss -tunp` output
	FileTypeLinuxSS
	//FileTypeLinuxNetstat holds Linux `netstat -tunpa` output
	FileTypeLinuxNetstat
	//FileTypeWindowsIP holds `Get-NetIpAddress` output
	FileTypeWindowsIP
	//FileTypeWindowsNetstat holds `netstat -p tcp -ano` output
	FileTypeWindowsNetstat
	//FileTypeWindowsTasklist holds `tasklist /FO CSV` output
	FileTypeWindowsTasklist
	//FileTypeNmap holds `nmap <ip>` output scanned from a remote machine
	FileTypeNmap
	//FileTypeCSVIP holds the hand-written one-column IP list
	FileTypeCSVIP
	//FileTypeCSVNetwork holds the hand-written six-column socket list
	FileTypeCSVNetwork
)

type (
	//File is one capture file attributed to a host
	File struct {
		Path string
		Type FileType
	}

	//ScannedHost groups the capture files found for one hostname
	ScannedHost struct {
		Name  string
		Files []File
	}
)

//fileTypesByExt maps plain extensions to file types. `.ss` and `.netstat`
//are accepted as shorthands for their `linux_` forms.
var fileTypesByExt = map[string]FileType{
	"linux_ip":         FileTypeLinuxIP,
	"linux_ss":         FileTypeLinuxSS,
	"ss":               FileTypeLinuxSS,
	"linux_netstat":    FileTypeLinuxNetstat,
	"netstat":          FileTypeLinuxNetstat,
	"windows_ip":       FileTypeWindowsIP,
	"windows_netstat":  FileTypeWindowsNetstat,
	"windows_tasklist": FileTypeWindowsTasklist,
}

//ScanDir walks a capture directory, types every recognized file from its
//name, and groups the files per host. Unrecognized files are skipped with
//a debug line, never an error; the returned hosts are sorted by name.
func ScanDir(dir string, logger *log.Logger) ([]ScannedHost, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byHost := make(map[string]*ScannedHost)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		fileType, hostname, ok := typeFileName(name)
		if !ok {
			logger.WithFields(log.Fields{
				"file": name,
			}).Debug("Skipping file with unrecognized name")
			continue
		}
		scanned, seen := byHost[hostname]
		if !seen {
			scanned = &ScannedHost{Name: hostname}
			byHost[hostname] = scanned
		}
		scanned.Files = append(scanned.Files, File{
			Path: path.Join(dir, name),
			Type: fileType,
		})
	}

	hosts := make([]ScannedHost, 0, len(byHost))
	for _, scanned := range byHost {
		hosts = append(hosts, *scanned)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts, nil
}

//typeFileName derives the file type and hostname from a capture file
//name. Plain types use the last extension; nmap files embed a dotted IP
//after the first dot, so the hostname is everything before it.
func typeFileName(name string) (FileType, string, bool) {
	lastDot := strings.LastIndex(name, ".")
	if lastDot <= 0 {
		return 0, "", false
	}
	ext := name[lastDot+1:]
	if fileType, ok := fileTypesByExt[ext]; ok {
		return fileType, name[:lastDot], true
	}

	firstDot := strings.Index(name, ".")
	if strings.HasPrefix(name[firstDot+1:], "nmap_") {
		return FileTypeNmap, name[:firstDot], true
	}
	if ext == "csv" {
		stem := name[:lastDot]
		if strings.HasSuffix(stem, "_ip") {
			return FileTypeCSVIP, strings.TrimSuffix(stem, "_ip"), true
		}
		if strings.HasSuffix(stem, "_network") {
			return FileTypeCSVNetwork, strings.TrimSuffix(stem, "_network"), true
		}
	}
	return 0, "", false
}

//nmapAddr extracts the scanned address from a `<hostname>.nmap_<ip>` path
func nmapAddr(filePath string) string {
	name := path.Base(filePath)
	dot := strings.Index(name, ".")
	if dot < 0 {
		return ""
	}
	return strings.TrimPrefix(name[dot+1:], "nmap_")
}
