package parser

import (
	"bytes"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb"
	"github.com/vbauerster/mpb/decor"

	"github.com/sockmap/sockmap/pkg/host"
	"github.com/sockmap/sockmap/util"
)

//Importer turns a directory of capture files into host inventories
type Importer struct {
	log     *log.Logger
	threads int
}

//NewImporter creates an importer parsing up to threads hosts at once
func NewImporter(logger *log.Logger, threads int) *Importer {
	return &Importer{
		log:     logger,
		threads: util.Max(1, threads),
	}
}

//Import scans the directory and parses every host's capture files. A host
//with an unusable file combination is skipped with an error log; only a
//missing or unreadable directory fails the run. Line-level diagnostics
//are logged per file and do not fail anything.
func (im *Importer) Import(dir string) ([]*host.Inventory, error) {
	if !util.IsDir(dir) {
		return nil, errors.New("capture directory " + dir + " does not exist")
	}
	scannedHosts, err := ScanDir(dir, im.log)
	if err != nil {
		return nil, err
	}
	if len(scannedHosts) == 0 {
		return nil, errors.New("no capture files found in " + dir)
	}

	inventories := make([]*host.Inventory, len(scannedHosts))

	p := mpb.New(mpb.WithWidth(20))
	bar := p.AddBar(int64(len(scannedHosts)),
		mpb.PrependDecorators(
			decor.Name("\t[-] Parsing Hosts:", decor.WC{W: 30, C: decor.DidentRight}),
			decor.CountersNoUnit(" %d / %d ", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)

	indexChan := make(chan int)
	wg := new(sync.WaitGroup)
	for i := 0; i < im.threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexChan {
				inv, err := im.buildHost(scannedHosts[idx])
				if err != nil {
					im.log.WithFields(log.Fields{
						"host":  scannedHosts[idx].Name,
						"error": err.Error(),
					}).Error("Unable to build host from capture files")
				} else {
					inventories[idx] = inv
				}
				bar.IncrBy(1)
			}
		}()
	}
	for idx := range scannedHosts {
		indexChan <- idx
	}
	close(indexChan)
	wg.Wait()
	p.Wait()

	var built []*host.Inventory
	for _, inv := range inventories {
		if inv != nil {
			built = append(built, inv)
		}
	}
	if len(built) == 0 {
		return nil, errors.New("no host could be built from " + dir)
	}
	return built, nil
}

//buildHost validates a scanned host's file combination and parses its
//files into one inventory. Every host needs an address source and a
//network source; a Windows netstat capture additionally needs the
//tasklist file to resolve pids.
func (im *Importer) buildHost(scanned ScannedHost) (*host.Inventory, error) {
	var ipFile, networkFile, tasklistFile *File
	for i := range scanned.Files {
		file := &scanned.Files[i]
		switch file.Type {
		case FileTypeLinuxIP, FileTypeWindowsIP, FileTypeCSVIP:
			ipFile = file
		case FileTypeLinuxSS, FileTypeLinuxNetstat, FileTypeWindowsNetstat, FileTypeCSVNetwork:
			networkFile = file
		case FileTypeWindowsTasklist:
			tasklistFile = file
		case FileTypeNmap:
			//an nmap scan stands in for both sources
			ipFile = file
			networkFile = file
		}
	}

	if ipFile == nil {
		return nil, FileError{Host: scanned.Name, Msg: "missing the ip file"}
	}
	if networkFile == nil {
		return nil, FileError{Host: scanned.Name, Msg: "missing the network file"}
	}
	if networkFile.Type == FileTypeWindowsNetstat && tasklistFile == nil {
		return nil, FileError{Host: scanned.Name, Msg: "missing the Windows tasklist file"}
	}
	if mismatchedSources(ipFile.Type, networkFile.Type) {
		return nil, FileError{Host: scanned.Name, Msg: "mismatched ip and network file types"}
	}

	inv := host.NewInventory(scanned.Name)

	switch networkFile.Type {
	case FileTypeLinuxSS, FileTypeLinuxNetstat:
		if err := im.parseInto(ipFile.Path, func(raw []byte) []error {
			return parseLinuxIP(inv, bytesReader(raw), ipFile.Path)
		}); err != nil {
			return nil, err
		}
		parse := parseLinuxSS
		if networkFile.Type == FileTypeLinuxNetstat {
			parse = parseLinuxNetstat
		}
		if err := im.parseInto(networkFile.Path, func(raw []byte) []error {
			return parse(inv, bytesReader(raw), networkFile.Path, im.log)
		}); err != nil {
			return nil, err
		}
	case FileTypeWindowsNetstat:
		if err := im.parseInto(ipFile.Path, func(raw []byte) []error {
			return parseWindowsIP(inv, windowsReader(raw), ipFile.Path)
		}); err != nil {
			return nil, err
		}
		var names map[uint32]string
		if err := im.parseInto(tasklistFile.Path, func(raw []byte) []error {
			var errs []error
			names, errs = parseWindowsTasklist(windowsReader(raw), tasklistFile.Path)
			return errs
		}); err != nil {
			return nil, err
		}
		if err := im.parseInto(networkFile.Path, func(raw []byte) []error {
			return parseWindowsNetstat(inv, windowsReader(raw), networkFile.Path, names, im.log)
		}); err != nil {
			return nil, err
		}
	case FileTypeCSVNetwork:
		if err := im.parseInto(ipFile.Path, func(raw []byte) []error {
			return parseCSVIPs(inv, bytesReader(raw), ipFile.Path)
		}); err != nil {
			return nil, err
		}
		if err := im.parseInto(networkFile.Path, func(raw []byte) []error {
			return parseCSVNetwork(inv, bytesReader(raw), networkFile.Path)
		}); err != nil {
			return nil, err
		}
	case FileTypeNmap:
		addr := nmapAddr(networkFile.Path)
		if err := im.parseInto(networkFile.Path, func(raw []byte) []error {
			return parseNmap(inv, bytesReader(raw), addr, networkFile.Path)
		}); err != nil {
			return nil, err
		}
	}

	return inv, nil
}

func bytesReader(raw []byte) io.Reader {
	return bytes.NewReader(raw)
}

//mismatchedSources rejects file combinations like a Linux ip file next to
//a Windows netstat file
func mismatchedSources(ipType, networkType FileType) bool {
	switch ipType {
	case FileTypeLinuxIP:
		return networkType != FileTypeLinuxSS && networkType != FileTypeLinuxNetstat
	case FileTypeWindowsIP:
		return networkType != FileTypeWindowsNetstat
	case FileTypeCSVIP:
		return networkType != FileTypeCSVNetwork
	case FileTypeNmap:
		return networkType != FileTypeNmap
	}
	return false
}

//parseInto reads a capture file and funnels its line diagnostics into the
//log. A FileError from the parser, or an unreadable file, fails the host.
func (im *Importer) parseInto(path string, parse func(raw []byte) []error) error {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileError{File: path, Msg: "file disappeared during import"}
		}
		return err
	}
	for _, parseErr := range parse(raw) {
		var fileErr FileError
		if errors.As(parseErr, &fileErr) {
			return fileErr
		}
		im.log.WithFields(log.Fields{
			"error": parseErr.Error(),
		}).Warn("Skipping malformed capture line")
	}
	return nil
}
