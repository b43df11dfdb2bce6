package commands

import (
	"github.com/urfave/cli"

	"github.com/sockmap/sockmap/parser"
	"github.com/sockmap/sockmap/pkg/correlation"
	"github.com/sockmap/sockmap/pkg/host"
	"github.com/sockmap/sockmap/resources"
)

//importView parses a capture directory into per-host inventories
func importView(res *resources.Resources, dir string, threads int) ([]*host.Inventory, error) {
	importer := parser.NewImporter(res.Log, threads)
	return importer.Import(dir)
}

//correlationOptions merges the config file settings with command line
//overrides. Flags add to the configured values, never remove.
func correlationOptions(c *cli.Context, res *resources.Resources) correlation.Options {
	opts := correlation.Options{
		NoLoopback:       res.Config.S.Correlation.NoLoopback,
		ExcludeProcesses: res.Config.S.Correlation.ExcludeProcesses,
	}
	if c.Bool("no-loopback") {
		opts.NoLoopback = true
	}
	opts.ExcludeProcesses = append(opts.ExcludeProcesses, c.StringSlice("exclude-process")...)
	return opts
}
