package main

import (
	"os"
	"runtime"

	"github.com/urfave/cli"

	"github.com/sockmap/sockmap/commands"
	"github.com/sockmap/sockmap/config"
)

// Entry point of sockmap
func main() {
	app := cli.NewApp()
	app.Name = "sockmap"
	app.Usage = "Map process to process network connections across hosts."
	app.Version = config.Version
	app.Flags = []cli.Flag{commands.ConfigFlag}
	cli.VersionPrinter = commands.GetVersionPrinter()

	// Define commands used with this application
	app.Commands = commands.Commands()

	runtime.GOMAXPROCS(runtime.NumCPU())
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}
