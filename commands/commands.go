package commands

import (
	"runtime"
	"sort"

	"github.com/urfave/cli"
)

var allCommands []cli.Command

//bootstrapCommands simply adds a given command to the allCommands array
func bootstrapCommands(commands ...cli.Command) {
	allCommands = append(allCommands, commands...)
}

//Commands provides all of the defined commands to the front end
func Commands() []cli.Command {
	sort.Slice(allCommands, func(i, j int) bool {
		return allCommands[i].Name < allCommands[j].Name
	})
	return allCommands
}

//below are some prebuilt flags that get used often in various commands

//ConfigFlag allows users to specify an alternate config file to use
var ConfigFlag = cli.StringFlag{
	Name:  "config, c",
	Usage: "Use a given `CONFIG_FILE` when running this command",
	Value: "",
}

//threadFlag allows users to specify the number of parser threads to use
var threadFlag = cli.IntFlag{
	Name:  "threads, t",
	Usage: "Use `N` threads when parsing capture files",
	Value: runtime.NumCPU(),
}

//humanFlag prints results in a human readable table
var humanFlag = cli.BoolFlag{
	Name:  "human-readable, H",
	Usage: "print a formatted table instead of csv",
}

//delimFlag specifies the delimiter used in csv-ish output
var delimFlag = cli.StringFlag{
	Name:  "delimiter, D",
	Usage: "Use a given `DELIMITER` when exporting to csv",
	Value: ",",
}

//noLoopbackFlag drops same-host connections from the correlation result
var noLoopbackFlag = cli.BoolFlag{
	Name:  "no-loopback, L",
	Usage: "exclude connections a host makes with itself",
}

//excludeProcessesFlag drops connections involving the named processes
var excludeProcessesFlag = cli.StringSliceFlag{
	Name:  "exclude-process, e",
	Usage: "exclude connections involving processes whose name starts with `PREFIX`; may be repeated",
}

//getConfigFilePath returns the path of the config file passed to the command
func getConfigFilePath(c *cli.Context) string {
	return c.String("config")
}
