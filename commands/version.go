package commands

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/sockmap/sockmap/config"
)

func init() {
	command := cli.Command{
		Name:  "version",
		Usage: "Show the exact sockmap version",
		Action: func(c *cli.Context) error {
			fmt.Println(config.ExactVersion)
			return nil
		},
	}
	bootstrapCommands(command)
}
