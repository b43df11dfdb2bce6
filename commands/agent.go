package commands

import (
	"time"

	"github.com/urfave/cli"

	"github.com/sockmap/sockmap/agent"
	"github.com/sockmap/sockmap/resources"
)

func init() {
	command := cli.Command{
		Name:  "agent",
		Usage: "Run the capture agent and report to a collection server",
		Flags: []cli.Flag{
			ConfigFlag,
			cli.StringFlag{
				Name:  "server, s",
				Usage: "Connect to the collection server at `ADDRESS`",
				Value: "",
			},
			cli.StringFlag{
				Name:  "name, n",
				Usage: "Register under `NAME` instead of the OS hostname",
				Value: "",
			},
			cli.BoolFlag{
				Name:  "once",
				Usage: "exit when the connection drops instead of reconnecting",
			},
		},
		Action: func(c *cli.Context) error {
			res := resources.InitResources(getConfigFilePath(c))

			serverAddr := c.String("server")
			if serverAddr == "" {
				serverAddr = res.Config.S.Agent.ServerAddress
			}
			prettyName := c.String("name")
			if prettyName == "" {
				prettyName = res.Config.S.Agent.PrettyName
			}

			a, err := agent.NewAgent(serverAddr, prettyName, res.Log)
			if err != nil {
				return cli.NewExitError(err, -1)
			}

			reconnect := res.Config.R.Agent.ReconnectDelay
			for {
				err := a.Run()
				if err == nil {
					//orderly exit requested by the server
					return nil
				}
				res.Log.WithError(err).Warn("Lost connection to collection server")
				if c.Bool("once") {
					return cli.NewExitError(err, -1)
				}
				time.Sleep(reconnect)
			}
		},
	}
	bootstrapCommands(command)
}
