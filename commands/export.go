package commands

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/sockmap/sockmap/database"
	"github.com/sockmap/sockmap/pkg/correlation"
	"github.com/sockmap/sockmap/resources"
)

func init() {
	command := cli.Command{
		Name:      "export",
		Usage:     "Parse a directory of capture files and export the results to MongoDB",
		ArgsUsage: "<directory>",
		Flags: []cli.Flag{
			ConfigFlag,
			threadFlag,
			noLoopbackFlag,
			excludeProcessesFlag,
			cli.StringFlag{
				Name:  "database, d",
				Usage: "Export into `DATABASE` instead of the configured one",
				Value: "",
			},
		},
		Action: func(c *cli.Context) error {
			dir := c.Args().Get(0)
			if dir == "" {
				return cli.NewExitError("Specify a capture directory", -1)
			}

			res := resources.InitResources(getConfigFilePath(c))
			if err := res.ConnectDatabase(); err != nil {
				res.Log.Error(err)
				return cli.NewExitError(err, -1)
			}
			if c.String("database") != "" {
				res.DB.SelectDB(c.String("database"))
			}

			view, err := importView(res, dir, c.Int("threads"))
			if err != nil {
				res.Log.Error(err)
				return cli.NewExitError(err, -1)
			}

			graph := correlation.Correlate(view, correlationOptions(c, res), res.Log)

			exporter := database.NewExporter(res.DB, &res.Config.T)
			runID, err := exporter.Export(view, graph)
			if err != nil {
				res.Log.Error(err)
				return cli.NewExitError(err, -1)
			}

			fmt.Printf("\t[-] Exported %d host(s) and %d connection(s) to %s as run %s\n",
				len(graph.Hosts), len(graph.Edges), res.DB.GetSelectedDB(), runID)
			return nil
		},
	}
	bootstrapCommands(command)
}
