package commands

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/sockmap/sockmap/pkg/correlation"
	"github.com/sockmap/sockmap/reporting"
	"github.com/sockmap/sockmap/resources"
)

func init() {
	command := cli.Command{
		Name:      "import",
		Usage:     "Parse a directory of capture files and write a connection report",
		ArgsUsage: "<directory>",
		Flags: []cli.Flag{
			ConfigFlag,
			threadFlag,
			noLoopbackFlag,
			excludeProcessesFlag,
			cli.StringFlag{
				Name:  "out, o",
				Usage: "Write the report to `DIRECTORY` instead of the configured location",
				Value: "",
			},
			cli.BoolFlag{
				Name:  "open",
				Usage: "open the report directory when done",
			},
		},
		Action: func(c *cli.Context) error {
			dir := c.Args().Get(0)
			if dir == "" {
				return cli.NewExitError("Specify a capture directory", -1)
			}

			res := resources.InitResources(getConfigFilePath(c))

			view, err := importView(res, dir, c.Int("threads"))
			if err != nil {
				res.Log.Error(err)
				return cli.NewExitError(err, -1)
			}

			graph := correlation.Correlate(view, correlationOptions(c, res), res.Log)

			outDir := c.String("out")
			if outDir == "" {
				outDir = res.Config.S.Report.OutputDirectory
			}
			written, err := reporting.WriteReport(outDir, view, graph)
			if err != nil {
				res.Log.Error(err)
				return cli.NewExitError(err, -1)
			}

			fmt.Printf("\t[-] Imported %d host(s): %d connection(s), %d unmatched record(s)\n",
				len(graph.Hosts), len(graph.Edges), graph.Dangling)
			fmt.Printf("\t[-] Report written to %s\n", written)

			if c.Bool("open") {
				if err := reporting.OpenReport(written); err != nil {
					res.Log.WithError(err).Warn("Could not open report directory")
				}
			}
			return nil
		},
	}
	bootstrapCommands(command)
}
