package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/sockmap/sockmap/pkg/correlation"
	"github.com/sockmap/sockmap/pkg/data"
	"github.com/sockmap/sockmap/resources"
)

func init() {
	command := cli.Command{
		Name:      "show-connections",
		Usage:     "Print the correlated connections for a directory of capture files",
		ArgsUsage: "<directory>",
		Flags: []cli.Flag{
			ConfigFlag,
			threadFlag,
			humanFlag,
			delimFlag,
			noLoopbackFlag,
			excludeProcessesFlag,
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
			if len(graph.Edges) == 0 {
				return cli.NewExitError("No connections were found in "+dir, -1)
			}

			if c.Bool("human-readable") {
				showConnsHuman(graph.Edges)
				return nil
			}
			showConns(graph.Edges, c.String("delimiter"))
			return nil
		},
	}
	bootstrapCommands(command)
}

var connHeaderFields = []string{
	"Client Host", "Server Host", "Client Process", "Server Process",
	"Client Socket", "Server Socket", "Protocol", "Rule",
}

func connRow(edge correlation.Edge) []string {
	return []string{
		edge.ClientHost,
		edge.ServerHost,
		processField(edge.ClientProcess),
		processField(edge.ServerProcess),
		edge.ClientLocal.String(),
		edge.ServerLocal.String(),
		string(edge.Protocol),
		string(edge.Rule),
	}
}

func processField(proc data.Process) string {
	if !proc.IsKnown() {
		return "-"
	}
	if proc.PID == 0 {
		return proc.Name
	}
	return proc.Name + " (" + strconv.FormatUint(uint64(proc.PID), 10) + ")"
}

func showConns(edges []correlation.Edge, delim string) {
	// Print the headers and rows, separated by a delimiter
	fmt.Println(strings.Join(connHeaderFields, delim))
	for _, edge := range edges {
		fmt.Println(strings.Join(connRow(edge), delim))
	}
}

func showConnsHuman(edges []correlation.Edge) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(connHeaderFields)
	for _, edge := range edges {
		table.Append(connRow(edge))
	}
	table.Render()
}
