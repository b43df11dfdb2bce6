package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/sockmap/sockmap/pkg/correlation"
	"github.com/sockmap/sockmap/pkg/inventory"
	"github.com/sockmap/sockmap/reporting"
	"github.com/sockmap/sockmap/resources"
	"github.com/sockmap/sockmap/server"
)

func init() {
	command := cli.Command{
		Name:  "serve",
		Usage: "Run the live collection server and an interactive console",
		Flags: []cli.Flag{
			ConfigFlag,
			noLoopbackFlag,
			excludeProcessesFlag,
			cli.StringFlag{
				Name:  "listen, l",
				Usage: "Listen on `ADDRESS` instead of the configured one",
				Value: "",
			},
		},
		Action: func(c *cli.Context) error {
			res := resources.InitResources(getConfigFilePath(c))

			listenAddr := c.String("listen")
			if listenAddr == "" {
				listenAddr = res.Config.S.Server.ListenAddress
			}

			store := inventory.NewStore(res.Log)
			srv := server.NewServer(store, res.Log, res.Config.R.Server.CaptureTimeout)

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- srv.ListenAndServe(listenAddr)
			}()
			fmt.Printf("\t[-] Listening for agents on %s\n", listenAddr)
			fmt.Println("\t[-] Type 'help' for the list of console commands")

			console := &serverConsole{
				res:   res,
				srv:   srv,
				store: store,
				opts:  correlationOptions(c, res),
			}
			console.run(os.Stdin)

			srv.Close()
			return <-serveErr
		},
	}
	bootstrapCommands(command)
}

type serverConsole struct {
	res   *resources.Resources
	srv   *server.Server
	store *inventory.Store
	opts  correlation.Options
}

//run reads console commands until quit or EOF
func (con *serverConsole) run(in *os.File) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Print("sockmap> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}

		switch fields[0] {
		case "help":
			con.help()
		case "list":
			con.list()
		case "capture":
			con.capture(arg)
		case "record":
			con.record(arg)
		case "stop":
			con.stop(arg)
		case "show":
			con.show()
		case "report":
			con.report()
		case "quit", "exit":
			return
		default:
			fmt.Println("\t[!] Unknown command; type 'help'")
		}
	}
}

func (con *serverConsole) help() {
	fmt.Println("\tlist             list connected agents and their state")
	fmt.Println("\tcapture <host>   request one snapshot from an agent")
	fmt.Println("\trecord <host>    start recording an agent at the configured interval")
	fmt.Println("\tstop <host>      stop recording and merge the window")
	fmt.Println("\tshow             correlate the collected inventory and print it")
	fmt.Println("\treport           write the collected inventory as a report directory")
	fmt.Println("\tquit             shut down the server")
}

func (con *serverConsole) list() {
	agents := con.srv.ListActiveAgents()
	if len(agents) == 0 {
		fmt.Println("\t[!] No agents connected")
		return
	}
	for _, agent := range agents {
		fmt.Printf("\t[-] %s\t%s\t%s\n", agent.Host, agent.Addr, agent.State)
	}
}

func (con *serverConsole) capture(hostName string) {
	if hostName == "" {
		fmt.Println("\t[!] Specify an agent host name")
		return
	}
	inv, err := con.srv.TriggerCapture(hostName)
	if err != nil {
		fmt.Printf("\t[!] %s\n", err.Error())
		return
	}
	fmt.Printf("\t[-] Captured %d socket(s) from %s\n", len(inv.Sockets), hostName)
}

func (con *serverConsole) record(hostName string) {
	if hostName == "" {
		fmt.Println("\t[!] Specify an agent host name")
		return
	}
	interval := con.res.Config.R.Server.RecordingInterval
	if err := con.srv.StartRecording(hostName, interval); err != nil {
		fmt.Printf("\t[!] %s\n", err.Error())
		return
	}
	fmt.Printf("\t[-] Recording %s every %s\n", hostName, interval)
}

func (con *serverConsole) stop(hostName string) {
	if hostName == "" {
		fmt.Println("\t[!] Specify an agent host name")
		return
	}
	inv, err := con.srv.StopRecording(hostName)
	if err != nil {
		fmt.Printf("\t[!] %s\n", err.Error())
		return
	}
	fmt.Printf("\t[-] Recorded %d socket(s) from %s\n", len(inv.Sockets), hostName)
}

func (con *serverConsole) show() {
	view := con.store.Snapshot()
	if len(view) == 0 {
		fmt.Println("\t[!] Nothing collected yet")
		return
	}
	graph := correlation.Correlate(view, con.opts, con.res.Log)
	if len(graph.Edges) == 0 {
		fmt.Println("\t[!] No connections correlated yet")
		return
	}
	showConnsHuman(graph.Edges)
	if graph.Dangling > 0 {
		fmt.Printf("\t[-] %d record(s) had no matching far end\n", graph.Dangling)
	}
}

func (con *serverConsole) report() {
	view := con.store.Snapshot()
	if len(view) == 0 {
		fmt.Println("\t[!] Nothing collected yet")
		return
	}
	graph := correlation.Correlate(view, con.opts, con.res.Log)
	written, err := reporting.WriteReport(con.res.Config.S.Report.OutputDirectory, view, graph)
	if err != nil {
		fmt.Printf("\t[!] %s\n", err.Error())
		return
	}
	fmt.Printf("\t[-] Report written to %s\n", written)
}
