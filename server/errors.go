package server

import "fmt"

type (
	//AgentTimeout marks an agent that did not answer a capture command
	//within the configured interval. The agent is reverted to idle, not
	//dropped.
	AgentTimeout struct {
		Host string
	}

	//AgentDisconnected marks a lost agent connection. Data committed
	//before the loss is retained.
	AgentDisconnected struct {
		Host string
	}

	//AgentBusy marks a command sent to an agent that is already
	//capturing or recording
	AgentBusy struct {
		Host  string
		State AgentState
	}

	//UnknownAgent marks a command for a host with no registered agent
	UnknownAgent struct {
		Host string
	}
)

func (e AgentTimeout) Error() string {
	return fmt.Sprintf("agent %s did not answer in time", e.Host)
}

func (e AgentDisconnected) Error() string {
	return fmt.Sprintf("agent %s disconnected", e.Host)
}

func (e AgentBusy) Error() string {
	return fmt.Sprintf("agent %s is %s", e.Host, e.State)
}

func (e UnknownAgent) Error() string {
	return fmt.Sprintf("no connected agent for host %s", e.Host)
}
