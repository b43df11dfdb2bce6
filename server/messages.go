package server

import (
	"github.com/sockmap/sockmap/pkg/host"
)

//MessageType discriminates the frames exchanged with agents
type MessageType string

const (
	//MsgTypeRegister is the first frame an agent sends after connecting
	MsgTypeRegister MessageType = "register"
	//MsgTypeSnapshot carries one captured inventory from an agent
	MsgTypeSnapshot MessageType = "snapshot"
	//MsgTypeCapture asks an agent for a single snapshot
	MsgTypeCapture MessageType = "capture"
	//MsgTypeStartRecording opens a recording window on an agent
	MsgTypeStartRecording MessageType = "start-recording"
	//MsgTypeStopRecording closes an agent's recording window
	MsgTypeStopRecording MessageType = "stop-recording"
	//MsgTypeExit announces a clean shutdown from either side
	MsgTypeExit MessageType = "exit"
)

type (
	//Register identifies an agent: its hostname, an optional display
	//name that takes precedence, and the interface addresses it owns
	Register struct {
		Hostname   string   `json:"hostname"`
		PrettyName string   `json:"pretty_name,omitempty"`
		Addresses  []string `json:"addresses"`
	}

	//Snapshot carries one captured inventory. RequestID echoes the
	//capture request that solicited it and is empty for recording
	//samples.
	Snapshot struct {
		RequestID string          `json:"request_id,omitempty"`
		Inventory *host.Inventory `json:"inventory"`
	}

	//CaptureRequest asks for a single snapshot, correlated by ID
	CaptureRequest struct {
		ID string `json:"id"`
	}

	//RecordingRequest opens a recording window sampled at the given
	//interval
	RecordingRequest struct {
		IntervalSeconds float64 `json:"interval_seconds"`
	}

	//Message is the frame envelope; Type selects which payload is set
	Message struct {
		Type      MessageType       `json:"type"`
		Register  *Register         `json:"register,omitempty"`
		Snapshot  *Snapshot         `json:"snapshot,omitempty"`
		Capture   *CaptureRequest   `json:"capture,omitempty"`
		Recording *RecordingRequest `json:"recording,omitempty"`
	}
)

//HostName resolves the inventory name an agent registers under
func (r *Register) HostName() string {
	if r.PrettyName != "" {
		return r.PrettyName
	}
	return r.Hostname
}
