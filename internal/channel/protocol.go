package channel

// Frame types exchanged with agents over the websocket
const (
	FrameCommand = "command" // hub -> agent
	FrameAck     = "ack"     // agent -> hub, answers a command frame
	FrameStatus  = "status"  // agent -> hub, execution progress
)

// Frame is the JSON envelope for every agent message
type Frame struct {
	Type      string          `json:"type"`
	CommandID string          `json:"command_id"`
	Command   *Command        `json:"command,omitempty"`
	Accepted  bool            `json:"accepted,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Status    ExecutionStatus `json:"status,omitempty"`
	Output    string          `json:"output,omitempty"`
}
