package remote

import "github.com/timzifer/patchbay/patchbay"

// Operation names understood by the control socket. The protocol is one JSON
// request line per call, answered by exactly one JSON response line.
const (
	OpProtocolVersion  = "protocol_version"
	OpSendDescriptor   = "send_descriptor"
	OpCreateModule     = "create_module"
	OpDeleteModule     = "delete_module"
	OpSampleRate       = "sample_rate"
	OpBufferSize       = "buffer_size"
	OpActivateModule   = "activate_module"
	OpDeactivateModule = "deactivate_module"
	OpConnectPorts     = "connect_ports"
	OpDisconnectPorts  = "disconnect_ports"
	OpStart            = "start"
	OpStop             = "stop"
)

// Request is a single control-protocol call.
type Request struct {
	Op           string                 `json:"op"`
	Name         string                 `json:"name,omitempty"`
	Inputs       int                    `json:"inputs,omitempty"`
	Outputs      int                    `json:"outputs,omitempty"`
	Notification *patchbay.Notification `json:"notification,omitempty"`
	Source       string                 `json:"source,omitempty"`
	SourcePort   int                    `json:"source_port,omitempty"`
	Sink         string                 `json:"sink,omitempty"`
	SinkPort     int                    `json:"sink_port,omitempty"`
}

// Response carries the integer result of a call. Expected failures travel in
// Value as negative status codes; Err is reserved for faults that make the
// result meaningless.
type Response struct {
	Value int    `json:"value"`
	Err   string `json:"error,omitempty"`
}
