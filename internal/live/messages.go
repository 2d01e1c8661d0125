package live

import (
	"github.com/antoniostano/teleagent/internal/tools"
)

// InboundMessage is one item of the transport's inbound feed. The set of
// implementations is closed: AudioPayload, ToolCallRequest, Transcript,
// SessionClosed and SessionError.
type InboundMessage interface {
	inbound()
}

// AudioPayload carries raw PCM16 bytes as produced by the model.
type AudioPayload struct {
	Data     []byte
	MIMEType string
}

// ToolCallRequest asks the host to run one or more tools.
type ToolCallRequest struct {
	Calls []tools.Call
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Transcript is a transcription fragment of either side of the conversation.
type Transcript struct {
	Role Role
	Text string
}

// SessionClosed reports an orderly close by the remote side.
type SessionClosed struct {
	Reason string
	Code   int
}

// SessionError reports an unrecoverable transport failure.
type SessionError struct {
	Detail string
	Err    error
}

func (AudioPayload) inbound()    {}
func (ToolCallRequest) inbound() {}
func (Transcript) inbound()      {}
func (SessionClosed) inbound()   {}
func (SessionError) inbound()    {}

// SessionParameters are sent to the model when the session is opened.
type SessionParameters struct {
	Model             string
	Voice             string
	SystemInstruction string
	Tools             []tools.Declaration
}
