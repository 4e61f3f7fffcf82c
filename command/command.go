// Package command defines the control messages written to a run's message queue
// and the replies the application master writes back.
package command

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/c360/weave/errors"
)

// Type tells the receiver who handles the message.
type Type string

const (
	TypeSystem Type = "SYSTEM"
	TypeUser   Type = "USER"
)

// Scope selects the recipients.
type Scope string

const (
	ScopeApplication  Scope = "APPLICATION"
	ScopeAllRunnables Scope = "ALL_RUNNABLES"
	ScopeRunnable     Scope = "RUNNABLE"
)

// Command names.
const (
	SetInstances = "instances"
)

// Command is the payload of a message.
type Command struct {
	Command string            `json:"command"`
	Options map[string]string `json:"options"`
}

// Message is a control message.
type Message struct {
	Type         Type    `json:"type"`
	Scope        Scope   `json:"scope"`
	RunnableName string  `json:"runnableName,omitempty"`
	Command      Command `json:"command"`
}

// NewSetInstances builds the system message that changes the instance count of
// a runnable.
func NewSetInstances(runnable string, count int) Message {
	return Message{
		Type:         TypeSystem,
		Scope:        ScopeRunnable,
		RunnableName: runnable,
		Command: Command{
			Command: SetInstances,
			Options: map[string]string{"count": strconv.Itoa(count)},
		},
	}
}

// Validate checks the message is well formed.
func (m Message) Validate() error {
	var problem string
	switch {
	case m.Type != TypeSystem && m.Type != TypeUser:
		problem = fmt.Sprintf("unknown type %q", m.Type)
	case m.Scope != ScopeApplication && m.Scope != ScopeAllRunnables && m.Scope != ScopeRunnable:
		problem = fmt.Sprintf("unknown scope %q", m.Scope)
	case m.Scope == ScopeRunnable && m.RunnableName == "":
		problem = "runnable scope without runnable name"
	case m.Scope != ScopeRunnable && m.RunnableName != "":
		problem = "runnable name outside runnable scope"
	case m.Command.Command == "":
		problem = "empty command"
	case m.Command.Command == SetInstances:
		n, err := strconv.Atoi(m.Command.Options["count"])
		if err != nil || n < 0 {
			problem = fmt.Sprintf("invalid instance count %q", m.Command.Options["count"])
		}
	}
	if problem != "" {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, problem), "command", "Validate", "validate message")
	}
	return nil
}

// Encode renders the message for the message queue.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Command.Options == nil {
		m.Command.Options = map[string]string{}
	}
	return json.Marshal(m)
}

// DecodeMessage parses and validates a message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "command", "DecodeMessage", "decode message")
	}
	return m, m.Validate()
}

// Status of a reply.
type Status string

const (
	StatusOK     Status = "OK"
	StatusFailed Status = "FAILED"
)

// Reply is written to /replies/<message-id> once the message is handled.
type Reply struct {
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// DecodeReply parses a reply payload.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "command", "DecodeReply", "decode reply")
	}
	if r.Status != StatusOK && r.Status != StatusFailed {
		return Reply{}, errors.WrapInvalid(fmt.Errorf("%w: reply status %q", errors.ErrInvalidData, r.Status), "command", "DecodeReply", "decode reply")
	}
	return r, nil
}

// Encode renders the reply.
func (r Reply) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Err returns nil for OK replies and an error wrapping errors.ErrCommandFailed
// otherwise.
func (r Reply) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = "no reason given"
	}
	return fmt.Errorf("%w: %s", errors.ErrCommandFailed, msg)
}
