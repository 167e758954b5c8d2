package domain

import (
	"errors"
	"time"
)

// CommandKind is the MySQL client command code carried by a captured packet.
type CommandKind int

const (
	CommandQuit            CommandKind = 1
	CommandDirectQuery     CommandKind = 3
	CommandPreparedPrepare CommandKind = 22
	CommandPreparedExecute CommandKind = 23
)

func (c CommandKind) String() string {
	switch c {
	case CommandQuit:
		return "Quit"
	case CommandDirectQuery:
		return "DirectQuery"
	case CommandPreparedPrepare:
		return "PreparedPrepare"
	case CommandPreparedExecute:
		return "PreparedExecute"
	default:
		return "Unknown"
	}
}

// ErrMalformedTuple is returned for captured tuples missing required fields.
var ErrMalformedTuple = errors.New("malformed captured tuple")

// CapturedEvent is one decoded protocol tuple taken from the capture feed.
type CapturedEvent struct {
	ID         string      `json:"event_id,omitempty"`
	TaskID     string      `json:"task_id"`
	Timestamp  time.Time   `json:"time"`
	SrcIP      string      `json:"src"`
	SrcPort    string      `json:"src_port"`
	Command    CommandKind `json:"command"`
	Text       string      `json:"query"`
	FieldTypes []int       `json:"params,omitempty"`
}

// ConnectionKey identifies the client connection that sent the packet.
func (e CapturedEvent) ConnectionKey() string {
	return e.SrcIP + ":" + e.SrcPort
}

// Validate reports ErrMalformedTuple when fields required by the command are missing.
func (e CapturedEvent) Validate() error {
	if e.TaskID == "" || e.SrcIP == "" || e.SrcPort == "" {
		return ErrMalformedTuple
	}
	switch e.Command {
	case CommandDirectQuery, CommandPreparedPrepare:
		if e.Text == "" {
			return ErrMalformedTuple
		}
	case CommandPreparedExecute, CommandQuit:
	default:
		return ErrMalformedTuple
	}
	return nil
}

// NormalizedStatement is the unit of work handed to the work queue.
type NormalizedStatement struct {
	TaskID     string    `json:"task_id"`
	QueryHash  string    `json:"query_hash"`
	QueryText  string    `json:"query"`
	SrcIP      string    `json:"src"`
	SrcPort    string    `json:"src_port"`
	CapturedAt time.Time `json:"captured_at"`
}

// QueuedStatement is a statement read back from the work queue together with its
// delivery metadata.
type QueuedStatement struct {
	MessageID  string
	Deliveries int64
	Statement  NormalizedStatement
}
