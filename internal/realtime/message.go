package realtime

import (
	"time"

	"agrispare-be/internal/quote"
)

// Server -> client message types.
const (
	TypeView  = "quote.view"
	TypeAck   = "ack"
	TypeError = "error"
)

// Client -> server command types. Each drives the connection's session.
const (
	CmdRefresh  = "refresh"
	CmdOpen     = "open"
	CmdClose    = "close"
	CmdEdit     = "edit"
	CmdSetItem  = "set_item"
	CmdSetNotes = "set_notes"
	CmdDiscard  = "discard"
	CmdSave     = "save"
	CmdSend     = "send"
	CmdAccept   = "accept"
	CmdReject   = "reject"
	CmdCancel   = "cancel"
)

type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

type Command struct {
	Type    string `json:"type"`
	QuoteID string `json:"quote_id,omitempty"`
	ItemID  string `json:"item_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type AckPayload struct {
	Command string `json:"command"`
}

type ErrorPayload struct {
	Command string `json:"command,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newMessage(typ string, data any) Message {
	return Message{Type: typ, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

func errorMessage(command string, err error) Message {
	return newMessage(TypeError, ErrorPayload{
		Command: command,
		Kind:    quote.Kind(err),
		Message: quote.PublicMessage(err),
	})
}
