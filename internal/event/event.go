// Package event defines the wire model exchanged with clients: outbound
// events fanned out by the coordinator and inbound socket messages.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies an outbound event.
type Type string

const (
	TypeWelcome         Type = "welcome"
	TypeSessionJoined   Type = "session_joined"
	TypeModeSwitched    Type = "mode_switched"
	TypeContentChunk    Type = "content_chunk"
	TypeFileChange      Type = "file_change"
	TypeAgentThinking   Type = "agent_thinking"
	TypeToolExecution   Type = "tool_execution"
	TypeStreamProgress  Type = "stream_progress"
	TypeStreamComplete  Type = "stream_complete"
	TypeStreamCancelled Type = "stream_cancelled"
	TypeError           Type = "error"
)

// FileAction is the action field of a file_change event.
type FileAction string

const (
	FileOpened FileAction = "opened"
	FileChunk  FileAction = "chunk"
	FileClosed FileAction = "closed"
)

// Event is the envelope for every outbound event. Unused fields are omitted
// from the wire form.
type Event struct {
	Type      Type      `json:"type"`
	StreamID  string    `json:"streamId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// content_chunk / agent_thinking
	Text string `json:"text,omitempty"`

	// file_change
	Action   FileAction `json:"action,omitempty"`
	Path     string     `json:"path,omitempty"`
	Slice    string     `json:"slice,omitempty"`
	Revision int        `json:"revision,omitempty"`

	// mode_switched / session_joined
	Mode         string `json:"mode,omitempty"`
	PreviousMode string `json:"previousMode,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`

	// stream_progress / stream_complete
	Progress float64  `json:"progress,omitempty"`
	Files    []string `json:"files,omitempty"`
	Usage    *Usage   `json:"usage,omitempty"`

	// tool_execution
	Tool string `json:"tool,omitempty"`

	// stream_cancelled / error
	Reason     string `json:"reason,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`

	// Back-pressure marker: set on the event following a queue drop.
	Dropped int `json:"dropped,omitempty"`
}

// Usage is the token accounting attached to a terminal event.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Terminal reports whether the event ends its stream. Terminal events are
// never dropped by back-pressure handling.
func (e *Event) Terminal() bool {
	switch e.Type {
	case TypeStreamComplete, TypeStreamCancelled, TypeError:
		return true
	}
	return false
}

// New creates an event of the given type stamped with the current time.
func New(t Type) *Event {
	return &Event{Type: t, Timestamp: time.Now().UTC()}
}

// MessageType identifies an inbound socket message.
type MessageType string

const (
	MsgJoinSession        MessageType = "join_session"
	MsgChatMessage        MessageType = "chat_message"
	MsgSwitchMode         MessageType = "switch_mode"
	MsgCreateProject      MessageType = "create_project"
	MsgContinueProject    MessageType = "continue_project"
	MsgSubscribeProject   MessageType = "subscribe_project"
	MsgUnsubscribeProject MessageType = "unsubscribe_project"
	MsgCancelProject      MessageType = "cancel_project"
	MsgStartGeneration    MessageType = "start_generation"
	MsgCancelStream       MessageType = "cancel_stream"
	// First-frame authentication for connections that did not present a
	// bearer token on the upgrade request.
	MsgAuth MessageType = "auth"
)

// Message is one inbound JSON frame from a client.
type Message struct {
	Type        MessageType     `json:"type"`
	SessionID   string          `json:"sessionId,omitempty"`
	ProjectID   string          `json:"projectId,omitempty"`
	StreamID    string          `json:"streamId,omitempty"`
	Content     string          `json:"content,omitempty"`
	Description string          `json:"description,omitempty"`
	Instruction string          `json:"instruction,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Token       string          `json:"token,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	PreviewOnly bool            `json:"previewOnly,omitempty"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// Known reports whether the message type is one the gateway dispatches.
func (m *Message) Known() bool {
	switch m.Type {
	case MsgJoinSession, MsgChatMessage, MsgSwitchMode, MsgCreateProject,
		MsgContinueProject, MsgSubscribeProject, MsgUnsubscribeProject,
		MsgCancelProject, MsgStartGeneration, MsgCancelStream, MsgAuth:
		return true
	}
	return false
}
