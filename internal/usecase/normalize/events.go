package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event is one decoded line of the agent's RPC output.
type Event interface {
	eventType() string
}

// AgentStartEvent opens an agent run. SessionID is set only by agents that
// report it inline.
type AgentStartEvent struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

// AgentEndEvent closes an agent run.
type AgentEndEvent struct {
	Messages []json.RawMessage `json:"messages"`
}

// MessageStartEvent marks the start of a message.
type MessageStartEvent struct {
	Message json.RawMessage `json:"message"`
}

// MessageEndEvent marks the end of a message.
type MessageEndEvent struct {
	Message json.RawMessage `json:"message"`
}

// MessageUpdateEvent carries one streaming assistant sub-event.
type MessageUpdateEvent struct {
	Message   json.RawMessage `json:"message"`
	Assistant *AssistantEvent `json:"assistantMessageEvent"`
}

// AssistantEvent is a streaming fragment of an assistant message. Type is
// one of thinking_start, thinking_delta, thinking_end, text_start,
// text_delta, text_end, toolcall_start, toolcall_delta, toolcall_end, or
// something newer that is ignored.
type AssistantEvent struct {
	Type         string          `json:"type"`
	ContentIndex int             `json:"contentIndex"`
	Delta        string          `json:"delta"`
	Content      string          `json:"content"`
	ToolCall     json.RawMessage `json:"toolCall"`
}

// UnmarshalJSON reads the typed fields only for the kinds the normalizer
// consumes. Other kinds keep just their Type, whatever shape they carry.
func (e *AssistantEvent) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case "thinking_delta", "thinking_end", "text_delta", "text_end":
		type plain AssistantEvent
		var full plain
		if err := json.Unmarshal(data, &full); err != nil {
			return err
		}
		*e = AssistantEvent(full)
	default:
		*e = AssistantEvent{Type: head.Type}
	}
	return nil
}

// TurnStartEvent marks the start of a turn.
type TurnStartEvent struct{}

// TurnEndEvent marks the end of a turn.
type TurnEndEvent struct {
	Message     json.RawMessage   `json:"message"`
	ToolResults []json.RawMessage `json:"toolResults"`
}

// ToolExecutionStartEvent announces a tool call.
type ToolExecutionStartEvent struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// ToolExecutionUpdateEvent reports partial tool progress.
type ToolExecutionUpdateEvent struct {
	ToolCallID    string          `json:"toolCallId"`
	ToolName      string          `json:"toolName"`
	Args          json.RawMessage `json:"args"`
	PartialResult json.RawMessage `json:"partialResult"`
}

// ToolExecutionEndEvent reports a finished tool call.
type ToolExecutionEndEvent struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Result     json.RawMessage `json:"result"`
	IsError    bool            `json:"isError"`
}

// ErrorEvent is an agent-level error.
type ErrorEvent struct {
	Error string `json:"error"`
}

// ResponseEvent acknowledges an RPC command.
type ResponseEvent struct {
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

// UnknownEvent is any well-formed event with an unrecognized type.
type UnknownEvent struct {
	Type string
}

func (AgentStartEvent) eventType() string          { return "agent_start" }
func (AgentEndEvent) eventType() string            { return "agent_end" }
func (MessageStartEvent) eventType() string        { return "message_start" }
func (MessageEndEvent) eventType() string          { return "message_end" }
func (MessageUpdateEvent) eventType() string       { return "message_update" }
func (TurnStartEvent) eventType() string           { return "turn_start" }
func (TurnEndEvent) eventType() string             { return "turn_end" }
func (ToolExecutionStartEvent) eventType() string  { return "tool_execution_start" }
func (ToolExecutionUpdateEvent) eventType() string { return "tool_execution_update" }
func (ToolExecutionEndEvent) eventType() string    { return "tool_execution_end" }
func (ErrorEvent) eventType() string               { return "error" }
func (ResponseEvent) eventType() string            { return "response" }
func (e UnknownEvent) eventType() string           { return e.Type }

var errMissingType = errors.New("event has no type")

// DecodeEvent parses one line into an Event. Lines that are not JSON
// objects, lack a string "type", or lack a field their type requires are
// rejected.
func DecodeEvent(line []byte) (Event, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, err
	}
	if envelope.Type == nil {
		return nil, errMissingType
	}

	switch *envelope.Type {
	case "agent_start":
		return decodeInto[AgentStartEvent](line)
	case "agent_end":
		return decodeInto[AgentEndEvent](line)
	case "message_start":
		return decodeInto[MessageStartEvent](line)
	case "message_end":
		return decodeInto[MessageEndEvent](line)
	case "message_update":
		ev, err := decodeInto[MessageUpdateEvent](line)
		if err != nil {
			return nil, err
		}
		if ev.Assistant == nil {
			return nil, fmt.Errorf("message_update: missing assistantMessageEvent")
		}
		return ev, nil
	case "turn_start":
		return TurnStartEvent{}, nil
	case "turn_end":
		return decodeInto[TurnEndEvent](line)
	case "tool_execution_start":
		ev, err := decodeInto[ToolExecutionStartEvent](line)
		if err != nil {
			return nil, err
		}
		if ev.ToolCallID == "" || ev.ToolName == "" {
			return nil, fmt.Errorf("tool_execution_start: missing toolCallId or toolName")
		}
		return ev, nil
	case "tool_execution_update":
		ev, err := decodeInto[ToolExecutionUpdateEvent](line)
		if err != nil {
			return nil, err
		}
		if ev.ToolCallID == "" {
			return nil, fmt.Errorf("tool_execution_update: missing toolCallId")
		}
		return ev, nil
	case "tool_execution_end":
		ev, err := decodeInto[ToolExecutionEndEvent](line)
		if err != nil {
			return nil, err
		}
		if ev.ToolCallID == "" {
			return nil, fmt.Errorf("tool_execution_end: missing toolCallId")
		}
		return ev, nil
	case "error":
		var raw struct {
			Error *string `json:"error"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, err
		}
		if raw.Error == nil {
			return nil, fmt.Errorf("error: missing error field")
		}
		return ErrorEvent{Error: *raw.Error}, nil
	case "response":
		var raw struct {
			ResponseEvent
			Command *string `json:"command"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, err
		}
		if raw.Command == nil {
			return nil, fmt.Errorf("response: missing command")
		}
		ev := raw.ResponseEvent
		ev.Command = *raw.Command
		return ev, nil
	default:
		return UnknownEvent{Type: *envelope.Type}, nil
	}
}

func decodeInto[T Event](line []byte) (T, error) {
	var ev T
	err := json.Unmarshal(line, &ev)
	return ev, err
}

// SessionIDFromState extracts the session id from a get_state payload. The
// id may sit at the top level or under "session", in camel or snake case.
func SessionIDFromState(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var state map[string]json.RawMessage
	if err := json.Unmarshal(data, &state); err != nil {
		return "", false
	}
	if id, ok := stringMember(state, "sessionId", "session_id"); ok {
		return id, true
	}
	var session map[string]json.RawMessage
	if raw, ok := state["session"]; ok && json.Unmarshal(raw, &session) == nil {
		return stringMember(session, "sessionId", "session_id")
	}
	return "", false
}

// SessionIDFromGetStateLine reports the session id carried by a successful
// get_state response line.
func SessionIDFromGetStateLine(line []byte) (string, bool) {
	ev, err := DecodeEvent(line)
	if err != nil {
		return "", false
	}
	resp, ok := ev.(ResponseEvent)
	if !ok || resp.Command != "get_state" || !resp.Success {
		return "", false
	}
	return SessionIDFromState(resp.Data)
}

func stringMember(obj map[string]json.RawMessage, keys ...string) (string, bool) {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s, true
		}
	}
	return "", false
}
