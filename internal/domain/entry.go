package domain

import (
	"encoding/json"
	"time"
)

// EntryType classifies a normalized log entry.
type EntryType string

const (
	EntrySystemMessage    EntryType = "system_message"
	EntryAssistantMessage EntryType = "assistant_message"
	EntryThinking         EntryType = "thinking"
	EntryToolUse          EntryType = "tool_use"
	EntryErrorMessage     EntryType = "error_message"
)

// ErrorKind tags error_message entries.
type ErrorKind string

const (
	ErrorKindOther ErrorKind = "other"
)

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolStatusCreated ToolStatus = "created"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusFailed  ToolStatus = "failed"
)

// ActionKind identifies what a tool call does.
type ActionKind string

const (
	ActionFileRead   ActionKind = "file_read"
	ActionFileEdit   ActionKind = "file_edit"
	ActionCommandRun ActionKind = "command_run"
)

// FileChangeKind identifies a change made to a file by a tool.
type FileChangeKind string

const (
	FileChangeWrite FileChangeKind = "write"
	FileChangeEdit  FileChangeKind = "edit"
)

// FileChange describes one change to a file. Write carries the full new
// content; Edit carries a unified diff.
type FileChange struct {
	Kind           FileChangeKind `json:"kind"`
	Content        string         `json:"content,omitempty"`
	UnifiedDiff    string         `json:"unified_diff,omitempty"`
	HasLineNumbers bool           `json:"has_line_numbers,omitempty"`
}

// ExitStatus is the exit status reported for a command run.
type ExitStatus struct {
	Code int `json:"code"`
}

// CommandRunResult holds the outcome of a command_run action.
type CommandRunResult struct {
	ExitStatus *ExitStatus `json:"exit_status,omitempty"`
	Output     *string     `json:"output,omitempty"`
}

// Action is the typed description of what a tool call does.
type Action struct {
	Kind    ActionKind        `json:"kind"`
	Path    string            `json:"path,omitempty"`
	Changes []FileChange      `json:"changes,omitempty"`
	Command string            `json:"command,omitempty"`
	Result  *CommandRunResult `json:"result,omitempty"`
}

// ToolUse is set on tool_use entries.
type ToolUse struct {
	ToolName string     `json:"tool_name"`
	Action   Action     `json:"action"`
	Status   ToolStatus `json:"status"`
}

// NormalizedEntry is the unit handed to the log store. Streaming entries
// (thinking, tool calls, grouped stderr) are replaced in place by index.
type NormalizedEntry struct {
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Type      EntryType       `json:"type"`
	ToolUse   *ToolUse        `json:"tool_use,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// NewSystemMessage returns a system_message entry.
func NewSystemMessage(content string) NormalizedEntry {
	return NormalizedEntry{Type: EntrySystemMessage, Content: content}
}

// NewAssistantMessage returns an assistant_message entry.
func NewAssistantMessage(content string) NormalizedEntry {
	return NormalizedEntry{Type: EntryAssistantMessage, Content: content}
}

// NewThinking returns a thinking entry.
func NewThinking(content string) NormalizedEntry {
	return NormalizedEntry{Type: EntryThinking, Content: content}
}

// NewErrorMessage returns an error_message entry tagged ErrorKindOther.
func NewErrorMessage(content string) NormalizedEntry {
	return NormalizedEntry{Type: EntryErrorMessage, ErrorKind: ErrorKindOther, Content: content}
}
