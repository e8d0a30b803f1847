// Package sessiongraph implements the append-only, branching session
// log described by the runtime's data model: a JSONL file of entries
// forming a DAG via parent_id links, guarded by a sibling advisory
// lock file.
package sessiongraph

import "encoding/json"

// Role is the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentBlock is one piece of a Message's content. Exactly one of
// Text/ToolCall fields/ToolResult fields is meaningful, selected by
// Type.
type ContentBlock struct {
	Type string `json:"type"` // "text" | "tool_call" | "tool_result"

	// Type == "text"
	Text string `json:"text,omitempty"`

	// Type == "tool_call"
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`

	// Type == "tool_result"
	ResultCallID string `json:"result_call_id,omitempty"`
	Content      string `json:"content,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`
}

// ToolCall mirrors a provider-issued tool invocation request, kept
// alongside Content so the Agent Core can distinguish "the turn asked
// for tools" from "a content block happens to describe one".
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is the durable, schema-stable representation of one
// conversational turn stored in a session entry.
type Message struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Entry is one node of the session DAG.
type Entry struct {
	ID       uint64  `json:"id"`
	ParentID *uint64 `json:"parent_id"`
	Message  Message `json:"message"`
}

// recordType discriminates session-file JSONL lines.
type recordType string

const (
	recordMeta  recordType = "meta"
	recordEntry recordType = "entry"
)

// record is the on-disk JSONL shape; fields beyond RecordType are
// populated depending on Type.
type record struct {
	RecordType    recordType `json:"record_type"`
	SchemaVersion int        `json:"schema_version,omitempty"`
	ID            uint64     `json:"id,omitempty"`
	ParentID      *uint64    `json:"parent_id,omitempty"`
	Message       *Message   `json:"message,omitempty"`
}

const schemaVersion = 1

// RepairReport summarizes what repair() removed.
type RepairReport struct {
	RemovedDuplicates   int `json:"removed_duplicates"`
	RemovedInvalidParent int `json:"removed_invalid_parent"`
	RemovedCycles       int `json:"removed_cycles"`
}

// CompactReport summarizes what compact_to_lineage did.
type CompactReport struct {
	RemovedEntries  int    `json:"removed_entries"`
	RetainedEntries int    `json:"retained_entries"`
	HeadID          uint64 `json:"head_id"`
}
