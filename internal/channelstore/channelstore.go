// Package channelstore implements the per-(transport, channel-id)
// persistent directory: inbound/outbound JSONL logs, a rolling context
// digest, the channel's Session Graph, downloaded attachments, and an
// optional memory.md. Directories are implicitly single-writer (each
// channel has at most one active scheduler worker), so no locking is
// needed beyond what internal/sessiongraph already does for its own
// file.
package channelstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/errs"
	"github.com/nextlevelbuilder/goclaw/internal/sessiongraph"
	"github.com/nextlevelbuilder/goclaw/internal/state"
)

// LogEntry is one line of log.jsonl.
type LogEntry struct {
	TimestampUnixMs int64           `json:"timestamp_unix_ms"`
	Direction       string          `json:"direction"` // "inbound" | "outbound"
	EventKey        string          `json:"event_key"`
	Source          string          `json:"source"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// ContextEntry is one line of context.jsonl.
type ContextEntry struct {
	TimestampUnixMs int64  `json:"timestamp_unix_ms"`
	Role            string `json:"role"`
	Text            string `json:"text"`
}

var safeEventKeyRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafeEventKey replaces any character outside [A-Za-z0-9._-] with '_',
// matching the external interface's attachment directory naming rule.
func SafeEventKey(key string) string {
	return safeEventKeyRe.ReplaceAllString(key, "_")
}

// Channel is one (transport, channel_id) directory.
type Channel struct {
	root      string
	mu        sync.Mutex
	Session   *sessiongraph.Graph
}

// Open creates (idempotently) the directory layout under
// <root>/channels/<transport>/<channel_id>/ and loads its session
// graph.
func Open(root, transport, channelID string, lockPolicy sessiongraph.LockPolicy) (*Channel, error) {
	dir := filepath.Join(root, "channels", transport, channelID)
	if err := os.MkdirAll(filepath.Join(dir, "attachments"), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInvalidConfig, "create channel directory", err)
	}
	g, err := sessiongraph.Load(filepath.Join(dir, "session.jsonl"), lockPolicy)
	if err != nil {
		return nil, err
	}
	return &Channel{root: dir, Session: g}, nil
}

func (c *Channel) appendJSONLine(name string, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(c.root, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "open "+name, err)
	}
	defer f.Close()

	b, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "marshal "+name+" entry", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "write "+name, err)
	}
	return nil
}

// AppendLogEntry appends one line to log.jsonl.
func (c *Channel) AppendLogEntry(e LogEntry) error {
	if e.TimestampUnixMs == 0 {
		e.TimestampUnixMs = state.NowUnixMs()
	}
	return c.appendJSONLine("log.jsonl", e)
}

// AppendContextEntry appends one line to context.jsonl.
func (c *Channel) AppendContextEntry(e ContextEntry) error {
	if e.TimestampUnixMs == 0 {
		e.TimestampUnixMs = state.NowUnixMs()
	}
	return c.appendJSONLine("context.jsonl", e)
}

// WriteMemory atomically replaces memory.md via write-temp-and-rename.
func (c *Channel) WriteMemory(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.root, "memory.md")
	tmp, err := os.CreateTemp(c.root, ".memory-*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "create temp memory file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindInvalidConfig, "write temp memory file", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "close temp memory file", err)
	}
	return os.Rename(tmpPath, path)
}

// AttachmentDir returns (creating if needed) the directory an inbound
// event's attachments should be downloaded into.
func (c *Channel) AttachmentDir(eventKey string) (string, error) {
	dir := filepath.Join(c.root, "attachments", SafeEventKey(eventKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindInvalidConfig, "create attachment directory", err)
	}
	return dir, nil
}

// SyncContextFromMessages extracts the trailing assistant/tool summary
// from msgs and appends it to context.jsonl.
func (c *Channel) SyncContextFromMessages(msgs []sessiongraph.Message) error {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != sessiongraph.RoleAssistant && m.Role != sessiongraph.RoleTool {
			continue
		}
		var text string
		for _, block := range m.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		if text == "" {
			continue
		}
		return c.AppendContextEntry(ContextEntry{Role: string(m.Role), Text: text})
	}
	return nil
}
