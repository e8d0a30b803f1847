package sessiongraph

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/errs"
)

// Graph is one session's in-memory view of its JSONL file, kept in
// sync with disk under the advisory lock on every write.
type Graph struct {
	path       string
	lockPolicy LockPolicy

	mu      sync.Mutex
	entries map[uint64]*Entry
	order   []uint64 // append order, ascending id
	maxID   uint64
	loaded  bool // a meta header has been seen (file exists and is well-formed)
}

// Load reads path if it exists, parsing its JSONL records. A missing
// file yields an empty, not-yet-initialized Graph (no error).
func Load(path string, policy LockPolicy) (*Graph, error) {
	g := &Graph{path: path, lockPolicy: policy, entries: map[uint64]*Entry{}}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, errs.Wrap(errs.KindInvalidConfig, "open session file", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lineNo++
			var rec record
			if err := json.Unmarshal(bytes.TrimSpace(line), &rec); err != nil {
				return nil, errs.Wrap(errs.KindInvalidConfig, fmt.Sprintf("parse session file at line %d", lineNo), err)
			}
			switch rec.RecordType {
			case recordMeta:
				g.loaded = true
			case recordEntry:
				if rec.Message == nil {
					return nil, errs.New(errs.KindInvalidConfig, fmt.Sprintf("entry record missing message at line %d", lineNo))
				}
				e := &Entry{ID: rec.ID, ParentID: rec.ParentID, Message: *rec.Message}
				g.entries[e.ID] = e
				g.order = append(g.order, e.ID)
				if e.ID > g.maxID {
					g.maxID = e.ID
				}
			default:
				return nil, errs.New(errs.KindInvalidConfig, fmt.Sprintf("unknown record_type at line %d", lineNo))
			}
		}
		if readErr != nil {
			break
		}
	}
	return g, nil
}

// EnsureInitialized writes the meta header (if not already present)
// and, when systemPrompt is non-empty and the graph has no entries
// yet, appends a root system-role entry. Returns the resulting root
// id, or nil if the graph already had entries (idempotent: a second
// call on an initialized graph is a no-op).
func (g *Graph) EnsureInitialized(systemPrompt string) (*uint64, error) {
	g.mu.Lock()
	already := g.loaded
	hasEntries := len(g.entries) > 0
	g.mu.Unlock()

	if !already {
		if err := g.writeMetaHeader(); err != nil {
			return nil, err
		}
	}
	if hasEntries {
		return nil, nil
	}
	if systemPrompt == "" {
		return nil, nil
	}
	msg := Message{Role: RoleSystem, Content: []ContentBlock{{Type: "text", Text: systemPrompt}}}
	return g.AppendMessages(nil, []Message{msg})
}

func (g *Graph) writeMetaHeader() error {
	unlock, err := acquireLock(g.path+".lock", g.lockPolicy)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "open session file for meta header", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "stat session file", err)
	}
	if fi.Size() > 0 {
		g.mu.Lock()
		g.loaded = true
		g.mu.Unlock()
		return nil
	}
	rec := record{RecordType: recordMeta, SchemaVersion: schemaVersion}
	b, _ := json.Marshal(rec)
	if _, err := f.Write(append(b, '\n')); err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "write meta header", err)
	}
	g.mu.Lock()
	g.loaded = true
	g.mu.Unlock()
	return nil
}

// AppendMessages assigns ids max_id+1.. to msgs, chaining each new
// message's parent to the previous one (or to parent for the first),
// writes them as single JSON lines, and returns the new head id.
// Failure to acquire the lock, or any write failure, leaves the file
// untouched for entries not yet flushed: each line is written and
// fsynced before the next id is assigned, so no partial record can
// ever be observed by a concurrent reader.
func (g *Graph) AppendMessages(parent *uint64, msgs []Message) (*uint64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	unlock, err := acquireLock(g.path+".lock", g.lockPolicy)
	if err != nil {
		return nil, err
	}
	defer unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if parent != nil {
		if _, ok := g.entries[*parent]; !ok {
			return nil, errs.New(errs.KindParentNotFound, fmt.Sprintf("parent %d not found", *parent))
		}
	}

	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidConfig, "open session file for append", err)
	}
	defer f.Close()

	cur := parent
	var lastID uint64
	for _, msg := range msgs {
		id := g.maxID + 1
		e := &Entry{ID: id, ParentID: cur, Message: msg}
		rec := record{RecordType: recordEntry, ID: e.ID, ParentID: e.ParentID, Message: &e.Message}
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidConfig, "marshal entry", err)
		}
		if _, err := f.Write(append(b, '\n')); err != nil {
			return nil, errs.Wrap(errs.KindInvalidConfig, "write entry", err)
		}
		if err := f.Sync(); err != nil {
			return nil, errs.Wrap(errs.KindInvalidConfig, "fsync entry", err)
		}

		g.entries[id] = e
		g.order = append(g.order, id)
		g.maxID = id
		lastID = id
		cur = &id
	}
	return &lastID, nil
}

// LineageMessages walks parent_id links from head to the root,
// returning messages in chronological order.
func (g *Graph) LineageMessages(head uint64) ([]Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var chain []Message
	id := head
	for {
		e, ok := g.entries[id]
		if !ok {
			return nil, errs.New(errs.KindUnknownSessionID, fmt.Sprintf("unknown session id %d", id))
		}
		chain = append(chain, e.Message)
		if e.ParentID == nil {
			break
		}
		id = *e.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// BranchTips returns ids of every entry with no children ("heads").
func (g *Graph) BranchTips() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	hasChild := map[uint64]bool{}
	for _, e := range g.entries {
		if e.ParentID != nil {
			hasChild[*e.ParentID] = true
		}
	}
	var tips []uint64
	for id := range g.entries {
		if !hasChild[id] {
			tips = append(tips, id)
		}
	}
	sort.Slice(tips, func(i, j int) bool { return tips[i] < tips[j] })
	return tips
}

// Contains reports whether id exists in the graph.
func (g *Graph) Contains(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[id]
	return ok
}

// MaxID returns the highest assigned entry id, 0 if empty.
func (g *Graph) MaxID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxID
}
