package sessiongraph

import (
	"sort"

	"github.com/nextlevelbuilder/goclaw/internal/errs"
)

// CompactToLineage retains only the ancestor path of head, renumbering
// contiguously from 1 while preserving ordering and parent links.
func (g *Graph) CompactToLineage(head uint64) (*CompactReport, error) {
	unlock, err := acquireLock(g.path+".lock", g.lockPolicy)
	if err != nil {
		return nil, err
	}
	defer unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	var lineage []uint64
	id := head
	for {
		e, ok := g.entries[id]
		if !ok {
			return nil, errs.New(errs.KindUnknownSessionID, "unknown head id")
		}
		lineage = append(lineage, id)
		if e.ParentID == nil {
			break
		}
		id = *e.ParentID
	}
	sort.Slice(lineage, func(i, j int) bool { return lineage[i] < lineage[j] })

	removed := len(g.entries) - len(lineage)

	remap := map[uint64]uint64{}
	newEntries := map[uint64]*Entry{}
	var newOrder []uint64
	var newHead uint64
	for i, oldID := range lineage {
		newID := uint64(i + 1)
		remap[oldID] = newID
	}
	for _, oldID := range lineage {
		old := g.entries[oldID]
		var parent *uint64
		if old.ParentID != nil {
			p := remap[*old.ParentID]
			parent = &p
		}
		newID := remap[oldID]
		e := &Entry{ID: newID, ParentID: parent, Message: old.Message}
		newEntries[newID] = e
		newOrder = append(newOrder, newID)
		if oldID == head {
			newHead = newID
		}
	}

	g.entries = newEntries
	g.order = newOrder
	g.maxID = uint64(len(newOrder))

	if err := g.rewriteLocked(); err != nil {
		return nil, err
	}

	return &CompactReport{
		RemovedEntries:  removed,
		RetainedEntries: len(newOrder),
		HeadID:          newHead,
	}, nil
}
