package sessiongraph

import "sort"

// Repair removes duplicate entries (same parent_id + message digest as
// a prior entry), entries whose parent is missing, and entries that
// participate in a cycle, then rewrites the file with the survivors in
// their original id order. It is idempotent: running it twice in a row
// yields a zero-valued report on the second pass.
func (g *Graph) Repair() (*RepairReport, error) {
	unlock, err := acquireLock(g.path+".lock", g.lockPolicy)
	if err != nil {
		return nil, err
	}
	defer unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	report := &RepairReport{}

	// (a) duplicates: walk in id order, drop an entry if its
	// (parent_id, digest) matches one already kept.
	seen := map[string]bool{}
	ids := make([]uint64, 0, len(g.entries))
	for id := range g.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	kept := map[uint64]*Entry{}
	for _, id := range ids {
		e := g.entries[id]
		key := digest(e.ParentID, e.Message)
		if seen[key] {
			report.RemovedDuplicates++
			continue
		}
		seen[key] = true
		kept[id] = e
	}

	// (b) invalid parent: drop entries whose parent_id doesn't exist
	// among the kept set (root entries, ParentID == nil, always pass).
	// Repeat until fixpoint since dropping a parent can orphan a child.
	for {
		removedThisPass := 0
		for id, e := range kept {
			if e.ParentID == nil {
				continue
			}
			if _, ok := kept[*e.ParentID]; !ok {
				delete(kept, id)
				removedThisPass++
				report.RemovedInvalidParent++
			}
		}
		if removedThisPass == 0 {
			break
		}
	}

	// (c) cycles: gray/black DFS walk; any entry revisited while gray
	// is part of a cycle and is dropped along with the rest of the
	// cycle's tail.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[uint64]int{}
	var cyclic []uint64
	var visit func(id uint64, path []uint64)
	visit = func(id uint64, path []uint64) {
		if color[id] == black {
			return
		}
		if color[id] == gray {
			// id is re-entered while still on the stack: everything
			// from id's first occurrence onward is the cycle.
			for i, p := range path {
				if p == id {
					cyclic = append(cyclic, path[i:]...)
					break
				}
			}
			return
		}
		color[id] = gray
		e, ok := kept[id]
		if ok && e.ParentID != nil {
			if _, ok := kept[*e.ParentID]; ok {
				visit(*e.ParentID, append(path, id))
			}
		}
		color[id] = black
	}
	for id := range kept {
		visit(id, nil)
	}
	cycleSet := map[uint64]bool{}
	for _, id := range cyclic {
		cycleSet[id] = true
	}
	for id := range cycleSet {
		delete(kept, id)
		report.RemovedCycles++
	}

	if report.RemovedDuplicates == 0 && report.RemovedInvalidParent == 0 && report.RemovedCycles == 0 {
		return report, nil
	}

	g.entries = kept
	g.order = nil
	newIDs := make([]uint64, 0, len(kept))
	for id := range kept {
		newIDs = append(newIDs, id)
	}
	sort.Slice(newIDs, func(i, j int) bool { return newIDs[i] < newIDs[j] })
	g.order = newIDs

	if err := g.rewriteLocked(); err != nil {
		return nil, err
	}
	return report, nil
}
