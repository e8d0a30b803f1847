package scheduler

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/state"
)

// PollInterval is the fixed poll-cycle tick for the dispatcher loop.
const PollInterval = 50 * time.Millisecond

// PollResult is what one dispatcher tick produced, for the caller to
// fold into a Health snapshot and an optional single-line summary log.
type PollResult struct {
	Counts   CycleCountsView
	Finished []Outcome
	Duration time.Duration
}

// CycleCountsView mirrors state.CycleCounts but is owned by this
// package so HandleEvent/DrainFinishedRuns can build it incrementally.
type CycleCountsView struct {
	Discovered, Processed, Completed, Failed, Duplicates int
}

func (c CycleCountsView) NonZero() bool {
	return c.Discovered+c.Processed+c.Completed+c.Failed+c.Duplicates > 0
}

func (c CycleCountsView) ToState() state.CycleCounts {
	return state.CycleCounts{
		Discovered: c.Discovered,
		Processed:  c.Processed,
		Completed:  c.Completed,
		Failed:     c.Failed,
		Duplicates: c.Duplicates,
	}
}

// Tick runs one poll cycle: pass each pending event to HandleEvent,
// start newly-eligible queued runs, drain finished runs, and report
// counters for the caller's health snapshot and cycle-summary log.
func (s *Scheduler) Tick(ctx context.Context, pending []Event) PollResult {
	start := time.Now()
	var cc cycleCounters

	for _, evt := range pending {
		s.HandleEvent(evt, &cc)
	}

	s.TryStartQueuedRuns(ctx)
	finished := s.DrainFinishedRuns(&cc)

	return PollResult{
		Counts: CycleCountsView{
			Discovered: cc.discovered,
			Processed:  cc.processed,
			Completed:  cc.completed,
			Failed:     cc.failed,
			Duplicates: cc.duplicates,
		},
		Finished: finished,
		Duration: time.Since(start),
	}
}
