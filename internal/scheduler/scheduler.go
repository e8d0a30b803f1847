// Package scheduler implements the per-channel run dispatcher: at most
// one active run per channel, FIFO queueing, dedup, staleness gating,
// cancellation, and health snapshot bookkeeping. All mutable state
// (active runs, channel queues, processed keys) is owned exclusively
// by the goroutine that calls the package's methods from the poll
// loop; a single mutex protects it from the worker goroutines that
// report results back.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw/internal/state"
)

// Event is one inbound unit of work bound for a channel's queue.
type Event struct {
	Key            string // globally unique per inbound event, used for dedup
	ChannelID      string
	OccurredUnixMs int64
	Request        RunRequest
}

// RunRequest is the payload handed to a Worker. It is intentionally a
// thin envelope — the concrete prompt/session/tool wiring lives in
// internal/agent and internal/channelstore; the scheduler only needs
// enough to route and to report.
type RunRequest struct {
	ChannelID string
	Prompt    string
	Metadata  map[string]string
}

// Status classifies how a run ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
)

// Outcome is what a Worker reports back for one run.
type Outcome struct {
	RunID    string
	Status   Status
	Err      error
	Result   interface{}
	Started  time.Time
	Finished time.Time
}

// Worker executes one run to completion, honoring ctx cancellation.
// Implemented by internal/agent's adaptation of the turn loop.
type Worker func(ctx context.Context, evt Event) Outcome

// LaneCron is the channel id used by scheduled/cron-triggered runs
// that have no conversational channel of their own.
const LaneCron = "cron"

type activeRun struct {
	cancel context.CancelFunc
	done   chan Outcome
}

// Scheduler is the per-channel run dispatcher, the dispatch core shared
// by every channel adapter. Construct with NewScheduler and drive it
// with Poll from a single goroutine; Schedule/HandleEvent may be called
// from any goroutine.
type Scheduler struct {
	mu            sync.Mutex
	activeRuns    map[string]*activeRun
	channelQueues map[string][]Event
	processed     *state.Ring
	queueLimit    int
	maxEventAgeMs int64
	worker        Worker
	log           *slog.Logger

	durationSkips struct {
		duplicates int
		stale      int
		failed     int
	}
}

type Options struct {
	ProcessedCap     int
	QueueLimit       int           // max simultaneous active_runs across all channels; 0 = unlimited
	MaxEventAge      time.Duration // 0 disables the staleness gate
	Worker           Worker
	Logger           *slog.Logger
}

func New(opts Options) *Scheduler {
	cap := opts.ProcessedCap
	if cap < 1 {
		cap = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		activeRuns:    map[string]*activeRun{},
		channelQueues: map[string][]Event{},
		processed:     state.NewRing(cap),
		queueLimit:    opts.QueueLimit,
		maxEventAgeMs: int64(opts.MaxEventAge / time.Millisecond),
		worker:        opts.Worker,
		log:           logger,
	}
}

// cycleCounters accumulate across one poll cycle; reset by Poll after
// each summary emit.
type cycleCounters struct {
	discovered, processed, completed, failed, duplicates int
}

// HandleEvent runs the event intake pipeline: dedup, staleness gate,
// enqueue.
func (s *Scheduler) HandleEvent(evt Event, c *cycleCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processed.Contains(evt.Key) {
		c.duplicates++
		s.log.Debug("duplicate event skipped", "key", evt.Key, "channel", evt.ChannelID)
		return
	}
	if s.maxEventAgeMs > 0 {
		age := state.NowUnixMs() - evt.OccurredUnixMs
		if age > s.maxEventAgeMs {
			c.duplicates++ // counted as a skip, not a processed event
			s.processed.Insert(evt.Key)
			s.log.Warn("stale event dropped", "key", evt.Key, "channel", evt.ChannelID, "age_ms", age)
			return
		}
	}
	s.processed.Insert(evt.Key)
	s.channelQueues[evt.ChannelID] = append(s.channelQueues[evt.ChannelID], evt)
	c.discovered++
}

// Schedule is the direct-dispatch entrypoint used by callers that
// already know their channel/lane (e.g. the cron ingestion loop): it
// enqueues evt's implicit single-shot event and returns a channel that
// receives exactly one Outcome once the run completes.
func (s *Scheduler) Schedule(ctx context.Context, channelID string, req RunRequest) <-chan Outcome {
	evt := Event{
		Key:            uuid.NewString(),
		ChannelID:      channelID,
		OccurredUnixMs: state.NowUnixMs(),
		Request:        req,
	}
	result := make(chan Outcome, 1)

	s.mu.Lock()
	s.processed.Insert(evt.Key)
	s.channelQueues[channelID] = append(s.channelQueues[channelID], evt)
	s.mu.Unlock()

	go s.runDirect(ctx, evt, result)
	return result
}

func (s *Scheduler) runDirect(ctx context.Context, evt Event, result chan<- Outcome) {
	// Drain the queue entry we just pushed for this lane so
	// TryStartQueuedRuns doesn't double-spawn it, then run it
	// synchronously on this goroutine under its own cancellation.
	s.mu.Lock()
	q := s.channelQueues[evt.ChannelID]
	for i, e := range q {
		if e.Key == evt.Key {
			s.channelQueues[evt.ChannelID] = append(q[:i], q[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	outcome := s.worker(runCtx, evt)
	result <- outcome
	close(result)
}

// TryStartQueuedRuns scans for each channel with a non-empty queue and
// no active run, dequeues one event and spawns a worker. Tie-breaking
// when multiple channels are simultaneously eligible is deterministic
// ascending channel-id comparison.
func (s *Scheduler) TryStartQueuedRuns(ctx context.Context) {
	s.mu.Lock()
	var channels []string
	for ch, q := range s.channelQueues {
		if len(q) == 0 {
			continue
		}
		if _, busy := s.activeRuns[ch]; busy {
			continue
		}
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	type spawn struct {
		evt    Event
		run    *activeRun
		runCtx context.Context
	}
	var spawns []spawn
	for _, ch := range channels {
		if s.queueLimit > 0 && len(s.activeRuns) >= s.queueLimit {
			break
		}
		evt := s.channelQueues[ch][0]
		s.channelQueues[ch] = s.channelQueues[ch][1:]

		runCtx, cancel := context.WithCancel(ctx)
		run := &activeRun{cancel: cancel, done: make(chan Outcome, 1)}
		s.activeRuns[ch] = run
		spawns = append(spawns, spawn{evt: evt, run: run, runCtx: runCtx})
	}
	s.mu.Unlock()

	for _, sp := range spawns {
		go func(evt Event, run *activeRun, runCtx context.Context) {
			outcome := s.worker(runCtx, evt)
			run.done <- outcome
		}(sp.evt, sp.run, sp.runCtx)
	}
}

// DrainFinishedRuns awaits any active run whose worker has reported a
// result, appends bookkeeping, and frees its channel slot.
func (s *Scheduler) DrainFinishedRuns(c *cycleCounters) []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finished []Outcome
	for ch, run := range s.activeRuns {
		select {
		case outcome := <-run.done:
			finished = append(finished, outcome)
			delete(s.activeRuns, ch)
			c.processed++
			if outcome.Status == StatusCompleted {
				c.completed++
			} else if outcome.Status == StatusFailed {
				c.failed++
			}
		default:
		}
	}
	return finished
}

// Cancel signals the active run on channelID (if any) to cancel.
// Invariant: at any time len(activeRuns) is at most one per channel,
// enforced by construction in TryStartQueuedRuns.
func (s *Scheduler) Cancel(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.activeRuns[channelID]
	if !ok {
		return false
	}
	run.cancel()
	return true
}

// QueueDepth returns the total number of queued (not yet dequeued)
// events across all channels, for health snapshot reporting.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.channelQueues {
		n += len(q)
	}
	return n
}

// ActiveRunCount returns len(activeRuns).
func (s *Scheduler) ActiveRunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeRuns)
}

// Shutdown cancels every active run and waits up to timeout for them
// to report a final Outcome, for graceful SIGINT handling.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	runs := make([]*activeRun, 0, len(s.activeRuns))
	for _, run := range s.activeRuns {
		run.cancel()
		runs = append(runs, run)
	}
	s.mu.Unlock()

	deadline := time.After(timeout)
	for _, run := range runs {
		select {
		case <-run.done:
		case <-deadline:
			return
		}
	}
}
