// Package scheduler implements the priority-ordered ready-queue with
// pluggable ranking policies on top of container/heap.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/swarmguard/taskmesh/internal/mesh"
)

// Policy names a ranking heuristic. Genetic is accepted but falls back
// to Priority — the full genetic-algorithm scheduler is out of scope.
type Policy string

const (
	FIFO                  Policy = "fifo"
	LIFO                  Policy = "lifo"
	PriorityPolicy        Policy = "priority"
	ShortestJobFirst      Policy = "shortest_job_first"
	EarliestDeadlineFirst Policy = "earliest_deadline_first"
	CriticalRatio         Policy = "critical_ratio"
	Genetic               Policy = "genetic" // falls back to PriorityPolicy
	Hybrid                Policy = "hybrid"
)

// HybridConfig parameterizes the Hybrid policy: rank by Primary, and
// whenever the estimate confidence is below ConfidenceThreshold, rank by
// Secondary instead.
type HybridConfig struct {
	Primary             Policy
	Secondary           Policy
	ConfidenceThreshold float64
}

// DefaultHybridConfig is the default scheduling heuristic:
// Hybrid{CriticalRatio, Priority, 0.7}.
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{Primary: CriticalRatio, Secondary: PriorityPolicy, ConfidenceThreshold: 0.7}
}

// Estimate is a task class's historical duration estimate.
type Estimate struct {
	Mean       time.Duration
	Confidence float64 // min(1, samples/10)
}

// ScheduleItem is one entry in the ready-queue heap.
type ScheduleItem struct {
	TaskID       mesh.TaskID
	Priority     mesh.Priority
	Deadline     time.Time // zero if none
	EnqueuedAt   time.Time
	Estimate     Estimate
	ResourceNeed int // units of available_resources this item consumes if dispatched
	seq          int // FIFO/LIFO tiebreak, set by Scheduler
}

// Scheduler is a priority heap of ScheduleItem plus per-task-class
// duration history, ranked by the configured Policy.
type Scheduler struct {
	mu      sync.Mutex
	items   *itemHeap
	policy  Policy
	hybrid  HybridConfig
	history map[string]*ring // keyed by task class (Task.Name)
	nextSeq int
}

// New returns a Scheduler using policy. If policy is Hybrid, cfg
// parameterizes it (use DefaultHybridConfig() for the default curve).
func New(policy Policy, cfg HybridConfig) *Scheduler {
	h := &itemHeap{}
	heap.Init(h)
	return &Scheduler{items: h, policy: policy, hybrid: cfg, history: make(map[string]*ring)}
}

// Push enqueues item, stamping it with the scheduler's monotone sequence
// counter for FIFO/LIFO tiebreaking.
func (s *Scheduler) Push(item ScheduleItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.seq = s.nextSeq
	s.nextSeq++
	heap.Push(s.items, rankedItem{item: item, score: s.scoreLocked(item)})
}

// Pop removes and returns the highest-ranked item, or ok=false if empty.
func (s *Scheduler) Pop() (ScheduleItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items.Len() == 0 {
		return ScheduleItem{}, false
	}
	ri := heap.Pop(s.items).(rankedItem)
	return ri.item, true
}

// PopAvailable removes and returns the highest-ranked item whose
// ResourceNeed fits within available, skipping (and re-pushing) items
// that don't fit rather than blocking on them. ok is false if no item in
// the heap currently fits.
func (s *Scheduler) PopAvailable(available int) (ScheduleItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []rankedItem
	defer func() {
		for _, ri := range skipped {
			heap.Push(s.items, ri)
		}
	}()

	for s.items.Len() > 0 {
		ri := heap.Pop(s.items).(rankedItem)
		if ri.item.ResourceNeed <= available {
			return ri.item, true
		}
		skipped = append(skipped, ri)
	}
	return ScheduleItem{}, false
}

// Len reports the number of queued items.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// RecordDuration feeds an observed execution duration into taskClass's
// history, updating future Estimates for that class.
func (s *Scheduler) RecordDuration(taskClass string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.history[taskClass]
	if !ok {
		r = newRing(100)
		s.history[taskClass] = r
	}
	r.add(d)
}

// Estimate returns taskClass's current duration estimate: mean times a
// 1.2 safety multiplier, with confidence = min(1, samples/10).
func (s *Scheduler) Estimate(taskClass string) Estimate {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.history[taskClass]
	if !ok || r.n == 0 {
		return Estimate{Mean: 0, Confidence: 0}
	}
	mean := time.Duration(float64(r.sum) / float64(r.n) * 1.2)
	confidence := float64(r.n) / 10
	if confidence > 1 {
		confidence = 1
	}
	return Estimate{Mean: mean, Confidence: confidence}
}

// kindDefaults is the no-history fallback duration per definition kind.
var kindDefaults = map[mesh.DefinitionKind]time.Duration{
	mesh.DefCommand:  10 * time.Second,
	mesh.DefScript:   60 * time.Second,
	mesh.DefHTTP:     5 * time.Second,
	mesh.DefWorkflow: 5 * time.Minute,
}

// EstimateForKind is Estimate plus the cold-start rule: with no recorded
// history for taskClass, the estimate falls back to a per-definition-kind
// default at confidence 0.3.
func (s *Scheduler) EstimateForKind(taskClass string, kind mesh.DefinitionKind) Estimate {
	est := s.Estimate(taskClass)
	if est.Confidence > 0 {
		return est
	}
	return Estimate{Mean: kindDefaults[kind], Confidence: 0.3}
}

// scoreLocked computes a float ranking score for item under the
// scheduler's configured policy: heap.Pop always returns the item with
// the numerically *largest* score.
func (s *Scheduler) scoreLocked(item ScheduleItem) float64 {
	policy := s.policy
	if policy == Hybrid {
		if item.Estimate.Confidence < s.hybrid.ConfidenceThreshold {
			policy = s.hybrid.Secondary
		} else {
			policy = s.hybrid.Primary
		}
	}
	if policy == Genetic {
		policy = PriorityPolicy
	}
	switch policy {
	case FIFO:
		return -float64(item.seq)
	case LIFO:
		return float64(item.seq)
	case PriorityPolicy:
		return float64(item.Priority)
	case ShortestJobFirst:
		if item.Estimate.Mean <= 0 {
			return 0
		}
		return -float64(item.Estimate.Mean)
	case EarliestDeadlineFirst:
		if item.Deadline.IsZero() {
			return -1e18 // no deadline: lowest priority among EDF-ranked items
		}
		return -float64(item.Deadline.UnixNano())
	case CriticalRatio:
		if item.Deadline.IsZero() || item.Estimate.Mean <= 0 {
			return float64(item.Priority)
		}
		slack := time.Until(item.Deadline)
		ratio := float64(slack) / float64(item.Estimate.Mean)
		return -ratio // smaller ratio (less slack relative to work) ranks higher
	default:
		return float64(item.Priority)
	}
}

// rankedItem pairs a ScheduleItem with its precomputed heap score.
type rankedItem struct {
	item  ScheduleItem
	score float64
}

// itemHeap is a max-heap (container/heap is a min-heap by default, so
// Less is inverted) ordered by rankedItem.score.
type itemHeap []rankedItem

func (h itemHeap) Len() int { return len(h) }

// Less orders by score; equal scores (e.g. two FIFO items, or two items
// under the same ranking policy producing ties) fall back to
// (priority, EnqueuedAt ascending, id) so ordering among ties is
// still deterministic rather than heap-internal-order dependent. The
// task's creation time plays no part; EnqueuedAt is when the item was
// pushed.
func (h itemHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	a, b := h[i].item, h[j].item
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.TaskID.String() < b.TaskID.String()
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(rankedItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ring is a fixed-size ring buffer of durations, used for per-class
// history without unbounded growth.
type ring struct {
	buf []time.Duration
	pos int
	n   int
	sum time.Duration
}

func newRing(size int) *ring { return &ring{buf: make([]time.Duration, size)} }

func (r *ring) add(d time.Duration) {
	if r.n == len(r.buf) {
		r.sum -= r.buf[r.pos]
	} else {
		r.n++
	}
	r.buf[r.pos] = d
	r.sum += d
	r.pos = (r.pos + 1) % len(r.buf)
}
