package state

import (
	"container/heap"
	"sort"

	"RiskCore/internal/fixed"

	"github.com/google/uuid"
)

// QueueConfig bounds the liquidation queue.
type QueueConfig struct {
	Capacity int
	// StaleAfterTicks drops entries not rescanned within the window.
	StaleAfterTicks int64
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:        100,
		StaleAfterTicks: 25,
	}
}

// Candidate is a submission into the queue: the position reference plus
// the metrics of its latest scan. The queue stores ids only and never
// owns the position.
type Candidate struct {
	PositionID uuid.UUID
	RiskScore  fixed.FP
	Health     fixed.FP
	Size       int64 // quantity scale
}

// QueueEntry is a ranked candidate. Priority is
// risk_score * (1/health) * size-in-units; a zero health factor means
// imminent liquidation and ranks above every finite priority. Ties
// break by first-insertion order, earlier first.
type QueueEntry struct {
	PositionID   uuid.UUID
	RiskScore    fixed.FP
	Health       fixed.FP
	Size         int64
	Priority     fixed.FP
	Infinite     bool
	LastScanTick int64

	seq   int64 // first-insertion order, survives in-place updates
	index int   // heap position
}

func computePriority(c Candidate) (fixed.FP, bool) {
	if c.Health.IsZero() {
		return fixed.Zero, true
	}
	invHealth, err := fixed.One.CheckedDiv(c.Health)
	if err != nil {
		return fixed.Zero, true
	}
	return c.RiskScore.SatMul(invHealth).SatMul(fixed.FromMicros(c.Size)), false
}

// entryLess orders a above b when a should drain first.
func entryLess(a, b *QueueEntry) bool {
	if a.Infinite != b.Infinite {
		return a.Infinite
	}
	if a.Infinite {
		return a.seq < b.seq
	}
	if c := a.Priority.Cmp(b.Priority); c != 0 {
		return c > 0
	}
	return a.seq < b.seq
}

// entryHeap implements container/heap over queue entries.
type entryHeap []*QueueEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return entryLess(h[i], h[j]) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*QueueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// LiquidationQueue ranks liquidation candidates under a hard capacity.
// Submission and drain are serialized per tick by the engine; the queue
// itself holds no lock.
type LiquidationQueue struct {
	cfg        QueueConfig
	entries    entryHeap
	byPosition map[uuid.UUID]*QueueEntry
	nextSeq    int64
}

func NewLiquidationQueue(cfg QueueConfig) *LiquidationQueue {
	return &LiquidationQueue{
		cfg:        cfg,
		entries:    make(entryHeap, 0, cfg.Capacity),
		byPosition: make(map[uuid.UUID]*QueueEntry, cfg.Capacity),
	}
}

// Len returns the current entry count.
func (q *LiquidationQueue) Len() int {
	return len(q.entries)
}

// Capacity returns the configured bound.
func (q *LiquidationQueue) Capacity() int {
	return q.cfg.Capacity
}

// Submit adds a candidate or refreshes the existing entry for the same
// position in place, keeping its original insertion order for tie
// breaking. A new submission beyond capacity fails with ErrQueueFull.
func (q *LiquidationQueue) Submit(c Candidate, tick int64) error {
	priority, infinite := computePriority(c)

	if existing, ok := q.byPosition[c.PositionID]; ok {
		existing.RiskScore = c.RiskScore
		existing.Health = c.Health
		existing.Size = c.Size
		existing.Priority = priority
		existing.Infinite = infinite
		existing.LastScanTick = tick
		heap.Fix(&q.entries, existing.index)
		return nil
	}

	if len(q.entries) >= q.cfg.Capacity {
		return ErrQueueFull
	}

	entry := &QueueEntry{
		PositionID:   c.PositionID,
		RiskScore:    c.RiskScore,
		Health:       c.Health,
		Size:         c.Size,
		Priority:     priority,
		Infinite:     infinite,
		LastScanTick: tick,
		seq:          q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.entries, entry)
	q.byPosition[c.PositionID] = entry
	return nil
}

// Remove drops the entry for a position, e.g. when it closed or was
// found healthy on rescan.
func (q *LiquidationQueue) Remove(positionID uuid.UUID) bool {
	entry, ok := q.byPosition[positionID]
	if !ok {
		return false
	}
	heap.Remove(&q.entries, entry.index)
	delete(q.byPosition, positionID)
	return true
}

// Contains reports whether the position is queued.
func (q *LiquidationQueue) Contains(positionID uuid.UUID) bool {
	_, ok := q.byPosition[positionID]
	return ok
}

// TakeBatch pops up to n entries in priority order.
func (q *LiquidationQueue) TakeBatch(n int) []*QueueEntry {
	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]*QueueEntry, 0, n)
	for i := 0; i < n; i++ {
		e := heap.Pop(&q.entries).(*QueueEntry)
		delete(q.byPosition, e.PositionID)
		out = append(out, e)
	}
	return out
}

// EvictStale drops entries whose last scan is older than the staleness
// window and returns how many were removed.
func (q *LiquidationQueue) EvictStale(tick int64) int {
	var stale []uuid.UUID
	for _, e := range q.entries {
		if tick-e.LastScanTick > q.cfg.StaleAfterTicks {
			stale = append(stale, e.PositionID)
		}
	}
	for _, id := range stale {
		q.Remove(id)
	}
	return len(stale)
}

// Ranked returns a copy of all entries in drain order without mutating
// the queue. Used by the query surface; cost is fine at queue scale.
func (q *LiquidationQueue) Ranked() []QueueEntry {
	tmp := make([]*QueueEntry, len(q.entries))
	copy(tmp, q.entries)
	sort.Slice(tmp, func(i, j int) bool { return entryLess(tmp[i], tmp[j]) })
	out := make([]QueueEntry, len(tmp))
	for i, e := range tmp {
		out[i] = *e
	}
	return out
}
