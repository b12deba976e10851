package tracer

import (
	"container/heap"

	"github.com/rs/zerolog"
)

// Visitor dispatches a typed event to whatever component processes it.
// PerfEventProcessor only needs a single Accept method; UnwindingVisitor
// implements this with a type switch rather than a virtual hierarchy,
// per §9's design note.
type Visitor interface {
	Accept(Event)
}

// eventHeap is a min-heap of events ordered by timestamp, the backing
// store for PerfEventProcessor's reorder window.
type eventHeap []Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Timestamp() < h[j].Timestamp() }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(Event)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PerfEventProcessor reorders events arriving out of global timestamp
// order within a bounded PROCESSING_DELAY window before dispatching them
// to a Visitor in non-decreasing timestamp order (§4.3 / C8). It is
// single-threaded: the engine is its only caller, and no locking is
// needed.
type PerfEventProcessor struct {
	visitor         Visitor
	processingDelay uint64
	logger          zerolog.Logger

	heap            eventHeap
	lastProcessedTs Ts
}

// NewPerfEventProcessor creates a processor dispatching to visitor, with
// the given PROCESSING_DELAY in nanoseconds.
func NewPerfEventProcessor(visitor Visitor, processingDelayNs uint64, logger zerolog.Logger) *PerfEventProcessor {
	return &PerfEventProcessor{
		visitor:         visitor,
		processingDelay: processingDelayNs,
		logger:          logger.With().Str("component", "perf_event_processor").Logger(),
	}
}

// AddEvent pushes event onto the reorder heap. An event older than
// lastProcessedTs - PROCESSING_DELAY is logged but still enqueued; the
// visitor may cope, per §4.3.
func (p *PerfEventProcessor) AddEvent(event Event) {
	if p.lastProcessedTs > p.processingDelay && event.Timestamp() < p.lastProcessedTs-p.processingDelay {
		p.logger.Warn().
			Uint64("event_ts", event.Timestamp()).
			Uint64("last_processed_ts", p.lastProcessedTs).
			Msg("event arrived older than the processing delay window, accepting anyway")
	}
	heap.Push(&p.heap, event)
}

// ProcessOldEvents dispatches every event whose timestamp plus
// PROCESSING_DELAY is no later than now, in non-decreasing timestamp
// order.
func (p *PerfEventProcessor) ProcessOldEvents(now Ts) {
	for p.heap.Len() > 0 && p.heap[0].Timestamp()+p.processingDelay <= now {
		p.dispatchHead()
	}
}

// ProcessAllEvents drains the heap unconditionally; used at shutdown
// (§4.2 Shutdown / §5 Cancellation).
func (p *PerfEventProcessor) ProcessAllEvents() {
	for p.heap.Len() > 0 {
		p.dispatchHead()
	}
}

// Len reports the number of events currently buffered for reordering.
func (p *PerfEventProcessor) Len() int { return p.heap.Len() }

func (p *PerfEventProcessor) dispatchHead() {
	event := heap.Pop(&p.heap).(Event)
	p.visitor.Accept(event)
	p.lastProcessedTs = event.Timestamp()
}
