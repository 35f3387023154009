package hscore

import (
	"container/heap"
	"fmt"
	"sort"
)

// TopologicalOrder represents how to sort a list of events, used primarily in ReverseTopologicalOrdering
type TopologicalOrder int

// Sort events by prev_events or auth_events
const (
	TopologicalOrderByPrevEvents TopologicalOrder = iota + 1
	TopologicalOrderByAuthEvents
)

// orderedHeap adapts a slice of T to container/heap, breaking ties with a
// caller-supplied comparison. It lets kahnsAlgorithm stay agnostic of which
// concrete wrapper type (power level block or mainline block) it is sorting.
type orderedHeap[T any] struct {
	items []T
	less  func(a, b T) bool
}

func (h *orderedHeap[T]) Len() int            { return len(h.items) }
func (h *orderedHeap[T]) Less(i, j int) bool  { return h.less(h.items[i], h.items[j]) }
func (h *orderedHeap[T]) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *orderedHeap[T]) Push(x interface{})  { h.items = append(h.items, x.(T)) }
func (h *orderedHeap[T]) Pop() interface{} {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// kahnsAlgorithm topologically sorts events using Kahn's algorithm: events
// that no remaining event depends on are peeled off first, greatest under
// less first, and each peel may free up the events it depends on. The peeled
// sequence is then reversed, so dependencies come before their dependents
// and ties are broken in the order given by less. idOf and edgesOf let the
// same implementation serve both the auth-event graph and the prev-event
// graph; any events left in a cycle are placed ahead of the sorted events,
// in reverse order of less, rather than dropped.
func kahnsAlgorithm[T any](events []T, idOf func(T) string, edgesOf func(T) []string, less func(a, b T) bool) []T {
	remaining := make(map[string]T, len(events))
	inDegree := make(map[string]int, len(events))

	for _, event := range events {
		id := idOf(event)
		remaining[id] = event
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, dep := range edgesOf(event) {
			inDegree[dep]++
		}
	}

	ready := &orderedHeap[T]{less: func(a, b T) bool { return less(b, a) }}
	heap.Init(ready)
	for id, count := range inDegree {
		if count == 0 {
			heap.Push(ready, remaining[id])
			delete(remaining, id)
		}
	}

	ordered := make([]T, 0, len(events))
	for ready.Len() > 0 {
		event := heap.Pop(ready).(T)
		ordered = append(ordered, event)

		for _, dep := range edgesOf(event) {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				if next, ok := remaining[dep]; ok {
					heap.Push(ready, next)
					delete(remaining, dep)
				}
			}
		}
	}
	// Popping yields dependents before their dependencies; reverse it so
	// that events with nothing depending on them sort last, matching the
	// "earlier events first" contract of reverseTopologicalOrdering.
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}

	if len(remaining) > 0 {
		stray := &orderedHeap[T]{less: less}
		for _, event := range remaining {
			stray.items = append(stray.items, event)
		}
		sort.Sort(sort.Reverse(stray))
		ordered = append(stray.items, ordered...)
	}

	return ordered
}

// wrapPowerLevelEventsForSort takes the input power level events and wraps them
// in stateResV2ConflictedPowerLevel structs so that we have the necessary
// information pre-calculated ahead of sorting.
func (r *stateResolverV2) wrapPowerLevelEventsForSort(events []*Event) []*stateResV2ConflictedPowerLevel {
	block := make([]*stateResV2ConflictedPowerLevel, len(events))
	for i, event := range events {
		block[i] = &stateResV2ConflictedPowerLevel{
			powerLevel:     r.getPowerLevelFromAuthEvents(event),
			originServerTS: event.OriginServerTS(),
			eventID:        event.EventID(),
			event:          event,
		}
	}
	return block
}

// wrapOtherEventsForSort takes the input non-power level events and wraps them
// in stateResV2ConflictedOther structs so that we have the necessary
// information pre-calculated ahead of sorting.
func (r *stateResolverV2) wrapOtherEventsForSort(events []*Event) []*stateResV2ConflictedOther {
	block := make([]*stateResV2ConflictedOther, len(events))
	for i, event := range events {
		_, pos, steps := r.getFirstPowerLevelMainlineEvent(event)
		block[i] = &stateResV2ConflictedOther{
			mainlinePosition: pos,
			mainlineSteps:    steps,
			originServerTS:   event.OriginServerTS(),
			eventID:          event.EventID(),
			event:            event,
		}
	}
	return block
}

// reverseTopologicalOrdering takes a set of input events, prepares them using
// wrapPowerLevelEventsForSort or wrapOtherEventsForSort depending on order,
// and runs kahnsAlgorithm to topologically sort them.
func (r *stateResolverV2) reverseTopologicalOrdering(events []*Event, order TopologicalOrder) []*Event {
	result := make([]*Event, 0, len(events))
	switch order {
	case TopologicalOrderByAuthEvents:
		block := r.wrapPowerLevelEventsForSort(events)
		sorted := kahnsAlgorithm(
			block,
			func(s *stateResV2ConflictedPowerLevel) string { return s.eventID },
			func(s *stateResV2ConflictedPowerLevel) []string { return s.event.AuthEventIDs() },
			lessConflictedPowerLevel,
		)
		for _, s := range sorted {
			result = append(result, s.event)
		}
	case TopologicalOrderByPrevEvents:
		block := r.wrapOtherEventsForSort(events)
		sorted := kahnsAlgorithm(
			block,
			func(s *stateResV2ConflictedOther) string { return s.eventID },
			func(s *stateResV2ConflictedOther) []string { return s.event.PrevEventIDs() },
			lessConflictedOther,
		)
		for _, s := range sorted {
			result = append(result, s.event)
		}
	default:
		panic(fmt.Sprintf("hscore.reverseTopologicalOrdering unknown Ordering %d", order))
	}
	return result
}

// mainlineOrdering takes a set of input events, prepares them using
// wrapOtherEventsForSort and then sorts them based on mainline ordering. The
// result that is returned is correctly ordered.
func (r *stateResolverV2) mainlineOrdering(events []*Event) []*Event {
	block := r.wrapOtherEventsForSort(events)
	result := make([]*Event, 0, len(block))
	sort.Sort(stateResV2ConflictedOtherHeap(block))
	for _, s := range block {
		result = append(result, s.event)
	}
	return result
}
