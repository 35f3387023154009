package hscore

import (
	"strings"

	"github.com/matrixcore/hscore/spec"
)

// stateResV2ConflictedPowerLevel is used to sort the events in a block by
// descending effective power level, then ascending origin_server_ts, then
// ascending event ID. It is a bit of an optimisation to use this - by
// working out the effective power level etc ahead of time, we use less CPU
// cycles during the sort.
type stateResV2ConflictedPowerLevel struct {
	powerLevel     int64
	originServerTS spec.Timestamp
	eventID        string
	event          *Event
}

func lessConflictedPowerLevel(a, b *stateResV2ConflictedPowerLevel) bool {
	if a.powerLevel != b.powerLevel {
		return a.powerLevel > b.powerLevel
	}
	if a.originServerTS != b.originServerTS {
		return a.originServerTS < b.originServerTS
	}
	return strings.Compare(a.eventID, b.eventID) < 0
}

// stateResV2ConflictedPowerLevelHeap orders stateResV2ConflictedPowerLevel
// values by lessConflictedPowerLevel for sort and container/heap.
// kahnsAlgorithm applies the same comparison through orderedHeap when it
// sorts by auth events.
type stateResV2ConflictedPowerLevelHeap []*stateResV2ConflictedPowerLevel

func (s stateResV2ConflictedPowerLevelHeap) Len() int { return len(s) }

func (s stateResV2ConflictedPowerLevelHeap) Less(i, j int) bool {
	return lessConflictedPowerLevel(s[i], s[j])
}

func (s stateResV2ConflictedPowerLevelHeap) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (pq *stateResV2ConflictedPowerLevelHeap) Push(x interface{}) {
	*pq = append(*pq, x.(*stateResV2ConflictedPowerLevel))
}

func (pq *stateResV2ConflictedPowerLevelHeap) Pop() interface{} {
	old := *pq
	n := len(old)
	x := old[n-1]
	*pq = old[:n-1]
	return x
}

// stateResV2ConflictedOther is used to sort the non-power-level events in a
// block by ascending mainline position, fewest steps to reach the mainline,
// ascending origin_server_ts, then ascending event ID.
type stateResV2ConflictedOther struct {
	mainlinePosition int
	mainlineSteps    int
	originServerTS   spec.Timestamp
	eventID          string
	event            *Event
}

func lessConflictedOther(a, b *stateResV2ConflictedOther) bool {
	if a.mainlinePosition != b.mainlinePosition {
		return a.mainlinePosition < b.mainlinePosition
	}
	if a.mainlineSteps != b.mainlineSteps {
		return a.mainlineSteps < b.mainlineSteps
	}
	if a.originServerTS != b.originServerTS {
		return a.originServerTS < b.originServerTS
	}
	return strings.Compare(a.eventID, b.eventID) < 0
}

// stateResV2ConflictedOtherHeap is used to sort the events using sort.Sort
// for mainline ordering; Kahn's algorithm by prev events applies the same
// comparison through orderedHeap.
type stateResV2ConflictedOtherHeap []*stateResV2ConflictedOther

func (s stateResV2ConflictedOtherHeap) Len() int { return len(s) }

func (s stateResV2ConflictedOtherHeap) Less(i, j int) bool {
	return lessConflictedOther(s[i], s[j])
}

func (s stateResV2ConflictedOtherHeap) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (pq *stateResV2ConflictedOtherHeap) Push(x interface{}) {
	*pq = append(*pq, x.(*stateResV2ConflictedOther))
}

func (pq *stateResV2ConflictedOtherHeap) Pop() interface{} {
	old := *pq
	n := len(old)
	x := old[n-1]
	*pq = old[:n-1]
	return x
}
