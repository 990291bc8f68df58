/*
events.go - Named event deltas

Special relationship events carry fixed deltas, defined once here as
configuration rather than scattered through call sites. Chat-turn
deltas are caller-supplied and bounded separately (see engine.go).
*/
package progression

// EventDeltas maps named events to their fixed score deltas.
type EventDeltas map[EventType]int

// DefaultEventDeltas returns the standard deltas for named events.
func DefaultEventDeltas() EventDeltas {
	return EventDeltas{
		EventGift:       30,
		EventDate:       50,
		EventConfession: 100,
		EventProposal:   200,
		EventConflict:   -60,
		EventBetrayal:   -150,
	}
}

// Delta returns the fixed delta for a named event, and whether the
// event is named at all.
func (d EventDeltas) Delta(et EventType) (int, bool) {
	v, ok := d[et]
	return v, ok
}
