package domain

import "fmt"

// Roster is the ordered set of opponents a participant keeps sessions with.
type Roster []ParticipantID

// NewRoster drops duplicates, keeping the first occurrence.
func NewRoster(ids []ParticipantID) Roster {
	seen := make(map[ParticipantID]struct{}, len(ids))
	r := make(Roster, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		r = append(r, id)
	}
	return r
}

// Contains reports whether id is on the roster.
func (r Roster) Contains(id ParticipantID) bool {
	for _, v := range r {
		if v == id {
			return true
		}
	}
	return false
}

// Diff compares prev with next. removed keeps prev's order, added and kept
// keep next's order.
func Diff(prev, next Roster) (removed, added, kept []ParticipantID) {
	for _, id := range prev {
		if !next.Contains(id) {
			removed = append(removed, id)
		}
	}
	for _, id := range next {
		if prev.Contains(id) {
			kept = append(kept, id)
		} else {
			added = append(added, id)
		}
	}
	return removed, added, kept
}

// OpponentsOf removes self from the full participant list.
func OpponentsOf(self ParticipantID, participants []ParticipantID) (Roster, error) {
	if self == "" {
		return nil, ErrMissingSelf
	}
	all := NewRoster(participants)
	if !all.Contains(self) {
		return nil, fmt.Errorf("%w: %s", ErrSelfNotInParticipants, self)
	}
	opponents := make(Roster, 0, len(all)-1)
	for _, id := range all {
		if id != self {
			opponents = append(opponents, id)
		}
	}
	return opponents, nil
}
