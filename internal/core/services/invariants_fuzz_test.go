package services

import (
	"testing"
	"time"

	"rillcall/internal/core/domain"
)

var fuzzOpponents = []domain.ParticipantID{"a", "b", "c"}

// FuzzSessionInvariants drives roster updates, inbound signals, link events and
// timer expiry in arbitrary order and checks that no opponent ever has more
// than one live link and that departed opponents have none.
func FuzzSessionInvariants(f *testing.F) {
	f.Add([]byte{0, 1, 9, 17, 4, 6, 6})
	f.Add([]byte{1, 0, 3, 2, 5, 4, 6, 0, 6, 6})
	f.Add([]byte{8, 16, 0, 1, 9, 12, 20, 8, 6, 6, 0})
	f.Add([]byte{0, 4, 0, 6, 0, 6, 1, 1, 1})
	f.Add([]byte{65, 65, 0, 1, 65, 6, 6})

	f.Fuzz(func(t *testing.T, ops []byte) {
		fx := newRouterFixture(t)
		members := make(map[domain.ParticipantID]bool)

		for _, op := range ops {
			id := fuzzOpponents[int(op>>3)%len(fuzzOpponents)]
			link := fx.links.Last(id)

			switch op % 8 {
			case 0:
				members[id] = !members[id]
				var next []domain.ParticipantID
				for _, p := range fuzzOpponents {
					if members[p] {
						next = append(next, p)
					}
				}
				fx.reconciler.Update(next)
			case 1:
				if op&0x40 != 0 {
					fx.router.Route(newSignal(id, domain.SignalOffer, `{"type":"offer"}`))
					break
				}
				fx.router.Route(offerFrom(id))
			case 2:
				fx.router.Route(answerFrom(id))
			case 3:
				fx.router.Route(candidateFrom(id, "c"))
			case 4:
				if link != nil {
					link.EmitState(domain.LinkFailed)
				}
			case 5:
				if link != nil {
					link.EmitMedia("m-" + string(id))
				}
			case 6:
				fx.sched.Advance(500 * time.Millisecond)
			case 7:
				if link != nil {
					link.EmitCandidate("local")
				}
			}
			fx.sched.Drain()

			for _, p := range fuzzOpponents {
				live := fx.links.Live(p)
				if live > 1 {
					t.Fatalf("opponent %s has %d live links", p, live)
				}
				if !members[p] && live != 0 {
					t.Fatalf("departed opponent %s still has a live link", p)
				}
				if s, ok := fx.router.Session(p); ok {
					if !members[p] {
						t.Fatalf("session for %s outside the roster", p)
					}
					if s.Role() == domain.RoleAnswerer && !s.SDPApplied() && !s.Closed() {
						t.Fatalf("answerer for %s without an applied offer", p)
					}
				}
			}
		}
	})
}
