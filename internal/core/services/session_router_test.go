package services

import (
	"errors"
	"testing"
	"time"

	"rillcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type routerFixture struct {
	router     *SessionRouter
	reconciler *RosterReconciler
	sched      *manualScheduler
	links      *fakeLinkFactory
	channel    *recordingChannel
	presenter  *mockPresenter
}

func newRouterFixture(t *testing.T) *routerFixture {
	f := &routerFixture{
		sched:     newManualScheduler(),
		links:     newFakeLinkFactory(),
		channel:   &recordingChannel{},
		presenter: newMockPresenter(),
	}
	logger := zaptest.NewLogger(t).Sugar()
	f.router = NewSessionRouter(RouterConfig{}, f.sched, f.links, f.channel, f.presenter, nil, logger)
	f.reconciler = NewRosterReconciler(f.router, logger)
	return f
}

func (f *routerFixture) roster(ids ...domain.ParticipantID) {
	f.reconciler.Update(ids)
	f.sched.Drain()
}

func (f *routerFixture) route(msgs ...domain.SignalMessage) {
	for _, m := range msgs {
		f.router.Route(m)
	}
	f.sched.Drain()
}

func (f *routerFixture) session(t *testing.T, id domain.ParticipantID) *PeerSession {
	s, ok := f.router.Session(id)
	require.True(t, ok, "no session for %s", id)
	return s
}

func TestSessionRouter_DeliversAcceptableSignals(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")

	f.route(answerFrom("b"), candidateFrom("b", "c1"))

	s := f.session(t, "b")
	assert.True(t, s.SDPApplied())
	assert.Equal(t, []string{"create_offer", "set_local", "set_remote", "add_candidate"}, f.links.Last("b").Calls())
}

func TestSessionRouter_DropsUnacceptableNonOffer(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")

	// Candidate before the answer, then a duplicate answer.
	f.route(candidateFrom("b", "early"), answerFrom("b"), answerFrom("b"))

	assert.Equal(t, 1, f.links.Created("b"))
	assert.Len(t, f.links.Last("b").RemoteDescriptions(), 1)
	assert.NotContains(t, f.links.Last("b").Calls(), "add_candidate")
}

func TestSessionRouter_GlareReplacesCallerWithAnswerer(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")
	caller := f.session(t, "b")
	callerLink := f.links.Last("b")
	require.Equal(t, domain.RoleCaller, caller.Role())

	f.route(offerFrom("b"), candidateFrom("b", "c1"))

	answerer := f.session(t, "b")
	assert.NotSame(t, caller, answerer)
	assert.True(t, caller.Closed())
	assert.Equal(t, 1, callerLink.Closes())

	assert.Equal(t, domain.RoleAnswerer, answerer.Role())
	assert.True(t, answerer.SDPApplied())
	assert.Equal(t, 2, f.links.Created("b"))
	assert.Equal(t, []string{"set_remote", "create_answer", "set_local", "add_candidate"}, f.links.Last("b").Calls())
	assert.Equal(t, []domain.SignalKind{domain.SignalOffer, domain.SignalAnswer}, f.channel.SentKinds("b"))
	assert.Equal(t, 1, f.links.Live("b"))
}

func TestSessionRouter_NewOfferAfterNegotiationRenegotiates(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")
	f.route(offerFrom("b"))
	first := f.session(t, "b")

	f.route(offerFrom("b"))
	second := f.session(t, "b")

	assert.True(t, first.Closed())
	assert.Equal(t, domain.RoleAnswerer, second.Role())
	assert.Equal(t, 1, f.links.Live("b"))
}

func TestSessionRouter_AnswerWithoutSessionDropped(t *testing.T) {
	f := newRouterFixture(t)

	f.route(answerFrom("x"))

	assert.Equal(t, 0, f.router.Buffered("x"))
	_, ok := f.router.Session("x")
	assert.False(t, ok)
}

func TestSessionRouter_UnknownKindDropped(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")

	f.route(newSignal("b", domain.SignalKind("bye"), `{}`))

	assert.Equal(t, 1, f.links.Created("b"))
	assert.Equal(t, 0, f.router.Buffered("b"))
}

func TestSessionRouter_CreateSessionRequiresRosterMember(t *testing.T) {
	f := newRouterFixture(t)
	f.route(offerFrom("x"))

	err := f.router.CreateSession("x")

	assert.True(t, errors.Is(err, domain.ErrParticipantNotInRoster))
	assert.Equal(t, 0, f.links.Created("x"))
	assert.Equal(t, 1, f.router.Buffered("x"), "buffer survives a refused create")
}

func TestSessionRouter_OfferBeforeRosterProducesOneAnswer(t *testing.T) {
	f := newRouterFixture(t)

	f.route(offerFrom("x"), candidateFrom("x", "c1"))
	assert.Equal(t, 2, f.router.Buffered("x"))
	assert.Empty(t, f.channel.Sent())

	f.roster("x")

	s := f.session(t, "x")
	assert.Equal(t, domain.RoleAnswerer, s.Role())
	assert.Equal(t, []domain.SignalKind{domain.SignalAnswer}, f.channel.SentKinds("x"))
	assert.Equal(t, 0, f.router.Buffered("x"))
	assert.Equal(t, []string{"set_remote", "add_candidate", "create_answer", "set_local"}, f.links.Last("x").Calls())
}

func TestSessionRouter_RestartAfterDisconnect(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")
	f.route(answerFrom("b"))
	first := f.session(t, "b")

	f.links.Last("b").EmitState(domain.LinkDisconnected)
	f.sched.Drain()

	assert.True(t, first.Closed())
	assert.Same(t, first, f.session(t, "b"))
	f.presenter.AssertCalled(t, "OpponentAwaitingConnection", domain.ParticipantID("b"))

	f.sched.Advance(DefaultRestartDelay - time.Millisecond)
	assert.Equal(t, 1, f.links.Created("b"))

	f.sched.Advance(time.Millisecond)
	assert.Equal(t, 2, f.links.Created("b"))

	restarted := f.session(t, "b")
	assert.NotSame(t, first, restarted)
	assert.Equal(t, domain.RoleCaller, restarted.Role())
	assert.False(t, restarted.SDPApplied())
	assert.Equal(t, []domain.SignalKind{domain.SignalOffer, domain.SignalOffer}, f.channel.SentKinds("b"))
}

func TestSessionRouter_RestartSkippedForDepartedOpponent(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")
	f.links.Last("b").EmitState(domain.LinkFailed)
	f.sched.Drain()

	f.roster()
	f.sched.Advance(DefaultRestartDelay)

	assert.Equal(t, 1, f.links.Created("b"))
	_, ok := f.router.Session("b")
	assert.False(t, ok)
}

func TestSessionRouter_RestartSkippedWhenSessionReplaced(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")
	f.links.Last("b").EmitState(domain.LinkFailed)
	f.sched.Drain()

	// The opponent restarted first and its offer won.
	f.route(offerFrom("b"))
	answerer := f.session(t, "b")

	f.sched.Advance(DefaultRestartDelay)

	assert.Same(t, answerer, f.session(t, "b"))
	assert.Equal(t, 2, f.links.Created("b"))
}

func TestSessionRouter_LinkFactoryFailureRetries(t *testing.T) {
	f := newRouterFixture(t)
	f.links.FailNext("b", 1)

	f.roster("b")
	_, ok := f.router.Session("b")
	assert.False(t, ok)

	f.sched.Advance(DefaultRestartDelay)

	s := f.session(t, "b")
	assert.Equal(t, domain.RoleCaller, s.Role())
	assert.Equal(t, 1, f.links.Created("b"))
}

func TestSessionRouter_CloseSession(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")
	s := f.session(t, "b")

	f.router.CloseSession("b")
	f.router.CloseSession("b")
	f.sched.Drain()

	assert.True(t, s.Closed())
	assert.Equal(t, 1, f.links.Last("b").Closes())
	_, ok := f.router.Session("b")
	assert.False(t, ok)
}

func TestSessionRouter_RemoteMediaReachesPresenter(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")
	f.route(answerFrom("b"))

	f.links.Last("b").EmitMedia("stream-b")
	f.sched.Drain()

	f.presenter.AssertCalled(t, "RemoteMediaReady", domain.ParticipantID("b"), fakeMedia("stream-b"))
}

func TestSessionRouter_SendErrorsAreNotRetried(t *testing.T) {
	f := newRouterFixture(t)
	f.channel.sendErr = assert.AnError

	f.roster("b")
	f.links.Last("b").EmitCandidate("c1")
	f.sched.Drain()

	assert.Empty(t, f.channel.Sent())
	assert.False(t, f.session(t, "b").Closed())
}

func TestSessionRouter_SendWithoutTargetPanics(t *testing.T) {
	f := newRouterFixture(t)

	assert.PanicsWithValue(t, domain.ErrMissingTarget, func() {
		f.router.send("", domain.SignalOffer, []byte(`{}`))
	})
}

func TestSessionRouter_PresenterSeesAwaitingOnCreate(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b", "c")

	f.presenter.AssertCalled(t, "OpponentAwaitingConnection", domain.ParticipantID("b"))
	f.presenter.AssertCalled(t, "OpponentAwaitingConnection", domain.ParticipantID("c"))
	f.presenter.AssertNotCalled(t, "RemoteMediaReady", mock.Anything, mock.Anything)
}

func TestSessionRouter_MalformedOfferKeepsLiveSession(t *testing.T) {
	for name, payload := range map[string]string{
		"empty sdp":  `{"type":"offer"}`,
		"not json":   `offer`,
		"wrong type": `{"type":"answer","sdp":"v=0"}`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newRouterFixture(t)
			f.roster("b")
			f.route(answerFrom("b"))
			live := f.session(t, "b")

			f.route(newSignal("b", domain.SignalOffer, payload))

			assert.Same(t, live, f.session(t, "b"))
			assert.False(t, live.Closed())
			assert.Equal(t, 1, f.links.Created("b"))
		})
	}
}

func TestSessionRouter_MalformedOfferNotBuffered(t *testing.T) {
	f := newRouterFixture(t)

	f.route(offerFrom("x"), newSignal("x", domain.SignalOffer, `{"type":"offer"}`))
	assert.Equal(t, 1, f.router.Buffered("x"), "a bad offer does not replace a buffered one")

	f.route(newSignal("y", domain.SignalOffer, `{"type":"offer"}`), candidateFrom("y", "c1"))
	assert.Equal(t, 0, f.router.Buffered("y"))

	f.roster("x", "y")

	assert.Equal(t, domain.RoleAnswerer, f.session(t, "x").Role())
	assert.True(t, f.session(t, "x").SDPApplied())
	assert.Equal(t, domain.RoleCaller, f.session(t, "y").Role())
	assert.Equal(t, []domain.SignalKind{domain.SignalOffer}, f.channel.SentKinds("y"))
}

func TestSessionRouter_MalformedCandidateDropped(t *testing.T) {
	f := newRouterFixture(t)
	f.roster("b")
	f.route(answerFrom("b"))

	f.route(newSignal("b", domain.SignalCandidate, `[1,2]`))

	assert.NotContains(t, f.links.Last("b").Calls(), "add_candidate")
}
