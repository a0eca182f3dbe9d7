package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

// manualScheduler runs everything on the test goroutine. Spawned work runs
// inline, posted work waits for Drain and timers wait for Advance.
type manualScheduler struct {
	now    time.Duration
	queue  []func()
	timers []*manualTimer

	// holdSpawn parks spawned work until ReleaseSpawned.
	holdSpawn bool
	spawned   []func()
}

type manualTimer struct {
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{}
}

func (m *manualScheduler) Post(fn func()) {
	m.queue = append(m.queue, fn)
}

func (m *manualScheduler) Spawn(fn func()) {
	if m.holdSpawn {
		m.spawned = append(m.spawned, fn)
		return
	}
	fn()
}

// ReleaseSpawned runs parked work and stops parking.
func (m *manualScheduler) ReleaseSpawned() {
	m.holdSpawn = false
	parked := m.spawned
	m.spawned = nil
	for _, fn := range parked {
		fn()
	}
}

func (m *manualScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	t := &manualTimer{at: m.now + d, fn: fn}
	m.timers = append(m.timers, t)
	return func() bool {
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Drain runs posted work until the queue is empty.
func (m *manualScheduler) Drain() {
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
	}
}

// Advance moves the clock, fires due timers in deadline order and drains.
func (m *manualScheduler) Advance(d time.Duration) {
	m.now += d
	m.Drain()

	due := make([]*manualTimer, 0)
	rest := m.timers[:0]
	for _, t := range m.timers {
		switch {
		case t.stopped:
		case t.at <= m.now:
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	m.timers = rest
	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })

	for _, t := range due {
		t.fired = true
		m.Post(t.fn)
	}
	m.Drain()
}

func (m *manualScheduler) PendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeMedia string

func (f fakeMedia) ID() string { return string(f) }

// fakeLink records every call and lets tests fire callbacks.
type fakeLink struct {
	mu       sync.Mutex
	opponent domain.ParticipantID
	calls    []string
	closes   int

	remote     []domain.SessionDescription
	candidates []domain.ICECandidate
	local      []domain.SessionDescription

	createErr error
	remoteErr error

	onCandidate func(domain.ICECandidate)
	onMedia     func(ports.MediaHandle)
	onState     func(domain.LinkState)
}

func (l *fakeLink) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *fakeLink) CreateOffer() (domain.SessionDescription, error) {
	l.record("create_offer")
	if l.createErr != nil {
		return domain.SessionDescription{}, l.createErr
	}
	return domain.SessionDescription{Type: "offer", SDP: "v=0 offer for " + string(l.opponent)}, nil
}

func (l *fakeLink) CreateAnswer() (domain.SessionDescription, error) {
	l.record("create_answer")
	if l.createErr != nil {
		return domain.SessionDescription{}, l.createErr
	}
	return domain.SessionDescription{Type: "answer", SDP: "v=0 answer for " + string(l.opponent)}, nil
}

func (l *fakeLink) SetLocalDescription(desc domain.SessionDescription) error {
	l.record("set_local")
	l.mu.Lock()
	l.local = append(l.local, desc)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) SetRemoteDescription(desc domain.SessionDescription) error {
	l.record("set_remote")
	l.mu.Lock()
	l.remote = append(l.remote, desc)
	l.mu.Unlock()
	return l.remoteErr
}

func (l *fakeLink) AddRemoteCandidate(cand domain.ICECandidate) error {
	l.record("add_candidate")
	l.mu.Lock()
	l.candidates = append(l.candidates, cand)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) OnLocalCandidate(fn func(domain.ICECandidate)) { l.onCandidate = fn }
func (l *fakeLink) OnRemoteMedia(fn func(ports.MediaHandle)) { l.onMedia = fn }
func (l *fakeLink) OnStateChange(fn func(domain.LinkState)) { l.onState = fn }

func (l *fakeLink) Close() error {
	l.record("close")
	l.mu.Lock()
	l.closes++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *fakeLink) Closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

func (l *fakeLink) RemoteDescriptions() []domain.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.SessionDescription(nil), l.remote...)
}

func (l *fakeLink) EmitCandidate(c string) { l.onCandidate(domain.ICECandidate{Candidate: c}) }
func (l *fakeLink) EmitMedia(id string) { l.onMedia(fakeMedia(id)) }
func (l *fakeLink) EmitState(s domain.LinkState) { l.onState(s) }

type fakeLinkFactory struct {
	mu    sync.Mutex
	links map[domain.ParticipantID][]*fakeLink
	fail  map[domain.ParticipantID]int
}

func newFakeLinkFactory() *fakeLinkFactory {
	return &fakeLinkFactory{
		links: make(map[domain.ParticipantID][]*fakeLink),
		fail:  make(map[domain.ParticipantID]int),
	}
}

func (f *fakeLinkFactory) NewLink(opponent domain.ParticipantID) (ports.PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[opponent] > 0 {
		f.fail[opponent]--
		return nil, errors.New("no media devices")
	}
	l := &fakeLink{opponent: opponent}
	f.links[opponent] = append(f.links[opponent], l)
	return l, nil
}

// FailNext makes the next n NewLink calls for opponent fail.
func (f *fakeLinkFactory) FailNext(opponent domain.ParticipantID, n int) {
	f.mu.Lock()
	f.fail[opponent] = n
	f.mu.Unlock()
}

func (f *fakeLinkFactory) Created(opponent domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links[opponent])
}

func (f *fakeLinkFactory) Last(opponent domain.ParticipantID) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls := f.links[opponent]
	if len(ls) == 0 {
		return nil
	}
	return ls[len(ls)-1]
}

func (f *fakeLinkFactory) Live(opponent domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.links[opponent] {
		if l.Closes() == 0 {
			n++
		}
	}
	return n
}

type sentSignal struct {
	Target  domain.ParticipantID
	Kind    domain.SignalKind
	Payload json.RawMessage
}

// recordingChannel captures outbound signals. Fetch and Ack are unused by the
// router.
type recordingChannel struct {
	mu      sync.Mutex
	sent    []sentSignal
	sendErr error
}

func (c *recordingChannel) Send(_ context.Context, target domain.ParticipantID, kind domain.SignalKind, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentSignal{Target: target, Kind: kind, Payload: payload})
	return nil
}

func (c *recordingChannel) Fetch(ctx context.Context) ([]domain.SignalMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *recordingChannel) Ack(context.Context, []domain.SignalMessage) error { return nil }
func (c *recordingChannel) Close() error { return nil }

func (c *recordingChannel) Sent() []sentSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentSignal(nil), c.sent...)
}

func (c *recordingChannel) SentKinds(target domain.ParticipantID) []domain.SignalKind {
	var kinds []domain.SignalKind
	for _, s := range c.Sent() {
		if s.Target == target {
			kinds = append(kinds, s.Kind)
		}
	}
	return kinds
}

type mockPresenter struct {
	mock.Mock
}

func newMockPresenter() *mockPresenter {
	p := &mockPresenter{}
	p.On("OpponentAwaitingConnection", mock.Anything).Return().Maybe()
	p.On("RemoteMediaReady", mock.Anything, mock.Anything).Return().Maybe()
	return p
}

func (p *mockPresenter) OpponentAwaitingConnection(opponent domain.ParticipantID) {
	p.Called(opponent)
}

func (p *mockPresenter) RemoteMediaReady(opponent domain.ParticipantID, media ports.MediaHandle) {
	p.Called(opponent, media)
}

var signalSeq int64

func newSignal(from domain.ParticipantID, kind domain.SignalKind, payload string) domain.SignalMessage {
	signalSeq++
	return domain.SignalMessage{
		ID:        fmt.Sprintf("sig-%d", signalSeq),
		SenderID:  from,
		Timestamp: signalSeq,
		Kind:      kind,
		Payload:   json.RawMessage(payload),
	}
}

func offerFrom(from domain.ParticipantID) domain.SignalMessage {
	return newSignal(from, domain.SignalOffer, `{"type":"offer","sdp":"v=0 offer from `+string(from)+`"}`)
}

func answerFrom(from domain.ParticipantID) domain.SignalMessage {
	return newSignal(from, domain.SignalAnswer, `{"type":"answer","sdp":"v=0 answer from `+string(from)+`"}`)
}

func candidateFrom(from domain.ParticipantID, c string) domain.SignalMessage {
	return newSignal(from, domain.SignalCandidate, `{"candidate":"`+c+`","sdpMid":"0","sdpMLineIndex":0}`)
}
