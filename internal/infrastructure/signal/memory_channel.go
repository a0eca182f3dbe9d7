package signal

import (
	"context"
	"encoding/json"
	"sync"

	"rillcall/internal/core/domain"

	"github.com/google/uuid"
)

// MemoryHub keeps every participant's mailbox in process. It backs tests and
// single-process demos.
type MemoryHub struct {
	mu        sync.Mutex
	mailboxes map[domain.ParticipantID]*memoryMailbox
	clock     int64
}

type memoryMailbox struct {
	msgs   []domain.SignalMessage
	notify chan struct{}
}

// NewMemoryHub creates an empty in-process hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		mailboxes: make(map[domain.ParticipantID]*memoryMailbox),
	}
}

// Channel returns the SignalChannel of participant self.
func (h *MemoryHub) Channel(self domain.ParticipantID) *MemoryChannel {
	h.mu.Lock()
	h.mailbox(self)
	h.mu.Unlock()

	return &MemoryChannel{
		hub:  h,
		self: self,
		done: make(chan struct{}),
	}
}

// Pending returns how many unacknowledged messages wait for participant.
func (h *MemoryHub) Pending(participant domain.ParticipantID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mb, ok := h.mailboxes[participant]; ok {
		return len(mb.msgs)
	}
	return 0
}

// mailbox must be called with h.mu held.
func (h *MemoryHub) mailbox(id domain.ParticipantID) *memoryMailbox {
	mb, ok := h.mailboxes[id]
	if !ok {
		mb = &memoryMailbox{notify: make(chan struct{}, 1)}
		h.mailboxes[id] = mb
	}
	return mb
}

// MemoryChannel is one participant's view of a MemoryHub.
type MemoryChannel struct {
	hub       *MemoryHub
	self      domain.ParticipantID
	closeOnce sync.Once
	done      chan struct{}
}

// Send appends a signal to the target's mailbox on the hub.
func (c *MemoryChannel) Send(ctx context.Context, target domain.ParticipantID, kind domain.SignalKind, payload json.RawMessage) error {
	if target == "" {
		return domain.ErrMissingTarget
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clock++
	mb := h.mailbox(target)
	mb.msgs = append(mb.msgs, domain.SignalMessage{
		ID:        uuid.NewString(),
		SenderID:  c.self,
		Timestamp: h.clock,
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
	})

	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return nil
}

// Fetch blocks until the mailbox holds signals and returns them in arrival
// order without removing them.
func (c *MemoryChannel) Fetch(ctx context.Context) ([]domain.SignalMessage, error) {
	h := c.hub
	for {
		h.mu.Lock()
		mb := h.mailbox(c.self)
		if len(mb.msgs) > 0 {
			batch := append([]domain.SignalMessage(nil), mb.msgs...)
			h.mu.Unlock()
			return batch, nil
		}
		notify := mb.notify
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, domain.ErrChannelClosed
		case <-notify:
		}
	}
}

// Ack removes the given signals from the mailbox.
func (c *MemoryChannel) Ack(_ context.Context, msgs []domain.SignalMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	acked := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		acked[m.ID] = struct{}{}
	}

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	mb := h.mailbox(c.self)
	kept := mb.msgs[:0]
	for _, m := range mb.msgs {
		if _, ok := acked[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	mb.msgs = kept
	return nil
}

// Close stops Fetch and removes every message this participant sent that was
// not yet acknowledged.
func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		h := c.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, mb := range h.mailboxes {
			kept := mb.msgs[:0]
			for _, m := range mb.msgs {
				if m.SenderID != c.self {
					kept = append(kept, m)
				}
			}
			mb.msgs = kept
		}
	})
	return nil
}
