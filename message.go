package framewire

import (
	"sync/atomic"

	"github.com/gliderwire/framewire/internal/wire"
)

// MessageDirection distinguishes a message received from the peer from one
// originated locally.
type MessageDirection int

const (
	Incoming MessageDirection = iota
	Outgoing
)

// MaxHeaderBytes is the largest header a Message may carry, matching the
// wire descriptor's 6-bit header-length field (see DESIGN.md for why this is
// 63, not the round 64 the prose elsewhere uses).
const MaxHeaderBytes = wire.MaxHeaderBytes

// MaxPayloadBytes is the largest payload a Message may carry: the wire
// format's 26-bit offset/length fields top out at 64 MiB - 1.
const MaxPayloadBytes = wire.MaxOffset

// Message is the payload buffer, header, and life-cycle state shared by an
// incoming message being filled by the receive loop and any OutgoingMessage
// forwarding it back out before it is complete.
type Message struct {
	Direction MessageDirection

	payload []byte
	header  []byte

	bytesReceived atomic.Uint32
	cancelled     atomic.Bool

	callbacks CallbackRegistry

	// dispatch bookkeeping; touched only from the connection's single
	// dispatch loop, so it needs no synchronization of its own.
	newMessageFired bool
	completeFired   bool
	cancelledFired  bool
}

// NewIncomingMessage allocates a Message to receive expectedLength bytes.
func NewIncomingMessage(expectedLength uint32, header []byte) *Message {
	m := &Message{
		Direction: Incoming,
		payload:   make([]byte, expectedLength),
		header:    header,
	}
	return m
}

// NewOutgoingPayload wraps an already-complete, caller-owned buffer for a
// locally originated send. Use NewIncomingMessage instead when forwarding an
// in-progress incoming message before it is complete.
func NewOutgoingPayload(payload []byte, header []byte) *Message {
	m := &Message{
		Direction: Outgoing,
		payload:   payload,
		header:    header,
	}
	m.bytesReceived.Store(uint32(len(payload)))
	return m
}

// Header returns the message's header bytes, if any.
func (m *Message) Header() []byte { return m.header }

// Payload returns the full payload buffer. For an incoming message still in
// progress, bytes beyond BytesReceived() are not yet valid.
func (m *Message) Payload() []byte { return m.payload }

// BytesReceived returns how many payload bytes are currently valid.
func (m *Message) BytesReceived() uint32 { return m.bytesReceived.Load() }

// Complete reports whether the full payload has arrived.
func (m *Message) Complete() bool { return m.bytesReceived.Load() == uint32(len(m.payload)) }

// Cancelled reports whether this message was cancelled before completion.
func (m *Message) Cancelled() bool { return m.cancelled.Load() }

// RegisterCallback subscribes fn to the events in mask at message level.
// Rejected for outgoing messages (they never fire callbacks) and for masks
// including EventNewMessage (only meaningful at connection level).
func (m *Message) RegisterCallback(fn CallbackFunc, mask EventMask) error {
	if m.Direction == Outgoing {
		return ErrOutgoingHasNoCallbacks
	}
	if mask&EventNewMessage != 0 {
		return ErrNewMessageAtMessageLevel
	}
	m.callbacks.Register(fn, mask)
	return nil
}

// appendReceived grows bytesReceived by n and returns the new total. Called
// only from the connection's receive loop.
func (m *Message) appendReceived(n uint32) uint32 {
	return m.bytesReceived.Add(n)
}

// markCancelled sets the terminal cancelled flag. No further payload may be
// accepted once set.
func (m *Message) markCancelled() {
	m.cancelled.Store(true)
}

// resolveDispatchEvents computes which events should fire this dispatch
// cycle and updates the once-only bookkeeping. Returns 0 when nothing
// should be delivered — in particular when a message is cancelled before
// NewMessage was ever dispatched, per the "the application never heard of
// it" policy.
func (m *Message) resolveDispatchEvents() EventMask {
	if m.cancelled.Load() {
		if !m.newMessageFired || m.cancelledFired {
			m.cancelledFired = true
			return 0
		}
		m.cancelledFired = true
		return EventCancelled
	}

	var events EventMask
	if !m.newMessageFired {
		events |= EventNewMessage
		m.newMessageFired = true
	}
	events |= EventPayloadReceived
	if m.Complete() && !m.completeFired {
		events |= EventComplete
		m.completeFired = true
	}
	return events
}

// OutgoingMessage is a send-queue-owned handle on a Message: a message
// number, a priority, an optional header override, and a bytesSent cursor.
type OutgoingMessage struct {
	message       *Message
	messageNumber uint8
	priority      int
	header        []byte
	hasHeader     bool
	bytesSent     atomic.Uint32
	cancelled     atomic.Bool
}

func newOutgoingMessage(msg *Message, number uint8, priority int, header []byte, hasHeader bool) *OutgoingMessage {
	return &OutgoingMessage{
		message:       msg,
		messageNumber: number,
		priority:      priority,
		header:        header,
		hasHeader:     hasHeader,
	}
}

// Message returns the underlying Message being sent.
func (o *OutgoingMessage) Message() *Message { return o.message }

// MessageNumber returns the 4-bit wire message number assigned to this send.
func (o *OutgoingMessage) MessageNumber() uint8 { return o.messageNumber }

// Priority returns the configured send priority (0 = highest).
func (o *OutgoingMessage) Priority() int { return o.priority }

// EffectiveHeader returns the header override if one was supplied at send
// time, otherwise the underlying Message's own header.
func (o *OutgoingMessage) EffectiveHeader() []byte {
	if o.hasHeader {
		return o.header
	}
	return o.message.Header()
}

// BytesSent returns how many payload bytes have been placed on the wire.
func (o *OutgoingMessage) BytesSent() uint32 { return o.bytesSent.Load() }

// BytesRemaining is the total payload length minus BytesSent.
func (o *OutgoingMessage) BytesRemaining() uint32 {
	return uint32(len(o.message.payload)) - o.bytesSent.Load()
}

// BytesReady is how much of the underlying Message's received-so-far
// payload has not yet been sent — the portion available to forward right
// now, which may be less than BytesRemaining while the source is still
// incomplete.
func (o *OutgoingMessage) BytesReady() uint32 {
	return o.message.BytesReceived() - o.bytesSent.Load()
}

// Cancelled reports whether Cancel has been requested for this send.
func (o *OutgoingMessage) Cancelled() bool { return o.cancelled.Load() }
