package framewire

import "sync"

// EventMask is a bitmap of message life-cycle events.
type EventMask uint8

const (
	// EventNewMessage fires once, at first dispatch, possibly before the
	// payload is complete. Only valid at connection level.
	EventNewMessage EventMask = 1 << iota
	// EventPayloadReceived fires once per dispatch cycle.
	EventPayloadReceived
	// EventComplete fires once, when the payload is fully present.
	EventComplete
	// EventCancelled fires once, terminally, mutually exclusive with EventComplete.
	EventCancelled

	// EventAll matches every event kind.
	EventAll = EventNewMessage | EventPayloadReceived | EventComplete | EventCancelled
)

// CallbackFunc is invoked with the message the event occurred on and the
// full set of events that fired in this dispatch cycle.
type CallbackFunc func(msg *Message, events EventMask)

type registeredCallback struct {
	fn     CallbackFunc
	filter EventMask
}

// CallbackRegistry holds an ordered list of event-filtered callbacks and
// fires each whose filter intersects the events that occurred, in
// registration order.
type CallbackRegistry struct {
	mu        sync.Mutex
	callbacks []registeredCallback

	// OnPanic, if set, receives anything recovered from a callback. Fire
	// never lets a callback panic escape into transport internals; without
	// an OnPanic hook the panic is simply dropped.
	OnPanic func(recovered any)
}

// Register adds fn, invoked whenever events&filter != 0.
func (r *CallbackRegistry) Register(fn CallbackFunc, filter EventMask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, registeredCallback{fn: fn, filter: filter})
}

// Fire invokes every registered callback whose filter intersects events,
// passing the full events bitmap. A panic inside one callback is recovered
// so it cannot take down transport internals or stop sibling callbacks from
// firing; it is reported through OnPanic if set.
func (r *CallbackRegistry) Fire(msg *Message, events EventMask) {
	r.mu.Lock()
	snapshot := make([]registeredCallback, len(r.callbacks))
	copy(snapshot, r.callbacks)
	r.mu.Unlock()

	for _, cb := range snapshot {
		if cb.filter&events != 0 {
			r.invoke(cb.fn, msg, events)
		}
	}
}

func (r *CallbackRegistry) invoke(fn CallbackFunc, msg *Message, events EventMask) {
	defer func() {
		if p := recover(); p != nil && r.OnPanic != nil {
			r.OnPanic(p)
		}
	}()
	fn(msg, events)
}

// Empty reports whether no callback has been registered.
func (r *CallbackRegistry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks) == 0
}
