// Package memsocket implements an in-memory framewire.FramedSocket pair for
// tests: no real network, but a configurable one-way latency and throughput
// per direction, so scenario tests can reproduce spec.md's literal timing
// bounds without a live socket.
package memsocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gliderwire/framewire"
)

// Config describes one direction of a simulated link.
type Config struct {
	// Latency is the fixed one-way propagation delay.
	Latency time.Duration
	// BytesPerSecond caps the link's serial throughput; 0 means unlimited.
	BytesPerSecond int64
	// DropAll silently discards every frame sent on this direction, for
	// liveness-failure scenarios.
	DropAll bool
}

// link models one direction of a connection: a serial pipe that frames drain
// through no faster than BytesPerSecond, each delayed an additional Latency
// before landing in the receiver's inbox.
type link struct {
	cfg        Config
	out        chan []byte
	peerClosed chan struct{}

	mu       sync.Mutex
	nextFree time.Time
	// lastDelivered is closed once the most recently sent frame has been
	// handed to the receiver; each frame waits on its predecessor's channel
	// so frames land in the order they were sent.
	lastDelivered chan struct{}
}

func newLink(cfg Config, out chan []byte, peerClosed chan struct{}) *link {
	return &link{cfg: cfg, out: out, peerClosed: peerClosed}
}

func (l *link) send(frame []byte) {
	if l.cfg.DropAll {
		return
	}

	now := time.Now()
	l.mu.Lock()
	start := now
	if l.nextFree.After(start) {
		start = l.nextFree
	}
	var xmit time.Duration
	if l.cfg.BytesPerSecond > 0 {
		xmit = time.Duration(float64(len(frame)) / float64(l.cfg.BytesPerSecond) * float64(time.Second))
	}
	finish := start.Add(xmit)
	l.nextFree = finish
	prev := l.lastDelivered
	done := make(chan struct{})
	l.lastDelivered = done
	l.mu.Unlock()

	delay := finish.Add(l.cfg.Latency).Sub(now)
	go func() {
		defer close(done)
		if delay > 0 {
			time.Sleep(delay)
		}
		if prev != nil {
			<-prev
		}
		select {
		case l.out <- frame:
		case <-l.peerClosed:
		}
	}()
}

// Socket is one end of a simulated pair.
type Socket struct {
	name    string
	inbox   chan []byte
	link    *link
	closeCh chan struct{}
	once    sync.Once

	closed      atomic.Bool
	closeReason atomic.Value
}

// NewPair returns two connected Sockets: aToB configures the link from a to
// b, bToA the link from b to a.
func NewPair(aToB, bToA Config) (a, b *Socket) {
	a = &Socket{name: "a", inbox: make(chan []byte, 64), closeCh: make(chan struct{})}
	b = &Socket{name: "b", inbox: make(chan []byte, 64), closeCh: make(chan struct{})}
	a.link = newLink(aToB, b.inbox, b.closeCh)
	b.link = newLink(bToA, a.inbox, a.closeCh)
	return a, b
}

// ReceiveFrame implements framewire.FramedSocket.
func (s *Socket) ReceiveFrame(buf []byte) int {
	select {
	case frame := <-s.inbox:
		if len(frame) > len(buf) {
			return framewire.SocketFrameTooLarge
		}
		return copy(buf, frame)
	case <-s.closeCh:
		return framewire.SocketClosing
	}
}

// SendFrame implements framewire.FramedSocket.
func (s *Socket) SendFrame(buf []byte) {
	if s.closed.Load() {
		return
	}
	frame := append([]byte(nil), buf...)
	s.link.send(frame)
}

// Close implements framewire.FramedSocket. Idempotent; waitForRemote is
// unused since the simulator has no separate close handshake to wait for.
func (s *Socket) Close(reason string, _ bool) {
	s.once.Do(func() {
		s.closed.Store(true)
		s.closeReason.Store(reason)
		close(s.closeCh)
	})
}

// CloseReason returns the reason passed to Close, if any.
func (s *Socket) CloseReason() string {
	v, _ := s.closeReason.Load().(string)
	return v
}
