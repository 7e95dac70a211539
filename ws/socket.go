// Package ws adapts framewire.Connection onto real WebSocket transport:
// Socket implements framewire.FramedSocket over a *websocket.Conn, and
// Server accepts inbound connections and hands each one to framewire.New.
package ws

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gliderwire/framewire"
)

// Socket adapts a *websocket.Conn to the framewire.FramedSocket collaborator
// interface. Writes are queued onto a buffered channel drained by a
// dedicated write-pump goroutine, the same shape as a plain WebSocket
// client's send path, plus a 54s transport-level ping ticker independent of
// framewire's own in-band liveness protocol.
type Socket struct {
	conn       *websocket.Conn
	remoteAddr string
	sendCh     chan []byte
	closed     atomic.Bool

	// rateLimiter, if set, caps how many frames per second ReceiveFrame will
	// accept from this socket before treating it as abusive and closing.
	rateLimiter *rate.Limiter
}

// NewSocket wraps conn, starting its write pump immediately. limiter may be
// nil to disable per-socket rate limiting.
func NewSocket(conn *websocket.Conn, remoteAddr string, limiter *rate.Limiter) *Socket {
	s := &Socket{
		conn:        conn,
		remoteAddr:  remoteAddr,
		sendCh:      make(chan []byte, 256),
		rateLimiter: limiter,
	}
	go s.writePump()
	return s
}

// RemoteAddr returns the address gorilla/websocket reported at accept time.
func (s *Socket) RemoteAddr() string { return s.remoteAddr }

// ReceiveFrame reads one WebSocket message into buf. It also enforces the
// per-socket rate limit, if configured: a flooding peer is treated the same
// as a closed connection, before its frame ever reaches the frame codec.
func (s *Socket) ReceiveFrame(buf []byte) int {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return framewire.SocketClosing
	}
	if msgType != websocket.BinaryMessage {
		return framewire.SocketNonBinaryFrame
	}
	if len(data) > len(buf) {
		return framewire.SocketFrameTooLarge
	}
	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		s.conn.Close()
		return framewire.SocketClosing
	}
	return copy(buf, data)
}

// SendFrame queues buf for the write pump. Per the FramedSocket contract,
// failure is swallowed: a full send channel means the peer is not draining
// fast enough, and the frame is dropped rather than blocking the caller's
// send loop indefinitely.
func (s *Socket) SendFrame(buf []byte) {
	if s.closed.Load() {
		return
	}
	frame := append([]byte(nil), buf...)
	select {
	case s.sendCh <- frame:
	default:
	}
}

// Close sends a close frame and shuts down the write pump. Idempotent.
// waitForRemote extends the write deadline for the close handshake but does
// not block the caller.
func (s *Socket) Close(reason string, waitForRemote bool) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	wait := time.Second
	if waitForRemote {
		wait = 5 * time.Second
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait))
	close(s.sendCh)
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
