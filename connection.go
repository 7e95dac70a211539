package framewire

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gliderwire/framewire/internal/dispatch"
	"github.com/gliderwire/framewire/internal/estimator"
	"github.com/gliderwire/framewire/internal/sendqueue"
	"github.com/gliderwire/framewire/internal/wire"
)

// ConnectionState is one of the four states in the connection lifecycle.
type ConnectionState int32

const (
	StateOpening ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

// bootstrapThroughputEstimate seeds both the inbound-throughput moving
// average and the peer's assumed outbound throughput before any real sample
// exists. Without it, a freshly opened connection's first control frame
// would advertise throughput 0, the peer would store that verbatim as its
// outboundThroughputEstimate, and recomputeBudget would then compute a 0
// byte budget forever: neither side can ever send the data group that would
// produce a real sample. 128 KiB/s is a conservative dial-up-era floor, well
// under any transport this library is likely to run over, so real
// measurements quickly overtake it once traffic flows.
const bootstrapThroughputEstimate = 128 * 1024

func (s ConnectionState) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Connection multiplexes many logical messages over one FramedSocket: three
// cooperating loops (receive, send, dispatch) built on top of the wire codec,
// the priority send queue, the estimators and the capability negotiation.
type Connection struct {
	socket FramedSocket
	config TransportConfig
	name   string
	log    *logrus.Entry

	state atomic.Int32

	localCaps            CapabilitySet
	negotiated           atomic.Value // CapabilitySet
	capabilitiesSent     atomic.Bool
	wantSendCapabilities atomic.Bool

	incomingMu    sync.Mutex
	incomingSlots [16]*Message

	// expected, groupActive, groupStart, groupBytes are confined to the
	// receive loop.
	expected    []wire.DataFrameDescriptor
	groupActive bool
	groupStart  time.Time
	groupBytes  uint32

	sendNumbers   chan uint8
	sendQueue     *sendqueue.Queue[*OutgoingMessage]
	dispatchQueue *dispatch.Queue[*Message]

	outgoingCancelMu sync.Mutex
	outgoingCancel   []*OutgoingMessage

	localRTT           *estimator.Window
	inboundThroughput  *estimator.Window
	remoteRTT          atomic.Uint32
	outboundThroughput atomic.Int64

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	connCallbacks CallbackRegistry

	dataWake     chan struct{}
	pongWake     chan struct{}
	dispatchWake chan struct{}

	dispatchStarted atomic.Bool

	closeOnce   sync.Once
	closeReason string
	closedCh    chan struct{}

	wantPong atomic.Bool

	// ping state crosses the receive/send loop boundary (a pong arrives on
	// the receive loop, the timer fires on the send loop), so it is guarded
	// by pingMu rather than confined to one task.
	pingMu          sync.Mutex
	pingOutstanding bool
	pingSentAt      time.Time
	pingCount       int
	missedPings     int

	wg sync.WaitGroup
}

// New constructs a Connection over socket, spawns its receive and send
// loops, and returns immediately. The caller MUST register callbacks and
// then call BeginDispatch before any dispatch events can be delivered. When
// sendCapabilities is true the connection proactively announces its
// capability set instead of waiting to see the peer's first.
func New(socket FramedSocket, config TransportConfig, name string, sendCapabilities bool) *Connection {
	cfg := config.withDefaults()
	if name == "" {
		name = uuid.NewString()
	}

	c := &Connection{
		socket:            socket,
		config:            cfg,
		name:              name,
		log:               cfg.Logger.WithField("connection", name),
		localCaps:         localCapabilities(),
		sendNumbers:       make(chan uint8, cfg.MaxConcurrentMessages),
		sendQueue:         sendqueue.New[*OutgoingMessage](cfg.PriorityLevels),
		dispatchQueue:     dispatch.New[*Message](),
		localRTT:          estimator.New(cfg.BandwidthEstimatorSamples, 0),
		inboundThroughput: estimator.New(cfg.BandwidthEstimatorSamples, bootstrapThroughputEstimate),
		dataWake:          make(chan struct{}, 1),
		pongWake:          make(chan struct{}, 1),
		dispatchWake:      make(chan struct{}, 1),
		closedCh:          make(chan struct{}),
	}
	c.negotiated.Store(CapabilitySet{})
	c.outboundThroughput.Store(bootstrapThroughputEstimate)
	c.connCallbacks.OnPanic = func(p any) {
		c.log.WithField("panic", p).Error("recovered panic in connection callback")
	}
	for i := 0; i < cfg.MaxConcurrentMessages; i++ {
		c.sendNumbers <- uint8(i)
	}
	c.state.Store(int32(StateOpening))

	if sendCapabilities {
		c.wantSendCapabilities.Store(true)
		c.capabilitiesSent.Store(true)
	}

	c.log.WithFields(logrus.Fields{
		"priorityLevels":        cfg.PriorityLevels,
		"maxConcurrentMessages": cfg.MaxConcurrentMessages,
		"sendCapabilities":      sendCapabilities,
	}).Info("connection opening")

	c.wg.Add(2)
	go c.receiveLoop()
	go c.sendLoop()

	return c
}

// RegisterCallback subscribes fn at connection level. Without an explicit
// eventMask, it defaults to EventComplete.
func (c *Connection) RegisterCallback(fn CallbackFunc, eventMask ...EventMask) {
	mask := EventComplete
	if len(eventMask) > 0 {
		mask = eventMask[0]
	}
	c.connCallbacks.Register(fn, mask)
}

// BeginDispatch starts the dispatch loop. Safe to call once; subsequent
// calls are no-ops.
func (c *Connection) BeginDispatch() {
	if !c.dispatchStarted.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.dispatchLoop()
}

// SendMessage admits message for sending at priority (0 = highest), blocking
// until a message number is available or ctx is done. header, if given,
// overrides the message's own header for this send. If message is not yet
// complete, SendMessage wires it for incremental forwarding: newly received
// bytes wake the send loop, and cancellation of the source message cancels
// this send.
func (c *Connection) SendMessage(ctx context.Context, message *Message, priority int, header ...[]byte) (*OutgoingMessage, error) {
	if priority < 0 || priority >= c.config.PriorityLevels {
		return nil, ErrPriorityOutOfRange
	}
	if c.IsClosing() {
		return nil, ErrConnectionClosing
	}

	var hdr []byte
	hasHeader := len(header) > 0
	if hasHeader {
		hdr = header[0]
	}
	effectiveHeader := hdr
	if !hasHeader {
		effectiveHeader = message.Header()
	}
	if len(effectiveHeader) > MaxHeaderBytes {
		return nil, ErrHeaderTooLong
	}

	var num uint8
	select {
	case num = <-c.sendNumbers:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closedCh:
		return nil, ErrConnectionClosing
	}

	om := newOutgoingMessage(message, num, priority, hdr, hasHeader)

	if !message.Complete() {
		message.RegisterCallback(func(*Message, EventMask) {
			c.wakeSend()
		}, EventPayloadReceived)
		message.RegisterCallback(func(*Message, EventMask) {
			c.queueOutgoingCancel(om)
		}, EventCancelled)
	}

	c.sendQueue.Enqueue(om)
	c.wakeSend()
	return om, nil
}

// Cancel requests that om stop sending. Non-blocking: it reports its
// ApplicationMisuse verdict synchronously (per spec.md §7) without waiting
// for the send loop to act on it. Returns ErrSendTooLate if om has already
// been fully sent, ErrCancelNotQueued if om is not present in this
// connection's send queue, or nil once the cancellation has been accepted —
// acceptance does not guarantee a Cancel frame reaches the peer: if cancel
// support has not been negotiated by the time the send loop processes the
// request, the request is dropped and the message is left in-flight.
func (c *Connection) Cancel(om *OutgoingMessage) error {
	if om.BytesRemaining() == 0 {
		return ErrSendTooLate
	}
	if !c.sendQueue.Contains(om) {
		return ErrCancelNotQueued
	}
	c.queueOutgoingCancel(om)
	return nil
}

func (c *Connection) queueOutgoingCancel(om *OutgoingMessage) {
	if !om.cancelled.CompareAndSwap(false, true) {
		return
	}
	c.outgoingCancelMu.Lock()
	c.outgoingCancel = append(c.outgoingCancel, om)
	c.outgoingCancelMu.Unlock()
	c.wakeSend()
}

// ForceClose is the single closure path: idempotent, first caller's reason
// wins. It initiates the underlying socket close, cancels all in-progress
// incoming messages, and transitions to Closing; the dispatch loop finishes
// the transition to Closed once it has drained pending events.
func (c *Connection) ForceClose(reason string, waitForRemote bool) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		c.state.Store(int32(StateClosing))
		c.log.WithField("reason", reason).Warn("connection closing")
		c.socket.Close(reason, waitForRemote)
		c.cancelAllIncoming()
		close(c.closedCh)
		c.wakeSend()
		c.wakeDispatch()
	})
}

// WaitClose blocks until ForceClose has been called (by any path) and
// returns its reason, or returns ctx.Err() if ctx completes first.
func (c *Connection) WaitClose(ctx context.Context) (string, error) {
	select {
	case <-c.closedCh:
		return c.closeReason, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RTTEstimate is min(localRTT, remoteRTT) in milliseconds: local sampling
// tends to overestimate, so the lower of the two is exposed externally.
func (c *Connection) RTTEstimate() uint32 {
	local := uint32(c.localRTT.Value())
	remote := c.remoteRTT.Load()
	if local < remote {
		return local
	}
	return remote
}

// InboundThroughputEstimate is this side's locally measured inbound
// throughput, in bytes/sec.
func (c *Connection) InboundThroughputEstimate() int64 { return c.inboundThroughput.Value() }

// OutboundThroughputEstimate is the peer's most recently reported inbound
// throughput, in bytes/sec: what this side is effectively able to send.
func (c *Connection) OutboundThroughputEstimate() int64 { return c.outboundThroughput.Load() }

// NegotiatedCapabilities is the zero CapabilitySet until the first 0x00
// frame has been processed.
func (c *Connection) NegotiatedCapabilities() CapabilitySet {
	return c.negotiated.Load().(CapabilitySet)
}

// BytesIn is the total bytes read off the underlying socket.
func (c *Connection) BytesIn() uint64 { return c.bytesIn.Load() }

// BytesOut is the total bytes written to the underlying socket.
func (c *Connection) BytesOut() uint64 { return c.bytesOut.Load() }

// IsClosing reports whether the connection has begun or finished closing.
func (c *Connection) IsClosing() bool {
	s := ConnectionState(c.state.Load())
	return s == StateClosing || s == StateClosed
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState { return ConnectionState(c.state.Load()) }

// Name returns the display name given at construction, or the generated
// UUID if none was given.
func (c *Connection) Name() string { return c.name }

func (c *Connection) wakeSend() {
	select {
	case c.dataWake <- struct{}{}:
	default:
	}
}

func (c *Connection) wakePong() {
	select {
	case c.pongWake <- struct{}{}:
	default:
	}
}

func (c *Connection) wakeDispatch() {
	select {
	case c.dispatchWake <- struct{}{}:
	default:
	}
}

func (c *Connection) releaseSendNumber(n uint8) {
	c.sendNumbers <- n
}

func (c *Connection) cancelAllIncoming() {
	c.incomingMu.Lock()
	var cancelled []*Message
	for i, m := range c.incomingSlots {
		if m == nil {
			continue
		}
		m.markCancelled()
		cancelled = append(cancelled, m)
		c.incomingSlots[i] = nil
	}
	c.incomingMu.Unlock()

	for _, m := range cancelled {
		c.dispatchQueue.Enqueue(m)
	}
}

func (c *Connection) incomingSlotsOccupied() int {
	c.incomingMu.Lock()
	defer c.incomingMu.Unlock()
	n := 0
	for _, m := range c.incomingSlots {
		if m != nil {
			n++
		}
	}
	return n
}

// --- receive loop ---------------------------------------------------------

func (c *Connection) receiveLoop() {
	defer c.wg.Done()
	staging := make([]byte, wire.MaxControlFrameSize)

	for {
		if len(c.expected) > 0 {
			d := c.expected[0]
			c.expected = c.expected[1:]
			if !c.receiveDataFrame(d) {
				return
			}
			if len(c.expected) == 0 {
				c.finishThroughputGroup()
			}
			continue
		}

		n := c.socket.ReceiveFrame(staging)
		if n < 0 {
			c.handleSocketError(n)
			return
		}
		c.bytesIn.Add(uint64(n))

		frame, err := wire.DecodeControlFrame(staging[:n])
		if err != nil {
			c.ForceClose("malformed control frame: "+err.Error(), false)
			return
		}
		c.handleControlFrame(frame)
		if c.IsClosing() {
			return
		}
	}
}

func (c *Connection) receiveDataFrame(d wire.DataFrameDescriptor) bool {
	c.incomingMu.Lock()
	msg := c.incomingSlots[d.MessageNumber]
	c.incomingMu.Unlock()
	if msg == nil {
		c.ForceClose("data frame for a message slot with no in-progress message", false)
		return false
	}

	n := c.socket.ReceiveFrame(msg.payload[d.Offset:])
	if n < 0 {
		c.handleSocketError(n)
		return false
	}
	c.bytesIn.Add(uint64(n))
	c.groupBytes += uint32(n)

	msg.appendReceived(uint32(n))
	c.dispatchQueue.Enqueue(msg)
	c.wakeDispatch()

	if d.IsLast {
		c.incomingMu.Lock()
		c.incomingSlots[d.MessageNumber] = nil
		c.incomingMu.Unlock()
	}
	return true
}

func (c *Connection) finishThroughputGroup() {
	if !c.groupActive {
		return
	}
	c.groupActive = false
	elapsedMs := time.Since(c.groupStart).Milliseconds()
	if c.groupBytes > uint32(c.config.SinglePacketMTU) && elapsedMs > 0 {
		c.inboundThroughput.Record(int64(c.groupBytes) * 1000 / elapsedMs)
	}
}

func (c *Connection) handleControlFrame(f wire.ControlFrame) {
	c.remoteRTT.Store(uint32(f.RTT))
	c.outboundThroughput.Store(int64(f.Throughput))

	if ConnectionState(c.state.Load()) == StateOpening {
		c.state.CompareAndSwap(int32(StateOpening), int32(StateOpen))
	}

	switch {
	case f.Opcode == wire.OpCapabilities:
		remote := CapabilitySet{
			MajorVersion: f.Capability.MajorVersion,
			MinorVersion: f.Capability.MinorVersion,
			Bits:         uint32(f.Capability.Bits),
		}
		negotiated := Negotiate(c.localCaps, remote)
		c.negotiated.Store(negotiated)
		if negotiated.SupportsCapabilities() && c.capabilitiesSent.CompareAndSwap(false, true) {
			c.wantSendCapabilities.Store(true)
			c.wakeSend()
		}

	case f.Opcode >= wire.OpSendDataMin && f.Opcode <= wire.OpSendDataMax:
		c.groupActive = true
		c.groupStart = time.Now()
		c.groupBytes = 0
		for _, d := range f.Descriptors {
			if d.IsFirst {
				msg := NewIncomingMessage(d.TotalMessageLength, d.Header)
				msg.callbacks.OnPanic = func(p any) {
					c.log.WithField("panic", p).Error("recovered panic in message callback")
				}
				c.incomingMu.Lock()
				c.incomingSlots[d.MessageNumber] = msg
				c.incomingMu.Unlock()
			}
			c.expected = append(c.expected, d)
		}

	case f.Opcode == wire.OpPing:
		c.wantPong.Store(true)
		c.wakePong()

	case f.Opcode == wire.OpPong:
		c.pingMu.Lock()
		if c.pingOutstanding {
			c.localRTT.Record(time.Since(c.pingSentAt).Milliseconds())
			c.pingOutstanding = false
			c.missedPings = 0
		}
		c.pingMu.Unlock()

	case f.Opcode == wire.OpCancelMessages:
		c.handleIncomingCancel(f.CancelMask)
	}
}

func (c *Connection) handleIncomingCancel(mask uint16) {
	c.incomingMu.Lock()
	var cancelled []*Message
	for i := 0; i < 16; i++ {
		if mask&(uint16(1)<<uint(i)) == 0 {
			continue
		}
		if msg := c.incomingSlots[i]; msg != nil {
			msg.markCancelled()
			cancelled = append(cancelled, msg)
			c.incomingSlots[i] = nil
		}
	}
	c.incomingMu.Unlock()

	if len(cancelled) == 0 {
		return
	}
	for _, msg := range cancelled {
		c.dispatchQueue.Enqueue(msg)
	}
	c.wakeDispatch()
}

func (c *Connection) handleSocketError(n int) {
	reason := "underlying socket error"
	switch n {
	case SocketClosing:
		reason = "underlying socket closed"
	case SocketCancelled:
		reason = "underlying socket receive cancelled"
	case SocketFrameTooLarge:
		reason = "frame exceeds receive buffer"
	case SocketNonBinaryFrame:
		reason = "non-binary frame received"
	}
	c.ForceClose(reason, false)
}

// --- send loop --------------------------------------------------------

type sendWakeReason int

const (
	wakeClosed sendWakeReason = iota
	wakeBudgetTimer
	wakePingTimer
	wakePong
	wakeData
)

func (c *Connection) sendLoop() {
	defer c.wg.Done()

	var bytesBudget uint32
	budgetTimer := time.NewTimer(0)
	pingTimer := time.NewTimer(c.nextPingDelay())
	defer budgetTimer.Stop()
	defer pingTimer.Stop()

	for {
		switch c.awaitSendWake(bytesBudget, budgetTimer, pingTimer) {
		case wakeClosed:
			return
		case wakeBudgetTimer:
			bytesBudget = c.recomputeBudget()
			budgetTimer.Reset(time.Duration(c.config.TargetResponsivenessMS) * time.Millisecond)
		case wakePingTimer:
			if c.handlePingTimer(pingTimer) {
				return
			}
		case wakePong, wakeData:
		}

		if c.wantPong.CompareAndSwap(true, false) {
			c.sendControlFrame(wire.ControlFrame{Opcode: wire.OpPong})
		}
		if c.wantSendCapabilities.CompareAndSwap(true, false) {
			c.sendCapabilitiesFrame()
		}
		c.drainOutgoingCancel()

		if c.IsClosing() {
			return
		}

		c.flushSendBatch(&bytesBudget)
	}
}

func (c *Connection) awaitSendWake(bytesBudget uint32, budgetTimer, pingTimer *time.Timer) sendWakeReason {
	if bytesBudget > 0 {
		select {
		case <-c.closedCh:
			return wakeClosed
		case <-budgetTimer.C:
			return wakeBudgetTimer
		case <-pingTimer.C:
			return wakePingTimer
		case <-c.pongWake:
			return wakePong
		case <-c.dataWake:
			return wakeData
		}
	}
	select {
	case <-c.closedCh:
		return wakeClosed
	case <-budgetTimer.C:
		return wakeBudgetTimer
	case <-c.pongWake:
		return wakePong
	}
}

func (c *Connection) recomputeBudget() uint32 {
	throughput := c.outboundThroughput.Load()
	if throughput < 0 {
		throughput = 0
	}
	mtu := int64(c.config.SinglePacketMTU)
	x := (throughput * int64(c.config.MaxPercentThroughput) * int64(c.config.TargetResponsivenessMS)) / 100_000
	if x <= 0 {
		return 0
	}
	budget := ((x + mtu - 1) / mtu) * mtu
	return uint32(budget)
}

// handlePingTimer sends a ping if none is outstanding, or counts a missed
// pong and force-closes once missedPingCount is reached. Returns true if the
// send loop should exit.
func (c *Connection) handlePingTimer(pingTimer *time.Timer) bool {
	c.pingMu.Lock()
	if !c.pingOutstanding {
		c.pingOutstanding = true
		c.pingSentAt = time.Now()
		c.pingCount++
		c.pingMu.Unlock()
		c.sendControlFrame(wire.ControlFrame{Opcode: wire.OpPing})
	} else {
		c.missedPings++
		exceeded := c.missedPings >= c.config.MissedPingCount
		c.pingMu.Unlock()
		if exceeded {
			c.ForceClose("remote side did not respond to a ping", false)
			return true
		}
	}
	pingTimer.Reset(c.nextPingDelay())
	return false
}

// nextPingDelay picks base ± 50%, uniformly at random: base is
// initialPingInterval for the first few pings, pingInterval afterward.
func (c *Connection) nextPingDelay() time.Duration {
	c.pingMu.Lock()
	count := c.pingCount
	c.pingMu.Unlock()

	base := c.config.PingIntervalMS
	if c.config.InitialPingIntervalMS > 0 && count < c.config.PingIntervalMS/c.config.InitialPingIntervalMS {
		base = c.config.InitialPingIntervalMS
	}
	jitter := 0.5 + rand.Float64() // uniform in [0.5, 1.5)
	return time.Duration(float64(base)*jitter) * time.Millisecond
}

func (c *Connection) sendControlFrame(f wire.ControlFrame) error {
	f.RTT = uint16(c.localRTT.Value())
	f.Throughput = int32(c.inboundThroughput.Value())
	buf, err := wire.EncodeControlFrame(f)
	if err != nil {
		c.log.WithError(err).Error("failed to encode outgoing control frame")
		return err
	}
	c.socket.SendFrame(buf)
	c.bytesOut.Add(uint64(len(buf)))
	return nil
}

func (c *Connection) sendCapabilitiesFrame() {
	c.sendControlFrame(wire.ControlFrame{
		Opcode: wire.OpCapabilities,
		Capability: wire.CapabilityRecord{
			MajorVersion: c.localCaps.MajorVersion,
			MinorVersion: c.localCaps.MinorVersion,
			Bits:         int32(c.localCaps.Bits),
		},
	})
	c.capabilitiesSent.Store(true)
}

func (c *Connection) drainOutgoingCancel() {
	c.outgoingCancelMu.Lock()
	pending := c.outgoingCancel
	c.outgoingCancel = nil
	c.outgoingCancelMu.Unlock()

	if len(pending) == 0 {
		return
	}

	caps := c.NegotiatedCapabilities()
	var bitmask uint16
	for _, om := range pending {
		if om.BytesRemaining() == 0 {
			continue // SendTooLate: silent no-op
		}
		if !caps.SupportsCancel() {
			if len(c.sendNumbers) == 0 {
				c.ForceClose("out of message numbers and unable to cancel", false)
				return
			}
			continue // legacy peer: leave the message in-flight
		}
		if err := c.sendQueue.Cancel(om); err != nil {
			continue // already fully sent by the time we got here
		}
		c.releaseSendNumber(om.messageNumber)
		bitmask |= uint16(1) << om.messageNumber
	}

	if bitmask != 0 {
		c.sendControlFrame(wire.ControlFrame{Opcode: wire.OpCancelMessages, CancelMask: bitmask})
	}
}

// flushSendBatch peels work off the send queue while the byte budget and the
// 15-descriptor-per-frame ceiling allow, then emits one control frame
// followed by each descriptor's data as its own underlying frame.
func (c *Connection) flushSendBatch(bytesBudget *uint32) {
	var descriptors []wire.DataFrameDescriptor
	var chunks [][]byte
	var messageNumbers []uint8
	var isLast []bool

	for *bytesBudget > 0 && len(descriptors) < wire.MaxDescriptorsPerFrame {
		om, n := c.sendQueue.Next(*bytesBudget)
		if om == nil || n == 0 {
			break
		}

		before := om.bytesSent.Load()
		last := om.BytesRemaining() == n
		d := wire.DataFrameDescriptor{
			MessageNumber:      om.messageNumber,
			IsFirst:            before == 0,
			IsLast:             last,
			Offset:             before,
			TotalMessageLength: uint32(len(om.message.payload)),
			Header:             om.EffectiveHeader(),
		}
		chunk := om.message.payload[before : before+n]
		om.bytesSent.Add(n)
		*bytesBudget -= n

		descriptors = append(descriptors, d)
		chunks = append(chunks, chunk)
		messageNumbers = append(messageNumbers, om.messageNumber)
		isLast = append(isLast, last)
	}

	if len(descriptors) == 0 {
		return
	}

	if err := c.sendControlFrame(wire.ControlFrame{Opcode: byte(len(descriptors)), Descriptors: descriptors}); err != nil {
		// The control frame is what tells the peer how many data frames
		// follow and how to attribute them; without it on the wire first,
		// sending any of the chunks below would desync the peer's receive
		// loop for the rest of the connection, not just this message. Every
		// byte counted into this batch already passed SendMessage's
		// header-length check, so reaching this branch means an internal
		// invariant broke (e.g. a message number or offset outside the
		// wire's field width) rather than caller misuse, and no partial
		// progress is worth preserving.
		c.ForceClose("failed to encode outgoing control frame: "+err.Error(), false)
		return
	}

	for i, chunk := range chunks {
		c.socket.SendFrame(chunk)
		c.bytesOut.Add(uint64(len(chunk)))
		if isLast[i] {
			c.releaseSendNumber(messageNumbers[i])
		}
	}
}

// --- dispatch loop ------------------------------------------------------

func (c *Connection) dispatchLoop() {
	defer c.wg.Done()
	for {
		for {
			msg, ok := c.dispatchQueue.Dequeue()
			if !ok {
				break
			}
			events := msg.resolveDispatchEvents()
			if events == 0 {
				continue
			}
			msg.callbacks.Fire(msg, events)
			c.connCallbacks.Fire(msg, events)
		}

		if c.IsClosing() && c.incomingSlotsOccupied() == 0 {
			c.state.Store(int32(StateClosed))
			c.log.Info("connection closed")
			return
		}

		select {
		case <-c.dispatchWake:
		case <-c.closedCh:
		}
	}
}
