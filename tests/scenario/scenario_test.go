// Package scenario runs the transport's end-to-end behavioral scenarios
// against internal/memsocket, reproducing the literal latency/throughput/time
// bounds used to validate the connection core.
package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/gliderwire/framewire"
	"github.com/gliderwire/framewire/internal/memsocket"
)

func testPattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}

func newPair(t *testing.T, aToB, bToA memsocket.Config, cfg framewire.TransportConfig) (a, b *framewire.Connection) {
	t.Helper()
	sockA, sockB := memsocket.NewPair(aToB, bToA)
	a = framewire.New(sockA, cfg, "a", true)
	b = framewire.New(sockB, cfg, "b", false)
	t.Cleanup(func() {
		a.ForceClose("test cleanup", false)
		b.ForceClose("test cleanup", false)
	})
	return a, b
}

// TestLoopbackLargeSend is scenario S1.
func TestLoopbackLargeSend(t *testing.T) {
	t.Parallel()

	cfg := framewire.DefaultTransportConfig()
	linkCfg := memsocket.Config{} // zero latency, unlimited throughput
	a, b := newPair(t, linkCfg, linkCfg, cfg)

	got := make(chan *framewire.Message, 1)
	b.RegisterCallback(func(msg *framewire.Message, events framewire.EventMask) {
		if events&framewire.EventComplete != 0 {
			got <- msg
		}
	}, framewire.EventComplete)
	b.BeginDispatch()
	a.BeginDispatch()

	payload := testPattern(1048576)
	msg := framewire.NewOutgoingPayload(payload, []byte("s1-header"))
	if _, err := a.SendMessage(context.Background(), msg, 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case m := <-got:
		if len(m.Payload()) != len(payload) {
			t.Fatalf("payload length = %d, want %d", len(m.Payload()), len(payload))
		}
		for i := range payload {
			if m.Payload()[i] != payload[i] {
				t.Fatalf("payload mismatch at byte %d", i)
			}
		}
		if string(m.Header()) != "s1-header" {
			t.Fatalf("header = %q, want %q", m.Header(), "s1-header")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("did not receive complete message within 10s")
	}
}

// TestThroughputShapedDelivery is scenario S2.
func TestThroughputShapedDelivery(t *testing.T) {
	t.Parallel()

	cfg := framewire.DefaultTransportConfig()
	linkCfg := memsocket.Config{Latency: 250 * time.Millisecond, BytesPerSecond: 263168}
	a, b := newPair(t, linkCfg, linkCfg, cfg)

	completeAtB := make(chan struct{}, 4)
	b.RegisterCallback(func(msg *framewire.Message, events framewire.EventMask) {
		if events&framewire.EventComplete != 0 {
			completeAtB <- struct{}{}
		}
	}, framewire.EventComplete)
	completeAtA := make(chan struct{}, 4)
	a.RegisterCallback(func(msg *framewire.Message, events framewire.EventMask) {
		if events&framewire.EventComplete != 0 {
			completeAtA <- struct{}{}
		}
	}, framewire.EventComplete)
	b.BeginDispatch()
	a.BeginDispatch()

	// Prime both directions so each side's throughput estimator has a
	// sample before the timed send.
	primePayload := testPattern(1047552)
	if _, err := a.SendMessage(context.Background(), framewire.NewOutgoingPayload(primePayload, nil), 0); err != nil {
		t.Fatalf("SendMessage(prime a->b): %v", err)
	}
	if _, err := b.SendMessage(context.Background(), framewire.NewOutgoingPayload(primePayload, nil), 0); err != nil {
		t.Fatalf("SendMessage(prime b->a): %v", err)
	}
	select {
	case <-completeAtB:
	case <-time.After(15 * time.Second):
		t.Fatal("prime a->b did not complete within 15s")
	}
	select {
	case <-completeAtA:
	case <-time.After(15 * time.Second):
		t.Fatal("prime b->a did not complete within 15s")
	}

	payload := testPattern(1047552)
	start := time.Now()
	if _, err := a.SendMessage(context.Background(), framewire.NewOutgoingPayload(payload, nil), 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case <-completeAtB:
		elapsed := time.Since(start)
		if elapsed < 4*time.Second || elapsed > 6*time.Second {
			t.Fatalf("elapsed = %v, want within [4s, 6s]", elapsed)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed send did not complete within 10s")
	}
}

// TestLivenessFailure is scenario S3.
func TestLivenessFailure(t *testing.T) {
	t.Parallel()

	cfg := framewire.DefaultTransportConfig()
	cfg.PingIntervalMS = 5000
	cfg.InitialPingIntervalMS = 1000
	cfg.MissedPingCount = 4 // theoretical 20s to Closed

	dropCfg := memsocket.Config{DropAll: true}
	a, b := newPair(t, dropCfg, dropCfg, cfg)

	var sawEvent bool
	a.RegisterCallback(func(*framewire.Message, framewire.EventMask) { sawEvent = true }, framewire.EventAll)
	a.BeginDispatch()
	b.BeginDispatch()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.WaitClose(ctx); err != nil {
		t.Fatalf("connection did not close within 30s: %v", err)
	}
	if sawEvent {
		t.Fatal("expected no NewMessage/Complete callback to fire")
	}
}

// TestForwardingBeforeCompletion is scenario S4.
func TestForwardingBeforeCompletion(t *testing.T) {
	t.Parallel()

	cfg := framewire.DefaultTransportConfig()
	linkCfg := memsocket.Config{Latency: 249 * time.Millisecond, BytesPerSecond: 255 * 1024}
	a, b := newPair(t, linkCfg, linkCfg, cfg)

	b.RegisterCallback(func(msg *framewire.Message, events framewire.EventMask) {
		if events&framewire.EventNewMessage != 0 {
			if _, err := b.SendMessage(context.Background(), msg, 0, msg.Header()); err != nil {
				t.Errorf("forwarding SendMessage: %v", err)
			}
		}
	}, framewire.EventNewMessage)

	got := make(chan *framewire.Message, 1)
	a.RegisterCallback(func(msg *framewire.Message, events framewire.EventMask) {
		if events&framewire.EventComplete != 0 {
			got <- msg
		}
	}, framewire.EventComplete)
	b.BeginDispatch()
	a.BeginDispatch()

	payload := testPattern(1050624)
	if _, err := a.SendMessage(context.Background(), framewire.NewOutgoingPayload(payload, []byte("s4")), 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case m := <-got:
		if len(m.Payload()) != len(payload) {
			t.Fatalf("bounced payload length = %d, want %d", len(m.Payload()), len(payload))
		}
		for i := range payload {
			if m.Payload()[i] != payload[i] {
				t.Fatalf("bounced payload mismatch at byte %d", i)
			}
		}
	case <-time.After(15 * time.Second):
		t.Fatal("did not receive the bounced message within 15s")
	}
}

// TestMessageCancellation is scenario S5.
func TestMessageCancellation(t *testing.T) {
	t.Parallel()

	cfg := framewire.DefaultTransportConfig()
	linkCfg := memsocket.Config{Latency: 252 * time.Millisecond, BytesPerSecond: 263168}
	a, b := newPair(t, linkCfg, linkCfg, cfg)

	var newMessages, cancelledMessages, completedMessages int
	settled := make(chan struct{})
	var settledOnce bool
	b.RegisterCallback(func(msg *framewire.Message, events framewire.EventMask) {
		if events&framewire.EventNewMessage != 0 {
			newMessages++
		}
		if events&framewire.EventCancelled != 0 {
			cancelledMessages++
			if !settledOnce {
				settledOnce = true
				close(settled)
			}
		}
		if events&framewire.EventComplete != 0 {
			completedMessages++
		}
	}, framewire.EventAll)
	b.BeginDispatch()
	a.BeginDispatch()

	big := framewire.NewOutgoingPayload(testPattern(1046528), nil)
	om, err := a.SendMessage(context.Background(), big, 0)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	time.Sleep(1 * time.Second)
	if err := a.Cancel(om); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case <-settled:
	case <-time.After(10 * time.Second):
		t.Fatal("cancellation did not reach B within 10s")
	}
	if newMessages != 1 || cancelledMessages != 1 || completedMessages != 0 {
		t.Fatalf("counts = new:%d cancelled:%d completed:%d, want 1/1/0", newMessages, cancelledMessages, completedMessages)
	}

	// A subsequent send must still complete normally.
	got := make(chan struct{}, 1)
	b.RegisterCallback(func(*framewire.Message, framewire.EventMask) {
		select {
		case got <- struct{}{}:
		default:
		}
	}, framewire.EventComplete)

	if _, err := a.SendMessage(context.Background(), framewire.NewOutgoingPayload(testPattern(262144), nil), 0); err != nil {
		t.Fatalf("SendMessage(follow-up): %v", err)
	}
	select {
	case <-got:
	case <-time.After(10 * time.Second):
		t.Fatal("follow-up send did not complete within 10s")
	}
}

// TestCancelPropagationAcrossRelay is scenario S6.
func TestCancelPropagationAcrossRelay(t *testing.T) {
	t.Parallel()

	cfg := framewire.DefaultTransportConfig()
	abCfg := memsocket.Config{Latency: 248 * time.Millisecond, BytesPerSecond: 261120}
	bcCfg := memsocket.Config{Latency: 252 * time.Millisecond, BytesPerSecond: 263168}

	sockAB, sockBA := memsocket.NewPair(abCfg, abCfg)
	sockBC, sockCB := memsocket.NewPair(bcCfg, bcCfg)

	connA := framewire.New(sockAB, cfg, "a", true)
	connBfromA := framewire.New(sockBA, cfg, "b-from-a", false)
	connBtoC := framewire.New(sockBC, cfg, "b-to-c", true)
	connC := framewire.New(sockCB, cfg, "c", false)
	t.Cleanup(func() {
		connA.ForceClose("test cleanup", false)
		connBfromA.ForceClose("test cleanup", false)
		connBtoC.ForceClose("test cleanup", false)
		connC.ForceClose("test cleanup", false)
	})

	connBfromA.RegisterCallback(func(msg *framewire.Message, events framewire.EventMask) {
		if events&framewire.EventNewMessage != 0 {
			connBtoC.SendMessage(context.Background(), msg, 0, msg.Header())
		}
	}, framewire.EventNewMessage)

	var newMessages, cancelledMessages, completedMessages int
	settled := make(chan struct{})
	var settledOnce bool
	connC.RegisterCallback(func(msg *framewire.Message, events framewire.EventMask) {
		if events&framewire.EventNewMessage != 0 {
			newMessages++
		}
		if events&framewire.EventCancelled != 0 {
			cancelledMessages++
			if !settledOnce {
				settledOnce = true
				close(settled)
			}
		}
		if events&framewire.EventComplete != 0 {
			completedMessages++
		}
	}, framewire.EventAll)

	connC.BeginDispatch()
	connBtoC.BeginDispatch()
	connBfromA.BeginDispatch()
	connA.BeginDispatch()

	big := framewire.NewOutgoingPayload(testPattern(1049600), nil)
	om, err := connA.SendMessage(context.Background(), big, 0)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	time.Sleep(1 * time.Second)
	if err := connA.Cancel(om); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case <-settled:
	case <-time.After(10 * time.Second):
		t.Fatal("cancellation did not reach C within 10s")
	}
	if newMessages != 1 || cancelledMessages != 1 || completedMessages != 0 {
		t.Fatalf("counts at C = new:%d cancelled:%d completed:%d, want 1/1/0", newMessages, cancelledMessages, completedMessages)
	}

	got := make(chan struct{}, 1)
	connC.RegisterCallback(func(*framewire.Message, framewire.EventMask) {
		select {
		case got <- struct{}{}:
		default:
		}
	}, framewire.EventComplete)

	if _, err := connA.SendMessage(context.Background(), framewire.NewOutgoingPayload(testPattern(260096), nil), 0); err != nil {
		t.Fatalf("SendMessage(follow-up): %v", err)
	}
	select {
	case <-got:
	case <-time.After(10 * time.Second):
		t.Fatal("follow-up send did not complete end-to-end within 10s")
	}
}
