// Package framewire implements a real-time message transport that layers on
// top of an existing framed byte-stream (conceptually a WebSocket: each
// underlying send/receive transfers one atomic binary frame of known
// length).
//
// A single Connection multiplexes up to sixteen concurrent logical messages
// over one framed socket, with preemptive priority scheduling so a large
// low-priority payload cannot head-of-line-block a small high-priority one,
// explicit bandwidth shaping driven by in-band round-trip and throughput
// estimation, ping/pong liveness detection independent of the underlying
// transport's own timeouts, incremental forwarding of a message before it
// has finished arriving, and capability negotiation for protocol evolution.
//
// # Quick start
//
//	conn := framewire.New(socket, framewire.DefaultTransportConfig(), "peer-1", true)
//	conn.RegisterCallback(func(msg *framewire.Message, events framewire.EventMask) {
//	    if events&framewire.EventComplete != 0 {
//	        handle(msg.Payload())
//	    }
//	}, framewire.EventComplete)
//	conn.BeginDispatch()
//
//	out := framewire.NewOutgoingPayload(payload, nil)
//	if _, err := conn.SendMessage(ctx, out, 0); err != nil {
//	    log.Fatal(err)
//	}
//
// socket is anything implementing FramedSocket; see the ws package for a
// gorilla/websocket-backed implementation.
package framewire
