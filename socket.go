package framewire

// FramedSocket is the external collaborator this transport multiplexes
// over: a thin binding onto a real WebSocket (or equivalent) that transfers
// discrete, atomic binary frames.
type FramedSocket interface {
	// ReceiveFrame blocks until one binary frame arrives, copies it into
	// buffer, and returns the number of bytes written. A negative value is
	// one of the sentinels below.
	ReceiveFrame(buffer []byte) int

	// SendFrame submits one binary frame. It may complete asynchronously;
	// failures are swallowed by design — the next ReceiveFrame call is
	// expected to observe the resulting close.
	SendFrame(buffer []byte)

	// Close initiates connection teardown, optionally waiting for the
	// remote side to acknowledge. Idempotent.
	Close(reason string, waitForRemote bool)
}

// ReceiveFrame sentinel return values.
const (
	SocketClosing        = -1
	SocketCancelled       = -2
	SocketFrameTooLarge  = -3
	SocketNonBinaryFrame = -4
)
